package store

import (
	"time"

	"github.com/pkg/errors"
)

// Memory is one embedded fact about a user or the household.
type Memory struct {
	ID           string
	UserID       int64
	Content      string
	Category     string
	Importance   float64
	Permanent    bool
	Source       string
	Embedding    []float32
	EmbeddingDim int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// InsertMemory persists a new memory row.
func (s *Store) InsertMemory(m *Memory) error {
	now := nowMillis()
	_, err := s.db.Exec(`
		INSERT INTO memories (id, user_id, content, category, importance, permanent, source, embedding, embedding_dim, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.UserID, stripNUL(m.Content), m.Category, m.Importance, m.Permanent,
		m.Source, embeddingToBlob(m.Embedding), len(m.Embedding), now, now)
	if err != nil {
		return errors.Wrap(err, "insert memory")
	}
	m.CreatedAt = time.UnixMilli(now)
	m.UpdatedAt = m.CreatedAt
	return nil
}

// UpdateMemory rewrites content and importance in place. This is the
// dedup path: a changed fact replaces its near-duplicate instead of
// accumulating variants.
func (s *Store) UpdateMemory(id, content string, importance float64, embedding []float32) error {
	_, err := s.db.Exec(`
		UPDATE memories SET content = ?, importance = ?, embedding = ?, embedding_dim = ?, updated_at = ?
		WHERE id = ?`,
		stripNUL(content), importance, embeddingToBlob(embedding), len(embedding), nowMillis(), id)
	return errors.Wrap(err, "update memory")
}

// AllMemories streams every row for in-process similarity ranking.
func (s *Store) AllMemories() ([]Memory, error) {
	return s.queryMemories(`
		SELECT id, user_id, content, category, importance, permanent, source, embedding, embedding_dim, created_at, updated_at
		FROM memories`)
}

// MemoriesForUser returns rows owned by one user, newest first.
// limit <= 0 returns all of them.
func (s *Store) MemoriesForUser(userID int64, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryMemories(`
		SELECT id, user_id, content, category, importance, permanent, source, embedding, embedding_dim, created_at, updated_at
		FROM memories WHERE user_id = ? ORDER BY updated_at DESC LIMIT ?`, userID, limit)
}

func (s *Store) queryMemories(query string, args ...any) ([]Memory, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query memories")
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		var m Memory
		var blob []byte
		var created, updated int64
		if err := rows.Scan(&m.ID, &m.UserID, &m.Content, &m.Category, &m.Importance,
			&m.Permanent, &m.Source, &blob, &m.EmbeddingDim, &created, &updated); err != nil {
			return nil, err
		}
		m.Embedding = blobToEmbedding(blob)
		m.CreatedAt = time.UnixMilli(created)
		m.UpdatedAt = time.UnixMilli(updated)
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteMemory removes one row.
func (s *Store) DeleteMemory(id string) error {
	_, err := s.db.Exec(`DELETE FROM memories WHERE id = ?`, id)
	return err
}

// CountMemories reports the table size.
func (s *Store) CountMemories() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM memories`).Scan(&n)
	return n, err
}

// StoredEmbeddingDim returns the dimension of existing embeddings, or 0
// when the table is empty. A mismatch with the active embedder forces a
// wipe and re-embed cycle.
func (s *Store) StoredEmbeddingDim() (int, error) {
	var dim int
	err := s.db.QueryRow(`SELECT COALESCE(MAX(embedding_dim), 0) FROM memories`).Scan(&dim)
	return dim, err
}

// WipeMemories deletes every memory row.
func (s *Store) WipeMemories() error {
	_, err := s.db.Exec(`DELETE FROM memories`)
	return err
}
