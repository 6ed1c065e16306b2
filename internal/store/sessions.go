package store

import (
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// Session is one conversation thread on a channel. At most one active
// session exists per (platform, platform_chat_id); archiving it makes
// room for a fresh one on next contact.
type Session struct {
	ID             int64
	Platform       string
	PlatformChatID string
	UserID         int64
	Status         string
	MessageCount   int
	Summary        string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

const (
	SessionActive   = "active"
	SessionArchived = "archived"
)

// GetOrCreateSession returns the active session for the chat, creating
// one when none exists.
func (s *Store) GetOrCreateSession(platform, chatID string, userID int64) (*Session, error) {
	sess, err := s.ActiveSession(platform, chatID)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	now := nowMillis()
	res, err := s.db.Exec(`
		INSERT INTO sessions (platform, platform_chat_id, user_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		platform, chatID, userID, SessionActive, now, now)
	if err != nil {
		return nil, errors.Wrap(err, "create session")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &Session{
		ID:             id,
		Platform:       platform,
		PlatformChatID: chatID,
		UserID:         userID,
		Status:         SessionActive,
		CreatedAt:      time.UnixMilli(now),
		UpdatedAt:      time.UnixMilli(now),
	}, nil
}

// ActiveSession returns the live session for a chat, or sql.ErrNoRows
// when the chat has none.
func (s *Store) ActiveSession(platform, chatID string) (*Session, error) {
	row := s.db.QueryRow(`
		SELECT id, platform, platform_chat_id, user_id, status, message_count, summary, created_at, updated_at
		FROM sessions
		WHERE platform = ? AND platform_chat_id = ? AND status = ?`,
		platform, chatID, SessionActive)
	return scanSession(row)
}

// GetSession looks a session up by primary key.
func (s *Store) GetSession(id int64) (*Session, error) {
	row := s.db.QueryRow(`
		SELECT id, platform, platform_chat_id, user_id, status, message_count, summary, created_at, updated_at
		FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func scanSession(row *sql.Row) (*Session, error) {
	var sess Session
	var created, updated int64
	err := row.Scan(&sess.ID, &sess.Platform, &sess.PlatformChatID, &sess.UserID,
		&sess.Status, &sess.MessageCount, &sess.Summary, &created, &updated)
	if err != nil {
		return nil, err
	}
	sess.CreatedAt = time.UnixMilli(created)
	sess.UpdatedAt = time.UnixMilli(updated)
	return &sess, nil
}

// ArchiveSession retires the session. The next message on the same chat
// lazily creates a new active one.
func (s *Store) ArchiveSession(id int64) error {
	_, err := s.db.Exec(`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		SessionArchived, nowMillis(), id)
	return errors.Wrap(err, "archive session")
}

// SetSessionCounters overwrites message_count (used after compaction).
func (s *Store) SetSessionCounters(id int64, messageCount int, summary string) error {
	_, err := s.db.Exec(`UPDATE sessions SET message_count = ?, summary = ?, updated_at = ? WHERE id = ?`,
		messageCount, summary, nowMillis(), id)
	return err
}

// CountActiveSessions reports live conversation threads.
func (s *Store) CountActiveSessions() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions WHERE status = ?`, SessionActive).Scan(&n)
	return n, err
}
