package store

import (
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// Rule is a named behavior directive included in the system prompt.
type Rule struct {
	Name      string
	Body      string
	UpdatedAt time.Time
}

// UpsertRule creates or replaces a rule. Protection of reserved prefixes
// is enforced by the calling tool, not here.
func (s *Store) UpsertRule(name, body string) error {
	_, err := s.db.Exec(`
		INSERT INTO rules (name, body, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		name, body, nowMillis())
	return errors.Wrap(err, "upsert rule")
}

// DeleteRule removes a rule.
func (s *Store) DeleteRule(name string) error {
	_, err := s.db.Exec(`DELETE FROM rules WHERE name = ?`, name)
	return err
}

// ListRules returns all rules ordered by name.
func (s *Store) ListRules() ([]Rule, error) {
	rows, err := s.db.Query(`SELECT name, body, updated_at FROM rules ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		var r Rule
		var updated int64
		if err := rows.Scan(&r.Name, &r.Body, &updated); err != nil {
			return nil, err
		}
		r.UpdatedAt = time.UnixMilli(updated)
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetIdentity returns the persona document, or "" when unset.
func (s *Store) GetIdentity() (string, error) {
	var body string
	err := s.db.QueryRow(`SELECT body FROM identity WHERE id = 1`).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return body, err
}

// SetIdentity replaces the persona document.
func (s *Store) SetIdentity(body string) error {
	_, err := s.db.Exec(`
		INSERT INTO identity (id, body, updated_at) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		body, nowMillis())
	return errors.Wrap(err, "set identity")
}
