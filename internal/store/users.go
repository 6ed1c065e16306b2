package store

import (
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// User is a registered person on some platform.
type User struct {
	ID          int64
	Name        string
	Platform    string
	PlatformID  string
	AccessLevel string
	DisplayName string
	Aliases     string
	Preferences string
	CreatedAt   time.Time
}

// GetUser finds a user by platform identity.
func (s *Store) GetUser(platform, platformID string) (*User, error) {
	row := s.db.QueryRow(`
		SELECT id, name, platform, platform_id, access_level, display_name, aliases, preferences, created_at
		FROM users WHERE platform = ? AND platform_id = ?`, platform, platformID)
	return scanUser(row)
}

// GetUserByID finds a user by primary key.
func (s *Store) GetUserByID(id int64) (*User, error) {
	row := s.db.QueryRow(`
		SELECT id, name, platform, platform_id, access_level, display_name, aliases, preferences, created_at
		FROM users WHERE id = ?`, id)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	var created int64
	err := row.Scan(&u.ID, &u.Name, &u.Platform, &u.PlatformID, &u.AccessLevel,
		&u.DisplayName, &u.Aliases, &u.Preferences, &created)
	if err != nil {
		return nil, err
	}
	u.CreatedAt = time.UnixMilli(created)
	return &u, nil
}

// CreateUser registers a new user. The first user ever registered is
// promoted to owner.
func (s *Store) CreateUser(name, platform, platformID, displayName string) (*User, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return nil, errors.Wrap(err, "count users")
	}
	level := "public"
	if count == 0 {
		level = "owner"
	}

	now := nowMillis()
	res, err := s.db.Exec(`
		INSERT INTO users (name, platform, platform_id, access_level, display_name, aliases, preferences, created_at)
		VALUES (?, ?, ?, ?, ?, '{}', '{}', ?)`,
		name, platform, platformID, level, displayName, now)
	if err != nil {
		return nil, errors.Wrap(err, "create user")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &User{
		ID: id, Name: name, Platform: platform, PlatformID: platformID,
		AccessLevel: level, DisplayName: displayName,
		Aliases: "{}", Preferences: "{}",
		CreatedAt: time.UnixMilli(now),
	}, nil
}

// EnsureUser returns the existing user for the platform identity or
// registers one.
func (s *Store) EnsureUser(name, platform, platformID, displayName string) (*User, error) {
	u, err := s.GetUser(platform, platformID)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return s.CreateUser(name, platform, platformID, displayName)
}

// SetUserLevel changes a user's access tier.
func (s *Store) SetUserLevel(id int64, level string) error {
	_, err := s.db.Exec(`UPDATE users SET access_level = ? WHERE id = ?`, level, id)
	return err
}

// ListUsers returns all registered users ordered by registration.
func (s *Store) ListUsers() ([]User, error) {
	rows, err := s.db.Query(`
		SELECT id, name, platform, platform_id, access_level, display_name, aliases, preferences, created_at
		FROM users ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var u User
		var created int64
		if err := rows.Scan(&u.ID, &u.Name, &u.Platform, &u.PlatformID, &u.AccessLevel,
			&u.DisplayName, &u.Aliases, &u.Preferences, &created); err != nil {
			return nil, err
		}
		u.CreatedAt = time.UnixMilli(created)
		out = append(out, u)
	}
	return out, rows.Err()
}
