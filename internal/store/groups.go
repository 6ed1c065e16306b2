package store

import (
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// Group is a multi-user chat the agent may participate in.
type Group struct {
	ID              int64
	Platform        string
	PlatformGroupID string
	Enabled         bool
	RequireMention  bool
	AllowFrom       string
	CreatedAt       time.Time
}

const (
	AllowFromAll        = "all"
	AllowFromRegistered = "registered"
)

// GetGroup finds a group by platform identity.
func (s *Store) GetGroup(platform, groupID string) (*Group, error) {
	row := s.db.QueryRow(`
		SELECT id, platform, platform_group_id, enabled, require_mention, allow_from, created_at
		FROM groups WHERE platform = ? AND platform_group_id = ?`, platform, groupID)

	var g Group
	var created int64
	err := row.Scan(&g.ID, &g.Platform, &g.PlatformGroupID, &g.Enabled,
		&g.RequireMention, &g.AllowFrom, &created)
	if err != nil {
		return nil, err
	}
	g.CreatedAt = time.UnixMilli(created)
	return &g, nil
}

// EnsureGroup returns the stored group record, creating a disabled one on
// first sight so the owner can allowlist it later.
func (s *Store) EnsureGroup(platform, groupID string, enabledByDefault bool) (*Group, error) {
	g, err := s.GetGroup(platform, groupID)
	if err == nil {
		return g, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	now := nowMillis()
	res, err := s.db.Exec(`
		INSERT INTO groups (platform, platform_group_id, enabled, require_mention, allow_from, created_at)
		VALUES (?, ?, ?, 1, ?, ?)`,
		platform, groupID, enabledByDefault, AllowFromRegistered, now)
	if err != nil {
		return nil, errors.Wrap(err, "create group")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &Group{
		ID: id, Platform: platform, PlatformGroupID: groupID,
		Enabled: enabledByDefault, RequireMention: true,
		AllowFrom: AllowFromRegistered, CreatedAt: time.UnixMilli(now),
	}, nil
}

// SetGroupEnabled toggles a group on the allowlist.
func (s *Store) SetGroupEnabled(platform, groupID string, enabled bool) error {
	_, err := s.db.Exec(`UPDATE groups SET enabled = ? WHERE platform = ? AND platform_group_id = ?`,
		enabled, platform, groupID)
	return err
}

// ListGroups returns every known group.
func (s *Store) ListGroups() ([]Group, error) {
	rows, err := s.db.Query(`
		SELECT id, platform, platform_group_id, enabled, require_mention, allow_from, created_at
		FROM groups ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Group
	for rows.Next() {
		var g Group
		var created int64
		if err := rows.Scan(&g.ID, &g.Platform, &g.PlatformGroupID, &g.Enabled,
			&g.RequireMention, &g.AllowFrom, &created); err != nil {
			return nil, err
		}
		g.CreatedAt = time.UnixMilli(created)
		out = append(out, g)
	}
	return out, rows.Err()
}
