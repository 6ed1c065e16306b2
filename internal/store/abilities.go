package store

import (
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// AbilityRecord mirrors the abilities table: the persistent half of a
// registered ability (the code half lives in the registry).
type AbilityRecord struct {
	Name                string
	Description         string
	Version             string
	Source              string
	ModulePath          string
	Config              string
	Enabled             bool
	RequiresAccessLevel string
	ConsecutiveFailures int
	LastError           string
	UpdatedAt           time.Time
}

const (
	AbilitySourceBundled     = "bundled"
	AbilitySourceInstalled   = "installed"
	AbilitySourceSelfCreated = "self_created"
)

// SyncAbility upserts the code-derived fields while preserving the
// user-owned ones (enabled, config, requires_access_level) on conflict.
func (s *Store) SyncAbility(rec *AbilityRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO abilities (name, description, version, source, module_path, config, enabled, requires_access_level, consecutive_failures, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, '', ?)
		ON CONFLICT (name) DO UPDATE SET
			description = excluded.description,
			version     = excluded.version,
			source      = excluded.source,
			module_path = excluded.module_path,
			updated_at  = excluded.updated_at`,
		rec.Name, rec.Description, rec.Version, rec.Source, rec.ModulePath,
		rec.Config, rec.Enabled, rec.RequiresAccessLevel, nowMillis())
	return errors.Wrap(err, "sync ability")
}

// GetAbility returns one record.
func (s *Store) GetAbility(name string) (*AbilityRecord, error) {
	row := s.db.QueryRow(`
		SELECT name, description, version, source, module_path, config, enabled, requires_access_level, consecutive_failures, last_error, updated_at
		FROM abilities WHERE name = ?`, name)
	return scanAbility(row)
}

func scanAbility(row *sql.Row) (*AbilityRecord, error) {
	var rec AbilityRecord
	var updated int64
	err := row.Scan(&rec.Name, &rec.Description, &rec.Version, &rec.Source,
		&rec.ModulePath, &rec.Config, &rec.Enabled, &rec.RequiresAccessLevel,
		&rec.ConsecutiveFailures, &rec.LastError, &updated)
	if err != nil {
		return nil, err
	}
	rec.UpdatedAt = time.UnixMilli(updated)
	return &rec, nil
}

// ListAbilities returns every record ordered by name.
func (s *Store) ListAbilities() ([]AbilityRecord, error) {
	rows, err := s.db.Query(`
		SELECT name, description, version, source, module_path, config, enabled, requires_access_level, consecutive_failures, last_error, updated_at
		FROM abilities ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AbilityRecord
	for rows.Next() {
		var rec AbilityRecord
		var updated int64
		if err := rows.Scan(&rec.Name, &rec.Description, &rec.Version, &rec.Source,
			&rec.ModulePath, &rec.Config, &rec.Enabled, &rec.RequiresAccessLevel,
			&rec.ConsecutiveFailures, &rec.LastError, &updated); err != nil {
			return nil, err
		}
		rec.UpdatedAt = time.UnixMilli(updated)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SetAbilityEnabled toggles an ability and clears its failure streak when
// re-enabled.
func (s *Store) SetAbilityEnabled(name string, enabled bool) error {
	_, err := s.db.Exec(`
		UPDATE abilities SET enabled = ?, consecutive_failures = CASE WHEN ? THEN 0 ELSE consecutive_failures END, updated_at = ?
		WHERE name = ?`, enabled, enabled, nowMillis(), name)
	return err
}

// SetAbilityConfig replaces the opaque config JSON.
func (s *Store) SetAbilityConfig(name, config string) error {
	_, err := s.db.Exec(`UPDATE abilities SET config = ?, updated_at = ? WHERE name = ?`,
		config, nowMillis(), name)
	return err
}

// RecordAbilityFailure bumps the streak and returns the new count.
func (s *Store) RecordAbilityFailure(name, lastError string) (int, error) {
	_, err := s.db.Exec(`
		UPDATE abilities SET consecutive_failures = consecutive_failures + 1, last_error = ?, updated_at = ?
		WHERE name = ?`, lastError, nowMillis(), name)
	if err != nil {
		return 0, err
	}
	var n int
	err = s.db.QueryRow(`SELECT consecutive_failures FROM abilities WHERE name = ?`, name).Scan(&n)
	return n, err
}

// ResetAbilityFailures clears the streak after a success.
func (s *Store) ResetAbilityFailures(name string) error {
	_, err := s.db.Exec(`
		UPDATE abilities SET consecutive_failures = 0, last_error = '', updated_at = ? WHERE name = ?`,
		nowMillis(), name)
	return err
}
