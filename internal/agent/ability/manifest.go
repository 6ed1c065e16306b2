package ability

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"

	"github.com/hearthlabs/hearth/internal/agent/access"
	"github.com/hearthlabs/hearth/internal/agent/chat"
	"github.com/hearthlabs/hearth/internal/agent/tools"
	"github.com/hearthlabs/hearth/internal/store"
)

// ManifestFileName is the self-description every loadable ability carries
// in its directory.
const ManifestFileName = "manifest.json"

// defaultAbilityLevel applies when a manifest does not declare one. The
// first trusted tier: loaded code is never exposed to strangers or groups
// by default.
const defaultAbilityLevel = "friend"

// Manifest is an ability's self-report: identity, schema, and how to run
// it. The entrypoint is an executable, relative to the manifest's
// directory, that speaks line-delimited JSON on stdio.
type Manifest struct {
	Name           string         `json:"name"`
	Description    string         `json:"description"`
	Version        string         `json:"version"`
	Entrypoint     string         `json:"entrypoint"`
	Priority       bool           `json:"priority,omitempty"`
	Schema         map[string]any `json:"schema"`
	Guide          string         `json:"guide,omitempty"`
	InputTypes     []string       `json:"input_types,omitempty"`
	RequiredConfig []string       `json:"required_config,omitempty"`
	AccessLevel    string         `json:"access_level,omitempty"`
	Source         string         `json:"source,omitempty"`
}

// LoadManifest reads and structurally validates the manifest in dir.
// Validation runs in the order failures are cheapest to report: syntax,
// then structure, then the runnable entrypoint.
func LoadManifest(dir string) (*Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(dir, ManifestFileName))
	if err != nil {
		return nil, errors.Wrap(err, "read manifest")
	}

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errors.Wrap(err, "manifest is not valid JSON")
	}
	if err := m.validate(dir); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) validate(dir string) error {
	if m.Name == "" {
		return errors.New("manifest has no name")
	}
	if m.Description == "" {
		return errors.Errorf("ability %q has no description", m.Name)
	}
	if m.Version == "" {
		return errors.Errorf("ability %q has no version", m.Name)
	}
	if m.Schema == nil {
		return errors.Errorf("ability %q has no schema", m.Name)
	}
	if m.Entrypoint == "" {
		return errors.Errorf("ability %q has no entrypoint", m.Name)
	}
	if filepath.IsAbs(m.Entrypoint) {
		return errors.Errorf("ability %q entrypoint must be relative to its directory", m.Name)
	}

	entry := filepath.Join(dir, m.Entrypoint)
	info, err := os.Stat(entry)
	if err != nil {
		return errors.Wrapf(err, "ability %q entrypoint", m.Name)
	}
	if info.IsDir() || info.Mode()&0o111 == 0 {
		return errors.Errorf("ability %q entrypoint %s is not executable", m.Name, m.Entrypoint)
	}

	if m.AccessLevel != "" && access.ParseLevel(m.AccessLevel).String() != m.AccessLevel {
		return errors.Errorf("ability %q declares unknown access level %q", m.Name, m.AccessLevel)
	}
	switch m.Source {
	case "", store.AbilitySourceInstalled, store.AbilitySourceSelfCreated:
	default:
		return errors.Errorf("ability %q declares unknown source %q", m.Name, m.Source)
	}
	return nil
}

func (m *Manifest) accessLevel() string {
	if m.AccessLevel == "" {
		return defaultAbilityLevel
	}
	return m.AccessLevel
}

func (m *Manifest) source() string {
	if m.Source == "" {
		return store.AbilitySourceInstalled
	}
	return m.Source
}

// listAbilityDirs returns the subdirectories of dir carrying a manifest,
// sorted for deterministic registration order.
func listAbilityDirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "read abilities directory")
	}

	var dirs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sub := filepath.Join(dir, e.Name())
		if _, err := os.Stat(filepath.Join(sub, ManifestFileName)); err == nil {
			dirs = append(dirs, sub)
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}

// validateInstance runs the registration-time checks shared by bundled
// and loaded abilities: non-empty identity and a schema a strict
// provider will accept. A panicking Schema() is caught and reported as a
// validation failure rather than taking the process down.
func validateInstance(ab Ability) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("ability %q schema panicked: %v", ab.Name(), r)
		}
	}()

	if ab.Name() == "" {
		return errors.New("ability has no name")
	}
	if ab.Description() == "" {
		return errors.Errorf("ability %q has no description", ab.Name())
	}
	if ab.Version() == "" {
		return errors.Errorf("ability %q has no version", ab.Name())
	}

	def := chat.ToolDefinition{
		Name:        ab.Name(),
		Description: ab.Description(),
		Parameters:  ab.Schema(),
	}
	if err := tools.ValidateDefinition(def); err != nil {
		return errors.Wrapf(err, "ability %q schema", ab.Name())
	}
	return nil
}
