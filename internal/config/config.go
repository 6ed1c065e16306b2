// Package config layers the agent's configuration: embedded defaults,
// an optional user file, environment variables, and the store-backed
// runtime keys the agent mutates through its own tools.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/hearthlabs/hearth/internal/store"
)

const envPrefix = "HEARTH_"

// Config resolves keys in precedence order: store (runtime mutations) >
// environment > user file > embedded defaults.
type Config struct {
	mu      sync.RWMutex
	values  map[string]any
	store   *store.Store
	dataDir string
}

// LoadFromBytes parses the embedded defaults.
func LoadFromBytes(defaults []byte) (*Config, error) {
	values, err := flattenYAML(defaults)
	if err != nil {
		return nil, errors.Wrap(err, "parse embedded config")
	}
	return &Config{values: values}, nil
}

// MergeFile overlays a user yaml file when it exists.
func (c *Config) MergeFile(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "read %s", path)
	}
	overlay, err := flattenYAML(data)
	if err != nil {
		return errors.Wrapf(err, "parse %s", path)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range overlay {
		c.values[k] = v
	}
	return nil
}

// AttachStore connects the runtime config table. Before this is called
// only file and env layers resolve.
func (c *Config) AttachStore(st *store.Store) {
	c.mu.Lock()
	c.store = st
	c.mu.Unlock()
}

// SetDataDir records the resolved data directory.
func (c *Config) SetDataDir(dir string) {
	c.mu.Lock()
	c.dataDir = dir
	c.mu.Unlock()
}

// DataDir returns the agent home (default ~/.hearth, HEARTH_HOME wins).
func (c *Config) DataDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dataDir
}

// ResolveDataDir computes the agent home without requiring a Config.
func ResolveDataDir() (string, error) {
	if dir := os.Getenv(envPrefix + "HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "resolve home dir")
	}
	return filepath.Join(home, ".hearth"), nil
}

// envKey maps "telegram.require_mention" to "HEARTH_TELEGRAM_REQUIRE_MENTION".
func envKey(key string) string {
	return envPrefix + strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(key))
}

// lookup returns the raw value for key and whether it was found.
func (c *Config) lookup(key string) (any, bool) {
	c.mu.RLock()
	st := c.store
	fileVal, fileOK := c.values[key]
	c.mu.RUnlock()

	if st != nil {
		if v, ok, err := st.GetConfig(key); err == nil && ok {
			return v, true
		}
	}
	if v, ok := os.LookupEnv(envKey(key)); ok {
		return v, true
	}
	if fileOK {
		return fileVal, true
	}
	return nil, false
}

// String returns the value for key or def when unset.
func (c *Config) String(key, def string) string {
	v, ok := c.lookup(key)
	if !ok {
		return def
	}
	switch t := v.(type) {
	case string:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Bool parses a boolean key; "true", "1" and "yes" count as true.
func (c *Config) Bool(key string, def bool) bool {
	v, ok := c.lookup(key)
	if !ok {
		return def
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		if s == "" {
			return def
		}
		return s == "true" || s == "1" || s == "yes"
	default:
		return def
	}
}

// Int parses an integer key.
func (c *Config) Int(key string, def int) int {
	v, ok := c.lookup(key)
	if !ok {
		return def
	}
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			return n
		}
	}
	return def
}

// Float parses a float key.
func (c *Config) Float(key string, def float64) float64 {
	v, ok := c.lookup(key)
	if !ok {
		return def
	}
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return f
		}
	}
	return def
}

// Strings returns a list key. Store/env values are comma-separated.
func (c *Config) Strings(key string, def []string) []string {
	v, ok := c.lookup(key)
	if !ok {
		return def
	}
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			out = append(out, fmt.Sprintf("%v", item))
		}
		return out
	case string:
		parts := strings.Split(t, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out
	default:
		return def
	}
}

// Set writes a runtime key to the store layer.
func (c *Config) Set(key, value string) error {
	c.mu.RLock()
	st := c.store
	c.mu.RUnlock()
	if st == nil {
		return errors.New("config store not attached")
	}
	return st.SetConfig(key, value)
}

// flattenYAML collapses nested yaml maps into dot-separated keys.
// Lists stay whole under their key.
func flattenYAML(data []byte) (map[string]any, error) {
	var raw map[string]any
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &raw); err != nil {
		return nil, err
	}
	out := make(map[string]any)
	flattenInto(out, "", raw)
	return out, nil
}

func flattenInto(out map[string]any, prefix string, node map[string]any) {
	for k, v := range node {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if child, ok := v.(map[string]any); ok {
			flattenInto(out, key, child)
			continue
		}
		out[key] = v
	}
}
