package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthlabs/hearth/internal/store"
)

const testDefaults = `
telegram:
  group_policy: allowlist
  require_mention: true
ratelimit:
  max_requests: 4
  window_seconds: 60
provider:
  embedding_models:
    - text-embedding-3-small
    - qwen3-embedding
memory:
  dedup_threshold: 0.92
`

func load(t *testing.T) *Config {
	t.Helper()
	c, err := LoadFromBytes([]byte(testDefaults))
	require.NoError(t, err)
	return c
}

func TestDefaults(t *testing.T) {
	c := load(t)

	assert.Equal(t, "allowlist", c.String("telegram.group_policy", "open"))
	assert.True(t, c.Bool("telegram.require_mention", false))
	assert.Equal(t, 4, c.Int("ratelimit.max_requests", 0))
	assert.InDelta(t, 0.92, c.Float("memory.dedup_threshold", 0), 1e-9)
	assert.Equal(t, []string{"text-embedding-3-small", "qwen3-embedding"},
		c.Strings("provider.embedding_models", nil))

	// missing keys fall back
	assert.Equal(t, 900, c.Int("subagents.timeout_seconds", 900))
}

func TestEnvOverridesFile(t *testing.T) {
	c := load(t)

	t.Setenv("HEARTH_RATELIMIT_MAX_REQUESTS", "9")
	assert.Equal(t, 9, c.Int("ratelimit.max_requests", 0))
}

func TestStoreOverridesEnv(t *testing.T) {
	c := load(t)

	st, err := store.Open(filepath.Join(t.TempDir(), "hearth.db"))
	require.NoError(t, err)
	defer st.Close()
	c.AttachStore(st)

	t.Setenv("HEARTH_TELEGRAM_GROUP_POLICY", "open")
	require.NoError(t, c.Set("telegram.group_policy", "allowlist"))
	assert.Equal(t, "allowlist", c.String("telegram.group_policy", ""))
}

func TestMergeFile(t *testing.T) {
	c := load(t)

	path := filepath.Join(t.TempDir(), "hearth.yaml")
	require.NoError(t, os.WriteFile(path, []byte("telegram:\n  group_policy: open\n"), 0o644))
	require.NoError(t, c.MergeFile(path))

	assert.Equal(t, "open", c.String("telegram.group_policy", ""))
	// untouched keys survive the merge
	assert.Equal(t, 4, c.Int("ratelimit.max_requests", 0))

	// missing file is not an error
	require.NoError(t, c.MergeFile(filepath.Join(t.TempDir(), "absent.yaml")))
}

func TestCredentialPrefersEnv(t *testing.T) {
	c := load(t)
	t.Setenv("HEARTH_NO_KEYRING", "1")
	t.Setenv("TELEGRAM_BOT_TOKEN", "tok-from-env")

	assert.Equal(t, "tok-from-env", c.Credential("telegram_bot_token"))
}

func TestCredentialFallsBackToStore(t *testing.T) {
	c := load(t)
	t.Setenv("HEARTH_NO_KEYRING", "1")

	st, err := store.Open(filepath.Join(t.TempDir(), "hearth.db"))
	require.NoError(t, err)
	defer st.Close()
	c.AttachStore(st)

	require.NoError(t, c.Set("credential.openai_api_key", "sk-stored"))
	assert.Equal(t, "sk-stored", c.Credential("openai_api_key"))
}
