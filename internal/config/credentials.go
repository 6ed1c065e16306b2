package config

import (
	"os"
	"strings"

	zkr "github.com/zalando/go-keyring"
)

const keyringService = "hearth"

// Credential resolves a secret by name ("telegram_bot_token",
// "anthropic_api_key", ...): environment first, then the OS keychain,
// then the credential.* namespace in the store. Empty string means
// unset.
func (c *Config) Credential(name string) string {
	if v := os.Getenv(strings.ToUpper(name)); v != "" {
		return v
	}
	if v := os.Getenv(envKey("credential." + name)); v != "" {
		return v
	}
	if keyringEnabled() {
		if v, err := zkr.Get(keyringService, name); err == nil && v != "" {
			return v
		}
	}
	return c.String("credential."+name, "")
}

// StoreCredential writes a secret to the OS keychain, falling back to the
// store when no keychain is available (headless hosts).
func (c *Config) StoreCredential(name, value string) error {
	if keyringEnabled() {
		if err := zkr.Set(keyringService, name, value); err == nil {
			return nil
		}
	}
	return c.Set("credential."+name, value)
}

// keyringEnabled probes the OS keychain once per call. HEARTH_NO_KEYRING=1
// opts out for CI and containers.
func keyringEnabled() bool {
	if os.Getenv(envPrefix+"NO_KEYRING") == "1" {
		return false
	}
	if err := zkr.Set(keyringService+"-probe", "probe", "ok"); err != nil {
		return false
	}
	_ = zkr.Delete(keyringService+"-probe", "probe")
	return true
}
