package cli

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/hearthlabs/hearth/internal/agent/provider"
	"github.com/hearthlabs/hearth/internal/logging"
	"github.com/hearthlabs/hearth/internal/store"
)

// DoctorCmd runs non-fatal diagnostics against the local installation.
func DoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, storage, and provider readiness",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

type checkResult struct {
	name    string
	status  string // ok | warn | error
	message string
}

func runDoctor() {
	logging.Quiet()
	fmt.Println("hearth doctor")
	fmt.Println("=============")
	fmt.Println()

	var results []checkResult
	results = append(results, checkDataDir()...)
	results = append(results, checkStore()...)
	results = append(results, checkProvider()...)
	results = append(results, checkChannels()...)

	okCount, warnCount, errCount := 0, 0, 0
	for _, r := range results {
		switch r.status {
		case "ok":
			fmt.Printf("\033[32m✓\033[0m %s: %s\n", r.name, r.message)
			okCount++
		case "warn":
			fmt.Printf("\033[33m⚠\033[0m %s: %s\n", r.name, r.message)
			warnCount++
		default:
			fmt.Printf("\033[31m✗\033[0m %s: %s\n", r.name, r.message)
			errCount++
		}
	}

	fmt.Println()
	fmt.Printf("%d ok, %d warnings, %d errors\n", okCount, warnCount, errCount)
	if errCount > 0 {
		os.Exit(1)
	}
}

func checkDataDir() []checkResult {
	dataDir, err := resolveDataDir()
	if err != nil {
		return []checkResult{{"data dir", "error", err.Error()}}
	}
	var results []checkResult
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return append(results, checkResult{"data dir", "error", fmt.Sprintf("%s not writable: %v", dataDir, err)})
	}
	results = append(results, checkResult{"data dir", "ok", dataDir})
	baseConfig.SetDataDir(dataDir)

	configPath := cfgFile
	if configPath == "" {
		configPath = filepath.Join(dataDir, "hearth.yaml")
	}
	if _, err := os.Stat(configPath); err == nil {
		if err := baseConfig.MergeFile(configPath); err != nil {
			results = append(results, checkResult{"config file", "error", fmt.Sprintf("%s: %v", configPath, err)})
		} else {
			results = append(results, checkResult{"config file", "ok", configPath})
		}
	} else {
		results = append(results, checkResult{"config file", "warn", "none found, using embedded defaults"})
	}
	return results
}

func checkStore() []checkResult {
	dataDir := baseConfig.DataDir()
	if dataDir == "" {
		return nil
	}
	st, err := store.Open(filepath.Join(dataDir, "hearth.db"))
	if err != nil {
		return []checkResult{{"store", "error", err.Error()}}
	}
	defer st.Close()
	baseConfig.AttachStore(st)

	var results []checkResult
	users, err := st.ListUsers()
	if err != nil {
		return append(results, checkResult{"store", "error", err.Error()})
	}
	memories, _ := st.CountMemories()
	sessions, _ := st.CountActiveSessions()
	results = append(results, checkResult{"store", "ok",
		fmt.Sprintf("%d users, %d memories, %d active sessions", len(users), memories, sessions)})

	if len(users) == 0 {
		results = append(results, checkResult{"owner", "warn", "no users yet; the first to register becomes owner"})
	}
	return results
}

func checkProvider() []checkResult {
	model := baseConfig.String("provider.active_model", "")
	if model == "" {
		return []checkResult{{"provider", "error", "provider.active_model is not set"}}
	}

	var results []checkResult
	backend := provider.BackendFor(model)
	switch backend {
	case "anthropic":
		if key := baseConfig.Credential("anthropic_api_key"); key != "" {
			results = append(results, checkResult{"provider", "ok", fmt.Sprintf("%s via anthropic (key %s)", model, maskKey(key))})
		} else if _, err := os.Stat(provider.OAuthCredentialsPath(baseConfig.DataDir())); err == nil {
			results = append(results, checkResult{"provider", "ok", model + " via anthropic (oauth credentials)"})
		} else {
			results = append(results, checkResult{"provider", "error", "no anthropic_api_key and no oauth credentials"})
		}
	case "openai":
		if key := baseConfig.Credential("openai_api_key"); key != "" {
			results = append(results, checkResult{"provider", "ok", fmt.Sprintf("%s via openai (key %s)", model, maskKey(key))})
		} else {
			results = append(results, checkResult{"provider", "error", "openai_api_key is not set"})
		}
	default:
		host := baseConfig.String("provider.ollama_host", "http://127.0.0.1:11434")
		results = append(results, checkOllama(model, host))
	}

	embedding := baseConfig.String("provider.active_embedding", "openai")
	if embedding == "openai" && backend != "openai" && baseConfig.Credential("openai_api_key") == "" {
		results = append(results, checkResult{"embeddings", "warn",
			"active_embedding is openai but openai_api_key is not set; memory recall will fail"})
	} else {
		results = append(results, checkResult{"embeddings", "ok", embedding})
	}
	return results
}

func checkOllama(model, host string) checkResult {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(host + "/api/tags")
	if err != nil {
		return checkResult{"provider", "error", fmt.Sprintf("%s via ollama: %s unreachable (%v)", model, host, err)}
	}
	resp.Body.Close()
	return checkResult{"provider", "ok", fmt.Sprintf("%s via ollama at %s", model, host)}
}

func checkChannels() []checkResult {
	var results []checkResult
	if token := baseConfig.Credential("telegram_bot_token"); token != "" {
		results = append(results, checkResult{"telegram", "ok", "bot token present (" + maskKey(token) + ")"})
	} else {
		results = append(results, checkResult{"telegram", "warn", "no bot token; channel will be disabled"})
	}

	addr := baseConfig.String("status.addr", "127.0.0.1:8790")
	if _, _, err := net.SplitHostPort(addr); err != nil {
		results = append(results, checkResult{"status listener", "error", fmt.Sprintf("bad status.addr %q: %v", addr, err)})
	} else {
		results = append(results, checkResult{"status listener", "ok", addr})
	}

	abilitiesDir := baseConfig.String("abilities.dir", "")
	if abilitiesDir == "" {
		abilitiesDir = filepath.Join(baseConfig.DataDir(), "abilities")
	}
	entries, err := os.ReadDir(abilitiesDir)
	switch {
	case os.IsNotExist(err):
		results = append(results, checkResult{"abilities", "warn", abilitiesDir + " does not exist yet"})
	case err != nil:
		results = append(results, checkResult{"abilities", "error", err.Error()})
	default:
		dirs := 0
		for _, e := range entries {
			if e.IsDir() {
				dirs++
			}
		}
		results = append(results, checkResult{"abilities", "ok", fmt.Sprintf("%d installed in %s", dirs, abilitiesDir)})
	}
	return results
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}
