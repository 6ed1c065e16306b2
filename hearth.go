package main

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	cli "github.com/hearthlabs/hearth/cmd/hearth"
	"github.com/hearthlabs/hearth/internal/config"
)

//go:embed etc/hearth.yaml
var embeddedConfig []byte

func main() {
	// .env is optional; real deployments use the environment or keychain.
	_ = godotenv.Load()

	cfg, err := config.LoadFromBytes(embeddedConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "embedded config is broken: %v\n", err)
		os.Exit(1)
	}

	if err := cli.SetupRootCmd(cfg).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
