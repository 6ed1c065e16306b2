package cli

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// Build metadata, injected with -ldflags at release time.
var (
	Version = "dev"
	Commit  = ""
	Date    = ""
)

// VersionCmd prints build metadata.
func VersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and build info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("hearth %s\n", Version)
			if Commit != "" {
				fmt.Printf("  commit: %s\n", Commit)
			}
			if Date != "" {
				fmt.Printf("  built:  %s\n", Date)
			}
			if info, ok := debug.ReadBuildInfo(); ok {
				fmt.Printf("  go:     %s\n", info.GoVersion)
			}
			fmt.Printf("  os/arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}
