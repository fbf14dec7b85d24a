package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Version is set at build time
	Version = "dev"
	// Commit is set at build time
	Commit = "none"
	// BuildDate is set at build time
	BuildDate = "unknown"
)

// NewVersionCmd creates the version command
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("rdmamon %s\n", Version)
			fmt.Printf("  Commit: %s\n", Commit)
			fmt.Printf("  Built:  %s\n", BuildDate)
		},
	}
}
