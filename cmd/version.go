package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is set via -ldflags "-X github.com/agentsupervisor/agentsupervisor/cmd.version=..."
// at release build time; it stays "dev" for local builds.
var version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the agentsupervisor version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
