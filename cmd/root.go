package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var vaultPath string

var rootCmd = &cobra.Command{
	Use:   "agentsupervisor",
	Short: "Run untrusted agent bundles inside hardened sandboxes",
	Long: `agentsupervisor provisions a sandbox for one agent bundle, mediates
its credential use through a loopback reverse proxy, enforces its
declared network and delegation permissions, and persists its state
across runs.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	home, _ := os.UserHomeDir()
	rootCmd.PersistentFlags().StringVar(&vaultPath, "vault", home+"/.agentsupervisor/vault.json", "path to the credential vault")
}
