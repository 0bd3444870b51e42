package cmd

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/agentsupervisor/agentsupervisor/internal/vault"
)

var vaultID string

var vaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Manage credentials agent bundles can request",
}

var vaultAddCmd = &cobra.Command{
	Use:   "add <provider>",
	Short: "Add or replace a credential for a provider",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, passphrase, err := openVault()
		if err != nil {
			return err
		}
		key, err := readSecret("Credential: ")
		if err != nil {
			return err
		}
		if err := v.Add(args[0], key, vaultID); err != nil {
			return fmt.Errorf("vault add: %w", err)
		}
		_ = passphrase
		fmt.Printf("Stored credential for %q.\n", args[0])
		return nil
	},
}

var vaultListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored credential entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		v, _, err := openVault()
		if err != nil {
			return err
		}
		entries := v.List()
		if len(entries) == 0 {
			fmt.Println("(no entries)")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%-20s %-12s created %s\n", e.Provider, e.ID, e.CreatedAt.Format("2006-01-02"))
		}
		return nil
	},
}

var vaultRemoveCmd = &cobra.Command{
	Use:   "remove <provider>",
	Short: "Remove a stored credential",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, _, err := openVault()
		if err != nil {
			return err
		}
		removed, err := v.Remove(args[0], vaultID)
		if err != nil {
			return fmt.Errorf("vault remove: %w", err)
		}
		if !removed {
			fmt.Printf("No entry for %q.\n", args[0])
			return nil
		}
		fmt.Printf("Removed credential for %q.\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(vaultCmd)
	vaultCmd.AddCommand(vaultAddCmd, vaultListCmd, vaultRemoveCmd)
	vaultCmd.PersistentFlags().StringVar(&vaultID, "id", "", "credential id, for providers with more than one stored key")
}

func openVault() (*vault.Vault, string, error) {
	if err := os.MkdirAll(filepath.Dir(vaultPath), 0o700); err != nil {
		return nil, "", fmt.Errorf("create vault directory: %w", err)
	}
	passphrase, err := readSecret("Vault passphrase: ")
	if err != nil {
		return nil, "", err
	}
	v, err := vault.Open(vaultPath, passphrase)
	if err != nil {
		return nil, "", fmt.Errorf("open vault: %w", err)
	}
	return v, passphrase, nil
}

// readSecret reads one line from the controlling terminal without
// echoing it, falling back to a plain buffered read when stdin isn't
// a terminal (e.g. piped input in scripts/tests).
func readSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	if term.IsTerminal(int(os.Stdin.Fd())) {
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read secret: %w", err)
		}
		return string(b), nil
	}
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read secret: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
