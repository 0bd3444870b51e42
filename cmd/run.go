package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentsupervisor/agentsupervisor/internal/delegation"
	"github.com/agentsupervisor/agentsupervisor/internal/sandboxprovider"
	"github.com/agentsupervisor/agentsupervisor/internal/sandboxprovider/dockerprovider"
	"github.com/agentsupervisor/agentsupervisor/internal/sandboxprovider/localexec"
	"github.com/agentsupervisor/agentsupervisor/internal/shortid"
	"github.com/agentsupervisor/agentsupervisor/internal/supervisor"
)

var (
	runStateDir    string
	runSessionName string
	runLocal       bool
	runAgentsRoot  string
)

var runCmd = &cobra.Command{
	Use:   "run <bundle-dir>",
	Short: "Start a sandboxed agent session from a bundle directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bundleDir := args[0]

		v, _, err := openVault()
		if err != nil {
			return err
		}

		var provider sandboxprovider.Provider
		if runLocal {
			provider = localexec.New(os.TempDir())
		} else {
			p, err := dockerprovider.New(dockerprovider.Config{Image: "agentsupervisor/base"})
			if err != nil {
				return fmt.Errorf("connect to docker: %w", err)
			}
			provider = p
		}

		if runSessionName == "" {
			runSessionName = "run-" + shortid.Generate()[:8]
		}
		if runStateDir == "" {
			home, _ := os.UserHomeDir()
			runStateDir = home + "/.agentsupervisor/state/" + runSessionName
		}
		if runAgentsRoot == "" {
			runAgentsRoot = bundleDir + "/.."
		}

		sup := &supervisor.Supervisor{
			Provider:   provider,
			Vault:      v,
			Resolver:   &delegation.LocalBundleResolver{Root: runAgentsRoot},
			Discoverer: &delegation.LocalDiscoverer{Root: runAgentsRoot},
			Prompter:   stdinPrompter{},
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer stop()

		sess, err := sup.Start(ctx, supervisor.StartOptions{
			BundleDir:   bundleDir,
			StateDir:    runStateDir,
			SessionName: runSessionName,
			OnStatus:    func(s string) { fmt.Fprintln(os.Stderr, "==>", s) },
		})
		if err != nil {
			return fmt.Errorf("start session: %w", err)
		}
		fmt.Fprintln(os.Stderr, "Session ready. Press Ctrl-C to shut down.")

		<-ctx.Done()
		fmt.Fprintln(os.Stderr, "Shutting down...")
		return sess.Shutdown(context.Background())
	},
}

// stdinPrompter asks for a missing sub-agent credential on the
// controlling terminal, the interactive counterpart to the
// vault subcommand's non-interactive Add.
type stdinPrompter struct{}

func (stdinPrompter) Prompt(ctx context.Context, provider, envVar string) (string, bool) {
	fmt.Fprintf(os.Stderr, "Agent bundle requires a credential for %s (%s). Enter it (blank to decline): ", provider, envVar)
	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", false
	}
	return line, true
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runStateDir, "state-dir", "", "directory to persist and restore session state (default ~/.agentsupervisor/state/<session>)")
	runCmd.Flags().StringVar(&runSessionName, "name", "", "session name (default: randomly generated)")
	runCmd.Flags().BoolVar(&runLocal, "local", false, "run the bundle as a bare local process instead of a Docker sandbox (no isolation; for development only)")
	runCmd.Flags().StringVar(&runAgentsRoot, "agents-root", "", "directory of sibling agent bundles this session may delegate to (default: bundle-dir's parent)")
}
