package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/agentsupervisor/agentsupervisor/internal/credentialproxy"
	"github.com/agentsupervisor/agentsupervisor/internal/delegation"
	"github.com/agentsupervisor/agentsupervisor/internal/manifest"
	"github.com/agentsupervisor/agentsupervisor/internal/sandboxprovider"
)

// agentEnv is the set of inline KEY=VALUE pairs step 9 prefixes onto
// the agent's run command: placeholder session tokens and loopback
// base URLs for proxied providers, real secrets for passthrough
// providers, plus any declared passthrough env vars.
type agentEnv map[string]string

// startCredentialProxy implements step 6. It builds one credentialproxy.Route
// per non-passthrough key requirement the vault can resolve, execs the
// proxy binary the sandbox image ships at credProxyBinPath as root with
// its config fed over stdin, and waits
// for the proxy's ready line (with its bound ports) on stdout. Passthrough
// keys never get a route: their real value goes straight into the agent's
// environment in step 9 instead.
func (s *Supervisor) startCredentialProxy(ctx context.Context, sbx sandboxprovider.Sandbox, m *manifest.Manifest) (pid string, env agentEnv, err error) {
	env = make(agentEnv)
	if len(m.Keys) == 0 {
		return "", env, nil
	}

	tokenSuffix, err := randomHexToken(24)
	if err != nil {
		return "", nil, fmt.Errorf("generate session token: %w", err)
	}
	sessionToken := "sk-ant-proxy01-" + tokenSuffix

	var routes []credentialproxy.Route
	port := 9001
	for _, kr := range m.Keys {
		realKey, lookupErr := s.Vault.Get(kr.Provider, "")
		if lookupErr != nil {
			if kr.Required {
				return "", nil, fmt.Errorf("required key for provider %q not in vault: %w", kr.Provider, lookupErr)
			}
			continue
		}

		if kr.Passthrough {
			env[kr.ResolvedEnvVar()] = realKey
			continue
		}

		route := credentialproxy.Route{
			Port:         port,
			UpstreamHost: kr.ResolvedUpstreamHost(),
			RealKey:      realKey,
			AuthStyle:    kr.ResolvedAuthStyle(),
		}
		routes = append(routes, route)
		env[kr.ResolvedEnvVar()] = sessionToken
		if baseEnv := kr.ResolvedBaseURLEnv(); baseEnv != "" {
			env[baseEnv] = fmt.Sprintf("http://127.0.0.1:%d", port)
		}
		port++
	}

	if len(routes) == 0 {
		// Every declared key was either passthrough or unresolvable and
		// optional: no proxy process is needed.
		return "", env, nil
	}

	cfg := credentialproxy.Config{SessionToken: sessionToken, Routes: routes}
	cfgLine, err := json.Marshal(cfg)
	if err != nil {
		return "", nil, fmt.Errorf("marshal credential-proxy config: %w", err)
	}

	proc, err := sbx.Run(ctx, sandboxprovider.RunOptions{
		Command: credProxyBinPath,
		User:    rootUser,
		Stdin:   true,
	})
	if err != nil {
		return "", nil, fmt.Errorf("start credential-proxy process: %w", err)
	}
	if err := sbx.SendStdin(ctx, proc.PID(), append(cfgLine, '\n')); err != nil {
		return "", nil, fmt.Errorf("send credential-proxy config: %w", err)
	}

	if err := waitForReadyLine(ctx, proc, credProxyReadyWait, func(line []byte) error {
		var ready credentialproxy.ReadyMessage
		if err := json.Unmarshal(line, &ready); err != nil {
			return err
		}
		if ready.Status != "ready" || len(ready.Ports) == 0 {
			return fmt.Errorf("unexpected ready message: %s", line)
		}
		return nil
	}); err != nil {
		return "", nil, fmt.Errorf("credential-proxy did not become ready: %w", err)
	}

	return proc.PID(), env, nil
}

// startDelegationProxy implements step 7: exec the in-sandbox
// delegation-proxy binary the sandbox image ships at
// delegateProxyBinPath, wait for its own ready line, and
// hand it to a Handler bound to this Supervisor so runs nest all the
// way down.
func (s *Supervisor) startDelegationProxy(ctx context.Context, sbx sandboxprovider.Sandbox, m *manifest.Manifest, stateDir string) (*delegation.Handler, error) {
	proc, err := sbx.Run(ctx, sandboxprovider.RunOptions{
		Command: delegateProxyBinPath,
		User:    agentUser,
		Stdin:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("start delegation-proxy process: %w", err)
	}

	handler := delegation.NewHandler(sbx, proc.PID(), delegation.Deps{
		ParentManifest: m,
		Supervisor:     s,
		Resolver:       s.Resolver,
		Prompter:       s.Prompter,
		Discoverer:     s.Discoverer,
		Vault:          s.Vault,
		ParentStateDir: stateDir,
	})
	handler.Start(ctx, proc)

	if !handler.WaitReady(delegateReadyWait) {
		return nil, fmt.Errorf("delegation-proxy did not become ready within %s", delegateReadyWait)
	}
	return handler, nil
}

// envPrefix renders env as a shell-safe `KEY='VALUE' ` prefix, single
// quoting every value and escaping embedded single quotes so nothing
// in a secret or a loopback URL can break out into a second command.
func envPrefix(env agentEnv) string {
	if len(env) == 0 {
		return ""
	}
	var b strings.Builder
	for k, v := range env {
		b.WriteString(k)
		b.WriteString("='")
		b.WriteString(strings.ReplaceAll(v, "'", `'\''`))
		b.WriteString("' ")
	}
	return b.String()
}

// waitForReadyLine reads stdout chunks from proc until validate
// accepts a complete line or timeout elapses. Grounded on the
// poll-based readiness loops the teacher uses around its own
// subprocess startup (internal/session's wait-for-port shape),
// adapted here to a line on stdout instead of a TCP dial.
func waitForReadyLine(ctx context.Context, proc sandboxprovider.ProcessHandle, timeout time.Duration, validate func([]byte) error) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	lineCh := make(chan []byte, 8)
	errCh := make(chan error, 1)
	go func() {
		var buf strings.Builder
		err := proc.Wait(waitCtx, func(chunk []byte) {
			buf.Write(chunk)
			for {
				s := buf.String()
				idx := strings.IndexByte(s, '\n')
				if idx < 0 {
					break
				}
				line := s[:idx]
				buf.Reset()
				buf.WriteString(s[idx+1:])
				select {
				case lineCh <- []byte(line):
				default:
				}
			}
		}, nil)
		errCh <- err
	}()

	for {
		select {
		case line := <-lineCh:
			if err := validate(line); err == nil {
				return nil
			}
		case err := <-errCh:
			if err != nil {
				return err
			}
			return fmt.Errorf("process exited before emitting a ready line")
		case <-waitCtx.Done():
			return waitCtx.Err()
		}
	}
}
