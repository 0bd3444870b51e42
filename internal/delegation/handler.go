package delegation

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentsupervisor/agentsupervisor/internal/manifest"
	"github.com/agentsupervisor/agentsupervisor/internal/sandboxprovider"
	"github.com/agentsupervisor/agentsupervisor/internal/shortid"
	"github.com/agentsupervisor/agentsupervisor/internal/vault"
)

// maxOutputLines bounds each nested session's output ring, per
// spec.md §4.4.
const maxOutputLines = 1000

// sessionEntry is one running sub-agent.
type sessionEntry struct {
	session     NestedSession
	agentURL    string
	sessionName string
	output      []string
}

// Handler is the host-side half of agent delegation: it reads NDJSON
// commands the in-sandbox proxy (cmd/sandboxdelegate) forwards over
// its stdout, dispatches them, and writes NDJSON responses back over
// the proxy process's stdin.
type Handler struct {
	sbx      sandboxprovider.Sandbox
	proxyPID string

	parentManifest *manifest.Manifest
	supervisor     Supervisor
	resolver       BundleResolver
	prompter       CredentialPrompter
	discoverer     Discoverer
	vault          *vault.Vault
	parentStateDir string

	mu             sync.Mutex
	sessions       map[string]*sessionEntry
	sessionCounter int

	inputMu     sync.Mutex
	InputActive bool

	writeMu sync.Mutex

	ready     chan struct{}
	readyOnce sync.Once
	stop      chan struct{}
	stopOnce  sync.Once

	// onReply, when set, intercepts outgoing responses instead of
	// writing them to the sandboxed proxy's stdin. Exercised by tests
	// that drive handler methods directly without a real Sandbox.
	onReply func(Response)
}

// replyFn overrides how Handler.reply delivers responses; intended
// for tests only.
func (h *Handler) replyFn(fn func(Response)) {
	h.onReply = fn
}

// Deps bundles a Handler's external collaborators.
type Deps struct {
	ParentManifest *manifest.Manifest
	Supervisor     Supervisor
	Resolver       BundleResolver
	Prompter       CredentialPrompter
	Discoverer     Discoverer
	Vault          *vault.Vault
	ParentStateDir string
}

// NewHandler constructs a Handler bound to a running delegation-proxy
// process inside sbx.
func NewHandler(sbx sandboxprovider.Sandbox, proxyPID string, deps Deps) *Handler {
	return &Handler{
		sbx:            sbx,
		proxyPID:       proxyPID,
		parentManifest: deps.ParentManifest,
		supervisor:     deps.Supervisor,
		resolver:       deps.Resolver,
		prompter:       deps.Prompter,
		discoverer:     deps.Discoverer,
		vault:          deps.Vault,
		parentStateDir: deps.ParentStateDir,
		sessions:       make(map[string]*sessionEntry),
		ready:          make(chan struct{}),
		stop:           make(chan struct{}),
	}
}

// Start launches the proxy-stdout reader; the proxy's own ProcessHandle
// was already started by the caller (internal/supervisor) via
// sbx.Run — Start just attaches to its output stream.
func (h *Handler) Start(ctx context.Context, proc sandboxprovider.ProcessHandle) {
	go func() {
		var buf strings.Builder
		err := proc.Wait(ctx,
			func(chunk []byte) { h.onProxyStdout(ctx, &buf, chunk) },
			func(chunk []byte) { log.Printf("delegation: proxy stderr: %s", chunk) },
		)
		if err != nil {
			log.Printf("delegation: proxy exited: %v", err)
		}
	}()
}

func (h *Handler) onProxyStdout(ctx context.Context, buf *strings.Builder, chunk []byte) {
	buf.Write(chunk)
	for {
		s := buf.String()
		idx := strings.IndexByte(s, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimSpace(s[:idx])
		buf.Reset()
		buf.WriteString(s[idx+1:])
		if line == "" {
			continue
		}
		h.handleLine(ctx, line)
	}
}

func (h *Handler) handleLine(ctx context.Context, line string) {
	var cmd Command
	if err := json.Unmarshal([]byte(line), &cmd); err != nil {
		return
	}
	if cmd.Type == "delegation_ready" {
		h.readyOnce.Do(func() { close(h.ready) })
		return
	}
	select {
	case <-h.stop:
		return
	default:
	}

	switch cmd.Type {
	case "search":
		go h.handleSearch(ctx, cmd)
	case "search_all":
		go h.handleSearchAll(ctx, cmd)
	case "run":
		// Spawned in its own goroutine so multiple sub-agents start
		// concurrently, per spec.md §5's scheduling model.
		go h.handleRun(ctx, cmd)
	case "message":
		go h.handleMessage(ctx, cmd)
	case "monitor":
		go h.handleMonitor(cmd)
	case "stop":
		go h.handleStop(ctx, cmd)
	default:
		h.reply(ctx, Response{Type: "error", Error: fmt.Sprintf("Unknown command: %s", cmd.Type), RequestID: cmd.RequestID})
	}
}

// WaitReady blocks until the in-sandbox proxy has signaled readiness
// or timeout elapses.
func (h *Handler) WaitReady(timeout time.Duration) bool {
	select {
	case <-h.ready:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (h *Handler) reply(ctx context.Context, resp Response) {
	if h.onReply != nil {
		h.onReply(resp)
		return
	}
	line, err := json.Marshal(resp)
	if err != nil {
		return
	}
	line = append(line, '\n')
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if err := h.sbx.SendStdin(ctx, h.proxyPID, line); err != nil {
		log.Printf("delegation: write to proxy stdin: %v", err)
	}
}

func (h *Handler) handleSearch(ctx context.Context, cmd Command) {
	if h.discoverer == nil {
		h.reply(ctx, Response{Type: "error", Error: "discovery unavailable", RequestID: cmd.RequestID})
		return
	}
	agents, err := h.discoverer.Search(ctx, cmd.Query)
	if err != nil {
		h.reply(ctx, Response{Type: "error", Error: err.Error(), RequestID: cmd.RequestID})
		return
	}
	ranked := rankByQuery(cmd.Query, agents, 5)
	h.reply(ctx, Response{Type: "search_result", Agents: ranked, RequestID: cmd.RequestID})
}

func (h *Handler) handleSearchAll(ctx context.Context, cmd Command) {
	if h.discoverer == nil {
		h.reply(ctx, Response{Type: "error", Error: "discovery unavailable", RequestID: cmd.RequestID})
		return
	}
	agents, err := h.discoverer.SearchAll(ctx)
	if err != nil {
		h.reply(ctx, Response{Type: "error", Error: err.Error(), RequestID: cmd.RequestID})
		return
	}
	h.reply(ctx, Response{Type: "search_result", Agents: agents, RequestID: cmd.RequestID})
}

// rankByQuery is the no-embedding-model fallback the original always
// has available: substring-token-count scoring over "name description".
func rankByQuery(query string, agents []Agent, topK int) []Agent {
	type scored struct {
		score int
		agent Agent
	}
	words := strings.Fields(strings.ToLower(query))
	out := make([]scored, 0, len(agents))
	for _, a := range agents {
		text := strings.ToLower(a.Name + " " + a.Description)
		score := 0
		for _, w := range words {
			if strings.Contains(text, w) {
				score++
			}
		}
		out = append(out, scored{score, a})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].score > out[j].score })
	if len(out) > topK {
		out = out[:topK]
	}
	result := make([]Agent, len(out))
	for i, s := range out {
		result[i] = s.agent
	}
	return result
}

func (h *Handler) handleRun(ctx context.Context, cmd Command) {
	if cmd.AgentURL == "" {
		h.reply(ctx, Response{Type: "error", Error: "agent_url is required", RequestID: cmd.RequestID})
		return
	}

	allowed := h.parentManifest.Permissions.Delegation.AllowedAgents
	if len(allowed) > 0 {
		matched := false
		for _, a := range allowed {
			if strings.Contains(cmd.AgentURL, a) {
				matched = true
				break
			}
		}
		if !matched {
			h.reply(ctx, Response{Type: "error", Error: fmt.Sprintf("Agent not in allowed_agents list: %s", cmd.AgentURL), RequestID: cmd.RequestID})
			return
		}
	}

	bundleDir, err := h.resolver.Resolve(ctx, cmd.AgentURL)
	if err != nil {
		h.reply(ctx, Response{Type: "error", Error: fmt.Sprintf("Failed to start agent: %v", err), RequestID: cmd.RequestID})
		return
	}
	subManifest, err := manifest.Load(bundleDir)
	if err != nil {
		h.reply(ctx, Response{Type: "error", Error: fmt.Sprintf("Failed to start agent: %v", err), RequestID: cmd.RequestID})
		return
	}

	h.mu.Lock()
	h.sessionCounter++
	sessionID := fmt.Sprintf("deleg-%d", h.sessionCounter)
	h.mu.Unlock()
	sessionName := "sub-" + shortid.Generate()[:8]

	if missing := h.missingRequiredKeys(subManifest); len(missing) > 0 {
		if !h.promptForKeys(ctx, subManifest, missing) {
			h.reply(ctx, Response{Type: "error", Error: "Missing required API key", RequestID: cmd.RequestID})
			return
		}
	}

	envVars, err := h.vault.EnvMap(subProviders(subManifest))
	if err != nil {
		h.reply(ctx, Response{Type: "error", Error: fmt.Sprintf("Failed to start agent: %v", err), RequestID: cmd.RequestID})
		return
	}

	display := subManifest.DisplayName
	if display == "" {
		display = subManifest.Name
	}
	status := fmt.Sprintf("Spawning %s", display)
	if subManifest.Version != "" {
		status = fmt.Sprintf("Spawning %s v%s", display, subManifest.Version)
	}
	h.reply(ctx, Response{Type: "setup_status", SessionID: sessionID, AgentName: display, AgentVersion: subManifest.Version, Status: status, RequestID: cmd.RequestID})

	stateDir := filepath.Join(h.parentStateDir, "delegated", sessionName)
	nested, err := h.supervisor.RunAgent(ctx, RunAgentRequest{
		BundleDir: bundleDir,
		StateDir:  stateDir,
		EnvVars:   envVars,
		OnStatus: func(status string) {
			h.reply(ctx, Response{Type: "setup_status", SessionID: sessionID, Status: status, RequestID: cmd.RequestID})
		},
	})
	if err != nil {
		h.reply(ctx, Response{Type: "error", Error: fmt.Sprintf("Failed to start agent: %v", err), RequestID: cmd.RequestID})
		return
	}

	h.mu.Lock()
	h.sessions[sessionID] = &sessionEntry{session: nested, agentURL: cmd.AgentURL, sessionName: sessionName}
	h.mu.Unlock()

	h.reply(ctx, Response{Type: "session", SessionID: sessionID, RequestID: cmd.RequestID})
}

func (h *Handler) missingRequiredKeys(m *manifest.Manifest) []manifest.KeyRequirement {
	var missing []manifest.KeyRequirement
	for _, kr := range m.Keys {
		if !kr.Required {
			continue
		}
		if _, err := h.vault.Get(kr.Provider, ""); err != nil {
			missing = append(missing, kr)
		}
	}
	return missing
}

// promptForKeys serializes interactive prompts across concurrent run()
// calls and re-checks the vault after acquiring the lock, so a second
// caller needing the same key doesn't prompt redundantly.
func (h *Handler) promptForKeys(ctx context.Context, m *manifest.Manifest, missing []manifest.KeyRequirement) bool {
	h.inputMu.Lock()
	defer h.inputMu.Unlock()

	missing = h.missingRequiredKeys(m)
	if len(missing) == 0 {
		return true
	}

	h.InputActive = true
	defer func() { h.InputActive = false }()

	for _, kr := range missing {
		if h.prompter == nil {
			return false
		}
		key, ok := h.prompter.Prompt(ctx, kr.Provider, kr.ResolvedEnvVar())
		if !ok || strings.TrimSpace(key) == "" {
			return false
		}
		if err := h.vault.Add(kr.Provider, strings.TrimSpace(key), ""); err != nil {
			return false
		}
	}
	return true
}

func subProviders(m *manifest.Manifest) []string {
	providers := make([]string, 0, len(m.Keys)+1)
	for _, kr := range m.Keys {
		providers = append(providers, kr.Provider)
	}
	providers = append(providers, "e2b")
	return providers
}

func (h *Handler) handleMessage(ctx context.Context, cmd Command) {
	h.mu.Lock()
	entry, ok := h.sessions[cmd.SessionID]
	h.mu.Unlock()
	if !ok {
		h.reply(ctx, Response{Type: "error", Error: fmt.Sprintf("Unknown session: %s", cmd.SessionID), RequestID: cmd.RequestID})
		return
	}

	messageID := "msg-" + shortid.Generate()[:8]
	if err := entry.session.SendMessage(ctx, cmd.Content, messageID); err != nil {
		h.reply(ctx, Response{Type: "error", Error: err.Error(), RequestID: cmd.RequestID})
		return
	}
	h.appendOutput(entry, ">>> "+cmd.Content)

	for {
		recvCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		event, err := entry.session.Receive(recvCtx)
		cancel()
		if err != nil {
			errEvent, _ := json.Marshal(Event{Type: "error", Error: "timeout"})
			h.reply(ctx, Response{Type: "stream_event", Event: errEvent, Done: true, RequestID: cmd.RequestID})
			return
		}

		h.appendOutput(entry, formatEventLine(event))

		eventJSON, _ := json.Marshal(event)
		isDone := (event.Type == "response" && event.Done) || event.Type == "error"
		h.reply(ctx, Response{Type: "stream_event", Event: eventJSON, Done: isDone, RequestID: cmd.RequestID})
		if isDone {
			return
		}
		if !entry.session.IsAlive() {
			errEvent, _ := json.Marshal(Event{Type: "error", Error: "Sub-agent exited"})
			h.reply(ctx, Response{Type: "stream_event", Event: errEvent, Done: true, RequestID: cmd.RequestID})
			return
		}
	}
}

func formatEventLine(event Event) string {
	switch event.Type {
	case "activity":
		return fmt.Sprintf("  [%s] %s", event.Tool, event.Description)
	case "response":
		content := event.Content
		if len(content) > 200 {
			content = content[:200]
		}
		return "<<< " + content
	case "error":
		return "!!! " + event.Error
	default:
		b, _ := json.Marshal(event)
		return string(b)
	}
}

func (h *Handler) appendOutput(entry *sessionEntry, line string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry.output = append(entry.output, line)
	if len(entry.output) > maxOutputLines {
		entry.output = entry.output[len(entry.output)-maxOutputLines:]
	}
}

func (h *Handler) handleMonitor(cmd Command) {
	ctx := context.Background()
	h.mu.Lock()
	entry, ok := h.sessions[cmd.SessionID]
	var lines []string
	if ok {
		lines = append(lines, entry.output...)
	}
	h.mu.Unlock()
	if !ok {
		h.reply(ctx, Response{Type: "error", Error: fmt.Sprintf("Unknown session: %s", cmd.SessionID), RequestID: cmd.RequestID})
		return
	}
	h.reply(ctx, Response{Type: "monitor_result", Lines: lines, RequestID: cmd.RequestID})
}

func (h *Handler) handleStop(ctx context.Context, cmd Command) {
	h.mu.Lock()
	entry, ok := h.sessions[cmd.SessionID]
	delete(h.sessions, cmd.SessionID)
	h.mu.Unlock()
	if !ok {
		h.reply(ctx, Response{Type: "error", Error: fmt.Sprintf("Unknown session: %s", cmd.SessionID), RequestID: cmd.RequestID})
		return
	}
	if err := entry.session.Shutdown(ctx); err != nil {
		log.Printf("delegation: shutdown sub-agent %s: %v", cmd.SessionID, err)
	}
	h.reply(ctx, Response{Type: "stopped", SessionID: cmd.SessionID, RequestID: cmd.RequestID})
}

// SaveSessionMapping persists the active sub-agent session table to
// the parent session's state directory so it can inform a future
// resume.
func (h *Handler) SaveSessionMapping(stateDir string) error {
	h.mu.Lock()
	type mapEntry struct {
		SessionID   string `json:"session_id"`
		AgentURL    string `json:"agent_url"`
		SessionName string `json:"session_name"`
	}
	var mapping []mapEntry
	for sid, e := range h.sessions {
		mapping = append(mapping, mapEntry{SessionID: sid, AgentURL: e.agentURL, SessionName: e.sessionName})
	}
	h.mu.Unlock()

	if len(mapping) == 0 {
		return nil
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("delegation: save session mapping: %w", err)
	}
	data, err := json.Marshal(mapping)
	if err != nil {
		return fmt.Errorf("delegation: save session mapping: %w", err)
	}
	return os.WriteFile(filepath.Join(stateDir, "delegation_sessions.json"), data, 0o644)
}

// Shutdown tears down every nested session and stops command
// processing. Best-effort: one sub-agent failing to shut down cleanly
// never blocks the rest.
func (h *Handler) Shutdown(ctx context.Context) {
	h.stopOnce.Do(func() { close(h.stop) })

	h.mu.Lock()
	sessions := h.sessions
	h.sessions = make(map[string]*sessionEntry)
	h.mu.Unlock()

	for sid, e := range sessions {
		if err := e.session.Shutdown(ctx); err != nil {
			log.Printf("delegation: error shutting down sub-agent %s: %v", sid, err)
		}
	}
}

