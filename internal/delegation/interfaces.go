package delegation

import "context"

// NestedSession is the narrow view of an Agent Session the Handler
// needs to drive a sub-agent conversation: send one message, receive
// its events until the conversation goes quiet, and tear it down.
// internal/agentsession.Session implements this.
type NestedSession interface {
	SendMessage(ctx context.Context, content, messageID string) error
	// Receive blocks until the next event arrives or ctx is done; when
	// ctx expires first it returns a non-nil error (the Handler bounds
	// each call with a per-event timeout on ctx).
	Receive(ctx context.Context) (Event, error)
	IsAlive() bool
	Shutdown(ctx context.Context) error
}

// Supervisor starts one end-to-end sandboxed agent session (spec.md
// §4.5). internal/supervisor.Supervisor implements this; Handler only
// ever sees it through this interface, so internal/delegation never
// imports internal/supervisor.
type Supervisor interface {
	RunAgent(ctx context.Context, req RunAgentRequest) (NestedSession, error)
}

// RunAgentRequest carries everything a Supervisor needs to start a
// nested session on behalf of a delegation run() command.
type RunAgentRequest struct {
	BundleDir string
	StateDir  string
	EnvVars   map[string]string
	OnStatus  func(status string)
}

// BundleResolver turns an agent_url into a local bundle directory
// containing a manifest. The GitHub-resolution path the original
// implementation uses is out of scope (spec.md §1 Non-goals); callers
// wire a LocalBundleResolver stand-in so `run` still works against
// agent bundles already present on disk.
type BundleResolver interface {
	Resolve(ctx context.Context, agentURL string) (bundleDir string, err error)
}

// CredentialPrompter asks the host operator for a missing sub-agent
// credential. Returning ok=false means the user declined, which the
// Handler surfaces as a "Missing required API key" error response.
type CredentialPrompter interface {
	Prompt(ctx context.Context, provider, envVar string) (key string, ok bool)
}

// Discoverer is the discovery collaborator search/list surface (§6);
// it is a stateless lookup the Handler treats as out of its own
// process boundary.
type Discoverer interface {
	Search(ctx context.Context, query string) ([]Agent, error)
	SearchAll(ctx context.Context) ([]Agent, error)
}
