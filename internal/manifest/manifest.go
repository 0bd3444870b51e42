// Package manifest parses and validates the declarative description of an
// agent bundle: identity, runtime invocation, required credentials with
// upstream routing metadata, and network/delegation permissions.
//
// The document shape is grounded on original_source's
// agentstore/manifest.py + agentstore/models.py (Pydantic AgentManifest),
// ported onto Go structs with json tags decoded via sigs.k8s.io/yaml, the
// way the rest of this module's Kubernetes-adjacent stack already reads
// YAML documents.
package manifest

// Manifest is the fully parsed, validated description of one agent.
// Immutable once returned by Load — nothing in the supervisor mutates a
// Manifest value after load.
type Manifest struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"display_name,omitempty"`
	Version     string   `json:"version,omitempty"`
	Description string   `json:"description,omitempty"`
	Category    string   `json:"category,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Author      *Author  `json:"author,omitempty"`

	Runtime     Runtime     `json:"runtime"`
	Permissions Permissions `json:"permissions,omitempty"`
	Keys        []KeyRequirement `json:"keys,omitempty"`
}

type Author struct {
	Name   string `json:"name,omitempty"`
	GitHub string `json:"github,omitempty"`
}

type Runtime struct {
	Language    string `json:"language,omitempty"`
	Dependencies string `json:"dependencies,omitempty"`
	SetupCommand string `json:"setup_command,omitempty"`
	// RunCommand and EntryPoint are alternatives: a manifest must
	// declare at least one to pass Validate. RunCommand is an explicit
	// shell command; Supervisor.Start runs only RunCommand and fails
	// for a manifest that declares EntryPoint alone.
	EntryPoint      string   `json:"entry_point,omitempty"`
	RunCommand      string   `json:"run_command,omitempty"`
	SandboxTemplate string   `json:"sandbox_template,omitempty"`
	DefaultModel    *Model   `json:"default_model,omitempty"`
	Resources       Resources `json:"resources,omitempty"`
}

type Model struct {
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
}

type Resources struct {
	MaxMemoryMB        int `json:"max_memory,omitempty"`
	MaxCPU             int `json:"max_cpu,omitempty"`
	MaxDurationSeconds        int `json:"max_duration,omitempty"`
	MaxSessionDurationSeconds int `json:"max_session_duration,omitempty"`
}

type Permissions struct {
	Network             []NetworkPermission `json:"network,omitempty"`
	NetworkUnrestricted bool                `json:"network_unrestricted,omitempty"`
	Filesystem          Filesystem          `json:"filesystem,omitempty"`
	Delegation          Delegation          `json:"delegation,omitempty"`
}

type NetworkPermission struct {
	Domain string `json:"domain"`
	Reason string `json:"reason,omitempty"`
}

type Filesystem struct {
	Workspace bool `json:"workspace,omitempty"`
}

type Delegation struct {
	Enabled       bool     `json:"enabled,omitempty"`
	AllowedAgents []string `json:"allowed_agents,omitempty"`
}

// AuthStyle names how the credential proxy injects the real key upstream.
type AuthStyle string

const (
	// AuthStyleBearer injects "Authorization: Bearer <real-key>".
	AuthStyleBearer AuthStyle = "bearer"
)

// KeyRequirement declares one credential the agent needs, and how it
// should be routed and injected.
type KeyRequirement struct {
	Provider    string    `json:"provider"`
	EnvVar      string    `json:"env_var,omitempty"`
	Required    bool      `json:"required,omitempty"`
	Domain      string    `json:"domain,omitempty"`
	BaseURLEnv  string    `json:"base_url_env,omitempty"`
	AuthStyle   string    `json:"auth_style,omitempty"` // "bearer" or a header name
	Passthrough bool      `json:"passthrough,omitempty"`
}

// ResolvedEnvVar returns the environment variable the agent will see for
// this requirement's token: the manifest's override if set, else the
// provider's conventional <PROVIDER>_API_KEY form.
func (k KeyRequirement) ResolvedEnvVar() string {
	if k.EnvVar != "" {
		return k.EnvVar
	}
	return conventionalEnvVar(k.Provider)
}

// ResolvedBaseURLEnv returns the environment variable the agent will see
// for this requirement's base URL: the manifest's override if set, else
// the provider's conventional <PROVIDER>_BASE_URL form.
func (k KeyRequirement) ResolvedBaseURLEnv() string {
	if k.BaseURLEnv != "" {
		return k.BaseURLEnv
	}
	return upperSnake(k.Provider) + "_BASE_URL"
}

// ResolvedAuthStyle defaults an empty auth_style to bearer, matching the
// schema's "auth-style ∈ {bearer, any syntactically-valid header name}"
// with bearer as the implicit default for providers that don't specify one.
func (k KeyRequirement) ResolvedAuthStyle() string {
	if k.AuthStyle == "" {
		return string(AuthStyleBearer)
	}
	return k.AuthStyle
}
