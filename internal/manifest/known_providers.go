package manifest

// knownProvider is one entry in the built-in, immutable known-providers
// table. Grounded on original_source's
// primordial/cli/providers.py (KNOWN_PROVIDERS) and
// agentstore/security/key_vault.py (get_env_vars' env_map) for the
// provider id -> env-var pairing; upstream hosts are each provider's
// well-documented public API host, since neither original file carries
// a domain column (providers.py only lists signup URLs).
type knownProvider struct {
	envVar       string
	upstreamHost string
}

var knownProviders = map[string]knownProvider{
	"anthropic": {envVar: "ANTHROPIC_API_KEY", upstreamHost: "api.anthropic.com"},
	"openai":    {envVar: "OPENAI_API_KEY", upstreamHost: "api.openai.com"},
	"brave":     {envVar: "BRAVE_API_KEY", upstreamHost: "api.search.brave.com"},
	"groq":      {envVar: "GROQ_API_KEY", upstreamHost: "api.groq.com"},
	"google":    {envVar: "GOOGLE_API_KEY", upstreamHost: "generativelanguage.googleapis.com"},
	"mistral":   {envVar: "MISTRAL_API_KEY", upstreamHost: "api.mistral.ai"},
	"deepseek":  {envVar: "DEEPSEEK_API_KEY", upstreamHost: "api.deepseek.com"},
	"e2b":       {envVar: "E2B_API_KEY", upstreamHost: "api.e2b.dev"},
}

// IsKnownProvider reports whether id is in the built-in known-providers
// table.
func IsKnownProvider(id string) bool {
	_, ok := knownProviders[id]
	return ok
}

// KnownProviderEnvVar returns the conventional env-var name for a known
// provider, and whether id was known.
func KnownProviderEnvVar(id string) (string, bool) {
	p, ok := knownProviders[id]
	if !ok {
		return "", false
	}
	return p.envVar, true
}

// KnownProviderUpstreamHost returns the built-in upstream FQDN for a known
// provider — the value the credential proxy always uses for that
// provider's route, regardless of what a manifest declares (§4.2 rule 7).
func KnownProviderUpstreamHost(id string) (string, bool) {
	p, ok := knownProviders[id]
	if !ok {
		return "", false
	}
	return p.upstreamHost, true
}

// KnownProviderEnvVars returns the set of env-var names claimed by known
// providers, used to reject unknown providers that try to alias one
// (§4.2 rule 8).
func KnownProviderEnvVars() map[string]bool {
	out := make(map[string]bool, len(knownProviders))
	for _, p := range knownProviders {
		out[p.envVar] = true
	}
	return out
}

func conventionalEnvVar(provider string) string {
	if envVar, ok := KnownProviderEnvVar(provider); ok {
		return envVar
	}
	return upperSnake(provider) + "_API_KEY"
}

func upperSnake(s string) string {
	b := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '-' {
			c = '_'
		} else if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		b[i] = c
	}
	return string(b)
}

// sandboxTemplateAllowlist is the closed set of sandbox templates a
// manifest may request. Grounded on spec.md §4.2 rule 4 ("Sandbox
// template is in the built-in allowlist"); the original leaves this
// entirely to the E2B template registry, so we define our own small
// closed set covering the runtimes original_source's bundled agents use
// (python, node) plus a generic fallback.
var sandboxTemplateAllowlist = map[string]bool{
	"python-agent": true,
	"node-agent":   true,
	"base":         true,
}

// DefaultSandboxTemplate is used when a manifest omits sandbox_template.
const DefaultSandboxTemplate = "base"

// IsAllowedSandboxTemplate reports whether name is in the built-in
// allowlist.
func IsAllowedSandboxTemplate(name string) bool {
	return sandboxTemplateAllowlist[name]
}

// packageRegistryDomains are auto-allowed for egress whenever a manifest
// declares a setup_command, so dependency installers can reach their
// registries without the agent author having to enumerate them.
// Grounded verbatim on manager.py's _PACKAGE_REGISTRY_DOMAINS.
var packageRegistryDomains = []string{
	"pypi.org",
	"files.pythonhosted.org",
	"registry.npmjs.org",
	"registry.yarnpkg.com",
	"nodejs.org",
}

// PackageRegistryDomains returns a copy of the built-in package-registry
// domain list.
func PackageRegistryDomains() []string {
	out := make([]string, len(packageRegistryDomains))
	copy(out, packageRegistryDomains)
	return out
}

// protectedEnvVarPrefixes and protectedEnvVarNames together form the
// protected set a key requirement's env_var/base_url_env may not claim:
// PATH, HOME, the other shell/locale names below, and any LD_* name.
// Known providers' base-url vars (e.g. ANTHROPIC_BASE_URL) are not in
// the set. This is a separate table from manager.py's
// _SAFE_ENV_ALLOWLIST, which is a *different* allowlist: that one gates
// which host env vars are copied into the sandbox at provisioning time
// (see ProvisioningEnvAllowlist below), not which names a manifest may
// request for its own keys.
var protectedEnvVarNames = map[string]bool{
	"PATH": true, "HOME": true, "USER": true, "SHELL": true,
	"LANG": true, "LC_ALL": true, "LC_CTYPE": true, "TERM": true,
	"TZ": true, "PYTHONPATH": true, "NODE_PATH": true,
}

var protectedEnvVarPrefixes = []string{"LD_"}

// IsProtectedEnvVar reports whether name is reserved and may not be
// claimed by a manifest's key requirement.
func IsProtectedEnvVar(name string) bool {
	if protectedEnvVarNames[name] {
		return true
	}
	for _, prefix := range protectedEnvVarPrefixes {
		if len(name) > len(prefix) && name[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

// ProvisioningEnvAllowlist is the set of host environment variables the
// supervisor may copy into a freshly provisioned sandbox (spec.md §4.5
// step 1). Grounded verbatim on manager.py's _SAFE_ENV_ALLOWLIST.
var ProvisioningEnvAllowlist = map[string]bool{
	"PATH": true, "HOME": true, "USER": true, "SHELL": true,
	"LANG": true, "LC_ALL": true, "LC_CTYPE": true, "TERM": true,
	"TZ": true, "PYTHONPATH": true, "NODE_PATH": true,
}

// StateAllowDirs are the only subdirectories of the agent home persisted
// across sessions. Grounded verbatim on manager.py's _STATE_ALLOW_DIRS.
var StateAllowDirs = []string{"workspace", "data", "output", "state"}
