package manifest

import (
	"net"
	"regexp"
	"strings"
)

var (
	nameRE     = regexp.MustCompile(`^[a-z][a-z0-9-]*[a-z0-9]$`)
	providerRE = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)
	envVarRE   = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)
	// httpTokenRE matches RFC 7230 token chars, used to validate a
	// custom auth-style header name.
	httpTokenRE = regexp.MustCompile(`^[!#$%&'*+\-.^_` + "`" + `|~0-9A-Za-z]+$`)
)

// Validate runs every §4.2 cross-field check against m, given the set of
// files present in the agent bundle (for the dependencies-file check).
// Returns a *SchemaError (wrapping ErrInvalid) on the first failing rule.
func Validate(m *Manifest, bundleHasFile func(relPath string) bool) error {
	if !isValidName(m.Name) {
		return schemaErrorf("invalid agent name %q: must be 3-40 chars, lowercase letters, numbers, and hyphens only", m.Name)
	}

	if m.Runtime.EntryPoint == "" && m.Runtime.RunCommand == "" {
		return schemaErrorf("runtime must specify either entry_point or run_command")
	}

	if m.Runtime.Dependencies != "" && bundleHasFile != nil && !bundleHasFile(m.Runtime.Dependencies) {
		return schemaErrorf("dependencies file not found: %s", m.Runtime.Dependencies)
	}

	template := m.Runtime.SandboxTemplate
	if template == "" {
		template = DefaultSandboxTemplate
	}
	if !IsAllowedSandboxTemplate(template) {
		return schemaErrorf("sandbox template %q is not in the built-in allowlist", template)
	}

	tokenEnvVars := make(map[string]string, len(m.Keys))
	baseURLEnvVars := make(map[string]string, len(m.Keys))
	knownEnvVars := KnownProviderEnvVars()

	for _, k := range m.Keys {
		if !providerRE.MatchString(k.Provider) {
			return schemaErrorf("key requirement provider id %q is invalid: must match %s", k.Provider, providerRE.String())
		}

		envVar := k.ResolvedEnvVar()
		if !envVarRE.MatchString(envVar) {
			return schemaErrorf("key requirement for provider %q has invalid env_var %q", k.Provider, envVar)
		}
		if IsProtectedEnvVar(envVar) {
			return schemaErrorf("key requirement for provider %q claims protected env var %q", k.Provider, envVar)
		}

		if base := k.ResolvedBaseURLEnv(); base != "" {
			if !envVarRE.MatchString(base) {
				return schemaErrorf("key requirement for provider %q has invalid base_url_env %q", k.Provider, base)
			}
			if IsProtectedEnvVar(base) {
				return schemaErrorf("key requirement for provider %q claims protected base_url_env %q", k.Provider, base)
			}
		}

		if k.Domain != "" && !isValidFQDN(k.Domain) {
			return schemaErrorf("key requirement for provider %q has invalid domain %q: must be a non-IP FQDN", k.Provider, k.Domain)
		}

		style := k.ResolvedAuthStyle()
		if style != string(AuthStyleBearer) && !httpTokenRE.MatchString(style) {
			return schemaErrorf("key requirement for provider %q has invalid auth_style %q", k.Provider, style)
		}

		if IsKnownProvider(k.Provider) {
			// Rule 7 is applied at resolution time (KnownProviderUpstreamHost
			// always wins), not here — the manifest's domain is simply
			// ignored rather than being a validation error.
		} else if knownEnvVars[envVar] {
			return schemaErrorf("unknown provider %q cannot claim known-provider env var %q", k.Provider, envVar)
		}

		if existing, ok := tokenEnvVars[envVar]; ok {
			return schemaErrorf("token env var %q is claimed by both %q and %q", envVar, existing, k.Provider)
		}
		tokenEnvVars[envVar] = k.Provider

		if base := k.ResolvedBaseURLEnv(); base != "" {
			if existing, ok := baseURLEnvVars[base]; ok {
				return schemaErrorf("base_url_env %q is claimed by both %q and %q", base, existing, k.Provider)
			}
			baseURLEnvVars[base] = k.Provider
			// A base-url env var must also not collide with any token
			// env var, else injection order could silently overwrite one.
			if existing, ok := tokenEnvVars[base]; ok {
				return schemaErrorf("base_url_env %q collides with token env var claimed by %q", base, existing)
			}
		}
	}

	return nil
}

func isValidName(name string) bool {
	if len(name) < 3 || len(name) > 40 {
		return false
	}
	return nameRE.MatchString(name)
}

// isValidFQDN rejects IP literals (spec.md: "contains a letter — not an
// IP literal") and requires at least one dot, matching §3's KeyRequirement
// invariant for a declared upstream domain.
func isValidFQDN(domain string) bool {
	if net.ParseIP(domain) != nil {
		return false
	}
	if !strings.Contains(domain, ".") {
		return false
	}
	hasLetter := false
	for _, r := range domain {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			hasLetter = true
		case r >= '0' && r <= '9', r == '.', r == '-':
			// allowed
		default:
			return false
		}
	}
	return hasLetter
}
