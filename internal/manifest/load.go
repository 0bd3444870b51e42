package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"sigs.k8s.io/yaml"
)

// manifestFileNames are tried in order when path is a directory.
var manifestFileNames = []string{"manifest.yaml", "manifest.yml"}

// Load parses and validates a manifest from path, which may be a bundle
// directory (manifest.yaml/.yml at its root) or a direct path to the
// manifest file. Returns ErrNotFound, ErrParse, or a *SchemaError wrapping
// ErrInvalid on failure.
func Load(path string) (*Manifest, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotFound, path, err)
	}

	bundleDir := path
	manifestPath := path
	if info.IsDir() {
		bundleDir = path
		found := ""
		for _, name := range manifestFileNames {
			candidate := filepath.Join(path, name)
			if _, err := os.Stat(candidate); err == nil {
				found = candidate
				break
			}
		}
		if found == "" {
			return nil, fmt.Errorf("%w: no manifest.yaml in %s", ErrNotFound, path)
		}
		manifestPath = found
	} else {
		bundleDir = filepath.Dir(path)
	}

	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotFound, manifestPath, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrParse, manifestPath, err)
	}

	bundleHasFile := func(relPath string) bool {
		_, err := os.Stat(filepath.Join(bundleDir, relPath))
		return err == nil
	}
	if err := Validate(&m, bundleHasFile); err != nil {
		var schemaErr *SchemaError
		if errors.As(err, &schemaErr) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	return &m, nil
}

// ResolvedUpstreamHost returns the upstream FQDN the credential proxy
// should route to for k: the built-in known-provider host when the
// provider is known (manifest domain is ignored per §4.2 rule 7), else
// the manifest's declared domain.
func (k KeyRequirement) ResolvedUpstreamHost() string {
	if host, ok := KnownProviderUpstreamHost(k.Provider); ok {
		return host
	}
	return k.Domain
}

// EgressDomains computes the full set of domains the network policy
// should allow-list for m, per spec.md §4.5 step 2: each declared
// network permission's domain, the package-registry domains when
// setup_command is present, and each key requirement's resolved
// (known-provider-overridden) upstream host. Unknown-provider custom
// domains declared only via `keys[].domain` are NOT included here
// unless also declared in permissions.network — matching "custom domains
// for unknown providers are not auto-allowed".
func (m *Manifest) EgressDomains() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(d string) {
		if d == "" || seen[d] {
			return
		}
		seen[d] = true
		out = append(out, d)
	}

	for _, np := range m.Permissions.Network {
		add(np.Domain)
	}
	if m.Runtime.SetupCommand != "" {
		for _, d := range PackageRegistryDomains() {
			add(d)
		}
	}
	for _, k := range m.Keys {
		if host, ok := KnownProviderUpstreamHost(k.Provider); ok {
			add(host)
		}
	}
	return out
}
