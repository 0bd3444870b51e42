package delegation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// LocalBundleResolver resolves an agent_url against agent bundles
// already present on local disk, under Root. GitHub-based resolution
// (cloning a remote agent repo) is out of scope per spec.md §1
// Non-goals; this is the stand-in that keeps run() usable against
// bundles an operator has already fetched or written locally.
//
// agent_url is treated as a bundle name: Root/<agent_url> must exist
// and contain a manifest.
type LocalBundleResolver struct {
	Root string
}

// Resolve implements BundleResolver.
func (r *LocalBundleResolver) Resolve(ctx context.Context, agentURL string) (string, error) {
	name := filepath.Base(filepath.Clean(agentURL))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "", fmt.Errorf("delegation: invalid agent_url %q", agentURL)
	}
	dir := filepath.Join(r.Root, name)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return "", fmt.Errorf("delegation: no local bundle named %q under %s", name, r.Root)
	}
	return dir, nil
}
