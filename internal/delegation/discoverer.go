package delegation

import (
	"context"
	"os"
	"path/filepath"

	"github.com/agentsupervisor/agentsupervisor/internal/manifest"
)

// LocalDiscoverer implements Discoverer against agent bundles present
// on local disk, each a subdirectory of Root containing a manifest.
// The original implementation's discovery collaborator is an external,
// stateless HTTP lookup service; that network dependency is out of
// scope here, so LocalDiscoverer plays its part against a local
// catalog instead. Ranking falls back to substring-token-count
// matching (handler.go's rankByQuery), the same fallback the original
// already uses when no embedding model is available.
type LocalDiscoverer struct {
	Root string
}

// SearchAll implements Discoverer.
func (d *LocalDiscoverer) SearchAll(ctx context.Context) ([]Agent, error) {
	entries, err := os.ReadDir(d.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var agents []Agent
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(d.Root, e.Name())
		m, err := manifest.Load(dir)
		if err != nil {
			continue
		}
		name := m.DisplayName
		if name == "" {
			name = m.Name
		}
		agents = append(agents, Agent{
			Name:        name,
			Description: m.Description,
			URL:         e.Name(),
		})
	}
	return agents, nil
}

// Search implements Discoverer; ranking is the Handler's job
// (rankByQuery), so Search just returns the full local catalog for the
// Handler to score against the query.
func (d *LocalDiscoverer) Search(ctx context.Context, query string) ([]Agent, error) {
	return d.SearchAll(ctx)
}
