package registry

import (
	"context"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// PeerSpec describes a peer whose base URL comes from an environment
// variable.
type PeerSpec struct {
	ID           string
	Name         string
	EnvVar       string
	Capabilities []string
}

// DefaultPeers lists the peers a coordinator knows about out of the box.
var DefaultPeers = []PeerSpec{
	{ID: "program-service", Name: "Program Service", EnvVar: "PROGRAM_SERVICE_URL", Capabilities: []string{"programs", "events"}},
	{ID: "document-service", Name: "Document Service", EnvVar: "DOCUMENT_SERVICE_URL", Capabilities: []string{"documents", "events"}},
	{ID: "compliance-service", Name: "Compliance Service", EnvVar: "COMPLIANCE_SERVICE_URL", Capabilities: []string{"compliance", "events"}},
	{ID: "finance-service", Name: "Finance Service", EnvVar: "FINANCE_SERVICE_URL", Capabilities: []string{"financials", "events"}},
}

// RegisterFromEnv registers every peer whose environment variable is set.
// Peers with an unset or empty variable are skipped. Registration runs
// concurrently; it returns the ids that were registered.
func (r *Registry) RegisterFromEnv(ctx context.Context, peers []PeerSpec, interval time.Duration) ([]string, error) {
	return r.registerFrom(ctx, peers, interval, os.LookupEnv)
}

func (r *Registry) registerFrom(ctx context.Context, peers []PeerSpec, interval time.Duration, lookup func(string) (string, bool)) ([]string, error) {
	var (
		mu         sync.Mutex
		registered []string
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range peers {
		url, ok := lookup(p.EnvVar)
		if !ok || url == "" {
			r.logger.Debug("Peer not configured", "server", p.ID, "env", p.EnvVar)
			continue
		}
		g.Go(func() error {
			err := r.Register(gctx, ServerInfo{
				ID:           p.ID,
				Name:         p.Name,
				BaseURL:      url,
				Capabilities: p.Capabilities,
			}, interval)
			if err != nil {
				return err
			}
			mu.Lock()
			registered = append(registered, p.ID)
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	return registered, err
}
