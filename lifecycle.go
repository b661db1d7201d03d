package offlinecache

import (
	"context"
	"fmt"
	"net/http"
	"time"

	serializer "github.com/didit-app/offline-cache/pkg/response-serializer"
)

// Install seeds the current cache generation with the app shell.
// Every shell path is fetched from the origin and stored under the identity
// a GET request for it would have. The install is atomic from the caller's
// perspective: the first failing entry aborts it with an error and the agent
// must not be considered installed. Entries written before the failure are
// left in place; they belong to a generation that never activates and a
// newer version sweeps them.
func (a *Agent) Install(ctx context.Context) error {
	a.log.Info().Msgf("Installing %d shell entries", len(a.shell))
	for _, path := range a.shell {
		if err := a.installEntry(ctx, path); err != nil {
			return fmt.Errorf("install %s: %w", path, err)
		}
	}
	return nil
}

func (a *Agent) installEntry(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.originURL.String()+path, nil)
	if err != nil {
		return err
	}
	req.Host = a.originHost
	res, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 400 {
		return fmt.Errorf("origin returned %s", res.Status)
	}
	b, err := serializer.StoredResponseToBytes(serializer.StoredResponse{
		Response: res,
		StoredAt: time.Now(),
	})
	if err != nil {
		return err
	}
	key := a.keyer.ForPath(path)
	if err := a.generation.Put(key, b); err != nil {
		return err
	}
	a.log.Debug().Str("key", key).Msg("Stored shell entry")
	return nil
}

// Activate sweeps stale cache generations from durable storage.
// The sweep is best-effort and all-attempted: every stale generation is
// tried, and an individual deletion failure does not abort the rest.
func (a *Agent) Activate() error {
	names, err := a.cache.Names()
	if err != nil {
		return fmt.Errorf("list generations: %w", err)
	}
	for _, name := range names {
		if name == a.version {
			continue
		}
		if err := a.cache.Delete(name); err != nil {
			a.log.Error().Err(err).Str("stale", name).Msg("Could not delete stale generation")
			continue
		}
		a.log.Info().Str("stale", name).Msg("Deleted stale generation")
	}
	return nil
}

// Run installs the agent, activates it, and starts serving on addr.
// The phases run back-to-back: a new version takes over traffic as soon as
// its install succeeds, with no waiting period.
func (a *Agent) Run(ctx context.Context, addr string) error {
	if err := a.Install(ctx); err != nil {
		return fmt.Errorf("install: %w", err)
	}
	if err := a.Activate(); err != nil {
		return fmt.Errorf("activate: %w", err)
	}
	a.log.Info().Str("addr", addr).Msg("Serving")
	return http.ListenAndServe(addr, a)
}
