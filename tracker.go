package quotakeeper

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// usageTracker aggregates the per-client usage caches for one storage type
// and dedups concurrent gathers: at most one global gather and one gather
// per host are in flight at a time, and every concurrent caller receives
// the same answer.
type usageTracker struct {
	st       StorageType
	trackers []*clientUsageTracker
	byClient map[ClientID]*clientUsageTracker

	sf singleflight.Group

	mu         sync.Mutex
	globalDone chan struct{} // non-nil while a global gather is in flight
}

func newUsageTracker(clients []Client, st StorageType, policy SpecialStoragePolicy) *usageTracker {
	t := &usageTracker{
		st:       st,
		byClient: make(map[ClientID]*clientUsageTracker),
	}
	for _, c := range clients {
		ct := newClientUsageTracker(c, st, policy)
		t.trackers = append(t.trackers, ct)
		t.byClient[c.ID()] = ct
	}
	return t
}

type globalUsageResult struct {
	usage          int64
	unlimitedUsage int64
}

// GlobalUsage sums every client's usage for the type. Concurrent callers
// share a single gather.
func (t *usageTracker) GlobalUsage(ctx context.Context) (usage, unlimitedUsage int64) {
	v, _, _ := t.sf.Do("global", func() (any, error) {
		done := make(chan struct{})
		t.mu.Lock()
		t.globalDone = done
		t.mu.Unlock()
		defer func() {
			t.mu.Lock()
			t.globalDone = nil
			t.mu.Unlock()
			close(done)
		}()

		var res globalUsageResult
		for _, ct := range t.trackers {
			u, un := ct.gatherGlobalUsage(ctx)
			res.usage += u
			res.unlimitedUsage += un
		}
		return res, nil
	})
	res := v.(globalUsageResult)
	return res.usage, res.unlimitedUsage
}

// HostUsage sums every client's usage for one host. Concurrent callers for
// the same host share a single gather, and a host gather queues behind an
// in-flight global gather instead of enumerating origins redundantly.
func (t *usageTracker) HostUsage(ctx context.Context, host string) int64 {
	v, _, _ := t.sf.Do("host:"+host, func() (any, error) {
		t.waitForGlobalGather(ctx)
		var total int64
		for _, ct := range t.trackers {
			total += ct.gatherHostUsage(ctx, host)
		}
		return total, nil
	})
	return v.(int64)
}

func (t *usageTracker) waitForGlobalGather(ctx context.Context) {
	t.mu.Lock()
	done := t.globalDone
	t.mu.Unlock()
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// UpdateUsageCache applies a modification delta to the matching client's
// cache without triggering a gather.
func (t *usageTracker) UpdateUsageCache(clientID ClientID, origin string, delta int64) {
	if ct, ok := t.byClient[clientID]; ok {
		ct.applyDelta(origin, delta)
	}
}

// RemoveOriginFromCaches drops an evicted origin from every client cache.
func (t *usageTracker) RemoveOriginFromCaches(origin string) {
	for _, ct := range t.trackers {
		ct.removeCachedOrigin(origin)
	}
}

// CachedOrigins returns the union of every client's cached origins.
func (t *usageTracker) CachedOrigins() []string {
	seen := make(map[string]struct{})
	var origins []string
	for _, ct := range t.trackers {
		for _, origin := range ct.cachedOrigins() {
			if _, ok := seen[origin]; ok {
				continue
			}
			seen[origin] = struct{}{}
			origins = append(origins, origin)
		}
	}
	return origins
}

// InvalidateCaches drops every client cache so the next gather re-queries
// the backends.
func (t *usageTracker) InvalidateCaches() {
	for _, ct := range t.trackers {
		ct.invalidate()
	}
}
