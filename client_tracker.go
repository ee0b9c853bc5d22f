package quotakeeper

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// maxConcurrentUsageQueries bounds the per-origin usage fan-out of a single
// gather so a client with thousands of origins isn't hit all at once.
const maxConcurrentUsageQueries = 16

// clientUsageTracker caches per-origin usage for one (client, storage type)
// pair. Caches fill lazily from gathers and are adjusted in place by
// modification deltas; they are only dropped by an explicit invalidation.
type clientUsageTracker struct {
	client Client
	st     StorageType
	policy SpecialStoragePolicy

	mu          sync.Mutex
	originUsage map[string]int64
	hostUsage   map[string]int64
	unlimited   map[string]bool
	hostCached  map[string]bool
	fullyCached bool

	globalUsage          int64
	globalUnlimitedUsage int64
}

func newClientUsageTracker(client Client, st StorageType, policy SpecialStoragePolicy) *clientUsageTracker {
	return &clientUsageTracker{
		client:      client,
		st:          st,
		policy:      policy,
		originUsage: make(map[string]int64),
		hostUsage:   make(map[string]int64),
		unlimited:   make(map[string]bool),
		hostCached:  make(map[string]bool),
	}
}

// gatherGlobalUsage returns total and unlimited-origin usage for the
// client, enumerating and querying any origins not yet cached. Client
// failures degrade to the cached values.
func (t *clientUsageTracker) gatherGlobalUsage(ctx context.Context) (usage, unlimitedUsage int64) {
	t.mu.Lock()
	if t.fullyCached {
		u, un := t.globalUsage, t.globalUnlimitedUsage
		t.mu.Unlock()
		return u, un
	}
	t.mu.Unlock()

	origins, err := t.client.OriginsForType(ctx, t.st)
	if err != nil {
		slog.Warn("origin enumeration failed",
			"client", t.client.ID(), "type", t.st, "error", err)
		return t.cachedGlobalUsage()
	}
	if err := t.queryAndCache(ctx, t.uncachedOf(origins)); err != nil {
		return t.cachedGlobalUsage()
	}

	t.mu.Lock()
	t.fullyCached = true
	u, un := t.globalUsage, t.globalUnlimitedUsage
	t.mu.Unlock()
	return u, un
}

// gatherHostUsage returns the summed usage of one host, querying uncached
// origins first. A completed global gather already covers every host.
func (t *clientUsageTracker) gatherHostUsage(ctx context.Context, host string) int64 {
	t.mu.Lock()
	if t.fullyCached || t.hostCached[host] {
		u := t.hostUsage[host]
		t.mu.Unlock()
		return u
	}
	t.mu.Unlock()

	origins, err := t.client.OriginsForHost(ctx, t.st, host)
	if err != nil {
		slog.Warn("host origin enumeration failed",
			"client", t.client.ID(), "type", t.st, "host", host, "error", err)
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.hostUsage[host]
	}
	if err := t.queryAndCache(ctx, t.uncachedOf(origins)); err == nil {
		t.mu.Lock()
		t.hostCached[host] = true
		t.mu.Unlock()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hostUsage[host]
}

func (t *clientUsageTracker) cachedGlobalUsage() (int64, int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.globalUsage, t.globalUnlimitedUsage
}

// uncachedOf filters out origins whose usage is already known.
func (t *clientUsageTracker) uncachedOf(origins []string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var uncached []string
	for _, origin := range origins {
		if _, ok := t.originUsage[origin]; !ok {
			uncached = append(uncached, origin)
		}
	}
	return uncached
}

// queryAndCache issues one usage query per origin with bounded concurrency
// and merges each result into the cache as it resolves, so a modification
// delta arriving mid-gather still lands on the resolved origin.
func (t *clientUsageTracker) queryAndCache(ctx context.Context, origins []string) error {
	if len(origins) == 0 {
		return nil
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentUsageQueries)
	for _, origin := range origins {
		origin := origin
		g.Go(func() error {
			usage, err := t.client.OriginUsage(ctx, origin, t.st)
			if err != nil {
				return err
			}
			if usage < 0 {
				usage = 0
			}
			t.setCachedOrigin(origin, usage)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		slog.Warn("usage gather failed",
			"client", t.client.ID(), "type", t.st, "error", err)
		return err
	}
	return nil
}

// setCachedOrigin records (or re-records) an origin's usage, keeping the
// host and global aggregates consistent. The unlimited flag is consulted
// once, when the origin first enters the cache.
func (t *clientUsageTracker) setCachedOrigin(origin string, usage int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	old, cached := t.originUsage[origin]
	if !cached {
		t.unlimited[origin] = t.policy.IsStorageUnlimited(origin)
	}
	diff := usage - old
	t.originUsage[origin] = usage
	t.hostUsage[HostForOrigin(origin)] += diff
	t.globalUsage += diff
	if t.unlimited[origin] {
		t.globalUnlimitedUsage += diff
	}
}

// applyDelta adjusts a cached origin's usage in place. Deltas for origins
// not in the cache are dropped; a later full gather reconciles them.
func (t *clientUsageTracker) applyDelta(origin string, delta int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	usage, cached := t.originUsage[origin]
	if !cached {
		return
	}
	next := usage + delta
	if next < 0 {
		next = 0
	}
	diff := next - usage
	t.originUsage[origin] = next
	t.hostUsage[HostForOrigin(origin)] += diff
	t.globalUsage += diff
	if t.unlimited[origin] {
		t.globalUnlimitedUsage += diff
	}
}

// removeCachedOrigin drops an origin after its data was deleted.
func (t *clientUsageTracker) removeCachedOrigin(origin string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	usage, cached := t.originUsage[origin]
	if !cached {
		return
	}
	delete(t.originUsage, origin)
	t.hostUsage[HostForOrigin(origin)] -= usage
	t.globalUsage -= usage
	if t.unlimited[origin] {
		t.globalUnlimitedUsage -= usage
	}
	delete(t.unlimited, origin)
}

// cachedOrigins returns the origins currently in the cache.
func (t *clientUsageTracker) cachedOrigins() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	origins := make([]string, 0, len(t.originUsage))
	for origin := range t.originUsage {
		origins = append(origins, origin)
	}
	return origins
}

// invalidate drops the whole cache; the next gather rebuilds it.
func (t *clientUsageTracker) invalidate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.originUsage = make(map[string]int64)
	t.hostUsage = make(map[string]int64)
	t.unlimited = make(map[string]bool)
	t.hostCached = make(map[string]bool)
	t.fullyCached = false
	t.globalUsage = 0
	t.globalUnlimitedUsage = 0
}
