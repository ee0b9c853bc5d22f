package quotakeeper

import (
	"context"
	"log/slog"
	"time"
)

// DefaultEvictionInterval is how often the evictor checks the temporary
// pool when no interval is configured.
const DefaultEvictionInterval = 30 * time.Minute

// defaultMaxEvictionsPerRound bounds how many origins a single round may
// reclaim so one pass can't wipe the whole pool on a bad policy reading.
const defaultMaxEvictionsPerRound = 8

// EvictionStats is the pool snapshot eviction policies decide on.
type EvictionStats struct {
	// Usage is the total temporary usage, including unlimited origins.
	Usage int64

	// UnlimitedUsage is the share of Usage held by policy-unlimited
	// origins. It never counts against the pool.
	UnlimitedUsage int64

	// Quota is the size of the shared temporary pool.
	Quota int64

	// AvailableSpace is the physical space left on the profile's volume.
	AvailableSpace int64
}

// EvictionPolicy decides how many bytes an eviction round should reclaim.
// Zero or negative means no eviction is needed.
type EvictionPolicy interface {
	BytesToFree(stats EvictionStats) int64
}

// PoolUsagePolicy reclaims the amount by which counted usage exceeds the
// pool quota.
type PoolUsagePolicy struct{}

func (PoolUsagePolicy) BytesToFree(stats EvictionStats) int64 {
	over := (stats.Usage - stats.UnlimitedUsage) - stats.Quota
	if over < 0 {
		return 0
	}
	return over
}

// MinFreeSpacePolicy reclaims space whenever the volume drops below a
// floor, regardless of how full the pool itself is.
type MinFreeSpacePolicy struct {
	MinFreeBytes int64
}

func (p MinFreeSpacePolicy) BytesToFree(stats EvictionStats) int64 {
	if stats.AvailableSpace >= p.MinFreeBytes {
		return 0
	}
	return p.MinFreeBytes - stats.AvailableSpace
}

// EvictorOptions configures an Evictor.
type EvictorOptions struct {
	// Interval between rounds. Defaults to DefaultEvictionInterval.
	Interval time.Duration

	// Policies to consult each round; the largest demand wins. Defaults to
	// a single PoolUsagePolicy.
	Policies []EvictionPolicy

	// MaxEvictionsPerRound caps how many origins one round may evict.
	MaxEvictionsPerRound int
}

// Evictor periodically reclaims temporary storage: while any policy
// demands space, it evicts the least-recently-used origin and re-reads the
// pool stats, stopping when demand is met, no candidate remains, or an
// eviction fails.
type Evictor struct {
	m           *Manager
	interval    time.Duration
	policies    []EvictionPolicy
	maxPerRound int
}

// NewEvictor creates an evictor for the manager's temporary pool. It does
// nothing until Start runs.
func NewEvictor(m *Manager, opts EvictorOptions) *Evictor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultEvictionInterval
	}
	if len(opts.Policies) == 0 {
		opts.Policies = []EvictionPolicy{PoolUsagePolicy{}}
	}
	if opts.MaxEvictionsPerRound <= 0 {
		opts.MaxEvictionsPerRound = defaultMaxEvictionsPerRound
	}
	return &Evictor{
		m:           m,
		interval:    opts.Interval,
		policies:    opts.Policies,
		maxPerRound: opts.MaxEvictionsPerRound,
	}
}

// Start runs eviction rounds until the context is done. It blocks; run it
// on its own goroutine.
func (e *Evictor) Start(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single eviction round.
func (e *Evictor) RunOnce(ctx context.Context) {
	for evicted := 0; evicted < e.maxPerRound; evicted++ {
		stats, ok := e.stats(ctx)
		if !ok {
			return
		}
		var toFree int64
		for _, p := range e.policies {
			if n := p.BytesToFree(stats); n > toFree {
				toFree = n
			}
		}
		if toFree <= 0 {
			return
		}

		origin, ok := e.lruOrigin(ctx)
		if !ok {
			return
		}
		if origin == "" {
			slog.Info("eviction needed but no candidate qualifies", "to_free", toFree)
			return
		}
		status, ok := e.evict(ctx, origin)
		if !ok {
			return
		}
		if status != StatusOK {
			slog.Warn("eviction round stopped on a failed eviction",
				"origin", origin, "status", status)
			return
		}
		slog.Info("evicted origin", "origin", origin,
			"usage", stats.Usage, "quota", stats.Quota)
	}
}

func (e *Evictor) stats(ctx context.Context) (EvictionStats, bool) {
	type result struct {
		stats EvictionStats
		ok    bool
	}
	ch := make(chan result, 1)
	e.m.GetUsageAndQuotaForEviction(
		func(status Status, usage, unlimitedUsage, quota, availableSpace int64) {
			ch <- result{
				stats: EvictionStats{
					Usage:          usage,
					UnlimitedUsage: unlimitedUsage,
					Quota:          quota,
					AvailableSpace: availableSpace,
				},
				ok: status == StatusOK,
			}
		})
	select {
	case r := <-ch:
		return r.stats, r.ok
	case <-ctx.Done():
		return EvictionStats{}, false
	}
}

func (e *Evictor) lruOrigin(ctx context.Context) (string, bool) {
	ch := make(chan string, 1)
	e.m.GetLRUOrigin(StorageTypeTemporary, func(origin string) {
		ch <- origin
	})
	select {
	case origin := <-ch:
		return origin, true
	case <-ctx.Done():
		return "", false
	}
}

func (e *Evictor) evict(ctx context.Context, origin string) (Status, bool) {
	ch := make(chan Status, 1)
	e.m.EvictOriginData(origin, StorageTypeTemporary, func(status Status) {
		ch <- status
	})
	select {
	case status := <-ch:
		return status, true
	case <-ctx.Done():
		return StatusUnknown, false
	}
}
