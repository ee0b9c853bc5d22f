package quotakeeper

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// The methods in this file form the surface a periodic evictor drives:
// pick the least-recently-used evictable origin, delete its data across
// every client, and snapshot the numbers the eviction policy needs.

// GetLRUOrigin reports the least-recently-used origin of the type that is
// not in use, not flagged unlimited or protected by policy, and not past
// the eviction-error threshold. Reports "" when no origin qualifies. Only
// one scan may be in flight at a time; overlapping calls answer "".
func (m *Manager) GetLRUOrigin(st StorageType, cb LRUOriginFunc) {
	m.lazyInit()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cb("")
		return
	}
	if m.lruCallback != nil {
		m.mu.Unlock()
		slog.Error("overlapping LRU origin scans", "type", st)
		cb("")
		return
	}
	m.lruCallback = cb
	m.accessedDuringLRU = make(map[string]struct{})
	if m.dbDisabled {
		m.lruCallback = nil
		m.mu.Unlock()
		cb("")
		return
	}

	// Snapshot the exclusions; the db worker must not touch manager state.
	exempt := make(map[string]bool)
	for origin, count := range m.originsInUse {
		if count > 0 {
			exempt[origin] = true
		}
	}
	threshold := m.opts.EvictionErrorThreshold
	for origin, errs := range m.evictionErrors {
		if errs >= threshold {
			exempt[origin] = true
		}
	}
	m.mu.Unlock()

	m.postDBJob(func() {
		var origin string
		if database := m.db(); database != nil {
			var err error
			origin, err = database.LRUOrigin(m.ctx, int(st), func(candidate string) bool {
				return exempt[candidate] ||
					m.policy.IsStorageUnlimited(candidate) ||
					m.policy.IsStorageProtected(candidate)
			})
			if err != nil {
				m.disableDB(err)
				origin = ""
			}
		}
		m.didGetLRUOrigin(origin)
	}, func() {
		// The manager's Close path may already have answered the caller.
		m.mu.Lock()
		if m.lruCallback == nil {
			m.mu.Unlock()
			return
		}
		m.lruCallback = nil
		m.accessedDuringLRU = nil
		m.mu.Unlock()
		cb("")
	})
}

// didGetLRUOrigin rechecks the candidate against state that may have moved
// while the scan ran: a fresh in-use mark or an access notification voids
// the result.
func (m *Manager) didGetLRUOrigin(origin string) {
	m.mu.Lock()
	cb := m.lruCallback
	if cb == nil {
		m.mu.Unlock()
		return
	}
	if _, accessed := m.accessedDuringLRU[origin]; accessed || m.originsInUse[origin] > 0 {
		origin = ""
	}
	m.lruCallback = nil
	m.accessedDuringLRU = nil
	m.mu.Unlock()
	cb(origin)
}

// EvictOriginData deletes the origin's data in every registered client.
// The eviction succeeds only if every client succeeds; on success the
// origin leaves the access table and all usage caches. Failures bump the
// origin's error counter. Evictions of the same origin are serialized.
func (m *Manager) EvictOriginData(origin string, st StorageType, cb StatusFunc) {
	m.lazyInit()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cb(StatusAbort)
		return
	}
	if origin == "" || len(m.clients) == 0 {
		m.mu.Unlock()
		cb(StatusOK)
		return
	}
	if m.evicting[origin] {
		m.evictionQueue[origin] = append(m.evictionQueue[origin], queuedEviction{st: st, cb: cb})
		m.mu.Unlock()
		return
	}
	m.evicting[origin] = true
	m.mu.Unlock()

	m.runEviction(origin, st, cb)
}

func (m *Manager) runEviction(origin string, st StorageType, cb StatusFunc) {
	f := m.track(func() { cb(StatusAbort) })
	if f == nil {
		m.finishEviction(origin)
		return
	}

	m.mu.Lock()
	clients := m.clients
	m.mu.Unlock()

	go func() {
		var wg sync.WaitGroup
		var failures atomic.Int64
		for _, c := range clients {
			c := c
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := c.DeleteOriginData(m.ctx, origin, st); err != nil {
					slog.Warn("client failed to delete origin data",
						"client", c.ID(), "origin", origin, "type", st, "error", err)
					failures.Add(1)
				}
			}()
		}
		wg.Wait()

		if failures.Load() > 0 {
			m.mu.Lock()
			m.evictionErrors[origin]++
			m.mu.Unlock()
			f.finish(func() { cb(StatusInvalidModification) })
		} else {
			if tracker := m.tracker(st); tracker != nil {
				tracker.RemoveOriginFromCaches(origin)
			}
			m.postDBJob(func() {
				if database := m.db(); database != nil {
					if err := database.DeleteOriginAccessTime(m.ctx, origin, int(st)); err != nil {
						m.disableDB(err)
					}
				}
			}, nil)
			m.mu.Lock()
			delete(m.evictionErrors, origin)
			m.mu.Unlock()
			f.finish(func() { cb(StatusOK) })
		}
		m.finishEviction(origin)
	}()
}

// finishEviction releases the per-origin serialization and starts the next
// queued eviction, if any.
func (m *Manager) finishEviction(origin string) {
	m.mu.Lock()
	queue := m.evictionQueue[origin]
	if len(queue) == 0 {
		delete(m.evicting, origin)
		delete(m.evictionQueue, origin)
		m.mu.Unlock()
		return
	}
	next := queue[0]
	m.evictionQueue[origin] = queue[1:]
	m.mu.Unlock()
	m.runEviction(origin, next.st, next.cb)
}

// EvictionErrorCount reports how many times eviction of the origin has
// failed since its last success. External evictors use this to build
// their own exception sets.
func (m *Manager) EvictionErrorCount(origin string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evictionErrors[origin]
}

// GetUsageAndQuotaForEviction snapshots the numbers an eviction policy
// decides on: global temporary usage, the unlimited share of it, the pool
// quota, and available physical space.
func (m *Manager) GetUsageAndQuotaForEviction(cb EvictionInfoFunc) {
	m.lazyInit()
	m.GetGlobalUsage(StorageTypeTemporary, func(usage, unlimitedUsage int64) {
		m.GetTemporaryGlobalQuota(func(status Status, quota int64) {
			if status != StatusOK {
				cb(status, 0, 0, 0, 0)
				return
			}
			m.GetAvailableSpace(func(status Status, availableSpace int64) {
				if status != StatusOK {
					cb(status, 0, 0, 0, 0)
					return
				}
				cb(StatusOK, usage, unlimitedUsage, quota, availableSpace)
			})
		})
	})
}
