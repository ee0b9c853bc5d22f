package quotakeeper

// dispatcherKey dedups GetUsageAndQuota calls: one dispatcher serves every
// concurrent caller for the same (host, type).
type dispatcherKey struct {
	host string
	st   StorageType
}

// usageQuotaDispatcher gathers the sub-results one GetUsageAndQuota answer
// needs (global usage, host usage, quota) and fires every queued callback
// once the last one lands. Callers flagged unlimited by policy are answered
// separately: they always get the maximum representable quota.
type usageQuotaDispatcher struct {
	m    *Manager
	host string
	st   StorageType
	req  *inflight

	// The fields below are guarded by m.mu, which the manager already
	// holds around dispatcher lookup; sub-result arrivals take it too.
	done               bool
	callbacks          []UsageAndQuotaFunc
	unlimitedCallbacks []UsageAndQuotaFunc
	pending            int

	status               Status
	globalUsage          int64
	globalUnlimitedUsage int64
	hostUsage            int64
	quota                int64
}

func newUsageQuotaDispatcher(m *Manager, host string, st StorageType) *usageQuotaDispatcher {
	// pending starts at one so synchronously-arriving sub-results can't
	// dispatch before every sub-query has been issued.
	return &usageQuotaDispatcher{m: m, host: host, st: st, status: StatusOK, pending: 1}
}

// addCallback queues a caller. It reports whether the dispatcher accepted
// it (false once dispatched) and whether this was the first caller, in
// which case the caller must start the run. Requires m.mu.
func (d *usageQuotaDispatcher) addCallback(cb UsageAndQuotaFunc, unlimited bool) (accepted, first bool) {
	if d.done {
		return false, false
	}
	if unlimited {
		d.unlimitedCallbacks = append(d.unlimitedCallbacks, cb)
	} else {
		d.callbacks = append(d.callbacks, cb)
	}
	return true, len(d.callbacks)+len(d.unlimitedCallbacks) == 1
}

// run issues the sub-queries for the storage type.
func (d *usageQuotaDispatcher) run() {
	switch d.st {
	case StorageTypeTemporary:
		d.addWait(2)
		go func() {
			u, un := d.m.tracker(d.st).GlobalUsage(d.m.ctx)
			d.finishGlobalUsage(u, un)
		}()
		go func() {
			d.finishHostUsage(d.m.tracker(d.st).HostUsage(d.m.ctx, d.host))
		}()
		d.m.GetTemporaryGlobalQuota(func(status Status, quota int64) {
			d.finishQuota(status, quota)
		})
	case StorageTypePersistent:
		d.addWait(1)
		go func() {
			d.finishHostUsage(d.m.tracker(d.st).HostUsage(d.m.ctx, d.host))
		}()
		d.m.GetPersistentHostQuota(d.host, func(status Status, quota int64) {
			d.finishQuota(status, quota)
		})
	}
	d.checkCompleted()
}

func (d *usageQuotaDispatcher) addWait(extra int) {
	d.m.mu.Lock()
	// One for the quota sub-query issued via callback, plus the usage
	// goroutines.
	d.pending += extra + 1
	d.m.mu.Unlock()
}

func (d *usageQuotaDispatcher) finishGlobalUsage(usage, unlimitedUsage int64) {
	d.m.mu.Lock()
	d.globalUsage = usage
	d.globalUnlimitedUsage = unlimitedUsage
	d.m.mu.Unlock()
	d.checkCompleted()
}

func (d *usageQuotaDispatcher) finishHostUsage(usage int64) {
	d.m.mu.Lock()
	d.hostUsage = usage
	d.m.mu.Unlock()
	d.checkCompleted()
}

func (d *usageQuotaDispatcher) finishQuota(status Status, quota int64) {
	d.m.mu.Lock()
	d.status = status
	d.quota = quota
	d.m.mu.Unlock()
	d.checkCompleted()
}

func (d *usageQuotaDispatcher) checkCompleted() {
	d.m.mu.Lock()
	d.pending--
	if d.pending > 0 || d.done {
		d.m.mu.Unlock()
		return
	}
	d.done = true
	limited, unlimited := d.callbacks, d.unlimitedCallbacks
	d.callbacks, d.unlimitedCallbacks = nil, nil
	delete(d.m.dispatchers, dispatcherKey{d.host, d.st})
	status, hostUsage := d.status, d.hostUsage
	quota := d.effectiveQuota()
	d.m.mu.Unlock()

	for _, cb := range unlimited {
		cb(status, hostUsage, UnlimitedQuota)
	}
	for _, cb := range limited {
		cb(status, hostUsage, quota)
	}
	d.req.finish(func() {})
}

// effectiveQuota computes the quota reported to limited callers. Requires
// m.mu.
func (d *usageQuotaDispatcher) effectiveQuota() int64 {
	if d.st != StorageTypeTemporary {
		return d.quota
	}
	// Each host gets a fixed fraction of the temporary pool. Once the pool
	// is over budget -- judged on usage that actually counts against it,
	// i.e. excluding unlimited origins -- growth freezes at the host's
	// current usage instead of retroactively shrinking what is stored.
	hostQuota := d.quota / PerHostTemporaryPortion
	limitedGlobalUsage := d.globalUsage - d.globalUnlimitedUsage
	if limitedGlobalUsage > d.quota && d.hostUsage < hostQuota {
		hostQuota = d.hostUsage
	}
	return hostQuota
}

// abort answers every queued caller with StatusAbort. Called on manager
// teardown; requires m.mu NOT held.
func (d *usageQuotaDispatcher) abort() {
	d.m.mu.Lock()
	if d.done {
		d.m.mu.Unlock()
		return
	}
	d.done = true
	limited, unlimited := d.callbacks, d.unlimitedCallbacks
	d.callbacks, d.unlimitedCallbacks = nil, nil
	d.m.mu.Unlock()

	for _, cb := range limited {
		cb(StatusAbort, 0, 0)
	}
	for _, cb := range unlimited {
		cb(StatusAbort, 0, 0)
	}
}
