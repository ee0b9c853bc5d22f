package quotakeeper

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/storagekit/quotakeeper/internal/db"
	"github.com/storagekit/quotakeeper/internal/diskspace"
)

// databaseName is the file created under Options.Path.
const databaseName = "QuotaManager.db"

// Options configures a Manager.
type Options struct {
	// Path is the profile directory holding the quota database. Ignored
	// when Ephemeral is set.
	Path string

	// Ephemeral keeps all bookkeeping in memory (incognito-style profiles).
	// Ephemeral profiles also get a smaller default temporary quota.
	Ephemeral bool

	// Policy flags origins unlimited or protected. Defaults to a policy
	// that flags nothing.
	Policy SpecialStoragePolicy

	// DiskProbe reports available physical space for a path. Defaults to
	// the local filesystem probe.
	DiskProbe func(path string) (int64, error)

	// EvictionErrorThreshold is how many consecutive deletion failures
	// exclude an origin from LRU scans. Defaults to
	// DefaultEvictionErrorThreshold.
	EvictionErrorThreshold int

	// CommitDelay overrides the database write-coalescing delay.
	CommitDelay time.Duration

	// DisableBootstrap skips the one-time registration of pre-existing
	// origins. Meant for tests that need full control of the access table.
	DisableBootstrap bool
}

// Manager coordinates quota accounting across registered storage clients.
// All public operations are asynchronous: they never block the caller and
// deliver results through callbacks. Closing the manager answers every
// outstanding callback with StatusAbort.
type Manager struct {
	opts   Options
	policy SpecialStoragePolicy
	probe  func(path string) (int64, error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	closed      bool
	initialized bool
	clients     []Client
	trackers    map[StorageType]*usageTracker

	database   *db.Database // owned by the db worker goroutine
	dbDisabled bool
	dbJobs     chan func()

	temporaryQuota   int64 // -1 until initialized
	tempQuotaWaiters []QuotaFunc
	memHostQuotas    map[string]int64 // best-available values while dbDisabled

	originsInUse   map[string]int
	evictionErrors map[string]int
	dispatchers    map[dispatcherKey]*usageQuotaDispatcher
	requests       map[uuid.UUID]*inflight

	lruCallback       LRUOriginFunc
	accessedDuringLRU map[string]struct{}
	evicting          map[string]bool
	evictionQueue     map[string][]queuedEviction
}

type queuedEviction struct {
	st StorageType
	cb StatusFunc
}

// NewManager creates a manager. Clients must be registered before the
// first operation.
func NewManager(opts Options) *Manager {
	policy := opts.Policy
	if policy == nil {
		policy = nopPolicy{}
	}
	probe := opts.DiskProbe
	if probe == nil {
		probe = diskspace.Available
	}
	if opts.EvictionErrorThreshold <= 0 {
		opts.EvictionErrorThreshold = DefaultEvictionErrorThreshold
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:           opts,
		policy:         policy,
		probe:          probe,
		ctx:            ctx,
		cancel:         cancel,
		temporaryQuota: -1,
		memHostQuotas:  make(map[string]int64),
		originsInUse:   make(map[string]int),
		evictionErrors: make(map[string]int),
		dispatchers:    make(map[dispatcherKey]*usageQuotaDispatcher),
		requests:       make(map[uuid.UUID]*inflight),
		evicting:       make(map[string]bool),
		evictionQueue:  make(map[string][]queuedEviction),
	}
}

// RegisterClient adds a storage backend. It must be called before the
// manager's first operation and panics otherwise, since usage trackers are
// built once at initialization.
func (m *Manager) RegisterClient(c Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		panic("quotakeeper: RegisterClient after first use")
	}
	m.clients = append(m.clients, c)
}

// Close tears the manager down. Every outstanding callback fires with
// StatusAbort and every client is notified; the database is flushed and
// closed.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	reqs := make([]*inflight, 0, len(m.requests))
	for _, r := range m.requests {
		reqs = append(reqs, r)
	}
	m.requests = make(map[uuid.UUID]*inflight)
	waiters := m.tempQuotaWaiters
	m.tempQuotaWaiters = nil
	lruCB := m.lruCallback
	m.lruCallback = nil
	clients := m.clients
	m.mu.Unlock()

	// Abort before cancelling: a cancelled gather completing with degraded
	// values must not beat the abort to the callbacks.
	for _, r := range reqs {
		r.abort()
	}
	for _, cb := range waiters {
		cb(StatusAbort, -1)
	}
	m.cancel()
	if lruCB != nil {
		lruCB("")
	}
	for _, c := range clients {
		c.OnQuotaManagerDestroyed()
	}

	m.wg.Wait()
	m.mu.Lock()
	database := m.database
	m.database = nil
	m.mu.Unlock()
	if database != nil {
		if err := database.Close(); err != nil {
			slog.Error("closing quota database", "error", err)
		}
	}
}

// inflight is one registered asynchronous request. Exactly one of finish
// or abort runs its callback.
type inflight struct {
	m       *Manager
	id      uuid.UUID
	abortFn func()
	once    sync.Once
}

func (f *inflight) finish(fn func()) {
	f.once.Do(fn)
	f.m.mu.Lock()
	delete(f.m.requests, f.id)
	f.m.mu.Unlock()
}

func (f *inflight) abort() {
	f.once.Do(f.abortFn)
}

// track registers an abortable request. Returns nil when the manager is
// already closed, in which case the abort callback has been invoked.
func (m *Manager) track(abortFn func()) *inflight {
	f := &inflight{m: m, id: uuid.New(), abortFn: abortFn}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		f.abort()
		return nil
	}
	m.requests[f.id] = f
	m.mu.Unlock()
	return f
}

// lazyInit opens the database and builds the usage trackers on the first
// operation.
func (m *Manager) lazyInit() {
	m.mu.Lock()
	if m.initialized || m.closed {
		m.mu.Unlock()
		return
	}
	m.initialized = true
	m.trackers = map[StorageType]*usageTracker{
		StorageTypeTemporary:  newUsageTracker(m.clients, StorageTypeTemporary, m.policy),
		StorageTypePersistent: newUsageTracker(m.clients, StorageTypePersistent, m.policy),
	}
	m.dbJobs = make(chan func(), 128)
	m.wg.Add(1)
	m.mu.Unlock()

	go m.dbWorker()
	m.postDBJob(m.initDatabase, nil)
}

func (m *Manager) tracker(st StorageType) *usageTracker {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trackers[st]
}

// dbWorker is the persistence execution context: it owns the database
// handle and runs every database job in order.
func (m *Manager) dbWorker() {
	defer m.wg.Done()
	for {
		select {
		case job := <-m.dbJobs:
			job()
		case <-m.ctx.Done():
			return
		}
	}
}

// postDBJob queues work for the db worker. onAbort (optional) runs if the
// manager closes before the job does.
func (m *Manager) postDBJob(job func(), onAbort func()) {
	if onAbort == nil {
		onAbort = func() {}
	}
	f := m.track(onAbort)
	if f == nil {
		return
	}
	wrapped := func() {
		f.finish(job)
	}
	select {
	case m.dbJobs <- wrapped:
	case <-m.ctx.Done():
		f.abort()
	}
}

// initDatabase opens the store, falling back to a memory-only session when
// the file can't be used, then initializes the temporary global quota and
// checks whether the one-time origin bootstrap is needed. Runs on the db
// worker.
func (m *Manager) initDatabase() {
	path := ""
	if !m.opts.Ephemeral && m.opts.Path != "" {
		path = filepath.Join(m.opts.Path, databaseName)
	}
	dbOpts := db.Options{Path: path, CommitDelay: m.opts.CommitDelay}

	database, err := db.Open(dbOpts)
	if err != nil && path != "" {
		slog.Warn("quota database unusable, falling back to memory-only session",
			"path", path, "error", err)
		dbOpts.Path = ""
		database, err = db.Open(dbOpts)
	}
	if err != nil {
		slog.Error("quota database disabled for this session", "error", err)
		m.mu.Lock()
		m.dbDisabled = true
		m.mu.Unlock()
		m.didInitTemporaryQuota(m.initialTemporaryQuota(), false)
		return
	}

	m.mu.Lock()
	m.database = database
	m.mu.Unlock()

	quota, found, err := database.GetGlobalQuota(m.ctx, int(StorageTypeTemporary))
	if err != nil {
		m.disableDB(err)
	}
	if !found {
		quota = m.initialTemporaryQuota()
		if err := database.SetGlobalQuota(m.ctx, int(StorageTypeTemporary), quota); err != nil {
			m.disableDB(err)
		}
	}

	needBootstrap := false
	if bootstrapped, err := database.IsBootstrapped(m.ctx); err != nil {
		m.disableDB(err)
	} else {
		needBootstrap = !bootstrapped
	}
	m.didInitTemporaryQuota(quota, needBootstrap)
}

func (m *Manager) didInitTemporaryQuota(quota int64, needBootstrap bool) {
	m.mu.Lock()
	m.temporaryQuota = quota
	waiters := m.tempQuotaWaiters
	m.tempQuotaWaiters = nil
	m.mu.Unlock()

	for _, cb := range waiters {
		cb(StatusOK, quota)
	}
	if !needBootstrap || m.opts.DisableBootstrap {
		return
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()
	go m.bootstrapOrigins()
}

// bootstrapOrigins registers every pre-existing temporary origin found on
// disk so the access table covers data written before the database existed.
// Runs once per database lifetime.
func (m *Manager) bootstrapOrigins() {
	defer m.wg.Done()
	tracker := m.tracker(StorageTypeTemporary)
	if tracker == nil {
		return
	}
	tracker.GlobalUsage(m.ctx) // populates the caches
	origins := tracker.CachedOrigins()

	m.postDBJob(func() {
		database := m.db()
		if database == nil {
			return
		}
		if err := database.RegisterOrigins(m.ctx, origins, int(StorageTypeTemporary), time.UnixMicro(0)); err != nil {
			m.disableDB(err)
			return
		}
		if err := database.SetBootstrapped(m.ctx); err != nil {
			m.disableDB(err)
			return
		}
		slog.Info("registered pre-existing origins", "count", len(origins))
	}, nil)
}

func (m *Manager) db() *db.Database {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dbDisabled {
		return nil
	}
	return m.database
}

// disableDB switches the session to memory-only operation after a database
// failure. Quota and usage queries keep answering from in-memory state;
// persistence calls become no-ops.
func (m *Manager) disableDB(err error) {
	m.mu.Lock()
	already := m.dbDisabled
	m.dbDisabled = true
	m.mu.Unlock()
	if !already {
		slog.Error("quota database failure, persistence disabled for this session", "error", err)
	}
}

// initialTemporaryQuota sizes the temporary pool the first time no stored
// value exists. The result is persisted and not re-derived afterwards.
func (m *Manager) initialTemporaryQuota() int64 {
	probePath := m.opts.Path
	if probePath == "" {
		probePath = "."
	}
	free, err := m.probe(probePath)
	if err != nil {
		slog.Warn("disk space probe failed", "path", probePath, "error", err)
		return DefaultTemporaryQuota
	}
	switch {
	case free < DefaultTemporaryQuota*2:
		// Not enough room to be handing out temporary storage at all.
		return 0
	case m.opts.Ephemeral:
		return EphemeralTemporaryQuota
	case free < DefaultTemporaryQuota*20:
		return DefaultTemporaryQuota
	case free < MaxTemporaryQuota*20:
		return free / 20
	default:
		return MaxTemporaryQuota
	}
}

// GetUsageAndQuota reports an origin's current usage and effective quota
// for the storage type. Concurrent calls for the same (host, type) share a
// single gather and all receive the same answer.
func (m *Manager) GetUsageAndQuota(origin string, st StorageType, cb UsageAndQuotaFunc) {
	m.lazyInit()
	if st != StorageTypeTemporary && st != StorageTypePersistent {
		cb(StatusNotSupported, 0, 0)
		return
	}
	host := HostForOrigin(origin)
	unlimited := m.policy.IsStorageUnlimited(origin)

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			cb(StatusAbort, 0, 0)
			return
		}
		key := dispatcherKey{host, st}
		d, ok := m.dispatchers[key]
		if !ok {
			d = newUsageQuotaDispatcher(m, host, st)
			m.dispatchers[key] = d
		}
		accepted, first := d.addCallback(cb, unlimited)
		m.mu.Unlock()

		if !accepted {
			// Raced with dispatch; try again with a fresh dispatcher.
			continue
		}
		if first {
			d.req = m.track(d.abort)
			if d.req == nil {
				return
			}
			d.run()
		}
		return
	}
}

// GetGlobalUsage reports total and unlimited-origin usage across all
// clients for the type.
func (m *Manager) GetGlobalUsage(st StorageType, cb GlobalUsageFunc) {
	m.lazyInit()
	tracker := m.tracker(st)
	if tracker == nil {
		cb(0, 0)
		return
	}
	f := m.track(func() { cb(0, 0) })
	if f == nil {
		return
	}
	go func() {
		usage, unlimited := tracker.GlobalUsage(m.ctx)
		f.finish(func() { cb(usage, unlimited) })
	}()
}

// GetHostUsage reports the host's summed usage across all clients for the
// type.
func (m *Manager) GetHostUsage(host string, st StorageType, cb HostUsageFunc) {
	m.lazyInit()
	tracker := m.tracker(st)
	if tracker == nil {
		cb(0)
		return
	}
	f := m.track(func() { cb(0) })
	if f == nil {
		return
	}
	go func() {
		usage := tracker.HostUsage(m.ctx, host)
		f.finish(func() { cb(usage) })
	}()
}

// GetTemporaryGlobalQuota reports the size of the shared temporary pool,
// initializing it on first read.
func (m *Manager) GetTemporaryGlobalQuota(cb QuotaFunc) {
	m.lazyInit()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cb(StatusAbort, -1)
		return
	}
	if m.temporaryQuota >= 0 {
		quota := m.temporaryQuota
		m.mu.Unlock()
		cb(StatusOK, quota)
		return
	}
	// Answered when database initialization completes.
	m.tempQuotaWaiters = append(m.tempQuotaWaiters, cb)
	m.mu.Unlock()
}

// SetTemporaryGlobalQuota resizes the shared temporary pool.
func (m *Manager) SetTemporaryGlobalQuota(quota int64, cb QuotaFunc) {
	m.lazyInit()
	if quota < 0 {
		cb(StatusInvalidModification, -1)
		return
	}
	m.postDBJob(func() {
		if database := m.db(); database != nil {
			if err := database.SetGlobalQuota(m.ctx, int(StorageTypeTemporary), quota); err != nil {
				m.disableDB(err)
			}
		}
		m.mu.Lock()
		m.temporaryQuota = quota
		m.mu.Unlock()
		cb(StatusOK, quota)
	}, func() { cb(StatusAbort, -1) })
}

// GetPersistentHostQuota reports the stored persistent quota for a host;
// hosts never granted one report zero.
func (m *Manager) GetPersistentHostQuota(host string, cb QuotaFunc) {
	m.lazyInit()
	if host == "" {
		cb(StatusNotSupported, 0)
		return
	}
	m.postDBJob(func() {
		database := m.db()
		if database == nil {
			m.mu.Lock()
			quota := m.memHostQuotas[host]
			m.mu.Unlock()
			cb(StatusOK, quota)
			return
		}
		quota, _, err := database.GetHostQuota(m.ctx, host, int(StorageTypePersistent))
		if err != nil {
			m.disableDB(err)
			quota = 0
		}
		cb(StatusOK, quota)
	}, func() { cb(StatusAbort, -1) })
}

// SetPersistentHostQuota stores an explicit persistent quota for a host.
func (m *Manager) SetPersistentHostQuota(host string, quota int64, cb QuotaFunc) {
	m.lazyInit()
	if host == "" {
		cb(StatusNotSupported, 0)
		return
	}
	if quota < 0 {
		cb(StatusInvalidModification, -1)
		return
	}
	m.postDBJob(func() {
		database := m.db()
		if database != nil {
			if err := database.SetHostQuota(m.ctx, host, int(StorageTypePersistent), quota); err != nil {
				m.disableDB(err)
				database = nil
			}
		}
		if database == nil {
			m.mu.Lock()
			m.memHostQuotas[host] = quota
			m.mu.Unlock()
		}
		cb(StatusOK, quota)
	}, func() { cb(StatusAbort, -1) })
}

// NotifyStorageAccessed records an access to (origin, type) for LRU
// ordering. Fire and forget.
func (m *Manager) NotifyStorageAccessed(clientID ClientID, origin string, st StorageType) {
	m.lazyInit()
	m.mu.Lock()
	if st == StorageTypeTemporary && m.lruCallback != nil {
		// Accessed while an LRU scan is in flight; the scan result must
		// not name this origin.
		m.accessedDuringLRU[origin] = struct{}{}
	}
	disabled := m.dbDisabled
	m.mu.Unlock()
	if disabled {
		return
	}
	now := time.Now()
	m.postDBJob(func() {
		if database := m.db(); database != nil {
			if err := database.SetOriginAccessTime(m.ctx, origin, int(st), now); err != nil {
				m.disableDB(err)
			}
		}
	}, nil)
}

// NotifyStorageModified applies a usage delta to the matching client's
// cache without triggering a gather.
func (m *Manager) NotifyStorageModified(clientID ClientID, origin string, st StorageType, delta int64) {
	m.lazyInit()
	if tracker := m.tracker(st); tracker != nil {
		tracker.UpdateUsageCache(clientID, origin, delta)
	}
}

// NotifyOriginInUse marks an origin as actively used, protecting it from
// eviction. Calls must be balanced with NotifyOriginNoLongerInUse.
func (m *Manager) NotifyOriginInUse(origin string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.originsInUse[origin]++
}

// NotifyOriginNoLongerInUse drops one in-use reference.
func (m *Manager) NotifyOriginNoLongerInUse(origin string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count, ok := m.originsInUse[origin]
	if !ok {
		return
	}
	if count <= 1 {
		delete(m.originsInUse, origin)
		return
	}
	m.originsInUse[origin] = count - 1
}

// IsOriginInUse reports whether any in-use references remain.
func (m *Manager) IsOriginInUse(origin string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.originsInUse[origin] > 0
}

// GetCachedOrigins returns the origins currently held in the usage caches
// for the type.
func (m *Manager) GetCachedOrigins(st StorageType) []string {
	m.lazyInit()
	tracker := m.tracker(st)
	if tracker == nil {
		return nil
	}
	return tracker.CachedOrigins()
}

// InvalidateUsageCache drops the usage caches for the type; the next query
// re-gathers from the clients.
func (m *Manager) InvalidateUsageCache(st StorageType) {
	m.lazyInit()
	if tracker := m.tracker(st); tracker != nil {
		tracker.InvalidateCaches()
	}
}

// GetAvailableSpace reports the physical space available to the profile.
func (m *Manager) GetAvailableSpace(cb AvailableSpaceFunc) {
	m.lazyInit()
	m.postDBJob(func() {
		probePath := m.opts.Path
		if probePath == "" {
			probePath = "."
		}
		space, err := m.probe(probePath)
		if err != nil {
			slog.Warn("disk space probe failed", "path", probePath, "error", err)
			space = 0
		}
		cb(StatusOK, space)
	}, func() { cb(StatusAbort, -1) })
}

// DumpQuotaTable reports every persisted host-quota row, for diagnostics.
func (m *Manager) DumpQuotaTable(cb func(entries []QuotaTableEntry)) {
	m.lazyInit()
	m.postDBJob(func() {
		database := m.db()
		if database == nil {
			cb(nil)
			return
		}
		rows, err := database.DumpQuotaTable(m.ctx)
		if err != nil {
			m.disableDB(err)
			cb(nil)
			return
		}
		entries := make([]QuotaTableEntry, 0, len(rows))
		for _, r := range rows {
			entries = append(entries, QuotaTableEntry{
				Host:  r.Host,
				Type:  StorageType(r.Type),
				Quota: r.Quota,
			})
		}
		cb(entries)
	}, func() { cb(nil) })
}

// DumpAccessTable reports every persisted origin-access row, for
// diagnostics.
func (m *Manager) DumpAccessTable(cb func(entries []AccessTableEntry)) {
	m.lazyInit()
	m.postDBJob(func() {
		database := m.db()
		if database == nil {
			cb(nil)
			return
		}
		rows, err := database.DumpAccessTable(m.ctx)
		if err != nil {
			m.disableDB(err)
			cb(nil)
			return
		}
		entries := make([]AccessTableEntry, 0, len(rows))
		for _, r := range rows {
			entries = append(entries, AccessTableEntry{
				Origin:         r.Origin,
				Type:           StorageType(r.Type),
				UsedCount:      r.UsedCount,
				LastAccessUnix: r.LastAccess.UnixMicro(),
			})
		}
		cb(entries)
	}, func() { cb(nil) })
}
