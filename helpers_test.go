package quotakeeper

import (
	"context"
	"sync"
	"testing"
	"time"
)

const callbackTimeout = 5 * time.Second

type mockOriginData struct {
	origin string
	st     StorageType
	usage  int64
}

// mockClient is an in-memory storage backend with adjustable usage data,
// failure injection, gates for holding calls open, and call counters.
type mockClient struct {
	id ClientID

	// enumGate, when non-nil, holds origin enumerations until it is closed.
	enumGate chan struct{}
	// deleteGate, when non-nil, holds deletions until it is closed.
	deleteGate chan struct{}
	// blockUsage makes usage queries block until their context is done.
	blockUsage bool

	mu           sync.Mutex
	usage        map[StorageType]map[string]int64
	deleteErrs   map[string]error
	deleted      []string
	destroyed    bool
	typeEnums    int
	hostEnums    map[string]int
	usageQueries map[string]int
	enumErr      error
}

func newMockClient(id ClientID, data ...mockOriginData) *mockClient {
	c := &mockClient{
		id:           id,
		usage:        make(map[StorageType]map[string]int64),
		deleteErrs:   make(map[string]error),
		hostEnums:    make(map[string]int),
		usageQueries: make(map[string]int),
	}
	for _, d := range data {
		c.setUsage(d.origin, d.st, d.usage)
	}
	return c
}

func (c *mockClient) setUsage(origin string, st StorageType, usage int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.usage[st] == nil {
		c.usage[st] = make(map[string]int64)
	}
	c.usage[st][origin] = usage
}

func (c *mockClient) addUsage(origin string, st StorageType, delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.usage[st][origin] += delta
}

func (c *mockClient) setDeleteErr(origin string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.deleteErrs, origin)
		return
	}
	c.deleteErrs[origin] = err
}

func (c *mockClient) typeEnumCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.typeEnums
}

func (c *mockClient) hostEnumCount(host string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hostEnums[host]
}

func (c *mockClient) deletedOrigins() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.deleted...)
}

func (c *mockClient) wasDestroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

func (c *mockClient) ID() ClientID { return c.id }

func (c *mockClient) OriginUsage(ctx context.Context, origin string, st StorageType) (int64, error) {
	if c.blockUsage {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.usageQueries[origin]++
	return c.usage[st][origin], nil
}

func (c *mockClient) OriginsForType(ctx context.Context, st StorageType) ([]string, error) {
	c.mu.Lock()
	c.typeEnums++
	err := c.enumErr
	var origins []string
	for origin := range c.usage[st] {
		origins = append(origins, origin)
	}
	gate := c.enumGate
	c.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return origins, nil
}

func (c *mockClient) OriginsForHost(ctx context.Context, st StorageType, host string) ([]string, error) {
	c.mu.Lock()
	c.hostEnums[host]++
	err := c.enumErr
	var origins []string
	for origin := range c.usage[st] {
		if HostForOrigin(origin) == host {
			origins = append(origins, origin)
		}
	}
	gate := c.enumGate
	c.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return origins, nil
}

func (c *mockClient) DeleteOriginData(ctx context.Context, origin string, st StorageType) error {
	c.mu.Lock()
	gate := c.deleteGate
	c.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.deleteErrs[origin]; err != nil {
		return err
	}
	if c.usage[st] != nil {
		delete(c.usage[st], origin)
	}
	c.deleted = append(c.deleted, origin)
	return nil
}

func (c *mockClient) OnQuotaManagerDestroyed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyed = true
}

// mockPolicy flags origins unlimited or protected, adjustable mid-test.
type mockPolicy struct {
	mu        sync.Mutex
	unlimited map[string]bool
	protected map[string]bool
}

func newMockPolicy() *mockPolicy {
	return &mockPolicy{
		unlimited: make(map[string]bool),
		protected: make(map[string]bool),
	}
}

func (p *mockPolicy) addUnlimited(origin string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unlimited[origin] = true
}

func (p *mockPolicy) addProtected(origin string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.protected[origin] = true
}

func (p *mockPolicy) IsStorageUnlimited(origin string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unlimited[origin]
}

func (p *mockPolicy) IsStorageProtected(origin string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.protected[origin]
}

// newTestManager builds a manager with test-friendly defaults: a generous
// disk probe, a short commit delay, no origin bootstrap, and teardown via
// t.Cleanup.
func newTestManager(t *testing.T, opts Options, clients ...Client) *Manager {
	t.Helper()
	if opts.DiskProbe == nil {
		opts.DiskProbe = func(string) (int64, error) { return MaxTemporaryQuota * 20, nil }
	}
	if opts.CommitDelay == 0 {
		opts.CommitDelay = 5 * time.Millisecond
	}
	opts.DisableBootstrap = true
	m := NewManager(opts)
	for _, c := range clients {
		m.RegisterClient(c)
	}
	t.Cleanup(m.Close)
	return m
}

type usageAndQuotaResult struct {
	status Status
	usage  int64
	quota  int64
}

func awaitUsageAndQuota(t *testing.T, m *Manager, origin string, st StorageType) usageAndQuotaResult {
	t.Helper()
	ch := make(chan usageAndQuotaResult, 1)
	m.GetUsageAndQuota(origin, st, func(status Status, usage, quota int64) {
		ch <- usageAndQuotaResult{status, usage, quota}
	})
	select {
	case r := <-ch:
		return r
	case <-time.After(callbackTimeout):
		t.Fatalf("GetUsageAndQuota(%s, %s): callback never fired", origin, st)
		return usageAndQuotaResult{}
	}
}

func awaitQuotaFunc(t *testing.T, what string, call func(QuotaFunc)) (Status, int64) {
	t.Helper()
	type result struct {
		status Status
		quota  int64
	}
	ch := make(chan result, 1)
	call(func(status Status, quota int64) {
		ch <- result{status, quota}
	})
	select {
	case r := <-ch:
		return r.status, r.quota
	case <-time.After(callbackTimeout):
		t.Fatalf("%s: callback never fired", what)
		return StatusUnknown, 0
	}
}

func awaitGlobalUsage(t *testing.T, m *Manager, st StorageType) (usage, unlimitedUsage int64) {
	t.Helper()
	type result struct{ usage, unlimited int64 }
	ch := make(chan result, 1)
	m.GetGlobalUsage(st, func(usage, unlimitedUsage int64) {
		ch <- result{usage, unlimitedUsage}
	})
	select {
	case r := <-ch:
		return r.usage, r.unlimited
	case <-time.After(callbackTimeout):
		t.Fatalf("GetGlobalUsage(%s): callback never fired", st)
		return 0, 0
	}
}

func awaitHostUsage(t *testing.T, m *Manager, host string, st StorageType) int64 {
	t.Helper()
	ch := make(chan int64, 1)
	m.GetHostUsage(host, st, func(usage int64) {
		ch <- usage
	})
	select {
	case usage := <-ch:
		return usage
	case <-time.After(callbackTimeout):
		t.Fatalf("GetHostUsage(%s, %s): callback never fired", host, st)
		return 0
	}
}

func awaitStatus(t *testing.T, what string, call func(StatusFunc)) Status {
	t.Helper()
	ch := make(chan Status, 1)
	call(func(status Status) {
		ch <- status
	})
	select {
	case status := <-ch:
		return status
	case <-time.After(callbackTimeout):
		t.Fatalf("%s: callback never fired", what)
		return StatusUnknown
	}
}

func awaitLRUOrigin(t *testing.T, m *Manager, st StorageType) string {
	t.Helper()
	ch := make(chan string, 1)
	m.GetLRUOrigin(st, func(origin string) {
		ch <- origin
	})
	select {
	case origin := <-ch:
		return origin
	case <-time.After(callbackTimeout):
		t.Fatalf("GetLRUOrigin(%s): callback never fired", st)
		return ""
	}
}

func awaitAccessTable(t *testing.T, m *Manager) []AccessTableEntry {
	t.Helper()
	ch := make(chan []AccessTableEntry, 1)
	m.DumpAccessTable(func(entries []AccessTableEntry) {
		ch <- entries
	})
	select {
	case entries := <-ch:
		return entries
	case <-time.After(callbackTimeout):
		t.Fatal("DumpAccessTable: callback never fired")
		return nil
	}
}

func awaitQuotaTable(t *testing.T, m *Manager) []QuotaTableEntry {
	t.Helper()
	ch := make(chan []QuotaTableEntry, 1)
	m.DumpQuotaTable(func(entries []QuotaTableEntry) {
		ch <- entries
	})
	select {
	case entries := <-ch:
		return entries
	case <-time.After(callbackTimeout):
		t.Fatal("DumpQuotaTable: callback never fired")
		return nil
	}
}

func accessTableOrigins(entries []AccessTableEntry) []string {
	origins := make([]string, 0, len(entries))
	for _, e := range entries {
		origins = append(origins, e.Origin)
	}
	return origins
}
