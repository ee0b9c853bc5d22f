package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	typeTemporary  = 1
	typePersistent = 2
)

func openTestDB(t *testing.T, path string) *Database {
	t.Helper()
	d, err := Open(Options{Path: path, CommitDelay: 5 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestHostQuotaRoundtrip(t *testing.T) {
	d := openTestDB(t, "")
	ctx := context.Background()

	_, found, err := d.GetHostQuota(ctx, "foo.com", typePersistent)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, d.SetHostQuota(ctx, "foo.com", typePersistent, 100))

	// Reads observe enqueued writes without waiting for the commit timer.
	quota, found, err := d.GetHostQuota(ctx, "foo.com", typePersistent)
	require.NoError(t, err)
	require.True(t, found)
	assert.EqualValues(t, 100, quota)

	require.NoError(t, d.SetHostQuota(ctx, "foo.com", typePersistent, 200))
	quota, _, err = d.GetHostQuota(ctx, "foo.com", typePersistent)
	require.NoError(t, err)
	assert.EqualValues(t, 200, quota)

	// Rows are keyed by (host, type).
	_, found, err = d.GetHostQuota(ctx, "foo.com", typeTemporary)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, d.DeleteHostQuota(ctx, "foo.com", typePersistent))
	_, found, err = d.GetHostQuota(ctx, "foo.com", typePersistent)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGlobalQuotaRoundtrip(t *testing.T) {
	d := openTestDB(t, "")
	ctx := context.Background()

	_, found, err := d.GetGlobalQuota(ctx, typeTemporary)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, d.SetGlobalQuota(ctx, typeTemporary, 5000))
	quota, found, err := d.GetGlobalQuota(ctx, typeTemporary)
	require.NoError(t, err)
	require.True(t, found)
	assert.EqualValues(t, 5000, quota)
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quota.db")
	ctx := context.Background()

	d := openTestDB(t, path)
	require.NoError(t, d.SetHostQuota(ctx, "foo.com", typePersistent, 77))
	require.NoError(t, d.SetGlobalQuota(ctx, typeTemporary, 5000))
	require.NoError(t, d.SetBootstrapped(ctx))
	require.NoError(t, d.Close())

	d2 := openTestDB(t, path)
	quota, found, err := d2.GetHostQuota(ctx, "foo.com", typePersistent)
	require.NoError(t, err)
	require.True(t, found)
	assert.EqualValues(t, 77, quota)

	quota, found, err = d2.GetGlobalQuota(ctx, typeTemporary)
	require.NoError(t, err)
	require.True(t, found)
	assert.EqualValues(t, 5000, quota)

	bootstrapped, err := d2.IsBootstrapped(ctx)
	require.NoError(t, err)
	assert.True(t, bootstrapped)
}

func TestDeferredCommit(t *testing.T) {
	d := openTestDB(t, "")
	ctx := context.Background()

	require.NoError(t, d.SetHostQuota(ctx, "foo.com", typePersistent, 100))

	// The coalescing timer commits the batch without an explicit flush or
	// read; poll the connection directly.
	require.Eventually(t, func() bool {
		var quota int64
		err := d.sqlDB.QueryRow(
			"SELECT quota FROM HostQuotaTable WHERE host = ? AND type = ?",
			"foo.com", typePersistent).Scan(&quota)
		return err == nil && quota == 100
	}, time.Second, 10*time.Millisecond)
}

func TestOriginAccessUpserts(t *testing.T) {
	d := openTestDB(t, "")
	ctx := context.Background()

	t0 := time.UnixMicro(1000)
	t1 := time.UnixMicro(2000)
	require.NoError(t, d.SetOriginAccessTime(ctx, "http://a.com/", typeTemporary, t0))
	require.NoError(t, d.SetOriginAccessTime(ctx, "http://a.com/", typeTemporary, t1))

	entries, err := d.DumpAccessTable(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "http://a.com/", entries[0].Origin)
	assert.Equal(t, 2, entries[0].UsedCount)
	assert.Equal(t, t1.UnixMicro(), entries[0].LastAccess.UnixMicro())
}

func TestRegisterOriginsKeepsExistingRows(t *testing.T) {
	d := openTestDB(t, "")
	ctx := context.Background()

	accessed := time.UnixMicro(5000)
	require.NoError(t, d.SetOriginAccessTime(ctx, "http://a.com/", typeTemporary, accessed))
	require.NoError(t, d.RegisterOrigins(ctx,
		[]string{"http://a.com/", "http://b.com/"}, typeTemporary, time.UnixMicro(0)))

	entries, err := d.DumpAccessTable(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byOrigin := make(map[string]AccessEntry, len(entries))
	for _, e := range entries {
		byOrigin[e.Origin] = e
	}
	assert.Equal(t, 1, byOrigin["http://a.com/"].UsedCount, "registration must not reset access history")
	assert.Equal(t, accessed.UnixMicro(), byOrigin["http://a.com/"].LastAccess.UnixMicro())
	assert.Equal(t, 0, byOrigin["http://b.com/"].UsedCount)
}

func TestLRUOrigin(t *testing.T) {
	d := openTestDB(t, "")
	ctx := context.Background()

	origin, err := d.LRUOrigin(ctx, typeTemporary, nil)
	require.NoError(t, err)
	assert.Empty(t, origin, "empty table yields no candidate")

	require.NoError(t, d.SetOriginAccessTime(ctx, "http://old.com/", typeTemporary, time.UnixMicro(1000)))
	require.NoError(t, d.SetOriginAccessTime(ctx, "http://mid.com/", typeTemporary, time.UnixMicro(2000)))
	require.NoError(t, d.SetOriginAccessTime(ctx, "http://new.com/", typeTemporary, time.UnixMicro(3000)))
	require.NoError(t, d.SetOriginAccessTime(ctx, "http://other.com/", typePersistent, time.UnixMicro(1)))

	origin, err = d.LRUOrigin(ctx, typeTemporary, nil)
	require.NoError(t, err)
	assert.Equal(t, "http://old.com/", origin)

	origin, err = d.LRUOrigin(ctx, typeTemporary, func(o string) bool {
		return o == "http://old.com/"
	})
	require.NoError(t, err)
	assert.Equal(t, "http://mid.com/", origin, "exempt candidates are skipped")

	origin, err = d.LRUOrigin(ctx, typeTemporary, func(string) bool { return true })
	require.NoError(t, err)
	assert.Empty(t, origin, "everything exempt yields no candidate")

	require.NoError(t, d.DeleteOriginAccessTime(ctx, "http://old.com/", typeTemporary))
	origin, err = d.LRUOrigin(ctx, typeTemporary, nil)
	require.NoError(t, err)
	assert.Equal(t, "http://mid.com/", origin)
}

func TestBootstrappedFlag(t *testing.T) {
	d := openTestDB(t, "")
	ctx := context.Background()

	bootstrapped, err := d.IsBootstrapped(ctx)
	require.NoError(t, err)
	assert.False(t, bootstrapped)

	require.NoError(t, d.SetBootstrapped(ctx))
	bootstrapped, err = d.IsBootstrapped(ctx)
	require.NoError(t, err)
	assert.True(t, bootstrapped)
}

func TestDumpQuotaTableOrdering(t *testing.T) {
	d := openTestDB(t, "")
	ctx := context.Background()

	require.NoError(t, d.SetHostQuota(ctx, "b.com", typePersistent, 2))
	require.NoError(t, d.SetHostQuota(ctx, "a.com", typePersistent, 1))
	require.NoError(t, d.SetHostQuota(ctx, "a.com", typeTemporary, 3))

	entries, err := d.DumpQuotaTable(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, QuotaEntry{Host: "a.com", Type: typeTemporary, Quota: 3}, entries[0])
	assert.Equal(t, QuotaEntry{Host: "a.com", Type: typePersistent, Quota: 1}, entries[1])
	assert.Equal(t, QuotaEntry{Host: "b.com", Type: typePersistent, Quota: 2}, entries[2])
}

func TestOperationsAfterClose(t *testing.T) {
	d := openTestDB(t, "")
	require.NoError(t, d.Close())

	err := d.SetHostQuota(context.Background(), "foo.com", typePersistent, 1)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestIncompatibleVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quota.db")
	d := openTestDB(t, path)
	_, err := d.sqlDB.Exec(
		"INSERT INTO schema_migrations (version, name) VALUES (999, 'from_the_future')")
	require.NoError(t, err)
	require.NoError(t, d.Close())

	_, err = Open(Options{Path: path})
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}
