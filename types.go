// Package quotakeeper tracks how much on-disk space each web origin
// consumes across pluggable storage backends, enforces soft per-host and
// global quotas, and exposes an LRU eviction surface for reclaiming space
// under pressure.
package quotakeeper

import "math"

// StorageType selects which storage pool an operation applies to.
type StorageType int

const (
	// StorageTypeUnknown is the zero value; operations reject it.
	StorageTypeUnknown StorageType = iota

	// StorageTypeTemporary is the shared, evictable global pool. It has no
	// persisted per-host quota; per-host limits derive from the global pool.
	StorageTypeTemporary

	// StorageTypePersistent uses explicit per-host quotas and is never
	// auto-evicted.
	StorageTypePersistent
)

func (t StorageType) String() string {
	switch t {
	case StorageTypeTemporary:
		return "temporary"
	case StorageTypePersistent:
		return "persistent"
	default:
		return "unknown"
	}
}

// Status is the outcome of an asynchronous quota operation.
type Status int

const (
	// StatusUnknown is the sentinel pre-completion value.
	StatusUnknown Status = iota

	// StatusOK means the operation completed.
	StatusOK

	// StatusNotSupported rejects operations with no billable identity,
	// e.g. a persistent-quota call on an empty host.
	StatusNotSupported

	// StatusInvalidModification means a modification could not be applied,
	// e.g. a negative quota, or a client failing during eviction.
	StatusInvalidModification

	// StatusAbort means the manager was closed while the operation was
	// outstanding.
	StatusAbort
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNotSupported:
		return "not supported"
	case StatusInvalidModification:
		return "invalid modification"
	case StatusAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// UnlimitedQuota is the quota reported for origins the policy flags
// unlimited.
const UnlimitedQuota = int64(math.MaxInt64)

const mbytes = int64(1024 * 1024)

const (
	// DefaultTemporaryQuota is the initial size of the temporary pool when
	// no stored value exists and disk space is not a concern.
	DefaultTemporaryQuota = 50 * mbytes

	// MaxTemporaryQuota caps the initial temporary pool size.
	MaxTemporaryQuota = 1024 * mbytes

	// EphemeralTemporaryQuota is the initial temporary pool size for
	// ephemeral (memory-only) profiles.
	EphemeralTemporaryQuota = 50 * mbytes

	// PerHostTemporaryPortion divides the temporary global quota to obtain
	// a single host's share (5 means each host may use up to 20%).
	PerHostTemporaryPortion = 5

	// DefaultEvictionErrorThreshold is how many consecutive deletion
	// failures exclude an origin from LRU scans.
	DefaultEvictionErrorThreshold = 3
)

// Callback signatures for the asynchronous surface.
type (
	// UsageAndQuotaFunc receives the result of Manager.GetUsageAndQuota.
	UsageAndQuotaFunc func(status Status, usage, quota int64)

	// GlobalUsageFunc receives total and unlimited-origin usage for a type.
	GlobalUsageFunc func(usage, unlimitedUsage int64)

	// HostUsageFunc receives the summed usage of one host.
	HostUsageFunc func(usage int64)

	// QuotaFunc receives a quota value.
	QuotaFunc func(status Status, quota int64)

	// AvailableSpaceFunc receives the physical free-space probe result.
	AvailableSpaceFunc func(status Status, availableSpace int64)

	// LRUOriginFunc receives the least-recently-used evictable origin, or
	// "" when none qualifies.
	LRUOriginFunc func(origin string)

	// StatusFunc receives a bare completion status.
	StatusFunc func(status Status)

	// EvictionInfoFunc receives the usage/quota snapshot an evictor bases
	// its decisions on.
	EvictionInfoFunc func(status Status, usage, unlimitedUsage, quota, availableSpace int64)
)

// QuotaTableEntry is one persisted host-quota row, as reported by
// Manager.DumpQuotaTable.
type QuotaTableEntry struct {
	Host  string
	Type  StorageType
	Quota int64
}

// AccessTableEntry is one persisted origin-access row, as reported by
// Manager.DumpAccessTable.
type AccessTableEntry struct {
	Origin         string
	Type           StorageType
	UsedCount      int
	LastAccessUnix int64
}
