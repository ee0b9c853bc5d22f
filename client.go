package quotakeeper

import "context"

// ClientID identifies a concrete storage backend. IDs are stable small
// integers so they can be logged and compared across sessions.
type ClientID int

const (
	ClientUnknown ClientID = iota
	ClientFileSystem
	ClientDatabase
	ClientAppCache
	ClientIndexedDB
)

// Client is the capability every storage backend implements so the manager
// can account for and reclaim its space. All methods reporting sizes must
// return values reflecting actual on-disk usage; negative reports are
// clamped to zero by the caller.
//
// Calls may run concurrently with each other; implementations must honor
// ctx cancellation, which the manager uses for teardown.
type Client interface {
	// ID returns the backend's stable identity.
	ID() ClientID

	// OriginUsage returns the bytes the backend stores for origin under the
	// given type.
	OriginUsage(ctx context.Context, origin string, st StorageType) (int64, error)

	// OriginsForType enumerates every origin the backend knows for the type.
	OriginsForType(ctx context.Context, st StorageType) ([]string, error)

	// OriginsForHost enumerates the backend's origins whose host matches.
	OriginsForHost(ctx context.Context, st StorageType, host string) ([]string, error)

	// DeleteOriginData removes the backend's data for the origin. It must
	// only return nil once the data is actually gone.
	DeleteOriginData(ctx context.Context, origin string, st StorageType) error

	// OnQuotaManagerDestroyed tells the backend the manager is going away.
	OnQuotaManagerDestroyed()
}
