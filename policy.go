package quotakeeper

// SpecialStoragePolicy is the external oracle flagging origins that are
// exempt from quota (unlimited) or from eviction (protected). It is
// consulted synchronously at every quota and eviction decision point, so
// implementations must be cheap and safe for concurrent use.
type SpecialStoragePolicy interface {
	IsStorageUnlimited(origin string) bool
	IsStorageProtected(origin string) bool
}

// nopPolicy flags nothing; used when no policy is configured.
type nopPolicy struct{}

func (nopPolicy) IsStorageUnlimited(string) bool { return false }
func (nopPolicy) IsStorageProtected(string) bool { return false }
