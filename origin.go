package quotakeeper

import "net/url"

// HostForOrigin extracts the hostname used to group origins for persistent
// quotas and aggregate reporting. Scheme and port are ignored. Origins that
// don't parse as URLs (or have no hostname, like file:///) fall back to the
// full origin string so they still get a stable identity.
func HostForOrigin(origin string) string {
	u, err := url.Parse(origin)
	if err != nil || u.Hostname() == "" {
		return origin
	}
	return u.Hostname()
}
