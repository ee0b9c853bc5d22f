// Package diskspace probes how much physical space is available to a
// profile directory.
package diskspace

import (
	"fmt"
	"syscall"
)

// Available returns the bytes available to unprivileged processes on the
// filesystem holding path.
func Available(path string) (int64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, fmt.Errorf("failed to check disk space: %w", err)
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}
