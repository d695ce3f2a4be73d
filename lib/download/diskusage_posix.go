//go:build !windows

package download

import (
	"path/filepath"
	"syscall"
)

// diskFree returns the number of bytes free on the filesystem
// containing path, used by AddTask's disk-space precheck (spec §4.6
// step 1). AddTask compares it with twice the task size; the signature
// file size is not included.
func diskFree(path string) (int64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(filepath.Dir(filepath.Clean(path)), &stat); err != nil {
		return 0, err
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}
