//go:build linux || darwin

package blobstore

import "syscall"

// freeDisk queries the filesystem backing dir via statfs, returning bytes
// available to an unprivileged user (Bavail × block size).
func freeDisk(dir string) (uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return 0, err
	}
	return uint64(stat.Bavail) * uint64(stat.Bsize), nil
}
