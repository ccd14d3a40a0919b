//go:build !linux && !darwin

package blobstore

import "errors"

// freeDisk is not implemented on this platform; callers treat an error here
// as "unknown free disk" and skip free-disk-triggered GC rather than failing
// writes outright.
func freeDisk(dir string) (uint64, error) {
	return 0, errors.New("blobstore: free disk query unsupported on this platform")
}
