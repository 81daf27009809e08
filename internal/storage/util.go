package storage

import "os"

// EnsureDir ensures a directory exists with default permissions.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

// IsStale reports whether a write at version next must be rejected given
// the stored version. Unversioned writes are never stale.
func IsStale(stored, next uint64) bool {
	return next != 0 && next <= stored
}
