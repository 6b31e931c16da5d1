//go:build !unix

package lockfile

import "os"

// Non-unix platforms fall back to no-op locks. The store remains safe in the
// single-process cooperative model; cross-process exclusion needs unix flock.
func FlockExclusive(_ *os.File) error { return nil }

func FlockUnlock(_ *os.File) error { return nil }
