//go:build !windows

package readcache

import (
	"os"
	"syscall"
)

// openNoFollow opens a file for reading without following a
// symlink at the final path component. Paths are resolved before
// the open, so a symlink appearing in between fails with ELOOP
// instead of redirecting the read.
func openNoFollow(path string) (*os.File, error) {
	return os.OpenFile(
		path, os.O_RDONLY|syscall.O_NOFOLLOW, 0,
	)
}
