//go:build windows

package readcache

import "os"

// openNoFollow opens a file for reading. O_NOFOLLOW is not
// available on Windows; resolvePath has already evaluated
// symlinks.
func openNoFollow(path string) (*os.File, error) {
	return os.Open(path)
}
