package readcache

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// Reason classifies why a read was not cacheable or fell back to
// baseline content.
type Reason string

const (
	ReasonPathResolution Reason = "path_resolution"
	ReasonDenylisted     Reason = "denylisted"
	ReasonDecode         Reason = "decode"
	ReasonInvalidRange   Reason = "invalid_range"
	ReasonHistory        Reason = "history"
	ReasonStoreIO        Reason = "store_io"
	ReasonBaseMissing    Reason = "base_missing"
	ReasonRangeChanged   Reason = "range_changed"
	ReasonDiffNotUseful  Reason = "diff_not_useful"
	ReasonDiffMismatch   Reason = "diff_mismatch"
	ReasonTruncation     Reason = "truncation"
	ReasonBypass         Reason = "bypass"
	ReasonNoTrust        Reason = "no_trust"
)

// ErrNotCacheable marks a read the cache must leave alone. The
// caller serves baseline content untouched.
var ErrNotCacheable = errors.New("not cacheable")

// NotCacheableError carries the reason a read was not cacheable.
type NotCacheableError struct {
	Reason Reason
	Err    error
}

func (e *NotCacheableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("not cacheable: %s", e.Reason)
	}
	return fmt.Sprintf("not cacheable: %s: %v", e.Reason, e.Err)
}

func (e *NotCacheableError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrNotCacheable}
	}
	return []error{ErrNotCacheable, e.Err}
}

func notCacheable(reason Reason, err error) error {
	return &NotCacheableError{Reason: reason, Err: err}
}

// deniedNames are base-name patterns never cached: environment
// files, key and certificate material, and credential stores.
var deniedNames = []string{
	".env",
	".env.*",
	"*.env",
	"*.pem",
	"*.key",
	"*.p12",
	"*.pfx",
	"*.crt",
	"*.cer",
	"*.der",
	"*.jks",
	"*.keystore",
	"id_rsa*",
	"id_dsa*",
	"id_ecdsa*",
	"id_ed25519*",
	".npmrc",
	".netrc",
	"_netrc",
	".pypirc",
	".git-credentials",
	".pgpass",
	"credentials",
}

// IsDenied reports whether the file name of path matches the
// secret-like denylist. Matching ignores case.
func IsDenied(path string) bool {
	name := strings.ToLower(filepath.Base(path))
	for _, pattern := range deniedNames {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// resolvePath maps the path argument of a read onto a regular
// local file: a leading "@" is dropped, "~" expands to the home
// directory, relative paths resolve against cwd, and symlinks are
// evaluated so every alias of a file shares one path key.
func resolvePath(raw, cwd string) (string, error) {
	p := strings.TrimPrefix(raw, "@")
	if p == "" {
		return "", notCacheable(ReasonPathResolution, errors.New("empty path"))
	}

	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", notCacheable(ReasonPathResolution, err)
		}
		p = filepath.Join(home, p[1:])
	}
	if !filepath.IsAbs(p) {
		if cwd == "" {
			wd, err := os.Getwd()
			if err != nil {
				return "", notCacheable(ReasonPathResolution, err)
			}
			cwd = wd
		}
		p = filepath.Join(cwd, p)
	}

	real, err := filepath.EvalSymlinks(filepath.Clean(p))
	if err != nil {
		return "", notCacheable(ReasonPathResolution, err)
	}
	info, err := os.Stat(real)
	if err != nil {
		return "", notCacheable(ReasonPathResolution, err)
	}
	if !info.Mode().IsRegular() {
		return "", notCacheable(
			ReasonPathResolution,
			fmt.Errorf("%s is not a regular file", real),
		)
	}
	return real, nil
}

// readText reads path and requires valid UTF-8.
func readText(path string) (string, error) {
	f, err := openNoFollow(path)
	if err != nil {
		return "", notCacheable(ReasonPathResolution, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return "", notCacheable(ReasonPathResolution, err)
	}
	if !utf8.Valid(data) {
		return "", notCacheable(
			ReasonDecode, fmt.Errorf("%s is not valid UTF-8", path),
		)
	}
	return string(data), nil
}

// displayPath is the path shown in diff headers: relative to cwd
// when the file is inside it.
func displayPath(path, cwd string) string {
	if cwd == "" {
		return path
	}
	rel, err := filepath.Rel(cwd, path)
	if err != nil || rel == ".." ||
		strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return path
	}
	return filepath.ToSlash(rel)
}
