// Package objstore persists immutable text snapshots keyed by the
// sha256 of their content. Each repository root gets its own store
// under <root>/.pi/readcache so snapshots never leak across
// projects.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wesm/readcache/internal/textutil"
)

// DefaultMaxAge is how long an unused snapshot survives Prune.
const DefaultMaxAge = 24 * time.Hour

var (
	// ErrInvalidHash is returned for identifiers that are not a
	// lowercase hex sha256.
	ErrInvalidHash = errors.New("invalid object hash")
	// ErrHashMismatch is returned when text does not hash to the
	// identifier it is being stored under.
	ErrHashMismatch = errors.New("object hash does not match content")
)

// Stats summarizes the blobs currently stored.
type Stats struct {
	Objects int
	Bytes   int64
}

// PruneResult reports what a Prune pass did.
type PruneResult struct {
	Scanned        int
	Removed        int
	Failed         int
	BytesReclaimed int64
}

// Store is a content-addressed snapshot store rooted at one
// repository.
type Store struct {
	root   string
	logger *zap.Logger
}

// New returns a Store for repoRoot. Directories are created lazily
// on first write.
func New(repoRoot string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		root:   filepath.Join(repoRoot, ".pi", "readcache"),
		logger: logger.Named("objstore"),
	}
}

// Root returns the store's base directory.
func (s *Store) Root() string { return s.root }

func (s *Store) objectsDir() string {
	return filepath.Join(s.root, "objects")
}

func (s *Store) tmpDir() string {
	return filepath.Join(s.root, "tmp")
}

func (s *Store) objectPath(hash string) string {
	return filepath.Join(s.objectsDir(), hash[:2], hash)
}

// ValidateHash checks that hash is 64 lowercase hex characters.
// It runs before any path is derived from the hash.
func ValidateHash(hash string) error {
	if !textutil.IsHash(hash) {
		return fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	return nil
}

// Persist stores text under hash. A blob that already exists is
// left untouched. Writers stage into tmp/ and publish with a hard
// link (falling back to rename), so concurrent writers of the same
// hash cannot expose a partial file.
func (s *Store) Persist(
	ctx context.Context, hash, text string,
) error {
	if err := ValidateHash(hash); err != nil {
		return err
	}
	if got := textutil.HashText(text); got != hash {
		return fmt.Errorf("%w: %s", ErrHashMismatch, hash)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	final := s.objectPath(hash)
	if _, err := os.Stat(final); err == nil {
		s.touch(final)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return fmt.Errorf("creating object dir: %w", err)
	}
	if err := os.MkdirAll(s.tmpDir(), 0o755); err != nil {
		return fmt.Errorf("creating tmp dir: %w", err)
	}

	tmp, err := os.CreateTemp(s.tmpDir(), hash[:12]+"-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp object: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.WriteString(text); err != nil {
		return fmt.Errorf("writing temp object: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing temp object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp object: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.publish(tmpName, final)
}

// touch marks an existing blob as just used. Prune goes by
// modification time.
func (s *Store) touch(path string) {
	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil {
		s.logger.Debug("refreshing object mtime",
			zap.String("path", path), zap.Error(err))
	}
}

// publish moves a fully written temp file to its final name.
// First writer wins; a loser sees the existing blob and succeeds.
func (s *Store) publish(tmpName, final string) error {
	err := os.Link(tmpName, final)
	if err == nil || errors.Is(err, fs.ErrExist) {
		return nil
	}
	// Filesystems without hard links.
	if _, statErr := os.Stat(final); statErr == nil {
		return nil
	}
	if err := os.Rename(tmpName, final); err != nil {
		if _, statErr := os.Stat(final); statErr == nil {
			return nil
		}
		return fmt.Errorf("publishing object: %w", err)
	}
	return nil
}

// Load returns the text stored under hash. A missing blob is
// reported with found=false and a nil error. A blob whose content
// no longer hashes to its name is treated as missing.
func (s *Store) Load(
	ctx context.Context, hash string,
) (text string, found bool, err error) {
	if err := ValidateHash(hash); err != nil {
		return "", false, err
	}
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	data, err := os.ReadFile(s.objectPath(hash))
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading object: %w", err)
	}

	text = string(data)
	if textutil.HashText(text) != hash {
		s.logger.Warn("corrupt object ignored",
			zap.String("hash", hash))
		return "", false, nil
	}
	return text, true, nil
}

// Stats counts stored blobs and their total size.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.walkObjects(ctx, func(_ string, info fs.FileInfo) {
		st.Objects++
		st.Bytes += info.Size()
	})
	return st, err
}

// Expired counts the blobs Prune would remove.
func (s *Store) Expired(
	ctx context.Context, maxAge time.Duration, now time.Time,
) (Stats, error) {
	var st Stats
	cutoff := now.Add(-maxAge)
	err := s.walkObjects(ctx, func(_ string, info fs.FileInfo) {
		if info.ModTime().Before(cutoff) {
			st.Objects++
			st.Bytes += info.Size()
		}
	})
	return st, err
}

// Prune removes blobs and stale temp files last modified before
// now-maxAge. Individual deletion failures are counted and logged,
// never returned.
func (s *Store) Prune(
	ctx context.Context, maxAge time.Duration, now time.Time,
) (PruneResult, error) {
	var res PruneResult
	cutoff := now.Add(-maxAge)

	remove := func(path string, info fs.FileInfo) {
		res.Scanned++
		if !info.ModTime().Before(cutoff) {
			return
		}
		if err := os.Remove(path); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				res.Failed++
				s.logger.Warn("prune: removing object",
					zap.String("path", path), zap.Error(err))
			}
			return
		}
		res.Removed++
		res.BytesReclaimed += info.Size()
	}

	if err := s.walkObjects(ctx, remove); err != nil {
		return res, err
	}
	if err := walkFiles(ctx, s.tmpDir(), remove); err != nil {
		return res, err
	}
	s.removeEmptyShards()
	return res, nil
}

func (s *Store) walkObjects(
	ctx context.Context, fn func(string, fs.FileInfo),
) error {
	return walkFiles(ctx, s.objectsDir(), func(
		path string, info fs.FileInfo,
	) {
		if ValidateHash(filepath.Base(path)) != nil {
			return
		}
		fn(path, info)
	})
}

func walkFiles(
	ctx context.Context, dir string,
	fn func(string, fs.FileInfo),
) error {
	err := filepath.WalkDir(dir,
		func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil // skip unreadable entries
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if d.IsDir() || !d.Type().IsRegular() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			fn(path, info)
			return nil
		})
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (s *Store) removeEmptyShards() {
	entries, err := os.ReadDir(s.objectsDir())
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		dir := filepath.Join(s.objectsDir(), e.Name())
		if children, err := os.ReadDir(dir); err == nil &&
			len(children) == 0 {
			_ = os.Remove(dir)
		}
	}
}
