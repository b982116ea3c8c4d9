package readcache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesm/readcache/internal/diff"
	"github.com/wesm/readcache/internal/meta"
	"github.com/wesm/readcache/internal/objstore"
	"github.com/wesm/readcache/internal/replay"
	"github.com/wesm/readcache/internal/session"
	"github.com/wesm/readcache/internal/testjsonl"
	"github.com/wesm/readcache/internal/textutil"
)

type recorded struct {
	session string
	ev      meta.ReadOutcome
	out     int
}

type memRecorder struct {
	mu   sync.Mutex
	seen []recorded
}

func (r *memRecorder) Record(
	_ context.Context, sessionID string,
	ev meta.ReadOutcome, outputBytes int,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, recorded{sessionID, ev, outputBytes})
	return nil
}

type fixture struct {
	t     *testing.T
	dir   string
	tree  *session.Tree
	store *objstore.Store
	cache *Cache
	rec   *memRecorder
}

func newFixture(t *testing.T, opts ...func(*Options)) *fixture {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	sessionPath := filepath.Join(t.TempDir(), "session.jsonl")
	content := testjsonl.NewSessionBuilder("sess-1", dir).
		AddUser("u0", "", "start").
		String()
	require.NoError(t, os.WriteFile(sessionPath, []byte(content), 0o644))
	tree, err := session.Load(sessionPath)
	require.NoError(t, err)

	f := &fixture{
		t:     t,
		dir:   dir,
		tree:  tree,
		store: objstore.New(dir, nil),
		rec:   &memRecorder{},
	}
	o := Options{
		Store:    f.store,
		Replay:   replay.NewEngine(nil),
		Diff:     diff.NewEngine(0),
		Recorder: f.rec,
	}
	for _, fn := range opts {
		fn(&o)
	}
	f.cache = New(o)
	return f
}

func (f *fixture) write(name, content string) string {
	f.t.Helper()
	path := filepath.Join(f.dir, name)
	require.NoError(f.t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (f *fixture) turn() Turn {
	return Turn{History: f.tree, Leaf: f.tree.Leaf(), CWD: f.dir}
}

// read serves req at the current leaf and appends the outcome to
// the session, as the host does after each tool call.
func (f *fixture) read(req Request) Response {
	f.t.Helper()
	resp := f.readNoAppend(req)
	if resp.Cacheable {
		text := "(baseline)"
		if resp.OutputText != nil {
			text = *resp.OutputText
		}
		_, err := f.tree.AppendReadResult(session.ReadResult{
			ParentID: f.tree.Leaf(),
			Text:     text,
			Outcome:  resp.Meta,
		})
		require.NoError(f.t, err)
	}
	return resp
}

func (f *fixture) readNoAppend(req Request) Response {
	f.t.Helper()
	resp, err := f.cache.Read(context.Background(), f.turn(), req)
	require.NoError(f.t, err)
	return resp
}

func (f *fixture) invalidate(path string, rng *Range) {
	f.t.Helper()
	ev, err := f.cache.Invalidate(context.Background(), f.turn(), path, rng)
	require.NoError(f.t, err)
	_, err = f.tree.AppendInvalidation(f.tree.Leaf(), ev)
	require.NoError(f.t, err)
}

func lines(start, limit int) Request {
	return Request{StartLine: &start, Limit: &limit}
}

func (r Request) at(path string) Request {
	r.Path = path
	return r
}

func requireMode(t *testing.T, want meta.Mode, resp Response) {
	t.Helper()
	require.True(t, resp.Cacheable, "not cacheable: %s", resp.Reason)
	require.Equal(t, want, resp.Meta.Mode, "reason: %s", resp.Reason)
}

func TestRead_Scenario(t *testing.T) {
	f := newFixture(t)
	path := f.write("f.txt", "1\n2\n3")
	h1 := textutil.HashText("1\n2\n3")

	resp := f.read(Request{Path: path})
	requireMode(t, meta.ModeFull, resp)
	assert.Nil(t, resp.OutputText)
	assert.Equal(t, "1\n2\n3", resp.Content)
	assert.Equal(t, h1, resp.Meta.ServedHash)
	assert.Equal(t, meta.FullScope, resp.Meta.ScopeKey)
	assert.Equal(t, 3, resp.Meta.TotalLines)

	resp = f.read(Request{Path: path})
	requireMode(t, meta.ModeUnchanged, resp)
	require.NotNil(t, resp.OutputText)
	assert.Equal(t, "[readcache: unchanged, 3 lines]", *resp.OutputText)
	assert.Equal(t, h1, resp.Meta.BaseHash)

	f.write("f.txt", "1\n22\n3")
	resp = f.read(Request{Path: path})
	requireMode(t, meta.ModeDiff, resp)
	require.NotNil(t, resp.OutputText)
	out := *resp.OutputText
	assert.True(t, strings.HasPrefix(out, "[readcache: 1 lines changed of 3]\n"), out)
	assert.Contains(t, out, "\n-2\n")
	assert.Contains(t, out, "\n+22")
	assert.Contains(t, out, "--- a/f.txt")
	assert.Equal(t, h1, resp.Meta.BaseHash)
	assert.Equal(t, textutil.HashText("1\n22\n3"), resp.Meta.ServedHash)

	resp = f.read(lines(1, 1).at(path))
	requireMode(t, meta.ModeUnchangedRange, resp)
	assert.Equal(t, meta.RangeScope(1, 1), resp.Meta.ScopeKey)
	assert.Equal(t,
		"[readcache: unchanged in lines 1-1 of 3; changes exist outside this range]",
		*resp.OutputText)

	// The window now has its own trust, so the note is not repeated.
	resp = f.read(lines(1, 1).at(path))
	requireMode(t, meta.ModeUnchangedRange, resp)
	assert.Equal(t,
		"[readcache: unchanged in lines 1-1 of 3]", *resp.OutputText)
}

func TestRead_RangeAfterDiff(t *testing.T) {
	f := newFixture(t)
	path := f.write("f.txt", "1\n2\n3")

	requireMode(t, meta.ModeFull, f.read(Request{Path: path}))
	f.write("f.txt", "1\n22\n3")
	requireMode(t, meta.ModeDiff, f.read(Request{Path: path}))

	// The only edit is inside the window.
	resp := f.read(lines(2, 1).at(path))
	requireMode(t, meta.ModeUnchangedRange, resp)
	assert.Equal(t,
		"[readcache: unchanged in lines 2-2 of 3]", *resp.OutputText)

	// An unchanged full read leaves nothing pending.
	requireMode(t, meta.ModeUnchanged, f.read(Request{Path: path}))
	resp = f.read(lines(3, 1).at(path))
	requireMode(t, meta.ModeUnchangedRange, resp)
	assert.Equal(t,
		"[readcache: unchanged in lines 3-3 of 3]", *resp.OutputText)
}

func TestRead_RangeAfterEditNotesOutsideChanges(t *testing.T) {
	f := newFixture(t)
	path := f.write("f.txt", "1\n2\n3")
	h1 := textutil.HashText("1\n2\n3")

	requireMode(t, meta.ModeFull, f.read(Request{Path: path}))
	f.write("f.txt", "1\n22\n3")

	resp := f.read(lines(1, 1).at(path))
	requireMode(t, meta.ModeUnchangedRange, resp)
	assert.Equal(t,
		"[readcache: unchanged in lines 1-1 of 3; changes exist outside this range]",
		*resp.OutputText)
	assert.Equal(t, h1, resp.Meta.BaseHash)

	// Line 2 itself changed: ranges never get diffs.
	resp = f.read(lines(2, 1).at(path))
	requireMode(t, meta.ModeBaselineFallback, resp)
	assert.Nil(t, resp.OutputText)
	assert.Equal(t, ReasonRangeChanged, resp.Reason)

	// And line 2 is now known.
	resp = f.read(lines(2, 1).at(path))
	requireMode(t, meta.ModeUnchangedRange, resp)
}

func TestRead_RangeRereadIsUnchanged(t *testing.T) {
	f := newFixture(t)
	path := f.write("f.txt", "a\nb\nc\nd\ne")

	resp := f.read(lines(2, 2).at(path))
	requireMode(t, meta.ModeFull, resp)
	assert.Equal(t, meta.RangeScope(2, 3), resp.Meta.ScopeKey)
	assert.Equal(t, len("b\nc"), resp.Meta.Bytes)
	assert.Equal(t, "b\nc", resp.Content)

	resp = f.read(lines(2, 2).at(path))
	requireMode(t, meta.ModeUnchangedRange, resp)
	assert.Equal(t,
		"[readcache: unchanged in lines 2-3 of 5]", *resp.OutputText)

	// Tail reads normalize to the same concrete window.
	resp = f.read(lines(-2, 2).at(path))
	requireMode(t, meta.ModeFull, resp)
	assert.Equal(t, meta.RangeScope(4, 5), resp.Meta.ScopeKey)
}

func TestRead_OverlayBeforeAppend(t *testing.T) {
	f := newFixture(t)
	path := f.write("f.txt", "x\ny")

	requireMode(t, meta.ModeFull, f.readNoAppend(Request{Path: path}))
	requireMode(t, meta.ModeUnchanged, f.readNoAppend(Request{Path: path}))
}

func TestRead_Bypass(t *testing.T) {
	f := newFixture(t)
	path := f.write("f.txt", "x\ny")

	requireMode(t, meta.ModeFull, f.read(Request{Path: path}))
	resp := f.read(Request{Path: path, BypassCache: true})
	requireMode(t, meta.ModeFull, resp)
	assert.Equal(t, ReasonBypass, resp.Reason)
	requireMode(t, meta.ModeUnchanged, f.read(Request{Path: path}))
}

func TestRead_FullInvalidation(t *testing.T) {
	f := newFixture(t)
	path := f.write("f.txt", "x\ny")

	requireMode(t, meta.ModeFull, f.read(Request{Path: path}))
	f.invalidate(path, nil)

	resp := f.read(Request{Path: path})
	requireMode(t, meta.ModeFull, resp)
	assert.Equal(t, ReasonNoTrust, resp.Reason)
}

func TestRead_RangeInvalidation(t *testing.T) {
	f := newFixture(t)
	path := f.write("f.txt", "1\n2\n3")

	requireMode(t, meta.ModeFull, f.read(Request{Path: path}))
	f.invalidate(path, &Range{Start: 1, End: 1})

	requireMode(t, meta.ModeFull, f.read(lines(1, 1).at(path)))
	requireMode(t, meta.ModeUnchangedRange, f.read(lines(2, 1).at(path)))
	// The fresh read re-established line 1.
	requireMode(t, meta.ModeUnchangedRange, f.read(lines(1, 1).at(path)))
}

func TestRead_InvalidateWholeFileRange(t *testing.T) {
	f := newFixture(t)
	path := f.write("f.txt", "1\n2\n3")

	requireMode(t, meta.ModeFull, f.read(Request{Path: path}))
	ev, err := f.cache.Invalidate(
		context.Background(), f.turn(), path, &Range{Start: 1, End: 10},
	)
	require.NoError(t, err)
	assert.Equal(t, meta.FullScope, ev.ScopeKey)
	assert.Equal(t, path, ev.PathKey)

	_, err = f.cache.Invalidate(
		context.Background(), f.turn(), path, &Range{Start: 3, End: 2},
	)
	assert.ErrorIs(t, err, textutil.ErrInvalidRange)
}

func TestRead_BranchIsolation(t *testing.T) {
	f := newFixture(t)
	path := f.write("f.txt", "x\ny")

	requireMode(t, meta.ModeFull, f.read(Request{Path: path}))
	requireMode(t, meta.ModeUnchanged, f.read(Request{Path: path}))

	// Fork from before the first read.
	fork, err := f.tree.AppendInvalidation("u0", mustInvalidation(t, "/elsewhere"))
	require.NoError(t, err)
	resp, err := f.cache.Read(context.Background(), Turn{
		History: f.tree, Leaf: fork.ID, CWD: f.dir,
	}, Request{Path: path})
	require.NoError(t, err)
	requireMode(t, meta.ModeFull, resp)
}

func TestRead_CompactionBoundary(t *testing.T) {
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	path := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("x\ny"), 0o644))

	ev, err := meta.NewReadOutcome(meta.OutcomeParams{
		Path:       path,
		Mode:       meta.ModeFull,
		ServedHash: textutil.HashText("x\ny"),
		TotalLines: 2,
		Start:      1,
		End:        2,
		Bytes:      3,
	})
	require.NoError(t, err)

	content := testjsonl.NewSessionBuilder("sess-c", dir).
		AddRead("r1", "", ev).
		AddCompaction("c1", "r1").
		AddUser("u1", "c1", "after compaction").
		String()
	tree, err := session.Parse(strings.NewReader(content))
	require.NoError(t, err)

	c := New(Options{
		Store:  objstore.New(dir, nil),
		Replay: replay.NewEngine(nil),
		Diff:   diff.NewEngine(0),
	})
	resp, err := c.Read(context.Background(),
		Turn{History: tree, Leaf: "u1", CWD: dir}, Request{Path: path})
	require.NoError(t, err)
	requireMode(t, meta.ModeFull, resp)

	// Before the compaction the same read was known.
	resp, err = c.Read(context.Background(),
		Turn{History: tree, Leaf: "r1", CWD: dir}, Request{Path: path})
	require.NoError(t, err)
	requireMode(t, meta.ModeUnchanged, resp)
}

func TestRead_BaseMissing(t *testing.T) {
	f := newFixture(t)
	path := f.write("f.txt", "1\n2\n3")

	requireMode(t, meta.ModeFull, f.read(Request{Path: path}))
	require.NoError(t, os.RemoveAll(f.store.Root()))
	f.write("f.txt", "1\n2\n4")

	resp := f.read(Request{Path: path})
	requireMode(t, meta.ModeBaselineFallback, resp)
	assert.Equal(t, ReasonBaseMissing, resp.Reason)
	assert.Equal(t, "base_missing", resp.Meta.Debug["reason"])

	// The fallback re-persisted the snapshot.
	requireMode(t, meta.ModeUnchanged, f.read(Request{Path: path}))
}

func numbered(n int, edit int) string {
	var b strings.Builder
	for i := 1; i <= n; i++ {
		if i > 1 {
			b.WriteByte('\n')
		}
		if i == edit {
			fmt.Fprintf(&b, "edited line %d", i)
		} else {
			fmt.Fprintf(&b, "line %d", i)
		}
	}
	return b.String()
}

func TestRead_DiffOnLargeFile(t *testing.T) {
	f := newFixture(t)
	path := f.write("big.txt", numbered(200, 0))

	requireMode(t, meta.ModeFull, f.read(Request{Path: path}))
	f.write("big.txt", numbered(200, 100))

	resp := f.read(Request{Path: path})
	requireMode(t, meta.ModeDiff, resp)
	assert.Contains(t, *resp.OutputText, "@@ -97,7 +97,7 @@")
	assert.Contains(t, *resp.OutputText, "\n-line 100\n+edited line 100\n")
}

func TestRead_UsefulnessGate(t *testing.T) {
	f := newFixture(t)
	a := strings.Repeat("a", 2000)
	path := f.write("wide.txt", a+"\n"+strings.Repeat("b", 2000))

	requireMode(t, meta.ModeFull, f.read(Request{Path: path}))
	f.write("wide.txt", a+"\n"+strings.Repeat("c", 2000))

	resp := f.read(Request{Path: path})
	requireMode(t, meta.ModeBaselineFallback, resp)
	assert.Equal(t, ReasonDiffNotUseful, resp.Reason)
	assert.Nil(t, resp.OutputText)
}

func TestRead_TruncationFallsBack(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.OutputLimits = textutil.Limits{MaxLines: 5, MaxBytes: 50 * 1024}
	})
	path := f.write("f.txt", "1\n2\n3\n4\n5")

	requireMode(t, meta.ModeFull, f.read(Request{Path: path}))
	f.write("f.txt", "1\n2\n33\n4\n5")

	// The file fits the limits but its diff does not.
	resp := f.read(Request{Path: path})
	requireMode(t, meta.ModeBaselineFallback, resp)
	assert.Equal(t, ReasonTruncation, resp.Reason)
	assert.False(t, resp.Truncated)
	assert.Equal(t, meta.FullScope, resp.Meta.ScopeKey)
}

func TestRead_TruncatedWindowTrustsServedLines(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.OutputLimits = textutil.Limits{MaxLines: 5, MaxBytes: 50 * 1024}
	})
	content := numbered(12, 0)
	path := f.write("big.txt", content)

	resp := f.read(Request{Path: path})
	requireMode(t, meta.ModeFull, resp)
	assert.True(t, resp.Truncated)
	assert.Equal(t, meta.RangeScope(1, 5), resp.Meta.ScopeKey)
	assert.Equal(t, 1, resp.Meta.RangeStart)
	assert.Equal(t, 5, resp.Meta.RangeEnd)
	assert.Equal(t, 12, resp.Meta.TotalLines)
	want, _ := textutil.SliceLines(content, 1, 5)
	assert.Equal(t, want, resp.Content)
	assert.Equal(t, len(want), resp.Meta.Bytes)

	// Lines 6-12 were never served.
	resp = f.read(Request{Path: path})
	requireMode(t, meta.ModeFull, resp)
	assert.True(t, resp.Truncated)

	resp = f.read(lines(1, 5).at(path))
	requireMode(t, meta.ModeUnchangedRange, resp)

	resp = f.read(lines(6, 100).at(path))
	requireMode(t, meta.ModeFull, resp)
	assert.Equal(t, meta.RangeScope(6, 10), resp.Meta.ScopeKey)
}

func TestRead_FirstLineOverLimits(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.OutputLimits = textutil.Limits{MaxLines: 5, MaxBytes: 10}
	})
	path := f.write("wide.txt", strings.Repeat("x", 20)+"\ny")

	resp := f.read(Request{Path: path})
	assert.False(t, resp.Cacheable)
	assert.Equal(t, ReasonTruncation, resp.Reason)
}

func TestRead_OversizedFileSkipsDiff(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.DiffLimits = diff.DefaultLimits
		o.DiffLimits.MaxLines = 50
	})
	path := f.write("big.txt", numbered(100, 0))

	requireMode(t, meta.ModeFull, f.read(Request{Path: path}))
	f.write("big.txt", numbered(100, 40))

	resp := f.read(Request{Path: path})
	requireMode(t, meta.ModeBaselineFallback, resp)
	assert.Equal(t, ReasonDiffNotUseful, resp.Reason)
	assert.NotContains(t, resp.Meta.Debug, "diffBytes",
		"no diff should be computed")
}

func TestRead_NotCacheable(t *testing.T) {
	f := newFixture(t)
	good := f.write("ok.txt", "1\n2\n3")
	env := f.write(".env", "SECRET=1")
	key := f.write("server.KEY", "k")
	bin := f.write("bin.dat", "\xff\xfe\x00")
	require.NoError(t, os.Mkdir(filepath.Join(f.dir, "sub"), 0o755))

	tests := []struct {
		name string
		req  Request
		want Reason
	}{
		{"missing", Request{Path: filepath.Join(f.dir, "nope")}, ReasonPathResolution},
		{"empty path", Request{Path: ""}, ReasonPathResolution},
		{"directory", Request{Path: filepath.Join(f.dir, "sub")}, ReasonPathResolution},
		{"env file", Request{Path: env}, ReasonDenylisted},
		{"key file", Request{Path: key}, ReasonDenylisted},
		{"binary", Request{Path: bin}, ReasonDecode},
		{"start past end", lines(10, 1).at(good), ReasonInvalidRange},
		{"zero limit", lines(1, 0).at(good), ReasonInvalidRange},
		{"zero start", lines(0, 1).at(good), ReasonInvalidRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.readNoAppend(tt.req)
			assert.False(t, resp.Cacheable)
			assert.Equal(t, tt.want, resp.Reason)
		})
	}
	assert.Empty(t, f.rec.seen, "not-cacheable reads must not be recorded")
}

func TestRead_PathForms(t *testing.T) {
	f := newFixture(t)
	path := f.write("f.txt", "x")
	link := filepath.Join(f.dir, "link.txt")
	require.NoError(t, os.Symlink(path, link))

	for _, p := range []string{"f.txt", "@f.txt", "./f.txt", link} {
		resp := f.readNoAppend(Request{Path: p})
		require.True(t, resp.Cacheable, p)
		assert.Equal(t, path, resp.Meta.PathKey, p)
	}
}

func TestRead_RecordsOutcomes(t *testing.T) {
	f := newFixture(t)
	path := f.write("f.txt", "hello\nworld")

	f.read(Request{Path: path})
	f.read(Request{Path: path})

	require.Len(t, f.rec.seen, 2)
	assert.Equal(t, "sess-1", f.rec.seen[0].session)
	assert.Equal(t, meta.ModeFull, f.rec.seen[0].ev.Mode)
	assert.Equal(t, len("hello\nworld"), f.rec.seen[0].out)
	assert.Equal(t, meta.ModeUnchanged, f.rec.seen[1].ev.Mode)
	assert.Equal(t,
		len("[readcache: unchanged, 2 lines]"), f.rec.seen[1].out)
}

func TestRead_OutcomesReplay(t *testing.T) {
	f := newFixture(t)
	path := f.write("f.txt", "1\n2\n3")

	f.read(Request{Path: path})
	f.read(Request{Path: path})
	f.write("f.txt", "1\n22\n3")
	f.read(Request{Path: path})
	f.read(lines(1, 1).at(path))

	// Reload from disk: every appended outcome validates and chains.
	tree, err := session.Load(f.tree.Path())
	require.NoError(t, err)
	branch, err := tree.Branch(tree.Leaf())
	require.NoError(t, err)
	state := replay.Fold(branch)
	assert.Zero(t, state.Skipped)

	tr, ok := state.Trust.Get(path, meta.FullScope)
	require.True(t, ok)
	assert.Equal(t, textutil.HashText("1\n22\n3"), tr.Hash)
}

func TestRead_Concurrent(t *testing.T) {
	f := newFixture(t)
	var paths []string
	for i := range 8 {
		paths = append(paths, f.write(fmt.Sprintf("f%d.txt", i), numbered(20, i)))
	}

	var wg sync.WaitGroup
	for _, p := range paths {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := f.cache.Read(context.Background(), f.turn(), Request{Path: p})
			if assert.NoError(t, err) {
				assert.Equal(t, meta.ModeFull, resp.Meta.Mode)
			}
		}()
	}
	wg.Wait()

	for _, p := range paths {
		requireMode(t, meta.ModeUnchanged, f.readNoAppend(Request{Path: p}))
	}
}

func TestRead_Cancelled(t *testing.T) {
	f := newFixture(t)
	path := f.write("f.txt", "x")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.cache.Read(ctx, f.turn(), Request{Path: path})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRead_WithoutHistory(t *testing.T) {
	f := newFixture(t)
	path := f.write("f.txt", "x")
	resp, err := f.cache.Read(context.Background(), Turn{CWD: f.dir}, Request{Path: path})
	require.NoError(t, err)
	requireMode(t, meta.ModeFull, resp)
	assert.Equal(t, ReasonNoTrust, resp.Reason)
}

func TestRead_UnknownLeafFailsOpen(t *testing.T) {
	f := newFixture(t)
	path := f.write("f.txt", "x")
	resp, err := f.cache.Read(context.Background(), Turn{
		History: f.tree, Leaf: "missing", CWD: f.dir,
	}, Request{Path: path})
	require.NoError(t, err)
	requireMode(t, meta.ModeFull, resp)
	assert.Equal(t, ReasonHistory, resp.Reason)
}

func TestIsDenied(t *testing.T) {
	denied := []string{
		".env", ".env.local", "prod.env", "/a/b/server.pem",
		"tls.key", "id_rsa", "id_ed25519.pub", ".npmrc", ".netrc",
		"/home/u/.git-credentials", "STORE.P12",
	}
	for _, p := range denied {
		assert.True(t, IsDenied(p), p)
	}
	allowed := []string{
		"main.go", "environment.md", "keys.go", "README", ".envrc.example.txt",
	}
	for _, p := range allowed {
		assert.False(t, IsDenied(p), p)
	}
}

func TestNotCacheableError(t *testing.T) {
	err := notCacheable(ReasonDecode, os.ErrInvalid)
	assert.ErrorIs(t, err, ErrNotCacheable)
	assert.ErrorIs(t, err, os.ErrInvalid)
	assert.Contains(t, err.Error(), "decode")
}

func mustInvalidation(t *testing.T, path string) meta.Invalidation {
	t.Helper()
	ev, err := meta.NewInvalidation(path, meta.FullScope, time.UnixMilli(1))
	require.NoError(t, err)
	return ev
}
