// Package readcache decides, for each call of the agent's file-read
// tool, whether the model already holds the requested content. It
// answers with a short "unchanged" marker, a diff against the last
// content the model saw, or nothing (serve the file as usual), and
// emits the read-outcome event that makes the decision replayable.
//
// Every failure degrades to serving the file normally. Read returns
// an error only when its context is done.
package readcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wesm/readcache/internal/diff"
	"github.com/wesm/readcache/internal/meta"
	"github.com/wesm/readcache/internal/objstore"
	"github.com/wesm/readcache/internal/replay"
	"github.com/wesm/readcache/internal/textutil"
)

// Request is one read tool call.
type Request struct {
	Path string
	// StartLine is 1-based; negative selects the last -StartLine
	// lines.
	StartLine   *int
	Limit       *int
	BypassCache bool
}

// Response is the cache's answer. When Cacheable is false the
// caller serves the file untouched and no event is emitted. When
// OutputText is nil the caller serves Content and appends Meta.
type Response struct {
	Cacheable  bool
	Reason     Reason
	OutputText *string
	Meta       meta.ReadOutcome
	// Content is the window recorded in Meta, already cut to the
	// output limits.
	Content string
	// Truncated is set when Content stops short of the requested
	// window. Meta then covers only the lines in Content.
	Truncated bool
}

// Turn locates a read in history.
type Turn struct {
	History replay.Source
	Leaf    string
	// CWD resolves relative paths.
	CWD string
}

// Range is an explicit 1-based inclusive line range.
type Range struct {
	Start int
	End   int
}

// Recorder receives every served outcome.
type Recorder interface {
	Record(
		ctx context.Context, sessionID string,
		ev meta.ReadOutcome, outputBytes int,
	) error
}

// Options configures a Cache. Store, Replay and Diff are required.
type Options struct {
	Store        *objstore.Store
	Replay       *replay.Engine
	Diff         *diff.Engine
	DiffLimits   diff.Limits
	OutputLimits textutil.Limits
	Recorder     Recorder
	Logger       *zap.Logger
	// Debug attaches decision diagnostics to every outcome.
	Debug bool
	Now   func() time.Time
}

// Cache is the read orchestrator. It is safe for concurrent use.
type Cache struct {
	store    *objstore.Store
	replay   *replay.Engine
	diff     *diff.Engine
	diffLim  diff.Limits
	outLim   textutil.Limits
	recorder Recorder
	logger   *zap.Logger
	debug    bool
	now      func() time.Time
}

// New returns a Cache. Zero limits take the package defaults.
func New(opts Options) *Cache {
	c := &Cache{
		store:    opts.Store,
		replay:   opts.Replay,
		diff:     opts.Diff,
		diffLim:  opts.DiffLimits,
		outLim:   opts.OutputLimits,
		recorder: opts.Recorder,
		logger:   opts.Logger,
		debug:    opts.Debug,
		now:      opts.Now,
	}
	if c.diffLim == (diff.Limits{}) {
		c.diffLim = diff.DefaultLimits
	}
	if c.outLim == (textutil.Limits{}) {
		c.outLim = textutil.DefaultLimits
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.logger = c.logger.Named("readcache")
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// file is the resolved state of one read.
type file struct {
	path    string
	display string
	text    string
	hash    string
	total   int
	start   int
	end     int
	scope   meta.ScopeKey
}

// decision is the serving mode chosen for a read.
type decision struct {
	mode   meta.Mode
	base   string
	output *string
	reason Reason
	debug  map[string]any
}

// Read serves one read tool call.
func (c *Cache) Read(
	ctx context.Context, turn Turn, req Request,
) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}

	f, err := c.load(turn, req)
	if err != nil {
		var nc *NotCacheableError
		if errors.As(err, &nc) {
			c.logger.Debug("not cacheable",
				zap.String("path", req.Path),
				zap.String("reason", string(nc.Reason)),
				zap.Error(nc.Err),
			)
			return Response{Reason: nc.Reason}, nil
		}
		return Response{}, err
	}

	var view *replay.View
	if turn.History != nil {
		view, err = c.replay.View(ctx, turn.History, turn.Leaf)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Response{}, ctxErr
			}
			c.logger.Warn("replay failed; serving full content",
				zap.String("leaf", turn.Leaf), zap.Error(err),
			)
			view = nil
		}
	}

	var d decision
	switch {
	case req.BypassCache:
		d = decision{mode: meta.ModeFull, reason: ReasonBypass}
	case view == nil && turn.History != nil:
		d = decision{mode: meta.ModeFull, reason: ReasonHistory}
	case view == nil:
		d = decision{mode: meta.ModeFull, reason: ReasonNoTrust}
	default:
		d, err = c.decide(ctx, view, f)
		if err != nil {
			return Response{}, err
		}
	}

	truncated := false
	if d.output == nil {
		var ok bool
		if truncated, ok = f.clip(c.outLim); !ok {
			c.logger.Debug("first line exceeds output limits",
				zap.String("path", f.path))
			return Response{Reason: ReasonTruncation}, nil
		}
	}

	if err := c.store.Persist(ctx, f.hash, f.text); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Response{}, ctxErr
		}
		c.logger.Warn("persisting snapshot",
			zap.String("path", f.path), zap.Error(err),
		)
		d.note("persist", string(ReasonStoreIO))
	}
	if view != nil {
		if d.mode == meta.ModeDiff {
			view.RememberDiff(f.path, f.hash, d.base)
		} else {
			view.Remember(f.path, f.scope, f.hash)
		}
	}

	ev, err := c.outcome(f, d)
	if err != nil {
		// Every field comes from a resolved file, so this is a bug.
		c.logger.Error("building read outcome",
			zap.String("path", f.path), zap.Error(err),
		)
		return Response{Reason: ReasonHistory}, nil
	}

	c.logger.Debug("read served",
		zap.String("path", f.path),
		zap.String("scope", string(f.scope)),
		zap.String("mode", string(d.mode)),
		zap.String("reason", string(d.reason)),
	)
	c.record(ctx, turn, ev, d)

	return Response{
		Cacheable:  true,
		Reason:     d.reason,
		OutputText: d.output,
		Meta:       ev,
		Content:    f.window(),
		Truncated:  truncated,
	}, nil
}

// load runs the gating steps: resolve, denylist, decode, window.
func (c *Cache) load(turn Turn, req Request) (*file, error) {
	path, err := resolvePath(req.Path, turn.CWD)
	if err != nil {
		return nil, err
	}
	if IsDenied(path) {
		return nil, notCacheable(ReasonDenylisted, nil)
	}
	text, err := readText(path)
	if err != nil {
		return nil, err
	}

	total := textutil.CountLines(text)
	start, end, err := textutil.NormalizeRange(
		total, req.StartLine, req.Limit,
	)
	if err != nil {
		return nil, notCacheable(ReasonInvalidRange, err)
	}
	return &file{
		path:    path,
		display: displayPath(path, turn.CWD),
		text:    text,
		hash:    textutil.HashText(text),
		total:   total,
		start:   start,
		end:     end,
		scope:   meta.ScopeFor(start, end, total),
	}, nil
}

// decide picks the serving mode from the trust visible in view.
func (c *Cache) decide(
	ctx context.Context, view *replay.View, f *file,
) (decision, error) {
	trust, ok := view.Lookup(f.path, f.scope)
	if !ok {
		return decision{mode: meta.ModeFull, reason: ReasonNoTrust}, nil
	}

	if trust.Hash == f.hash {
		if f.scope.IsFull() {
			return decision{
				mode:   meta.ModeUnchanged,
				base:   trust.Hash,
				output: ptr(unchangedMarker(f.total)),
			}, nil
		}
		outside := c.changedOutside(ctx, view, f, trust)
		return decision{
			mode:   meta.ModeUnchangedRange,
			base:   trust.Hash,
			output: ptr(rangeMarker(f.start, f.end, f.total, outside)),
		}, nil
	}

	baseText, found, err := c.store.Load(ctx, trust.Hash)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return decision{}, ctxErr
		}
		c.logger.Warn("loading base snapshot",
			zap.String("path", f.path), zap.Error(err),
		)
		return c.fallback(trust.Hash, ReasonStoreIO), nil
	}
	if !found {
		return c.fallback(trust.Hash, ReasonBaseMissing), nil
	}

	if !f.scope.IsFull() {
		return c.decideRange(f, trust.Hash, baseText), nil
	}
	return c.decideDiff(ctx, f, trust.Hash, baseText)
}

// decideRange compares the requested window of the trusted
// snapshot with the same window of the current file. Ranges never
// get diffs.
func (c *Cache) decideRange(f *file, base, baseText string) decision {
	was, ok := textutil.SliceLines(baseText, f.start, f.end)
	if !ok {
		return c.fallback(base, ReasonRangeChanged)
	}
	now, _ := textutil.SliceLines(f.text, f.start, f.end)
	if was != now {
		return c.fallback(base, ReasonRangeChanged)
	}
	return decision{
		mode:   meta.ModeUnchangedRange,
		base:   base,
		output: ptr(rangeMarker(f.start, f.end, f.total, true)),
	}
}

func (c *Cache) decideDiff(
	ctx context.Context, f *file, base, baseText string,
) (decision, error) {
	if !diff.Diffable(baseText, f.text, c.diffLim) {
		return c.fallback(base, ReasonDiffNotUseful), nil
	}
	res, changed, err := c.diff.Compute(ctx, baseText, f.text, f.display)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return decision{}, ctxErr
		}
		c.logger.Warn("computing diff",
			zap.String("path", f.path), zap.Error(err),
		)
		return c.fallback(base, ReasonDiffNotUseful), nil
	}
	if !changed ||
		!diff.IsUseful(res.Text, baseText, f.text, c.diffLim) {
		d := c.fallback(base, ReasonDiffNotUseful)
		if res != nil {
			d.note("diffBytes", len(res.Text))
		}
		return d, nil
	}

	// Never serve a diff that does not reproduce the file.
	applied, err := diff.Apply(baseText, res)
	if err != nil || applied != f.text {
		c.logger.Warn("diff does not reproduce current content",
			zap.String("path", f.path), zap.Error(err),
		)
		return c.fallback(base, ReasonDiffMismatch), nil
	}

	out := fmt.Sprintf(
		"[readcache: %d lines changed of %d]\n%s",
		res.ChangedLines(), f.total, res.Text,
	)
	if textutil.NeedsTruncation(out, c.outLim) {
		d := c.fallback(base, ReasonTruncation)
		d.note("diffBytes", len(res.Text))
		return d, nil
	}

	d := decision{mode: meta.ModeDiff, base: base, output: &out}
	if c.debug {
		d.note("diffBytes", len(res.Text))
		d.note("added", res.Added)
		d.note("removed", res.Removed)
	}
	return d, nil
}

// changedOutside reports whether the file changed outside the
// requested window since the model last saw all of it. used is the
// trust that matched the window. With no whole-file trust nothing
// is claimed.
func (c *Cache) changedOutside(
	ctx context.Context, view *replay.View, f *file, used replay.Trust,
) bool {
	whole, ok := view.Lookup(f.path, meta.FullScope)
	if !ok {
		return false
	}
	if whole.Hash != f.hash {
		return true
	}
	// The whole-file trust came from a diff and is what vouches for
	// the window, so the diff's edits are what changed.
	if whole.Prev == "" || whole.Prev == f.hash || whole.Seq < used.Seq {
		return false
	}
	prev, found, err := c.store.Load(ctx, whole.Prev)
	if err != nil || !found {
		return true
	}
	return textutil.ChangedOutside(prev, f.text, f.start, f.end)
}

func (c *Cache) fallback(base string, reason Reason) decision {
	return decision{
		mode:   meta.ModeBaselineFallback,
		base:   base,
		reason: reason,
	}
}

func (d *decision) note(key string, v any) {
	if d.debug == nil {
		d.debug = make(map[string]any)
	}
	d.debug[key] = v
}

// clip narrows f to the lines that fit lim, so trust is recorded
// only for what the caller can serve. ok is false when not even the
// first line fits.
func (f *file) clip(lim textutil.Limits) (truncated, ok bool) {
	window := f.window()
	if !textutil.NeedsTruncation(window, lim) {
		return false, true
	}
	tr := textutil.TruncateHead(window, lim)
	if tr.OutputLines == 0 {
		return true, false
	}
	f.end = f.start + tr.OutputLines - 1
	f.scope = meta.ScopeFor(f.start, f.end, f.total)
	return true, true
}

// window returns the requested lines of the file.
func (f *file) window() string {
	if f.scope.IsFull() {
		return f.text
	}
	s, _ := textutil.SliceLines(f.text, f.start, f.end)
	return s
}

func (c *Cache) outcome(f *file, d decision) (meta.ReadOutcome, error) {
	served := f.window()
	if d.reason != "" && (c.debug || d.mode == meta.ModeBaselineFallback) {
		d.note("reason", string(d.reason))
	}
	return meta.NewReadOutcome(meta.OutcomeParams{
		Path:       f.path,
		Mode:       d.mode,
		ServedHash: f.hash,
		BaseHash:   d.base,
		TotalLines: f.total,
		Start:      f.start,
		End:        f.end,
		Bytes:      len(served),
		Debug:      d.debug,
	})
}

func (c *Cache) record(
	ctx context.Context, turn Turn, ev meta.ReadOutcome, d decision,
) {
	if c.recorder == nil {
		return
	}
	sessionID := ""
	if turn.History != nil {
		sessionID = turn.History.SessionID()
	}
	outBytes := ev.Bytes
	if d.output != nil {
		outBytes = len(*d.output)
	}
	if err := c.recorder.Record(ctx, sessionID, ev, outBytes); err != nil {
		c.logger.Warn("recording outcome", zap.Error(err))
	}
}

// Invalidate builds an invalidation event for path, scoped to rng
// or the whole file, and drops matching trust gained at the turn's
// leaf. The caller appends the event to history.
func (c *Cache) Invalidate(
	ctx context.Context, turn Turn, path string, rng *Range,
) (meta.Invalidation, error) {
	if err := ctx.Err(); err != nil {
		return meta.Invalidation{}, err
	}
	resolved, err := resolvePath(path, turn.CWD)
	if err != nil {
		return meta.Invalidation{}, fmt.Errorf("invalidating %s: %w", path, err)
	}

	scope := meta.FullScope
	if rng != nil {
		if rng.Start < 1 || rng.End < rng.Start {
			return meta.Invalidation{}, fmt.Errorf(
				"%w: %d-%d", textutil.ErrInvalidRange, rng.Start, rng.End,
			)
		}
		scope = meta.RangeScope(rng.Start, rng.End)
		// Ranges covering the whole file are keyed as full reads.
		if text, err := readText(resolved); err == nil {
			total := textutil.CountLines(text)
			if rng.Start <= total {
				scope = meta.ScopeFor(rng.Start, min(rng.End, total), total)
			}
		}
	}

	ev, err := meta.NewInvalidation(resolved, scope, c.now())
	if err != nil {
		return meta.Invalidation{}, err
	}
	if turn.History != nil {
		view, err := c.replay.View(ctx, turn.History, turn.Leaf)
		if err == nil {
			view.Forget(resolved, scope)
		}
	}
	c.logger.Debug("invalidated",
		zap.String("path", resolved), zap.String("scope", string(scope)),
	)
	return ev, nil
}

func unchangedMarker(total int) string {
	return fmt.Sprintf("[readcache: unchanged, %d lines]", total)
}

func rangeMarker(start, end, total int, outside bool) string {
	s := fmt.Sprintf(
		"[readcache: unchanged in lines %d-%d of %d", start, end, total,
	)
	if outside {
		s += "; changes exist outside this range"
	}
	return s + "]"
}

func ptr(s string) *string { return &s }
