package replay

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/wesm/readcache/internal/meta"
	"github.com/wesm/readcache/internal/session"
)

// Source is a tree-shaped session history.
type Source interface {
	SessionID() string
	Branch(leafID string) ([]session.Entry, error)
	HasChildren(id string) bool
}

type leafKey struct {
	session string
	leaf    string
}

type memoKey struct {
	leafKey
	boundary string
}

func (k memoKey) String() string {
	return k.session + "\x00" + k.leaf + "\x00" + k.boundary
}

// overlay holds trust learned from live reads at one leaf that has
// not been appended to history yet.
type overlay struct {
	trust Knowledge
	seq   uint64
}

// Stats counts memo activity.
type Stats struct {
	Folds    int
	Hits     int
	Memoized int
	Overlays int
}

// Engine memoizes folds per (session, leaf, boundary) and keeps the
// per-leaf overlay. It is safe for concurrent use.
type Engine struct {
	logger *zap.Logger
	group  singleflight.Group

	mu       sync.Mutex
	memo     map[memoKey]*State
	overlays map[leafKey]*overlay
	active   map[string]string // session -> last leaf viewed
	folds    int
	hits     int
}

// NewEngine returns an empty engine. A nil logger disables logging.
func NewEngine(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		logger:   logger.Named("replay"),
		memo:     make(map[memoKey]*State),
		overlays: make(map[leafKey]*overlay),
		active:   make(map[string]string),
	}
}

// View returns the knowledge visible at leafID: the memoized fold
// of the branch since its last compaction, layered under the
// leaf's overlay.
//
// Viewing a different leaf than last time for the same session
// drops that session's other overlays and memo entries. A leaf that
// has children has been moved past, so its overlay is dropped too.
func (e *Engine) View(
	ctx context.Context, src Source, leafID string,
) (*View, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lk := leafKey{session: src.SessionID(), leaf: leafID}

	e.mu.Lock()
	if prev, ok := e.active[lk.session]; !ok || prev != leafID {
		e.dropSessionLocked(lk.session, leafID)
		e.active[lk.session] = leafID
	}
	if leafID != "" && src.HasChildren(leafID) {
		delete(e.overlays, lk)
	}
	e.mu.Unlock()

	branch, err := src.Branch(leafID)
	if err != nil {
		return nil, fmt.Errorf("resolving branch: %w", err)
	}
	start, boundary := FindBoundary(branch)
	key := memoKey{leafKey: lk, boundary: boundary}

	state, err := e.fold(ctx, key, branch[start:])
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	v := &View{
		engine:   e,
		key:      lk,
		Boundary: boundary,
		fold:     state,
		overlay:  make(Knowledge),
	}
	if ov := e.overlays[lk]; ov != nil {
		v.overlay = ov.trust.Clone()
	}
	return v, nil
}

func (e *Engine) fold(
	ctx context.Context, key memoKey, entries []session.Entry,
) (*State, error) {
	e.mu.Lock()
	if s, ok := e.memo[key]; ok {
		e.hits++
		e.mu.Unlock()
		return s, nil
	}
	e.mu.Unlock()

	ch := e.group.DoChan(key.String(), func() (any, error) {
		s := Fold(entries)
		e.mu.Lock()
		e.folds++
		if e.active[key.session] == key.leaf {
			e.memo[key] = s
		}
		e.mu.Unlock()
		if s.Skipped > 0 {
			e.logger.Debug("skipped history events",
				zap.String("session", key.session),
				zap.String("leaf", key.leaf),
				zap.Int("skipped", s.Skipped),
			)
		}
		return s, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*State), nil
	}
}

// dropSessionLocked forgets overlays and memo entries for session
// at every leaf other than keep.
func (e *Engine) dropSessionLocked(sessionID, keep string) {
	for k := range e.overlays {
		if k.session == sessionID && k.leaf != keep {
			delete(e.overlays, k)
		}
	}
	for k := range e.memo {
		if k.session == sessionID && k.leaf != keep {
			delete(e.memo, k)
		}
	}
}

// ClearSession forgets everything known about sessionID. Call it on
// session switch, fork and compaction.
func (e *Engine) ClearSession(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dropSessionLocked(sessionID, "\x00")
	delete(e.active, sessionID)
}

// OnFork is called when the host forks sessionID to a new tip.
func (e *Engine) OnFork(sessionID string) { e.ClearSession(sessionID) }

// OnCompaction is called after the host compacts sessionID.
func (e *Engine) OnCompaction(sessionID string) { e.ClearSession(sessionID) }

// OnSessionSwitch is called when the host leaves sessionID.
func (e *Engine) OnSessionSwitch(sessionID string) { e.ClearSession(sessionID) }

// Clear forgets every session. Call it on shutdown.
func (e *Engine) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	clear(e.memo)
	clear(e.overlays)
	clear(e.active)
}

// Stats returns memo counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		Folds:    e.folds,
		Hits:     e.hits,
		Memoized: len(e.memo),
		Overlays: len(e.overlays),
	}
}

// View is the knowledge at one leaf. The fold is shared and
// read-only; the overlay is a private snapshot that Remember and
// Forget keep in step with the engine.
type View struct {
	engine   *Engine
	key      leafKey
	fold     *State
	overlay  Knowledge
	Boundary string
}

// SessionID returns the session the view belongs to.
func (v *View) SessionID() string { return v.key.session }

// Leaf returns the leaf the view was built for.
func (v *View) Leaf() string { return v.key.leaf }

// Fold returns the memoized fold under the overlay.
func (v *View) Fold() *State { return v.fold }

// Lookup returns the most recently established trust usable for
// (path, scope): the exact scope or, for a range, the whole file,
// whichever has the higher sequence number. A blocked range has
// no trust.
func (v *View) Lookup(path string, scope meta.ScopeKey) (Trust, bool) {
	if !scope.IsFull() && v.IsRangeBlocked(path, scope) {
		return Trust{}, false
	}
	scopes := []meta.ScopeKey{scope}
	if !scope.IsFull() {
		scopes = append(scopes, meta.FullScope)
	}

	var best Trust
	found := false
	for _, s := range scopes {
		for _, k := range []Knowledge{v.fold.Trust, v.overlay} {
			t, ok := k.Get(path, s)
			if ok && (!found || t.Seq > best.Seq) {
				best, found = t, true
			}
		}
	}
	return best, found
}

// IsRangeBlocked reports whether scope was range-invalidated on
// the branch and no live read at this leaf has re-established it.
func (v *View) IsRangeBlocked(path string, scope meta.ScopeKey) bool {
	if !v.fold.IsBlocked(path, scope) {
		return false
	}
	_, reestablished := v.overlay.Get(path, scope)
	return !reestablished
}

// Remember records that hash was just served for (path, scope). The
// entry outranks everything in the fold until the leaf moves.
func (v *View) Remember(path string, scope meta.ScopeKey, hash string) {
	v.remember(path, scope, Trust{Hash: hash})
}

// RememberDiff records that a diff moved the model's whole-file
// content of path from prev to hash.
func (v *View) RememberDiff(path, hash, prev string) {
	v.remember(path, meta.FullScope, Trust{Hash: hash, Prev: prev})
}

func (v *View) remember(path string, scope meta.ScopeKey, t Trust) {
	e := v.engine
	e.mu.Lock()
	defer e.mu.Unlock()

	ov := e.overlays[v.key]
	if ov == nil {
		ov = &overlay{trust: make(Knowledge)}
	}
	seq := max(ov.seq, v.fold.Seq, v.maxOverlaySeq()) + 1
	t.Seq = seq
	v.overlay.set(path, scope, t)

	// A view of a leaf that is no longer active must not revive
	// its overlay.
	if e.active[v.key.session] != v.key.leaf {
		return
	}
	ov.seq = seq
	ov.trust.set(path, scope, t)
	e.overlays[v.key] = ov
}

// Forget drops overlay trust for (path, scope). A full scope drops
// every scope of path.
func (v *View) Forget(path string, scope meta.ScopeKey) {
	e := v.engine
	e.mu.Lock()
	defer e.mu.Unlock()

	drop := func(k Knowledge) {
		if scope.IsFull() {
			delete(k, path)
			return
		}
		k.drop(path, scope)
	}
	drop(v.overlay)
	if ov := e.overlays[v.key]; ov != nil {
		drop(ov.trust)
	}
}

func (v *View) maxOverlaySeq() uint64 {
	var m uint64
	for _, scopes := range v.overlay {
		for _, t := range scopes {
			m = max(m, t.Seq)
		}
	}
	return m
}
