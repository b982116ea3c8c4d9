// Package replay reconstructs what the model already knows about
// each file by folding read-outcome and invalidation events from
// the active branch of a session. The fold is pure: the same
// entries always produce the same State.
package replay

import (
	"maps"

	"github.com/wesm/readcache/internal/meta"
	"github.com/wesm/readcache/internal/session"
)

// RootBoundary is the boundary key of a branch with no compaction.
const RootBoundary = "root"

// Trust is the content hash last known to be served for one
// (path, scope), with the sequence number at which it was learned.
// Higher sequence numbers are more recent.
type Trust struct {
	Hash string
	Seq  uint64
	// Prev is the whole-file hash a diff moved the model from.
	// Empty unless the trust was established by a diff.
	Prev string
}

// Knowledge maps path -> scope -> trust.
type Knowledge map[string]map[meta.ScopeKey]Trust

// Get returns the trust for (path, scope).
func (k Knowledge) Get(path string, scope meta.ScopeKey) (Trust, bool) {
	t, ok := k[path][scope]
	return t, ok
}

func (k Knowledge) set(path string, scope meta.ScopeKey, t Trust) {
	scopes := k[path]
	if scopes == nil {
		scopes = make(map[meta.ScopeKey]Trust)
		k[path] = scopes
	}
	scopes[scope] = t
}

func (k Knowledge) drop(path string, scope meta.ScopeKey) {
	delete(k[path], scope)
	if len(k[path]) == 0 {
		delete(k, path)
	}
}

// Clone returns a deep copy.
func (k Knowledge) Clone() Knowledge {
	out := make(Knowledge, len(k))
	for path, scopes := range k {
		out[path] = maps.Clone(scopes)
	}
	return out
}

// blockedSet maps path -> range scopes that were explicitly
// invalidated and not yet re-read.
type blockedSet map[string]map[meta.ScopeKey]bool

func (b blockedSet) add(path string, scope meta.ScopeKey) {
	if b[path] == nil {
		b[path] = make(map[meta.ScopeKey]bool)
	}
	b[path][scope] = true
}

func (b blockedSet) remove(path string, scope meta.ScopeKey) {
	delete(b[path], scope)
	if len(b[path]) == 0 {
		delete(b, path)
	}
}

// State is the result of a fold.
type State struct {
	Trust   Knowledge
	Blocked map[string]map[meta.ScopeKey]bool
	// Seq is the highest sequence number assigned.
	Seq uint64
	// Skipped counts malformed or inapplicable events.
	Skipped int
}

// IsBlocked reports whether (path, scope) was range-invalidated
// and not re-read since.
func (s *State) IsBlocked(path string, scope meta.ScopeKey) bool {
	return s.Blocked[path][scope]
}

// FindBoundary returns the index replay starts from and the key of
// the boundary: the entry after the most recent compaction on the
// branch, or 0 and RootBoundary when there is none.
func FindBoundary(branch []session.Entry) (int, string) {
	for i := len(branch) - 1; i >= 0; i-- {
		if branch[i].IsCompaction() {
			return i + 1, branch[i].ID
		}
	}
	return 0, RootBoundary
}

// Fold applies entries in order and returns the resulting State.
// Entries that are neither read outcomes nor invalidations are
// ignored; malformed events are counted in Skipped and otherwise
// ignored.
func Fold(entries []session.Entry) *State {
	f := folder{
		trust:   make(Knowledge),
		blocked: make(blockedSet),
	}
	for _, e := range entries {
		if payload, ok := e.ReadOutcomePayload(); ok {
			res := meta.ReadOutcomeFrom(payload)
			ev, valid := res.Value()
			if !valid || !f.applyRead(ev) {
				f.skipped++
			}
			continue
		}
		if payload, ok := e.InvalidationPayload(); ok {
			res := meta.InvalidationFrom(payload)
			ev, valid := res.Value()
			if !valid {
				f.skipped++
				continue
			}
			f.applyInvalidation(ev)
		}
	}
	return &State{
		Trust:   f.trust,
		Blocked: f.blocked,
		Seq:     f.seq,
		Skipped: f.skipped,
	}
}

type folder struct {
	trust   Knowledge
	blocked blockedSet
	seq     uint64
	skipped int
}

func (f *folder) learn(path string, scope meta.ScopeKey, hash, prev string) {
	f.seq++
	f.trust.set(path, scope, Trust{Hash: hash, Seq: f.seq, Prev: prev})
}

// applyRead folds one read outcome. It returns false when the
// event does not chain onto the current state and was ignored.
func (f *folder) applyRead(ev meta.ReadOutcome) bool {
	path, scope := ev.PathKey, ev.ScopeKey

	switch ev.Mode {
	case meta.ModeFull, meta.ModeBaselineFallback:
		f.learn(path, scope, ev.ServedHash, "")
		if !scope.IsFull() {
			f.blocked.remove(path, scope)
		}
		return true

	case meta.ModeUnchanged:
		cur, ok := f.trust.Get(path, meta.FullScope)
		if !ok || cur.Hash != ev.BaseHash ||
			ev.ServedHash != ev.BaseHash {
			return false
		}
		f.learn(path, meta.FullScope, ev.ServedHash, "")
		return true

	case meta.ModeDiff:
		cur, ok := f.trust.Get(path, meta.FullScope)
		if !ok || cur.Hash != ev.BaseHash {
			return false
		}
		f.learn(path, meta.FullScope, ev.ServedHash, ev.BaseHash)
		return true

	case meta.ModeUnchangedRange:
		if f.blocked[path][scope] {
			return false
		}
		exact, exactOK := f.trust.Get(path, scope)
		full, fullOK := f.trust.Get(path, meta.FullScope)
		if (exactOK && exact.Hash == ev.BaseHash) ||
			(fullOK && full.Hash == ev.BaseHash) {
			f.learn(path, scope, ev.ServedHash, "")
			return true
		}
		return false
	}
	return false
}

func (f *folder) applyInvalidation(ev meta.Invalidation) {
	if ev.ScopeKey.IsFull() {
		delete(f.trust, ev.PathKey)
		delete(f.blocked, ev.PathKey)
		return
	}
	f.trust.drop(ev.PathKey, ev.ScopeKey)
	f.blocked.add(ev.PathKey, ev.ScopeKey)
}
