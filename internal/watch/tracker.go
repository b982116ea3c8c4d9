package watch

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/wesm/readcache/internal/session"
)

// Change classifies what happened to a session file between two
// loads.
type Change string

const (
	ChangeNone       Change = "none"
	ChangeAppend     Change = "append"
	ChangeFork       Change = "fork"
	ChangeCompaction Change = "compaction"
	ChangeSwitch     Change = "switch"
)

// Hooks receives session lifecycle notifications. The replay
// engine implements it.
type Hooks interface {
	OnFork(sessionID string)
	OnCompaction(sessionID string)
	OnSessionSwitch(sessionID string)
}

// Tracker keeps the latest parse of one session file and tells
// Hooks when the host forked, compacted or replaced the session.
type Tracker struct {
	path   string
	hooks  Hooks
	logger *zap.Logger

	mu   sync.Mutex
	tree *session.Tree
}

// NewTracker loads the session at path.
func NewTracker(
	path string, hooks Hooks, logger *zap.Logger,
) (*Tracker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	tree, err := session.Load(path)
	if err != nil {
		return nil, err
	}
	return &Tracker{
		path:   path,
		hooks:  hooks,
		logger: logger.Named("tracker"),
		tree:   tree,
	}, nil
}

// Path returns the tracked session file.
func (t *Tracker) Path() string { return t.path }

// Tree returns the most recent parse.
func (t *Tracker) Tree() *session.Tree {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tree
}

// Reload re-parses the session file, notifies Hooks of the change
// and returns it. A removed file counts as a session switch and
// keeps the previous tree.
func (t *Tracker) Reload() (Change, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.tree
	next, err := session.Load(t.path)
	if errors.Is(err, fs.ErrNotExist) {
		t.notify(ChangeSwitch, prev.SessionID())
		return ChangeSwitch, nil
	}
	if err != nil {
		return ChangeNone, fmt.Errorf("reloading session: %w", err)
	}

	change := Classify(prev, next)
	t.tree = next
	t.notify(change, prev.SessionID())
	return change, nil
}

// OnChange is a Watcher callback that reloads when the tracked file
// is among paths.
func (t *Tracker) OnChange(paths []string) {
	if !slices.Contains(paths, t.path) {
		return
	}
	change, err := t.Reload()
	if err != nil {
		t.logger.Warn("reload failed", zap.Error(err))
		return
	}
	if change != ChangeNone {
		t.logger.Debug("session changed",
			zap.String("change", string(change)))
	}
}

func (t *Tracker) notify(change Change, sessionID string) {
	if t.hooks == nil {
		return
	}
	switch change {
	case ChangeFork:
		t.hooks.OnFork(sessionID)
	case ChangeCompaction:
		t.hooks.OnCompaction(sessionID)
	case ChangeSwitch:
		t.hooks.OnSessionSwitch(sessionID)
	}
}

// Classify compares two parses of a session file. A different
// session id is a switch. New entries are a compaction when any of
// them is a compaction entry, a fork when the new leaf no longer
// descends from the old one, and an append otherwise.
func Classify(prev, next *session.Tree) Change {
	if prev.SessionID() != next.SessionID() {
		return ChangeSwitch
	}
	oldLeaf, newLeaf := prev.Leaf(), next.Leaf()
	if next.Len() == prev.Len() && oldLeaf == newLeaf {
		return ChangeNone
	}

	branch, err := next.Branch(newLeaf)
	if err != nil {
		return ChangeFork
	}
	descends := oldLeaf == ""
	compacted := false
	for i := len(branch) - 1; i >= 0; i-- {
		e := branch[i]
		if e.ID == oldLeaf {
			descends = true
			break
		}
		if e.IsCompaction() {
			compacted = true
		}
	}
	switch {
	case compacted:
		return ChangeCompaction
	case !descends:
		return ChangeFork
	default:
		return ChangeAppend
	}
}
