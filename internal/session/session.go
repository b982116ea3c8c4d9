// Package session loads pi-agent JSONL session files as entry
// trees. Every entry after the header carries an id and a parentId;
// following parentId links from any entry back to the root yields
// that entry's branch. Forks are entries that share a parent.
package session

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// EntryType is the top-level "type" of a session line.
type EntryType string

const (
	EntryMessage       EntryType = "message"
	EntryCompaction    EntryType = "compaction"
	EntryBranchSummary EntryType = "branch_summary"
	EntryCustom        EntryType = "custom"
	EntryModelChange   EntryType = "model_change"
)

const (
	// ReadToolName is the tool whose results carry read outcomes.
	ReadToolName = "read"
	// InvalidateCustomType tags custom entries carrying an
	// invalidation event.
	InvalidateCustomType = "readcache-invalidate"
	// detailsKey is where a tool result stores its read outcome.
	detailsKey = "readcache"
)

// Entry is one line of a session file.
type Entry struct {
	ID        string
	ParentID  string
	Type      EntryType
	Timestamp time.Time
	Raw       string
}

// IsCompaction reports whether e summarizes everything before it.
func (e Entry) IsCompaction() bool {
	return e.Type == EntryCompaction
}

// ReadOutcomePayload returns the read-outcome payload attached to a
// read tool result. The payload is unvalidated.
func (e Entry) ReadOutcomePayload() (gjson.Result, bool) {
	if e.Type != EntryMessage {
		return gjson.Result{}, false
	}
	msg := gjson.Get(e.Raw, "message")
	if msg.Get("role").Str != "toolResult" ||
		msg.Get("toolName").Str != ReadToolName {
		return gjson.Result{}, false
	}
	payload := msg.Get("details." + detailsKey)
	return payload, payload.Exists()
}

// InvalidationPayload returns the payload of an invalidation custom
// entry. The payload is unvalidated.
func (e Entry) InvalidationPayload() (gjson.Result, bool) {
	if e.Type != EntryCustom ||
		gjson.Get(e.Raw, "customType").Str != InvalidateCustomType {
		return gjson.Result{}, false
	}
	payload := gjson.Get(e.Raw, "data")
	return payload, payload.Exists()
}

// Tree is a parsed session file. It is safe for concurrent use.
type Tree struct {
	path string

	mu        sync.RWMutex
	sessionID string
	cwd       string
	entries   []Entry
	byID      map[string]int
	children  map[string]int
	dropped   int
}

// Load parses the session file at path.
func Load(path string) (*Tree, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	t, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	t.path = path
	return t, nil
}

// Parse reads a session from r. Lines that are not valid JSON or
// lack a type are skipped. Sessions written before entries carried
// ids are chained linearly in file order.
func Parse(r io.Reader) (*Tree, error) {
	sc := newLineScanner(r, maxLineSize)

	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("not a pi session: missing session header")
	}
	headerLine := sc.Text()
	if !gjson.Valid(headerLine) ||
		gjson.Get(headerLine, "type").Str != "session" {
		return nil, fmt.Errorf("not a pi session: invalid session header")
	}

	t := &Tree{
		sessionID: gjson.Get(headerLine, "id").Str,
		cwd:       gjson.Get(headerLine, "cwd").Str,
		byID:      make(map[string]int),
		children:  make(map[string]int),
	}

	prev := ""
	for sc.Scan() {
		line := sc.Text()
		if !gjson.Valid(line) {
			continue
		}
		fields := gjson.GetMany(line, "type", "id", "parentId", "timestamp")
		if fields[0].Str == "" {
			continue
		}

		e := Entry{
			ID:        fields[1].Str,
			ParentID:  fields[2].Str,
			Type:      EntryType(fields[0].Str),
			Timestamp: parseTimestamp(fields[3].Str),
			Raw:       line,
		}
		if e.ID == "" {
			// Pre-tree sessions: chain linearly, keyed by file line.
			e.ID = "line-" + strconv.Itoa(sc.LineNo())
			e.ParentID = prev
		}
		if _, dup := t.byID[e.ID]; dup {
			continue
		}
		t.add(e)
		prev = e.ID
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	t.dropped = sc.Dropped()
	return t, nil
}

func (t *Tree) add(e Entry) {
	t.byID[e.ID] = len(t.entries)
	t.entries = append(t.entries, e)
	if e.ParentID != "" {
		t.children[e.ParentID]++
	}
}

// Path returns the file the tree was loaded from.
func (t *Tree) Path() string { return t.path }

// SessionID returns the id from the session header.
func (t *Tree) SessionID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessionID
}

// CWD returns the working directory from the session header.
func (t *Tree) CWD() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cwd
}

// Len returns the number of entries.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Dropped returns how many lines were skipped for exceeding the
// line size limit.
func (t *Tree) Dropped() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.dropped
}

// Leaf returns the id of the most recently written entry, which is
// the active tip of the session, or "" for an empty session.
func (t *Tree) Leaf() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.entries) == 0 {
		return ""
	}
	return t.entries[len(t.entries)-1].ID
}

// Entry returns the entry with the given id.
func (t *Tree) Entry(id string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i, ok := t.byID[id]
	if !ok {
		return Entry{}, false
	}
	return t.entries[i], true
}

// HasChildren reports whether any entry names id as its parent.
func (t *Tree) HasChildren(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.children[id] > 0
}

// Branch returns the entries from the root to leafID, in order.
// An empty leafID yields an empty branch.
func (t *Tree) Branch(leafID string) ([]Entry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var rev []Entry
	seen := make(map[string]bool)
	for id := leafID; id != ""; {
		if seen[id] {
			return nil, fmt.Errorf("cycle at entry %s", id)
		}
		seen[id] = true
		i, ok := t.byID[id]
		if !ok {
			if id == leafID {
				return nil, fmt.Errorf("unknown entry %s", id)
			}
			// Parent outside the file: treat as root.
			break
		}
		rev = append(rev, t.entries[i])
		id = t.entries[i].ParentID
	}

	branch := make([]Entry, len(rev))
	for i, e := range rev {
		branch[len(rev)-1-i] = e
	}
	return branch, nil
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.000Z",
	} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts
		}
	}
	return time.Time{}
}
