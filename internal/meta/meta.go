// Package meta defines the versioned events the read cache writes
// into conversation history, and validates them when they are read
// back. History is untrusted input: every payload is checked field
// by field before replay may act on it.
package meta

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/wesm/readcache/internal/textutil"
)

const (
	// Version is the only schema version understood.
	Version = 1
	// Tool tags events as belonging to the file-read tool.
	Tool = "read_file"
	// KindInvalidate tags an invalidation event.
	KindInvalidate = "invalidate"
)

// Mode is how a read was served.
type Mode string

const (
	ModeFull             Mode = "full"
	ModeUnchanged        Mode = "unchanged"
	ModeUnchangedRange   Mode = "unchanged_range"
	ModeDiff             Mode = "diff"
	ModeBaselineFallback Mode = "baseline_fallback"
)

// Modes lists every mode in a stable order.
var Modes = []Mode{
	ModeFull,
	ModeUnchanged,
	ModeUnchangedRange,
	ModeDiff,
	ModeBaselineFallback,
}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeFull, ModeUnchanged, ModeUnchangedRange,
		ModeDiff, ModeBaselineFallback:
		return true
	}
	return false
}

// RequiresBase reports whether events in this mode must name the
// hash they were compared against.
func (m Mode) RequiresBase() bool {
	switch m {
	case ModeUnchanged, ModeUnchangedRange, ModeDiff:
		return true
	}
	return false
}

// ScopeKey identifies the slice of a file a trust entry covers:
// "full" or "r:<start>:<end>" (1-based, inclusive).
type ScopeKey string

// FullScope covers the whole file.
const FullScope ScopeKey = "full"

// RangeScope returns the key for lines start..end.
func RangeScope(start, end int) ScopeKey {
	return ScopeKey(
		"r:" + strconv.Itoa(start) + ":" + strconv.Itoa(end),
	)
}

// ScopeFor returns FullScope when start..end spans all total lines,
// and a range key otherwise.
func ScopeFor(start, end, total int) ScopeKey {
	if start == 1 && end == total {
		return FullScope
	}
	return RangeScope(start, end)
}

// IsFull reports whether k is the whole-file scope.
func (k ScopeKey) IsFull() bool { return k == FullScope }

// Range parses a range key. ok is false for FullScope and for
// malformed keys.
func (k ScopeKey) Range() (start, end int, ok bool) {
	rest, found := strings.CutPrefix(string(k), "r:")
	if !found {
		return 0, 0, false
	}
	a, b, found := strings.Cut(rest, ":")
	if !found {
		return 0, 0, false
	}
	start, ok = parsePositive(a)
	if !ok {
		return 0, 0, false
	}
	end, ok = parsePositive(b)
	if !ok || end < start {
		return 0, 0, false
	}
	return start, end, true
}

// Valid reports whether k is FullScope or a well-formed range.
func (k ScopeKey) Valid() bool {
	if k.IsFull() {
		return true
	}
	_, _, ok := k.Range()
	return ok
}

// parsePositive accepts canonical decimal integers >= 1 only, so
// every valid key has exactly one spelling.
func parsePositive(s string) (int, bool) {
	if s == "" || s[0] == '0' || len(s) > 9 {
		return 0, false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(s)
	return n, err == nil
}

// ReadOutcome records what one read call served.
type ReadOutcome struct {
	Version    int            `json:"version"`
	Tool       string         `json:"tool"`
	PathKey    string         `json:"pathKey"`
	ScopeKey   ScopeKey       `json:"scopeKey"`
	ServedHash string         `json:"servedHash"`
	BaseHash   string         `json:"baseHash,omitempty"`
	Mode       Mode           `json:"mode"`
	TotalLines int            `json:"totalLines"`
	RangeStart int            `json:"rangeStart"`
	RangeEnd   int            `json:"rangeEnd"`
	Bytes      int            `json:"bytes"`
	Debug      map[string]any `json:"debug,omitempty"`
}

// Invalidation withdraws trust for a (path, scope).
type Invalidation struct {
	Version  int      `json:"version"`
	Kind     string   `json:"kind"`
	Tool     string   `json:"tool"`
	PathKey  string   `json:"pathKey"`
	ScopeKey ScopeKey `json:"scopeKey"`
	At       int64    `json:"at"`
}

// OutcomeParams are the inputs to NewReadOutcome.
type OutcomeParams struct {
	Path       string
	Mode       Mode
	ServedHash string
	BaseHash   string
	TotalLines int
	Start      int
	End        int
	Bytes      int
	Debug      map[string]any
}

// NewReadOutcome builds a read-outcome event and validates it with
// the same rules applied to events read back from history.
func NewReadOutcome(p OutcomeParams) (ReadOutcome, error) {
	ev := ReadOutcome{
		Version:    Version,
		Tool:       Tool,
		PathKey:    p.Path,
		ScopeKey:   ScopeFor(p.Start, p.End, p.TotalLines),
		ServedHash: p.ServedHash,
		BaseHash:   p.BaseHash,
		Mode:       p.Mode,
		TotalLines: p.TotalLines,
		RangeStart: p.Start,
		RangeEnd:   p.End,
		Bytes:      p.Bytes,
		Debug:      p.Debug,
	}
	if reason := ev.check(); reason != "" {
		return ReadOutcome{}, fmt.Errorf("building read outcome: %s", reason)
	}
	return ev, nil
}

// NewInvalidation builds an invalidation event for (path, scope).
func NewInvalidation(
	path string, scope ScopeKey, at time.Time,
) (Invalidation, error) {
	ev := Invalidation{
		Version:  Version,
		Kind:     KindInvalidate,
		Tool:     Tool,
		PathKey:  path,
		ScopeKey: scope,
		At:       at.UnixMilli(),
	}
	if reason := ev.check(); reason != "" {
		return Invalidation{}, fmt.Errorf("building invalidation: %s", reason)
	}
	return ev, nil
}

// check returns "" for a well-formed event, else the rejection
// reason. Both the builders and the validators go through it.
func (ev ReadOutcome) check() string {
	switch {
	case ev.Version != Version:
		return "unsupported version"
	case ev.Tool != Tool:
		return "wrong tool"
	case !validPath(ev.PathKey):
		return "invalid path"
	case !ev.ScopeKey.Valid():
		return "invalid scope key"
	case !ev.Mode.Valid():
		return "unknown mode"
	case !textutil.IsHash(ev.ServedHash):
		return "invalid served hash"
	case ev.BaseHash != "" && !textutil.IsHash(ev.BaseHash):
		return "invalid base hash"
	case ev.Mode.RequiresBase() && ev.BaseHash == "":
		return "missing base hash"
	case ev.TotalLines < 1, ev.RangeStart < 1, ev.Bytes < 0:
		return "numeric field out of range"
	case ev.RangeEnd < ev.RangeStart:
		return "range end before start"
	case ev.RangeEnd > ev.TotalLines:
		return "range end beyond total lines"
	}

	if ev.ScopeKey != ScopeFor(ev.RangeStart, ev.RangeEnd, ev.TotalLines) {
		return "scope key does not match range"
	}
	switch ev.Mode {
	case ModeUnchanged, ModeDiff:
		if !ev.ScopeKey.IsFull() {
			return "mode requires full scope"
		}
	case ModeUnchangedRange:
		if ev.ScopeKey.IsFull() {
			return "mode requires range scope"
		}
	}
	return ""
}

func (ev Invalidation) check() string {
	switch {
	case ev.Version != Version:
		return "unsupported version"
	case ev.Kind != KindInvalidate:
		return "wrong kind"
	case ev.Tool != Tool:
		return "wrong tool"
	case !validPath(ev.PathKey):
		return "invalid path"
	case !ev.ScopeKey.Valid():
		return "invalid scope key"
	case ev.At < 0:
		return "invalid timestamp"
	}
	return ""
}

func validPath(p string) bool {
	return p != "" && filepath.IsAbs(p) &&
		!strings.ContainsRune(p, 0)
}
