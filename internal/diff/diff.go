// Package diff computes line-level unified diffs between two
// snapshots using sergi/go-diff, and decides whether sending a
// diff is worth it compared to resending the whole file.
package diff

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/wesm/readcache/internal/textutil"
)

// contextLines is the number of unchanged lines kept around each
// change, as in `diff -u`.
const contextLines = 3

// cacheCap bounds the number of memoized results.
const cacheCap = 64

// OpType identifies one line of a hunk.
type OpType int

const (
	OpContext OpType = iota
	OpRemove
	OpAdd
)

// Line is a single line of a hunk.
type Line struct {
	Op   OpType
	Text string
}

// Hunk is one "@@" block. Starts are 1-based; a zero count means
// the hunk inserts after (or deletes before) line Start.
type Hunk struct {
	OldStart int
	OldCount int
	NewStart int
	NewCount int
	Lines    []Line
}

// Result is a computed diff.
type Result struct {
	Text    string
	Hunks   []Hunk
	Added   int
	Removed int
}

// ChangedLines is the number of lines the diff touches, counting a
// replaced line once.
func (r *Result) ChangedLines() int {
	return max(r.Added, r.Removed)
}

// Limits gates IsUseful. Ratios are compared against the larger of
// the two texts (bytes) and the current text (lines). Texts smaller
// than SmallFileBytes skip the ratio checks: their diffs are cheap
// regardless of relative size.
type Limits struct {
	MaxBytes       int
	MaxLines       int
	MaxByteRatio   float64
	MaxLineRatio   float64
	SmallFileBytes int
}

// DefaultLimits are the tuned defaults.
var DefaultLimits = Limits{
	MaxBytes:       2 << 20,
	MaxLines:       20000,
	MaxByteRatio:   0.9,
	MaxLineRatio:   0.85,
	SmallFileBytes: 512,
}

type cacheKey struct {
	base, current, path uint64
}

// Engine computes diffs and memoizes recent results.
type Engine struct {
	timeout time.Duration

	mu    sync.Mutex
	cache map[cacheKey]*Result
}

// NewEngine returns an Engine whose diff computation gives up on
// optimality after timeout (zero means no limit).
func NewEngine(timeout time.Duration) *Engine {
	return &Engine{
		timeout: timeout,
		cache:   make(map[cacheKey]*Result),
	}
}

// Compute diffs baseText against currentText. ok is false when the
// texts have no differing lines.
func (e *Engine) Compute(
	ctx context.Context, baseText, currentText, displayPath string,
) (res *Result, ok bool, err error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if baseText == currentText {
		return nil, false, nil
	}

	key := cacheKey{
		base:    xxhash.Sum64String(baseText),
		current: xxhash.Sum64String(currentText),
		path:    xxhash.Sum64String(displayPath),
	}
	e.mu.Lock()
	cached, hit := e.cache[key]
	e.mu.Unlock()
	if hit {
		return cached, len(cached.Hunks) > 0, nil
	}

	ops := e.lineOps(ctx, baseText, currentText)
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	res = &Result{Hunks: groupHunks(ops)}
	for _, op := range ops {
		switch op.Op {
		case OpAdd:
			res.Added++
		case OpRemove:
			res.Removed++
		}
	}
	if len(res.Hunks) > 0 {
		res.Text = render(displayPath, res.Hunks)
	}

	e.mu.Lock()
	if len(e.cache) >= cacheCap {
		clear(e.cache)
	}
	e.cache[key] = res
	e.mu.Unlock()

	return res, len(res.Hunks) > 0, nil
}

// lineOps runs a rune-level diff where every distinct line is one
// rune, so the edit script is line-granular.
func (e *Engine) lineOps(
	ctx context.Context, baseText, currentText string,
) []Line {
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = e.timeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left > 0 &&
			(dmp.DiffTimeout == 0 || left < dmp.DiffTimeout) {
			dmp.DiffTimeout = left
		}
	}

	enc := newLineEncoder()
	a := enc.encode(textutil.SplitLines(baseText))
	b := enc.encode(textutil.SplitLines(currentText))

	var ops []Line
	for _, d := range dmp.DiffMainRunes(a, b, false) {
		op := OpContext
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			op = OpRemove
		case diffmatchpatch.DiffInsert:
			op = OpAdd
		}
		for _, r := range d.Text {
			ops = append(ops, Line{Op: op, Text: enc.decode(r)})
		}
	}
	return ops
}

// lineEncoder maps each distinct line to a rune outside the
// surrogate range, so runes survive the string round trip inside
// diffmatchpatch.
type lineEncoder struct {
	index map[string]rune
	lines []string
}

func newLineEncoder() *lineEncoder {
	return &lineEncoder{index: make(map[string]rune)}
}

func (le *lineEncoder) encode(lines []string) []rune {
	out := make([]rune, len(lines))
	for i, l := range lines {
		r, ok := le.index[l]
		if !ok {
			r = runeFor(len(le.lines))
			le.index[l] = r
			le.lines = append(le.lines, l)
		}
		out[i] = r
	}
	return out
}

func (le *lineEncoder) decode(r rune) string {
	return le.lines[indexFor(r)]
}

func runeFor(i int) rune {
	r := rune(i + 1)
	if r >= 0xD800 {
		r += 0x800
	}
	return r
}

func indexFor(r rune) int {
	if r >= 0xE000 {
		r -= 0x800
	}
	return int(r) - 1
}

// groupHunks folds a flat edit script into unified hunks with
// contextLines of surrounding context.
func groupHunks(ops []Line) []Hunk {
	var changes []int
	for i, op := range ops {
		if op.Op != OpContext {
			changes = append(changes, i)
		}
	}
	if len(changes) == 0 {
		return nil
	}

	// Line numbers before each op.
	oldAt := make([]int, len(ops)+1)
	newAt := make([]int, len(ops)+1)
	for i, op := range ops {
		oldAt[i+1], newAt[i+1] = oldAt[i], newAt[i]
		if op.Op != OpAdd {
			oldAt[i+1]++
		}
		if op.Op != OpRemove {
			newAt[i+1]++
		}
	}

	var hunks []Hunk
	lo := max(changes[0]-contextLines, 0)
	hi := min(changes[0]+contextLines+1, len(ops))
	for _, c := range changes[1:] {
		if c-contextLines <= hi {
			hi = min(c+contextLines+1, len(ops))
			continue
		}
		hunks = append(hunks, makeHunk(ops, oldAt, newAt, lo, hi))
		lo = max(c-contextLines, 0)
		hi = min(c+contextLines+1, len(ops))
	}
	return append(hunks, makeHunk(ops, oldAt, newAt, lo, hi))
}

func makeHunk(ops []Line, oldAt, newAt []int, lo, hi int) Hunk {
	h := Hunk{
		OldStart: oldAt[lo] + 1,
		NewStart: newAt[lo] + 1,
		OldCount: oldAt[hi] - oldAt[lo],
		NewCount: newAt[hi] - newAt[lo],
		Lines:    append([]Line(nil), ops[lo:hi]...),
	}
	if h.OldCount == 0 {
		h.OldStart--
	}
	if h.NewCount == 0 {
		h.NewStart--
	}
	return h
}

func render(path string, hunks []Hunk) string {
	var b strings.Builder
	fmt.Fprintf(&b, "--- a/%s\n+++ b/%s", path, path)
	for _, h := range hunks {
		fmt.Fprintf(&b, "\n@@ -%d,%d +%d,%d @@",
			h.OldStart, h.OldCount, h.NewStart, h.NewCount)
		for _, l := range h.Lines {
			b.WriteByte('\n')
			switch l.Op {
			case OpContext:
				b.WriteByte(' ')
			case OpRemove:
				b.WriteByte('-')
			case OpAdd:
				b.WriteByte('+')
			}
			b.WriteString(l.Text)
		}
	}
	return b.String()
}

// Diffable reports whether both texts are within the size limits
// a diff is ever computed for.
func Diffable(baseText, currentText string, lim Limits) bool {
	if lim.MaxBytes > 0 &&
		(len(baseText) > lim.MaxBytes || len(currentText) > lim.MaxBytes) {
		return false
	}
	return lim.MaxLines <= 0 ||
		(textutil.CountLines(baseText) <= lim.MaxLines &&
			textutil.CountLines(currentText) <= lim.MaxLines)
}

// IsUseful reports whether diffText is worth sending instead of
// currentText.
func IsUseful(diffText, baseText, currentText string, lim Limits) bool {
	if diffText == "" || !Diffable(baseText, currentText, lim) {
		return false
	}
	currentLines := textutil.CountLines(currentText)

	largest := max(len(baseText), len(currentText))
	if largest < lim.SmallFileBytes {
		return true
	}
	if float64(len(diffText)) >= lim.MaxByteRatio*float64(largest) {
		return false
	}
	diffLines := textutil.CountLines(diffText)
	return float64(diffLines) < lim.MaxLineRatio*float64(currentLines)
}

// Apply replays the hunks of res onto baseText.
func Apply(baseText string, res *Result) (string, error) {
	base := textutil.SplitLines(baseText)
	out := make([]string, 0, len(base))
	next := 0 // index into base of the next unconsumed line

	for _, h := range res.Hunks {
		start := h.OldStart - 1
		if h.OldCount == 0 {
			start = h.OldStart
		}
		if start < next || start > len(base) {
			return "", fmt.Errorf(
				"hunk at -%d out of order", h.OldStart,
			)
		}
		out = append(out, base[next:start]...)
		next = start
		for _, l := range h.Lines {
			switch l.Op {
			case OpContext, OpRemove:
				if next >= len(base) || base[next] != l.Text {
					return "", fmt.Errorf(
						"hunk at -%d does not match base line %d",
						h.OldStart, next+1,
					)
				}
				if l.Op == OpContext {
					out = append(out, l.Text)
				}
				next++
			case OpAdd:
				out = append(out, l.Text)
			}
		}
	}
	out = append(out, base[next:]...)
	return strings.Join(out, "\n"), nil
}
