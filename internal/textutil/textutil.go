// Package textutil splits, slices, hashes, and truncates text the
// same way the agent's read tool counts lines: the text is split on
// "\n", so a trailing newline produces a final empty line and the
// empty string is a single empty line.
package textutil

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrInvalidRange is returned by NormalizeRange for window
// arguments that cannot be mapped onto the file.
var ErrInvalidRange = errors.New("invalid line range")

// HashText returns the lowercase hex sha256 of text.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// IsHash reports whether s looks like a HashText result: 64
// lowercase hex characters.
func IsHash(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// SplitLines splits text into lines.
func SplitLines(text string) []string {
	return strings.Split(text, "\n")
}

// CountLines returns the number of lines in text.
func CountLines(text string) int {
	return strings.Count(text, "\n") + 1
}

// SliceLines returns lines start..end (1-based, inclusive) joined
// with "\n". ok is false when the window falls outside text.
func SliceLines(text string, start, end int) (string, bool) {
	lines := SplitLines(text)
	if start < 1 || end < start || end > len(lines) {
		return "", false
	}
	return strings.Join(lines[start-1:end], "\n"), true
}

// ChangedOutside reports whether before and after differ anywhere
// other than lines start..end of after.
func ChangedOutside(before, after string, start, end int) bool {
	if before == after {
		return false
	}
	old, cur := SplitLines(before), SplitLines(after)
	if start < 1 || end < start || end > len(cur) {
		return true
	}
	head, tail := cur[:start-1], cur[end:]
	if len(old) < len(head)+len(tail) {
		return true
	}
	return !slices.Equal(old[:len(head)], head) ||
		!slices.Equal(old[len(old)-len(tail):], tail)
}

// NormalizeRange maps the read tool's window arguments onto a
// concrete [start, end] against total lines. A nil startLine and
// nil limit select the whole file; a limit alone selects the first
// limit lines; a negative startLine selects the last -startLine
// lines. Windows running past the end are clipped; a start past
// the end is an error.
func NormalizeRange(
	total int, startLine, limit *int,
) (start, end int, err error) {
	if total < 1 {
		return 0, 0, fmt.Errorf(
			"%w: file has %d lines", ErrInvalidRange, total,
		)
	}
	if limit != nil && *limit <= 0 {
		return 0, 0, fmt.Errorf(
			"%w: limit %d", ErrInvalidRange, *limit,
		)
	}

	start, end = 1, total
	if startLine != nil {
		switch {
		case *startLine == 0:
			return 0, 0, fmt.Errorf(
				"%w: start line 0", ErrInvalidRange,
			)
		case *startLine < 0:
			start = max(total+*startLine+1, 1)
		default:
			start = *startLine
		}
	}
	if start > total {
		return 0, 0, fmt.Errorf(
			"%w: start %d beyond %d lines",
			ErrInvalidRange, start, total,
		)
	}
	if limit != nil {
		switch {
		case *limit < 1:
			end = start - 1
		case *limit <= total-start:
			end = start + *limit - 1
		}
	}
	if end < start {
		return 0, 0, fmt.Errorf(
			"%w: end %d before start %d",
			ErrInvalidRange, end, start,
		)
	}
	return start, end, nil
}

// Limits bounds how much output a single read may return.
type Limits struct {
	MaxLines int
	MaxBytes int
}

// DefaultLimits mirrors the read tool's output caps.
var DefaultLimits = Limits{MaxLines: 2000, MaxBytes: 50 * 1024}

// Truncation describes the result of TruncateHead.
type Truncation struct {
	Content     string
	Truncated   bool
	TotalLines  int
	OutputLines int
}

// NeedsTruncation reports whether text exceeds lim.
func NeedsTruncation(text string, lim Limits) bool {
	if lim.MaxBytes > 0 && len(text) > lim.MaxBytes {
		return true
	}
	return lim.MaxLines > 0 && CountLines(text) > lim.MaxLines
}

// TruncateHead keeps whole lines from the start of text until
// either limit would be exceeded.
func TruncateHead(text string, lim Limits) Truncation {
	lines := SplitLines(text)
	res := Truncation{TotalLines: len(lines)}
	if !NeedsTruncation(text, lim) {
		res.Content = text
		res.OutputLines = len(lines)
		return res
	}

	var b strings.Builder
	for i, line := range lines {
		if lim.MaxLines > 0 && i >= lim.MaxLines {
			break
		}
		n := len(line)
		if i > 0 {
			n++
		}
		if lim.MaxBytes > 0 && b.Len()+n > lim.MaxBytes {
			break
		}
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)
		res.OutputLines++
	}
	res.Content = b.String()
	res.Truncated = true
	return res
}
