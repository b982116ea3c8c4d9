package meta

import (
	"math"

	"github.com/tidwall/gjson"
)

// Result is the outcome of validating an untrusted payload: either
// a valid value or a rejection reason, never both.
type Result[T any] struct {
	value  T
	reason string
	valid  bool
}

func accept[T any](v T) Result[T] {
	return Result[T]{value: v, valid: true}
}

func reject[T any](reason string) Result[T] {
	return Result[T]{reason: reason}
}

// Valid reports whether the payload was accepted.
func (r Result[T]) Valid() bool { return r.valid }

// Value returns the accepted value and whether there was one.
func (r Result[T]) Value() (T, bool) { return r.value, r.valid }

// Reason returns why the payload was rejected, or "".
func (r Result[T]) Reason() string { return r.reason }

// ValidateReadOutcome checks a raw JSON payload read back from
// history and decodes it into a ReadOutcome.
func ValidateReadOutcome(raw string) Result[ReadOutcome] {
	if !gjson.Valid(raw) {
		return reject[ReadOutcome]("invalid json")
	}
	return ReadOutcomeFrom(gjson.Parse(raw))
}

// ReadOutcomeFrom validates an already-parsed payload.
func ReadOutcomeFrom(v gjson.Result) Result[ReadOutcome] {
	if !v.IsObject() {
		return reject[ReadOutcome]("not an object")
	}

	var ev ReadOutcome
	var ok bool
	if ev.Version, ok = intField(v, "version"); !ok {
		return reject[ReadOutcome]("invalid version")
	}
	if ev.Tool, ok = stringField(v, "tool"); !ok {
		return reject[ReadOutcome]("invalid tool")
	}
	if ev.PathKey, ok = stringField(v, "pathKey"); !ok {
		return reject[ReadOutcome]("invalid path")
	}
	scope, ok := stringField(v, "scopeKey")
	if !ok {
		return reject[ReadOutcome]("invalid scope key")
	}
	ev.ScopeKey = ScopeKey(scope)
	if ev.ServedHash, ok = stringField(v, "servedHash"); !ok {
		return reject[ReadOutcome]("invalid served hash")
	}
	if base := v.Get("baseHash"); base.Exists() && base.Type != gjson.Null {
		if ev.BaseHash, ok = stringField(v, "baseHash"); !ok {
			return reject[ReadOutcome]("invalid base hash")
		}
	}
	mode, ok := stringField(v, "mode")
	if !ok {
		return reject[ReadOutcome]("invalid mode")
	}
	ev.Mode = Mode(mode)

	for _, f := range []struct {
		name string
		dst  *int
	}{
		{"totalLines", &ev.TotalLines},
		{"rangeStart", &ev.RangeStart},
		{"rangeEnd", &ev.RangeEnd},
		{"bytes", &ev.Bytes},
	} {
		n, ok := intField(v, f.name)
		if !ok {
			return reject[ReadOutcome]("invalid " + f.name)
		}
		*f.dst = n
	}

	if dbg := v.Get("debug"); dbg.Exists() && dbg.Type != gjson.Null {
		m, ok := dbg.Value().(map[string]any)
		if !ok {
			return reject[ReadOutcome]("invalid debug")
		}
		ev.Debug = m
	}

	if reason := ev.check(); reason != "" {
		return reject[ReadOutcome](reason)
	}
	return accept(ev)
}

// ValidateInvalidation checks a raw JSON invalidation payload.
func ValidateInvalidation(raw string) Result[Invalidation] {
	if !gjson.Valid(raw) {
		return reject[Invalidation]("invalid json")
	}
	return InvalidationFrom(gjson.Parse(raw))
}

// InvalidationFrom validates an already-parsed payload.
func InvalidationFrom(v gjson.Result) Result[Invalidation] {
	if !v.IsObject() {
		return reject[Invalidation]("not an object")
	}

	var ev Invalidation
	var ok bool
	if ev.Version, ok = intField(v, "version"); !ok {
		return reject[Invalidation]("invalid version")
	}
	if ev.Kind, ok = stringField(v, "kind"); !ok {
		return reject[Invalidation]("invalid kind")
	}
	if ev.Tool, ok = stringField(v, "tool"); !ok {
		return reject[Invalidation]("invalid tool")
	}
	if ev.PathKey, ok = stringField(v, "pathKey"); !ok {
		return reject[Invalidation]("invalid path")
	}
	scope, ok := stringField(v, "scopeKey")
	if !ok {
		return reject[Invalidation]("invalid scope key")
	}
	ev.ScopeKey = ScopeKey(scope)
	at := v.Get("at")
	if at.Type != gjson.Number || at.Num != math.Trunc(at.Num) ||
		at.Num < 0 || at.Num > math.MaxInt64/2 {
		return reject[Invalidation]("invalid timestamp")
	}
	ev.At = int64(at.Num)

	if reason := ev.check(); reason != "" {
		return reject[Invalidation](reason)
	}
	return accept(ev)
}

func stringField(v gjson.Result, name string) (string, bool) {
	f := v.Get(name)
	if f.Type != gjson.String {
		return "", false
	}
	return f.Str, true
}

// intField accepts JSON numbers that are non-negative integers
// small enough to be exact.
func intField(v gjson.Result, name string) (int, bool) {
	f := v.Get(name)
	if f.Type != gjson.Number {
		return 0, false
	}
	if f.Num != math.Trunc(f.Num) || f.Num < 0 || f.Num > 1<<31 {
		return 0, false
	}
	return int(f.Num), true
}
