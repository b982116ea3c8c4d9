// Package testjsonl provides shared JSONL fixture builders for
// pi-style session trees. Used by the session, replay, and
// readcache test packages.
package testjsonl

import (
	"encoding/json"
	"strings"
)

// Timestamp is the fixed timestamp stamped on fixture entries.
const Timestamp = "2025-01-01T10:00:00.000Z"

// PiSessionHeaderJSON returns a pi session header line.
func PiSessionHeaderJSON(id, cwd string) string {
	return mustMarshal(map[string]any{
		"type":      "session",
		"version":   3,
		"id":        id,
		"cwd":       cwd,
		"timestamp": Timestamp,
	})
}

// PiUserJSON returns a user message entry.
func PiUserJSON(id, parentID, text string) string {
	return mustMarshal(entry(id, parentID, map[string]any{
		"type": "message",
		"message": map[string]any{
			"role":    "user",
			"content": []map[string]any{{"type": "text", "text": text}},
		},
	}))
}

// PiReadResultJSON returns a read tool result whose details carry
// payload as the read outcome. payload may be any JSON value,
// including malformed events.
func PiReadResultJSON(id, parentID string, payload any) string {
	return mustMarshal(entry(id, parentID, map[string]any{
		"type": "message",
		"message": map[string]any{
			"role":       "toolResult",
			"toolCallId": "call_" + id,
			"toolName":   "read",
			"content":    []map[string]any{{"type": "text", "text": "..."}},
			"details":    map[string]any{"readcache": payload},
		},
	}))
}

// PiInvalidationJSON returns a readcache-invalidate custom entry.
func PiInvalidationJSON(id, parentID string, payload any) string {
	return mustMarshal(entry(id, parentID, map[string]any{
		"type":       "custom",
		"customType": "readcache-invalidate",
		"data":       payload,
	}))
}

// PiCompactionJSON returns a compaction entry.
func PiCompactionJSON(id, parentID, summary string) string {
	return mustMarshal(entry(id, parentID, map[string]any{
		"type":             "compaction",
		"summary":          summary,
		"firstKeptEntryId": parentID,
		"tokensBefore":     1000,
	}))
}

func entry(id, parentID string, fields map[string]any) map[string]any {
	fields["id"] = id
	if parentID == "" {
		fields["parentId"] = nil
	} else {
		fields["parentId"] = parentID
	}
	fields["timestamp"] = Timestamp
	return fields
}

// JoinJSONL joins JSON lines with newlines and appends a
// trailing newline.
func JoinJSONL(lines ...string) string {
	return strings.Join(lines, "\n") + "\n"
}

// SessionBuilder constructs pi JSONL session content using a
// fluent API.
type SessionBuilder struct {
	lines []string
}

// NewSessionBuilder returns a builder whose first line is a session
// header.
func NewSessionBuilder(sessionID, cwd string) *SessionBuilder {
	return &SessionBuilder{
		lines: []string{PiSessionHeaderJSON(sessionID, cwd)},
	}
}

// AddUser appends a user message entry.
func (b *SessionBuilder) AddUser(id, parentID, text string) *SessionBuilder {
	b.lines = append(b.lines, PiUserJSON(id, parentID, text))
	return b
}

// AddRead appends a read tool result carrying payload.
func (b *SessionBuilder) AddRead(id, parentID string, payload any) *SessionBuilder {
	b.lines = append(b.lines, PiReadResultJSON(id, parentID, payload))
	return b
}

// AddInvalidation appends an invalidation custom entry.
func (b *SessionBuilder) AddInvalidation(
	id, parentID string, payload any,
) *SessionBuilder {
	b.lines = append(b.lines, PiInvalidationJSON(id, parentID, payload))
	return b
}

// AddCompaction appends a compaction entry.
func (b *SessionBuilder) AddCompaction(id, parentID string) *SessionBuilder {
	b.lines = append(b.lines, PiCompactionJSON(id, parentID, "summary"))
	return b
}

// AddRaw appends an arbitrary raw line.
func (b *SessionBuilder) AddRaw(line string) *SessionBuilder {
	b.lines = append(b.lines, line)
	return b
}

// String returns the JSONL content with a trailing newline.
func (b *SessionBuilder) String() string {
	return strings.Join(b.lines, "\n") + "\n"
}

func mustMarshal(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}
