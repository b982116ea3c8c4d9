package session

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/wesm/readcache/internal/meta"
)

// ReadResult is a read tool result to append to the session.
type ReadResult struct {
	ParentID   string
	ToolCallID string
	Text       string
	Outcome    meta.ReadOutcome
	Time       time.Time
}

// AppendReadResult writes a read tool result carrying its outcome
// event under details.readcache and returns the new entry, which
// becomes the leaf.
func (t *Tree) AppendReadResult(r ReadResult) (Entry, error) {
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	callID := r.ToolCallID
	if callID == "" {
		callID = "call_" + uuid.NewString()
	}
	line := map[string]any{
		"type":      string(EntryMessage),
		"timestamp": ts.UTC().Format(time.RFC3339Nano),
		"message": map[string]any{
			"role":       "toolResult",
			"toolCallId": callID,
			"toolName":   ReadToolName,
			"content": []map[string]any{
				{"type": "text", "text": r.Text},
			},
			"details": map[string]any{
				detailsKey: r.Outcome,
			},
			"isError":   false,
			"timestamp": ts.UnixMilli(),
		},
	}
	return t.appendLine(r.ParentID, EntryMessage, ts, line)
}

// AppendInvalidation writes an invalidation custom entry.
func (t *Tree) AppendInvalidation(
	parentID string, inv meta.Invalidation,
) (Entry, error) {
	ts := time.UnixMilli(inv.At)
	line := map[string]any{
		"type":       string(EntryCustom),
		"timestamp":  ts.UTC().Format(time.RFC3339Nano),
		"customType": InvalidateCustomType,
		"data":       inv,
	}
	return t.appendLine(parentID, EntryCustom, ts, line)
}

// appendLine assigns an id, links the entry under parentID, writes
// it to the session file (when the tree has one), and records it.
func (t *Tree) appendLine(
	parentID string, typ EntryType, ts time.Time, line map[string]any,
) (Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if parentID != "" {
		if _, ok := t.byID[parentID]; !ok {
			return Entry{}, fmt.Errorf("unknown parent entry %s", parentID)
		}
	}

	id := uuid.NewString()[:8]
	for _, taken := t.byID[id]; taken; _, taken = t.byID[id] {
		id = uuid.NewString()[:8]
	}
	line["id"] = id
	if parentID != "" {
		line["parentId"] = parentID
	} else {
		line["parentId"] = nil
	}

	data, err := json.Marshal(line)
	if err != nil {
		return Entry{}, fmt.Errorf("marshaling entry: %w", err)
	}

	if t.path != "" {
		f, err := os.OpenFile(
			t.path, os.O_WRONLY|os.O_APPEND, 0o644,
		)
		if err != nil {
			return Entry{}, fmt.Errorf("opening session: %w", err)
		}
		_, werr := f.Write(append(data, '\n'))
		cerr := f.Close()
		if werr != nil {
			return Entry{}, fmt.Errorf("appending entry: %w", werr)
		}
		if cerr != nil {
			return Entry{}, fmt.Errorf("closing session: %w", cerr)
		}
	}

	e := Entry{
		ID:        id,
		ParentID:  parentID,
		Type:      typ,
		Timestamp: ts,
		Raw:       string(data),
	}
	t.add(e)
	return e, nil
}
