package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesm/readcache/internal/meta"
	"github.com/wesm/readcache/internal/testjsonl"
	"github.com/wesm/readcache/internal/textutil"
)

func createTestFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func ids(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

// forkedSession: a -> b -> c, and b -> d (fork).
func forkedSession() string {
	return testjsonl.NewSessionBuilder("sess-1", "/repo").
		AddUser("a", "", "hello").
		AddUser("b", "a", "read it").
		AddUser("c", "b", "main branch").
		AddUser("d", "b", "forked").
		String()
}

func TestLoad_Header(t *testing.T) {
	path := createTestFile(t, "s.jsonl", forkedSession())
	tree, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sess-1", tree.SessionID())
	assert.Equal(t, "/repo", tree.CWD())
	assert.Equal(t, path, tree.Path())
	assert.Equal(t, 4, tree.Len())
	assert.Equal(t, "d", tree.Leaf())
}

func TestTree_Branch(t *testing.T) {
	tree, err := Parse(strings.NewReader(forkedSession()))
	require.NoError(t, err)

	main, err := tree.Branch("c")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids(main))

	fork, err := tree.Branch("d")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "d"}, ids(fork))

	assert.True(t, tree.HasChildren("b"))
	assert.False(t, tree.HasChildren("c"))

	_, err = tree.Branch("missing")
	assert.Error(t, err)

	empty, err := tree.Branch("")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestParse_SkipsMalformed(t *testing.T) {
	content := testjsonl.NewSessionBuilder("s", "/r").
		AddUser("a", "", "x").
		AddRaw("not json").
		AddRaw(`{"id":"notype"}`).
		AddUser("a", "", "duplicate id").
		AddUser("b", "a", "y").
		String()

	tree, err := Parse(strings.NewReader(content))
	require.NoError(t, err)
	assert.Equal(t, 2, tree.Len())
}

func TestParse_LegacyLinear(t *testing.T) {
	content := testjsonl.JoinJSONL(
		testjsonl.PiSessionHeaderJSON("", "/r"),
		`{"type":"message","message":{"role":"user","content":"one"}}`,
		`{"type":"message","message":{"role":"user","content":"two"}}`,
	)
	tree, err := Parse(strings.NewReader(content))
	require.NoError(t, err)

	branch, err := tree.Branch(tree.Leaf())
	require.NoError(t, err)
	assert.Equal(t, []string{"line-2", "line-3"}, ids(branch))
}

func TestParse_RejectsNonSession(t *testing.T) {
	_, err := Parse(strings.NewReader(`{"type":"message"}` + "\n"))
	assert.Error(t, err)
	_, err = Parse(strings.NewReader(""))
	assert.Error(t, err)
}

func TestEntry_Payloads(t *testing.T) {
	content := testjsonl.NewSessionBuilder("s", "/r").
		AddRead("r1", "", map[string]any{"version": 1}).
		AddInvalidation("i1", "r1", map[string]any{"kind": "invalidate"}).
		AddCompaction("c1", "i1").
		AddUser("u1", "c1", "hi").
		String()
	tree, err := Parse(strings.NewReader(content))
	require.NoError(t, err)

	r1, _ := tree.Entry("r1")
	p, ok := r1.ReadOutcomePayload()
	require.True(t, ok)
	assert.Equal(t, int64(1), p.Get("version").Int())
	_, ok = r1.InvalidationPayload()
	assert.False(t, ok)

	i1, _ := tree.Entry("i1")
	p, ok = i1.InvalidationPayload()
	require.True(t, ok)
	assert.Equal(t, "invalidate", p.Get("kind").Str)

	c1, _ := tree.Entry("c1")
	assert.True(t, c1.IsCompaction())

	u1, _ := tree.Entry("u1")
	_, ok = u1.ReadOutcomePayload()
	assert.False(t, ok)
}

func TestAppend_RoundTrip(t *testing.T) {
	path := createTestFile(t, "s.jsonl", forkedSession())
	tree, err := Load(path)
	require.NoError(t, err)

	hash := textutil.HashText("1\n2\n3")
	outcome, err := meta.NewReadOutcome(meta.OutcomeParams{
		Path:       "/repo/f.txt",
		Mode:       meta.ModeFull,
		ServedHash: hash,
		TotalLines: 3,
		Start:      1,
		End:        3,
		Bytes:      5,
	})
	require.NoError(t, err)

	e, err := tree.AppendReadResult(ReadResult{
		ParentID: "c",
		Text:     "1\n2\n3",
		Outcome:  outcome,
	})
	require.NoError(t, err)
	assert.Equal(t, e.ID, tree.Leaf())
	assert.True(t, tree.HasChildren("c"))

	inv, err := meta.NewInvalidation(
		"/repo/f.txt", meta.FullScope, time.UnixMilli(1000),
	)
	require.NoError(t, err)
	e2, err := tree.AppendInvalidation(e.ID, inv)
	require.NoError(t, err)

	// Re-read from disk and check the payloads survive validation.
	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, tree.Len(), reloaded.Len())

	branch, err := reloaded.Branch(e2.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", e.ID, e2.ID}, ids(branch))

	p, ok := branch[3].ReadOutcomePayload()
	require.True(t, ok)
	res := meta.ReadOutcomeFrom(p)
	require.True(t, res.Valid(), res.Reason())
	got, _ := res.Value()
	assert.Equal(t, outcome, got)

	ip, ok := branch[4].InvalidationPayload()
	require.True(t, ok)
	ires := meta.InvalidationFrom(ip)
	require.True(t, ires.Valid(), ires.Reason())
}

func TestAppend_UnknownParent(t *testing.T) {
	tree, err := Parse(strings.NewReader(forkedSession()))
	require.NoError(t, err)
	inv, err := meta.NewInvalidation("/x", meta.FullScope, time.Now())
	require.NoError(t, err)
	_, err = tree.AppendInvalidation("nope", inv)
	assert.Error(t, err)
}
