package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/wesm/readcache/internal/meta"
	"github.com/wesm/readcache/internal/readcache"
	"github.com/wesm/readcache/internal/session"
	"github.com/wesm/readcache/internal/textutil"
)

// sessionFlags are shared by the commands that work on a session.
type sessionFlags struct {
	path *string
	leaf *string
}

func addSessionFlags(fs *flag.FlagSet) sessionFlags {
	return sessionFlags{
		path: fs.String("session", "", "Pi session JSONL file"),
		leaf: fs.String("leaf", "", "Entry to act at (default: last entry)"),
	}
}

func mustLoadSession(path string) *session.Tree {
	if path == "" {
		log.Fatalf("-session is required")
	}
	tree, err := session.Load(path)
	if err != nil {
		log.Fatalf("loading session: %v", err)
	}
	return tree
}

func mustApp(args []string, fs *flag.FlagSet) *app {
	cfg := mustParse(fs, args)
	a, err := newApp(cfg, nil)
	if err != nil {
		log.Fatalf("%v", err)
	}
	return a
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
}

// parseReadRequest builds a request from the read flags that were
// explicitly set, so an absent -offset means "from the top" rather
// than line 0.
func parseReadRequest(
	fs *flag.FlagSet, offset, limit *int, bypass *bool,
) (readcache.Request, error) {
	if fs.NArg() != 1 {
		return readcache.Request{}, fmt.Errorf(
			"expected exactly one PATH argument, got %d", fs.NArg(),
		)
	}
	req := readcache.Request{Path: fs.Arg(0), BypassCache: *bypass}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "offset":
			req.StartLine = offset
		case "limit":
			req.Limit = limit
		}
	})
	return req, nil
}

func runRead(args []string) {
	fs := flag.NewFlagSet("read", flag.ExitOnError)
	sf := addSessionFlags(fs)
	offset := fs.Int("offset", 0, "First line, 1-based; negative counts from the end")
	limit := fs.Int("limit", 0, "Maximum number of lines")
	bypass := fs.Bool("bypass", false, "Serve the file in full regardless of history")

	a := mustApp(args, fs)
	defer a.Close()
	req, err := parseReadRequest(fs, offset, limit, bypass)
	if err != nil {
		log.Fatalf("read: %v", err)
	}
	tree := mustLoadSession(*sf.path)

	ctx, stop := signalContext()
	defer stop()
	res, err := a.read(ctx, tree, *sf.leaf, req)
	if err != nil {
		log.Fatalf("read: %v", err)
	}
	fmt.Println(res.Text)
}

// readResult is what one read served.
type readResult struct {
	Text      string           `json:"text"`
	Cacheable bool             `json:"cacheable"`
	Mode      meta.Mode        `json:"mode,omitempty"`
	Reason    readcache.Reason `json:"reason,omitempty"`
	Truncated bool             `json:"truncated,omitempty"`
	EntryID   string           `json:"entryId,omitempty"`
}

// turnAt locates a read at leaf, or at the session's last entry
// when leaf is empty.
func (a *app) turnAt(tree *session.Tree, leaf string) readcache.Turn {
	if leaf == "" {
		leaf = tree.Leaf()
	}
	cwd := tree.CWD()
	if cwd == "" {
		cwd = a.cfg.RepoRoot
	}
	return readcache.Turn{History: tree, Leaf: leaf, CWD: cwd}
}

// read serves req at leaf and appends the tool result, with its
// outcome event, as a child of leaf.
func (a *app) read(
	ctx context.Context, tree *session.Tree,
	leaf string, req readcache.Request,
) (readResult, error) {
	turn := a.turnAt(tree, leaf)
	resp, err := a.cache.Read(ctx, turn, req)
	if err != nil {
		return readResult{}, err
	}

	if !resp.Cacheable {
		text, err := readUncached(req.Path, turn.CWD)
		if err != nil {
			return readResult{}, err
		}
		res := a.baseline(text)
		res.Reason = resp.Reason
		return res, nil
	}

	var res readResult
	switch {
	case resp.OutputText != nil:
		res.Text = *resp.OutputText
	case resp.Truncated:
		res.Text = resp.Content + continueNotice(
			resp.Meta.RangeStart, resp.Meta.RangeEnd, resp.Meta.TotalLines,
		)
		res.Truncated = true
	default:
		res.Text = resp.Content
	}
	res.Cacheable = true
	res.Mode = resp.Meta.Mode
	res.Reason = resp.Reason

	e, err := tree.AppendReadResult(session.ReadResult{
		ParentID: turn.Leaf,
		Text:     res.Text,
		Outcome:  resp.Meta,
	})
	if err != nil {
		return res, fmt.Errorf("appending read result: %w", err)
	}
	res.EntryID = e.ID
	return res, nil
}

// baseline truncates content the cache declined the way the read
// tool does.
func (a *app) baseline(content string) readResult {
	tr := textutil.TruncateHead(content, a.cfg.OutputLimits())
	text := tr.Content
	if tr.Truncated {
		text += continueNotice(1, tr.OutputLines, tr.TotalLines)
	}
	return readResult{Text: text, Truncated: tr.Truncated}
}

func continueNotice(start, end, total int) string {
	return fmt.Sprintf(
		"\n\n[Showing lines %d-%d of %d. Use offset=%d to continue.]",
		start, end, total, end+1,
	)
}

// readUncached reads a file the cache declined, resolving it the
// way the read tool does.
func readUncached(path, cwd string) (string, error) {
	path = strings.TrimPrefix(path, "@")
	if !filepath.IsAbs(path) {
		path = filepath.Join(cwd, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	return string(data), nil
}
