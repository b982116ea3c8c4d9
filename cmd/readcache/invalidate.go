package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/wesm/readcache/internal/meta"
	"github.com/wesm/readcache/internal/readcache"
	"github.com/wesm/readcache/internal/session"
)

// parseRange parses "S-E" into an inclusive line range. An empty
// string means the whole file.
func parseRange(s string) (*readcache.Range, error) {
	if s == "" {
		return nil, nil
	}
	lo, hi, ok := strings.Cut(s, "-")
	if !ok {
		return nil, fmt.Errorf("range %q: want START-END", s)
	}
	start, err := strconv.Atoi(strings.TrimSpace(lo))
	if err != nil {
		return nil, fmt.Errorf("range %q: bad start: %w", s, err)
	}
	end, err := strconv.Atoi(strings.TrimSpace(hi))
	if err != nil {
		return nil, fmt.Errorf("range %q: bad end: %w", s, err)
	}
	if start < 1 || end < start {
		return nil, fmt.Errorf("range %q: want 1 <= START <= END", s)
	}
	return &readcache.Range{Start: start, End: end}, nil
}

func runInvalidate(args []string) {
	fs := flag.NewFlagSet("invalidate", flag.ExitOnError)
	sf := addSessionFlags(fs)
	rangeStr := fs.String("range", "", "Only withdraw trust for lines START-END")

	a := mustApp(args, fs)
	defer a.Close()
	if fs.NArg() != 1 {
		log.Fatalf("invalidate: expected exactly one PATH argument")
	}
	rng, err := parseRange(*rangeStr)
	if err != nil {
		log.Fatalf("invalidate: %v", err)
	}
	tree := mustLoadSession(*sf.path)

	ctx, stop := signalContext()
	defer stop()
	ev, _, err := a.invalidate(ctx, tree, *sf.leaf, fs.Arg(0), rng)
	if err != nil {
		log.Fatalf("invalidate: %v", err)
	}
	fmt.Printf("Invalidated %s (%s)\n", ev.PathKey, ev.ScopeKey)
}

// invalidate withdraws trust at leaf and appends the event as a
// child of leaf. It returns the event and the new entry id.
func (a *app) invalidate(
	ctx context.Context, tree *session.Tree,
	leaf, path string, rng *readcache.Range,
) (meta.Invalidation, string, error) {
	turn := a.turnAt(tree, leaf)
	ev, err := a.cache.Invalidate(ctx, turn, path, rng)
	if err != nil {
		return meta.Invalidation{}, "", err
	}
	e, err := tree.AppendInvalidation(turn.Leaf, ev)
	if err != nil {
		return ev, "", fmt.Errorf("appending invalidation: %w", err)
	}
	return ev, e.ID, nil
}
