package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/wesm/readcache/internal/session"
)

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	sf := addSessionFlags(fs)

	a := mustApp(args, fs)
	defer a.Close()
	tree := mustLoadSession(*sf.path)

	ctx, stop := signalContext()
	defer stop()
	if err := a.writeStatus(ctx, os.Stdout, tree, *sf.leaf); err != nil {
		log.Fatalf("status: %v", err)
	}
}

// writeStatus reports the snapshot store, the trust visible at
// leaf and the session's recorded savings.
func (a *app) writeStatus(
	ctx context.Context, w io.Writer,
	tree *session.Tree, leaf string,
) error {
	st, err := a.store.Stats(ctx)
	if err != nil {
		return fmt.Errorf("reading store stats: %w", err)
	}
	fmt.Fprintf(w, "Snapshots: %d (%s) in %s\n",
		st.Objects, formatBytes(st.Bytes), a.store.Root())

	turn := a.turnAt(tree, leaf)
	view, err := a.replay.View(ctx, tree, turn.Leaf)
	if err != nil {
		return fmt.Errorf("replaying history: %w", err)
	}
	state := view.Fold()
	fmt.Fprintf(w, "\nSession %s at %s (boundary %s)\n",
		tree.SessionID(), turn.Leaf, view.Boundary)
	if n := tree.Dropped(); n > 0 {
		fmt.Fprintf(w, "  %d oversized session lines skipped\n", n)
	}
	if state.Skipped > 0 {
		fmt.Fprintf(w, "  %d invalid or inapplicable events skipped\n",
			state.Skipped)
	}
	if len(state.Trust) == 0 && len(state.Blocked) == 0 {
		fmt.Fprintln(w, "  No files known.")
	}
	for _, path := range slices.Sorted(maps.Keys(state.Trust)) {
		scopes := state.Trust[path]
		for _, scope := range slices.Sorted(maps.Keys(scopes)) {
			fmt.Fprintf(w, "  %-50s %-12s %s\n",
				displayPath(path, turn.CWD), scope,
				scopes[scope].Hash[:12])
		}
	}
	for _, path := range slices.Sorted(maps.Keys(state.Blocked)) {
		for _, scope := range slices.Sorted(maps.Keys(state.Blocked[path])) {
			fmt.Fprintf(w, "  %-50s %-12s invalidated\n",
				displayPath(path, turn.CWD), scope)
		}
	}

	sum, err := a.db.Summary(ctx, tree.SessionID())
	if err != nil {
		return fmt.Errorf("reading ledger: %w", err)
	}
	fmt.Fprintf(w, "\nReads: %d\n", sum.Reads)
	for _, mode := range slices.Sorted(maps.Keys(sum.ByMode)) {
		fmt.Fprintf(w, "  %-18s %d\n", mode, sum.ByMode[mode])
	}
	fmt.Fprintf(w, "Served %s of %s read, saved %s\n",
		formatBytes(sum.BytesServed), formatBytes(sum.FileBytes),
		formatBytes(sum.BytesSaved))
	return nil
}

// displayPath shortens path relative to cwd when it lies inside it.
func displayPath(path, cwd string) string {
	rel, err := filepath.Rel(cwd, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
		return path
	}
	return rel
}
