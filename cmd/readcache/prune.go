package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/wesm/readcache/internal/config"
	"github.com/wesm/readcache/internal/db"
	"github.com/wesm/readcache/internal/objstore"
)

// PruneConfig holds parsed CLI options for the prune command.
type PruneConfig struct {
	MaxAge time.Duration
	DryRun bool
}

// parsePruneFlags parses the prune flags. -max-age feeds the
// layered config, so the env and config file supply its default.
func parsePruneFlags(args []string) (PruneConfig, config.Config, error) {
	fs := flag.NewFlagSet("prune", flag.ContinueOnError)
	fs.Duration(
		"max-age", objstore.DefaultMaxAge,
		"Remove snapshots and ledger rows older than this",
	)
	dryRun := fs.Bool(
		"dry-run", false,
		"Show what would be pruned without deleting",
	)

	cfg, err := parseFlags(fs, args)
	if err != nil {
		return PruneConfig{}, cfg, err
	}
	if fs.NArg() > 0 {
		return PruneConfig{}, cfg, fmt.Errorf(
			"unexpected arguments: %v", fs.Args(),
		)
	}
	return PruneConfig{
		MaxAge: cfg.MaxObjectAge,
		DryRun: *dryRun,
	}, cfg, nil
}

// Pruner executes the prune workflow against the snapshot store and
// the ledger.
type Pruner struct {
	Store *objstore.Store
	DB    *db.DB
	Out   io.Writer
	Now   func() time.Time
}

// Prune removes snapshots and ledger rows older than cfg.MaxAge.
func (p *Pruner) Prune(ctx context.Context, cfg PruneConfig) error {
	if cfg.MaxAge <= 0 {
		return fmt.Errorf("max-age must be positive, got %s", cfg.MaxAge)
	}
	now := time.Now()
	if p.Now != nil {
		now = p.Now()
	}
	cutoff := now.Add(-cfg.MaxAge)

	if cfg.DryRun {
		exp, err := p.Store.Expired(ctx, cfg.MaxAge, now)
		if err != nil {
			return fmt.Errorf("scanning snapshots: %w", err)
		}
		rows, err := p.DB.CountBefore(ctx, cutoff)
		if err != nil {
			return err
		}
		fmt.Fprintf(p.Out,
			"Would remove %d snapshots (%s) and %d ledger rows"+
				" older than %s\n",
			exp.Objects, formatBytes(exp.Bytes), rows, cfg.MaxAge,
		)
		fmt.Fprintln(p.Out, "\nDry run: no changes made.")
		return nil
	}

	res, err := p.Store.Prune(ctx, cfg.MaxAge, now)
	if err != nil {
		return fmt.Errorf("pruning snapshots: %w", err)
	}
	rows, err := p.DB.PruneBefore(ctx, cutoff)
	if err != nil {
		return err
	}

	fmt.Fprintf(p.Out,
		"Removed %d of %d snapshots (%s reclaimed) and %d ledger rows\n",
		res.Removed, res.Scanned, formatBytes(res.BytesReclaimed), rows,
	)
	if res.Failed > 0 {
		fmt.Fprintf(p.Out, "%d snapshots could not be removed\n", res.Failed)
	}
	return nil
}

func formatBytes(b int64) string {
	switch {
	case b >= 1<<30:
		return fmt.Sprintf("%.1f GB", float64(b)/(1<<30))
	case b >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(b)/(1<<20))
	case b >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(b)/(1<<10))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

func runPrune(args []string) {
	pcfg, cfg, err := parsePruneFlags(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	a, err := newApp(cfg, nil)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()
	pruner := &Pruner{Store: a.store, DB: a.db, Out: os.Stdout}
	if err := pruner.Prune(ctx, pcfg); err != nil {
		log.Fatalf("prune: %v", err)
	}
}
