package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/wesm/readcache/internal/config"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = ""
)

const (
	watcherDebounce = 200 * time.Millisecond
	diffTimeout     = 2 * time.Second
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}
	args := os.Args[2:]
	switch os.Args[1] {
	case "read":
		runRead(args)
	case "invalidate":
		runInvalidate(args)
	case "status":
		runStatus(args)
	case "prune":
		runPrune(args)
	case "stdio":
		runStdio(args)
	case "config":
		runConfig(args)
	case "version", "--version", "-v":
		fmt.Printf("readcache %s (commit %s, built %s)\n",
			version, commit, buildDate)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Printf(`readcache %s - token-saving cache for an agent's file reads

Answers rereads of unchanged files with a short marker and edited
files with a diff, reconstructing what the model has seen from the
session history so branches and compactions never leak stale trust.

Usage:
  readcache read [flags] PATH        Serve one read and record it
  readcache invalidate [flags] PATH  Withdraw trust for a file or range
  readcache status [flags]           Show store, trust and savings
  readcache prune [flags]            Delete old snapshots and ledger rows
  readcache stdio [flags]            Serve JSON requests on stdin
  readcache config [-save]           Print (or save) the effective config
  readcache version                  Show version information
  readcache help                     Show this help

Common flags:
  -repo-root string   Repository root holding .pi/readcache
  -data-dir string    Directory for config.json and readcache.db
  -debug              Log decisions and attach diagnostics

Session flags (read, invalidate, status, stdio):
  -session string     Pi session JSONL file (required)
  -leaf string        Entry to read at (default: last entry)

Read flags:
  -offset int         First line, 1-based; negative counts from the end
  -limit int          Maximum number of lines
  -bypass             Serve the file in full regardless of history

Invalidate flags:
  -range S-E          Only withdraw trust for lines S through E

Prune flags:
  -max-age duration   Remove snapshots older than this (default 24h)
  -dry-run            Report what would be removed

Environment variables:
  READCACHE_DATA_DIR        Data directory (config, ledger)
  READCACHE_REPO_ROOT       Repository root
  READCACHE_MAX_OBJECT_AGE  Snapshot retention
  READCACHE_DEBUG           Enable debug logging

Data is stored in ~/.readcache/ by default.
`, version)
}

// parseFlags parses args into fs after registering the common
// config flags, then loads the layered config.
func parseFlags(fs *flag.FlagSet, args []string) (config.Config, error) {
	config.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}
	return config.Load(fs)
}

// mustParse is parseFlags for the command entry points.
func mustParse(fs *flag.FlagSet, args []string) config.Config {
	cfg, err := parseFlags(fs, args)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		log.Fatalf("%s: %v", fs.Name(), err)
	}
	return cfg
}
