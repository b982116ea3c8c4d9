package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/wesm/readcache/internal/readcache"
	"github.com/wesm/readcache/internal/watch"
)

const maxRequestSize = 1 << 20

// stdioRequest is one line of input. Op is "read", "invalidate" or
// "status".
type stdioRequest struct {
	ID     string `json:"id"`
	Op     string `json:"op"`
	Path   string `json:"path"`
	Leaf   string `json:"leaf"`
	Offset *int   `json:"offset"`
	Limit  *int   `json:"limit"`
	Bypass bool   `json:"bypass"`
	Start  int    `json:"start"`
	End    int    `json:"end"`
}

// stdioResponse is one line of output.
type stdioResponse struct {
	ID    string `json:"id"`
	Error string `json:"error,omitempty"`
	readResult
	Scope  string `json:"scope,omitempty"`
	Status string `json:"status,omitempty"`
}

// stdioServer answers requests against one tracked session.
type stdioServer struct {
	app     *app
	tracker *watch.Tracker
}

func runStdio(args []string) {
	fs := flag.NewFlagSet("stdio", flag.ExitOnError)
	sf := addSessionFlags(fs)

	a := mustApp(args, fs)
	defer a.Close()
	if *sf.path == "" {
		log.Fatalf("stdio: -session is required")
	}
	tracker, err := watch.NewTracker(*sf.path, a.replay, a.logger)
	if err != nil {
		log.Fatalf("stdio: %v", err)
	}

	w, err := watch.NewWatcher(watcherDebounce, a.logger, tracker.OnChange)
	if err != nil {
		a.logger.Warn("session watcher unavailable", zap.Error(err))
	} else {
		if err := w.Add(tracker.Path()); err != nil {
			a.logger.Warn("watching session", zap.Error(err))
		}
		w.Start()
		defer w.Stop()
	}

	ctx, stop := signalContext()
	defer stop()
	srv := &stdioServer{app: a, tracker: tracker}
	if err := srv.serve(ctx, os.Stdin, os.Stdout); err != nil {
		log.Fatalf("stdio: %v", err)
	}
}

// serve handles one request per input line until r is exhausted or
// ctx is done. Requests are answered in order.
func (s *stdioServer) serve(
	ctx context.Context, r io.Reader, w io.Writer,
) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxRequestSize)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil
		}
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := enc.Encode(s.handleLine(ctx, line)); err != nil {
			return fmt.Errorf("writing response: %w", err)
		}
	}
	return sc.Err()
}

func (s *stdioServer) handleLine(
	ctx context.Context, line []byte,
) stdioResponse {
	var req stdioRequest
	if err := json.Unmarshal(line, &req); err != nil {
		return stdioResponse{Error: "invalid request: " + err.Error()}
	}
	resp, err := s.handle(ctx, req)
	resp.ID = req.ID
	if err != nil {
		resp.Error = err.Error()
	}
	return resp
}

func (s *stdioServer) handle(
	ctx context.Context, req stdioRequest,
) (stdioResponse, error) {
	tree := s.tracker.Tree()
	switch req.Op {
	case "read":
		res, err := s.app.read(ctx, tree, req.Leaf, readcache.Request{
			Path:        req.Path,
			StartLine:   req.Offset,
			Limit:       req.Limit,
			BypassCache: req.Bypass,
		})
		return stdioResponse{readResult: res}, err

	case "invalidate":
		var rng *readcache.Range
		if req.Start != 0 || req.End != 0 {
			rng = &readcache.Range{Start: req.Start, End: req.End}
		}
		ev, id, err := s.app.invalidate(ctx, tree, req.Leaf, req.Path, rng)
		if err != nil {
			return stdioResponse{}, err
		}
		return stdioResponse{
			readResult: readResult{EntryID: id},
			Scope:      string(ev.ScopeKey),
		}, nil

	case "status":
		var b strings.Builder
		err := s.app.writeStatus(ctx, &b, tree, req.Leaf)
		return stdioResponse{Status: b.String()}, err

	default:
		return stdioResponse{}, fmt.Errorf("unknown op %q", req.Op)
	}
}
