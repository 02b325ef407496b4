// Package whitelist keeps the whitelist table in step with a config list and
// an optional file of addresses or hostnames.
package whitelist

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hidsward/hidsward/internal/logging"
	"github.com/hidsward/hidsward/pkg/types"
)

// Notes attached to entries this package manages. Entries with any other
// note were added by an operator and are never removed here.
const (
	NoteFile   = "file"
	NoteConfig = "config"
)

const defaultDebounce = 200 * time.Millisecond

// Target is where reconciled entries go. The block-state machine satisfies it
// so whitelist changes serialize with transitions.
type Target interface {
	AddWhitelist(ctx context.Context, address, note string) (types.WhitelistResult, error)
	RemoveWhitelist(ctx context.Context, address string) (bool, error)
	ListWhitelist(ctx context.Context) ([]types.WhitelistEntry, error)
}

type Options struct {
	File     string
	Static   []string
	Watch    bool
	Resolver Resolver // nil disables hostname entries
	Debounce time.Duration
	Logger   *slog.Logger
}

type Syncer struct {
	opts   Options
	target Target
	logger *slog.Logger
	mu     sync.Mutex // one reconcile at a time
}

func NewSyncer(opts Options, target Target) *Syncer {
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	return &Syncer{opts: opts, target: target, logger: logging.OrDiscard(opts.Logger)}
}

// Result summarizes one reconcile pass.
type Result struct {
	Added   int
	Removed int
	Skipped []string
}

// Reconcile adds every configured and file entry and removes managed entries
// that are no longer listed.
func (s *Syncer) Reconcile(ctx context.Context) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res Result
	want := make(map[string]string) // address -> note
	s.expand(ctx, s.opts.Static, NoteConfig, want, &res)
	if s.opts.File != "" {
		lines, err := readFile(s.opts.File)
		switch {
		case errors.Is(err, os.ErrNotExist):
			s.logger.Info("whitelist file missing, treating as empty", "file", s.opts.File)
		case err != nil:
			return res, fmt.Errorf("read whitelist file: %w", err)
		}
		s.expand(ctx, lines, NoteFile, want, &res)
	}

	current, err := s.target.ListWhitelist(ctx)
	if err != nil {
		return res, fmt.Errorf("list whitelist: %w", err)
	}
	have := make(map[string]types.WhitelistEntry, len(current))
	for _, e := range current {
		have[e.Address] = e
	}

	for addr, note := range want {
		if _, ok := have[addr]; ok {
			continue
		}
		r, err := s.target.AddWhitelist(ctx, addr, note)
		if err != nil {
			return res, err
		}
		if r.Added {
			res.Added++
		}
		if r.StillBlocked {
			s.logger.Warn("whitelisted address is currently blocked", "address", addr, "source", note)
		}
	}
	for addr, e := range have {
		if e.Note != NoteFile && e.Note != NoteConfig {
			continue
		}
		if _, ok := want[addr]; ok {
			continue
		}
		removed, err := s.target.RemoveWhitelist(ctx, addr)
		if err != nil {
			return res, err
		}
		if removed {
			res.Removed++
		}
	}
	s.logger.Info("whitelist reconciled", "entries", len(want), "added", res.Added, "removed", res.Removed, "skipped", len(res.Skipped))
	return res, nil
}

func (s *Syncer) expand(ctx context.Context, entries []string, note string, want map[string]string, res *Result) {
	for _, entry := range entries {
		if types.ValidateIPv4(entry) == nil {
			if _, ok := want[entry]; !ok {
				want[entry] = note
			}
			continue
		}
		if s.opts.Resolver == nil || !looksLikeHost(entry) {
			s.logger.Warn("ignoring whitelist entry", "entry", entry, "source", note)
			res.Skipped = append(res.Skipped, entry)
			continue
		}
		addrs, err := s.opts.Resolver.LookupA(ctx, entry)
		if err != nil || len(addrs) == 0 {
			s.logger.Warn("whitelist hostname did not resolve", "host", entry, "error", err)
			res.Skipped = append(res.Skipped, entry)
			continue
		}
		for _, a := range addrs {
			if _, ok := want[a]; !ok {
				want[a] = note
			}
		}
	}
}

// Run reconciles once, then, when watching is enabled, again after every
// change to the file until ctx is done.
func (s *Syncer) Run(ctx context.Context) error {
	if _, err := s.Reconcile(ctx); err != nil {
		s.logger.Warn("initial whitelist reconcile failed", "error", err)
	}
	if !s.opts.Watch || s.opts.File == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("whitelist watcher: %w", err)
	}
	defer watcher.Close()
	// The directory, so editors that replace the file are still seen.
	if err := watcher.Add(filepath.Dir(s.opts.File)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(s.opts.File), err)
	}

	name := filepath.Base(s.opts.File)
	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != name {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				debounce.Reset(s.opts.Debounce)
			}
		case <-debounce.C:
			if _, err := s.Reconcile(ctx); err != nil {
				s.logger.Warn("whitelist reload failed", "file", s.opts.File, "error", err)
			}
		case err, ok := <-watcher.Errors:
			if ok && err != nil {
				s.logger.Warn("whitelist watcher error", "error", err)
			}
		}
	}
}

func readFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads one entry per line. Blank lines and '#' comments are ignored;
// only the first field of a line counts.
func Parse(r io.Reader) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		out = append(out, fields[0])
	}
	return out, sc.Err()
}

func looksLikeHost(s string) bool {
	if s == "" || len(s) > 253 || strings.ContainsAny(s, ":/") {
		return false
	}
	return strings.ContainsAny(s, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ")
}
