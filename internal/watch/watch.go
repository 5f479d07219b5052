// Package watch runs syncs as documents in a vault directory change.
//
// Events are queued and processed once they have been quiet for the
// debounce interval, so an editor saving several times in a row causes a
// single run. Edited documents get a document run. Removals, renames, new
// directories and new images get a collection run, since they can affect
// cards in any document.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	gosync "sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/conorfennell/sprout/internal/sync"
	"github.com/conorfennell/sprout/internal/vault"
)

// Syncer is the part of the sync engine the watcher drives.
type Syncer interface {
	SyncDocument(ctx context.Context, path string) (sync.Summary, error)
	SyncCollection(ctx context.Context) (sync.Summary, error)
}

// Options configures a Watcher.
type Options struct {
	Debounce time.Duration
	Logger   *slog.Logger
	// OnSummary receives the summary of every run that changed something.
	OnSummary func(sync.Summary)
	// Concurrency bounds parallel document runs in one flush.
	Concurrency int
}

// Watcher turns file system events under a root directory into sync runs.
type Watcher struct {
	root     string
	syncer   Syncer
	debounce time.Duration
	logger   *slog.Logger
	notify   func(sync.Summary)
	workers  int
	now      func() time.Time

	fsw *fsnotify.Watcher

	mu      gosync.Mutex
	pending map[string]time.Time // vault-relative document -> last event
	full    time.Time            // last event needing a collection run; zero if none
}

// New creates a Watcher for root. Run starts it.
func New(root string, s Syncer, opts Options) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", root, err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	w := &Watcher{
		root:     abs,
		syncer:   s,
		debounce: opts.Debounce,
		logger:   opts.Logger,
		notify:   opts.OnSummary,
		workers:  opts.Concurrency,
		now:      time.Now,
		fsw:      fsw,
		pending:  make(map[string]time.Time),
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	w.logger = w.logger.With("component", "watch")
	if w.debounce <= 0 {
		w.debounce = 500 * time.Millisecond
	}
	if w.workers <= 0 {
		w.workers = 4
	}
	return w, nil
}

// Run watches until ctx is cancelled. The watcher is closed on return.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()
	if err := w.addDirs(w.root); err != nil {
		return err
	}
	w.logger.Info("watching vault", "root", w.root, "debounce", w.debounce)

	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", "error", err)
		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

// addDirs watches root and every directory below it, skipping hidden ones.
func (w *Watcher) addDirs(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(p); err != nil {
			return fmt.Errorf("failed to watch %s: %w", p, err)
		}
		return nil
	})
}

// handle queues the work an event calls for.
func (w *Watcher) handle(ev fsnotify.Event) {
	rel, ok := w.relative(ev.Name)
	if !ok {
		return
	}
	isDoc := strings.EqualFold(filepath.Ext(rel), ".md")

	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		if isDoc || filepath.Ext(rel) == "" {
			w.queueFull()
		}
	case ev.Has(fsnotify.Create):
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addDirs(ev.Name); err != nil {
				w.logger.Warn("failed to watch new directory", "path", rel, "error", err)
			}
			w.queueFull()
			return
		}
		switch {
		case isDoc:
			w.queueDoc(rel)
		case vault.IsImage(rel):
			// A quarantined occlusion card may have been waiting for it.
			w.queueFull()
		}
	case ev.Has(fsnotify.Write):
		if isDoc {
			w.queueDoc(rel)
		}
	}
}

// relative returns the slash-separated vault path of an event, or false for
// paths outside the vault or inside hidden directories.
func (w *Watcher) relative(name string) (string, bool) {
	rel, err := filepath.Rel(w.root, name)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	for _, part := range strings.Split(rel, "/") {
		if strings.HasPrefix(part, ".") {
			return "", false
		}
	}
	return rel, true
}

func (w *Watcher) queueDoc(rel string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[rel] = w.now()
}

func (w *Watcher) queueFull() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.full = w.now()
}

// take removes and returns the work that has been quiet for the debounce
// interval. A due collection run absorbs every pending document.
func (w *Watcher) take() (docs []string, full bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	if !w.full.IsZero() && now.Sub(w.full) >= w.debounce {
		w.full = time.Time{}
		clear(w.pending)
		return nil, true
	}
	for p, at := range w.pending {
		if now.Sub(at) >= w.debounce {
			docs = append(docs, p)
			delete(w.pending, p)
		}
	}
	return docs, false
}

// flush runs the syncs that are due.
func (w *Watcher) flush(ctx context.Context) {
	docs, full := w.take()
	if full {
		sum, err := w.syncer.SyncCollection(ctx)
		w.report("collection", sum, err)
		return
	}
	if len(docs) == 0 {
		return
	}

	var mu gosync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.workers)
	for _, p := range docs {
		g.Go(func() error {
			sum, err := w.syncer.SyncDocument(gctx, p)
			mu.Lock()
			w.report(p, sum, err)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

func (w *Watcher) report(target string, sum sync.Summary, err error) {
	if err != nil {
		w.logger.Warn("sync failed", "target", target, "error", err)
	}
	if !sum.Changed() && len(sum.Aborted) == 0 {
		return
	}
	w.logger.Info(sum.Notice(), "target", target)
	if w.notify != nil {
		w.notify(sum)
	}
}
