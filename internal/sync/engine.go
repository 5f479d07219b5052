// Package sync reconciles the cards written in vault documents with the
// record store.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/conorfennell/sprout/internal/anchor"
	"github.com/conorfennell/sprout/internal/fsrs"
	"github.com/conorfennell/sprout/internal/gate"
	"github.com/conorfennell/sprout/internal/ident"
	"github.com/conorfennell/sprout/internal/recovery"
	"github.com/conorfennell/sprout/internal/storage"
	"github.com/conorfennell/sprout/internal/vault"
)

// ErrRaceCondition marks a document that changed between being read and
// being written back. Nothing of that document is written and runs report
// it in Summary.Aborted.
var ErrRaceCondition = errors.New("sync: document changed during run")

// Stage is the progress of a run.
type Stage int

const (
	StageIdle Stage = iota
	StageParsing
	StageAnchorReconciliation
	StageTextWriteback
	StageRecordUpsert
	StageChildSynthesis
	StageOrphanSweep
	StagePersisted
)

var stageNames = [...]string{
	StageIdle:                 "idle",
	StageParsing:              "parsing",
	StageAnchorReconciliation: "anchor-reconciliation",
	StageTextWriteback:        "text-writeback",
	StageRecordUpsert:         "record-upsert",
	StageChildSynthesis:       "child-synthesis",
	StageOrphanSweep:          "orphan-sweep",
	StagePersisted:            "persisted",
}

func (s Stage) String() string {
	if s >= 0 && int(s) < len(stageNames) {
		return stageNames[s]
	}
	return fmt.Sprintf("Stage(%d)", int(s))
}

// Puller refreshes the vault from its remote before a collection run.
type Puller interface {
	Pull(ctx context.Context) error
}

// Options configures an Engine. Vault and Store are required.
type Options struct {
	Vault    vault.Vault
	Store    *storage.Store
	Gate     *gate.Gate
	Recovery *recovery.Locator
	Puller   Puller
	Logger   *slog.Logger

	// Concurrency bounds parallel document reads in a collection run.
	Concurrency int
	// Now is the clock; tests replace it.
	Now func() time.Time
}

// Engine runs document and collection syncs. It is safe for concurrent use;
// the gate orders runs that touch the same document.
type Engine struct {
	vault    vault.Vault
	store    *storage.Store
	gate     *gate.Gate
	recovery *recovery.Locator
	puller   Puller
	logger   *slog.Logger
	workers  int
	now      func() time.Time

	mu        gosync.Mutex
	lastKnown map[string]fsrs.State
}

// New returns an Engine.
func New(opts Options) *Engine {
	e := &Engine{
		vault:    opts.Vault,
		store:    opts.Store,
		gate:     opts.Gate,
		recovery: opts.Recovery,
		puller:   opts.Puller,
		logger:   opts.Logger,
		workers:  opts.Concurrency,
		now:      opts.Now,
	}
	if e.gate == nil {
		e.gate = gate.New()
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("component", "sync")
	if e.workers <= 0 {
		e.workers = 8
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// run is the bookkeeping of one invocation.
type run struct {
	logger   *slog.Logger
	now      time.Time
	stage    Stage
	sum      Summary
	reserved []string

	restoreLoaded bool
	restore       map[string]fsrs.State
}

func (e *Engine) newRun(mode string, attrs ...any) *run {
	attrs = append([]any{"run", uuid.NewString(), "mode", mode}, attrs...)
	return &run{
		logger: e.logger.With(attrs...),
		now:    e.now().UTC(),
	}
}

func (r *run) enter(s Stage, attrs ...any) {
	r.stage = s
	r.logger.Debug("stage", append([]any{"stage", s.String()}, attrs...)...)
}

// allocator draws fresh ids outside exclude and remembers the reservations.
func (e *Engine) allocator(r *run, exclude *ident.Set) anchor.Allocator {
	return func() (string, error) {
		id, err := e.store.Allocate(exclude)
		if err != nil {
			return "", fmt.Errorf("failed to allocate id: %w", err)
		}
		r.reserved = append(r.reserved, id)
		return id, nil
	}
}

// finish releases reservations and persists the store.
func (e *Engine) finish(ctx context.Context, r *run) error {
	defer e.store.Release(r.reserved...)
	if err := e.store.Persist(ctx); err != nil {
		return fmt.Errorf("failed to persist store: %w", err)
	}
	r.enter(StagePersisted)
	if e.recovery != nil && e.store.StateCount() > 0 {
		states := e.store.States()
		e.mu.Lock()
		e.lastKnown = states
		e.mu.Unlock()
	}
	return nil
}

// loadRestore runs the recovery locator once per run, and only when the
// state table is empty while cards exist.
func (e *Engine) loadRestore(ctx context.Context, r *run, cards int) {
	if r.restoreLoaded {
		return
	}
	r.restoreLoaded = true
	if e.recovery == nil || cards == 0 || e.store.StateCount() > 0 {
		return
	}
	e.mu.Lock()
	memory := e.lastKnown
	e.mu.Unlock()

	res, ok := e.recovery.Locate(ctx, memory)
	if !ok {
		r.logger.Info("state table is empty and no snapshot was found")
		return
	}
	r.logger.Warn("state table is empty, restoring from snapshot", "source", res.Source, "states", len(res.States))
	r.restore = res.States
}

func (r *run) restorer(id string) (fsrs.State, bool) {
	st, ok := r.restore[id]
	return st, ok
}

// ensureState creates the state of id unless one exists, preferring a
// recovered one.
func (e *Engine) ensureState(r *run, id string) {
	if _, ok := e.store.State(id); ok {
		return
	}
	st, restored := r.restorer(id)
	if !restored {
		st = fsrs.NewState(r.now)
	}
	if e.store.EnsureState(id, st) && restored {
		r.sum.Restored++
	}
}
