package sync

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/conorfennell/sprout/internal/anchor"
	"github.com/conorfennell/sprout/internal/domain"
	"github.com/conorfennell/sprout/internal/ident"
)

// SyncCollection reconciles every document of the vault. It waits for
// running document syncs and holds off new ones until it is done.
func (e *Engine) SyncCollection(ctx context.Context) (Summary, error) {
	release, err := e.gate.Collection(ctx)
	if err != nil {
		return Summary{}, err
	}
	defer release()

	r := e.newRun("collection")
	defer func() { e.store.Release(r.reserved...) }()

	if e.puller != nil {
		if err := e.puller.Pull(ctx); err != nil {
			r.logger.Warn("failed to pull vault, syncing local copy", "error", err)
		}
	}
	groupsBefore := e.store.Groups()

	r.enter(StageParsing)
	paths, err := e.vault.List(ctx)
	if err != nil {
		return r.sum, err
	}
	docs := make([]*document, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, p := range paths {
		g.Go(func() error {
			d, err := e.read(gctx, p)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", p, err)
			}
			docs[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return r.sum, err
	}

	r.enter(StageAnchorReconciliation, "documents", len(docs))
	exclude := e.store.UsedIDs()
	owner := make(map[string]string)
	cards := 0
	for _, d := range docs {
		cards += validCards(d.doc)
		for _, a := range d.doc.Anchors {
			exclude.Add(a.ID)
		}
		// Documents are sorted, so the lexically first one claims an id
		// unless the store places it in a later document that still has it.
		for _, c := range d.doc.Cards {
			if c.ID == "" {
				continue
			}
			if _, ok := owner[c.ID]; !ok || e.recordedPath(c.ID) == d.path {
				owner[c.ID] = d.path
			}
		}
	}
	for _, d := range docs {
		path := d.path
		d.plan, err = anchor.Reconcile(d.doc, e.allocator(r, exclude), func(id string) bool {
			return owner[id] == path
		})
		if err != nil {
			return r.sum, fmt.Errorf("%s: %w", path, err)
		}
	}

	r.enter(StageTextWriteback)
	for _, d := range docs {
		if err := e.writeBack(ctx, r, d); err != nil && !errors.Is(err, ErrRaceCondition) {
			return r.sum, err
		}
	}

	r.enter(StageRecordUpsert)
	e.loadRestore(ctx, r, cards)
	e.store.ResetAllSeen()
	seen := make(map[string]bool)
	aborted := make(map[string]bool)
	anchored := ident.NewSet()
	var parents []domain.Record
	for _, d := range docs {
		for _, a := range d.doc.Anchors {
			anchored.Add(a.ID)
		}
		if d.aborted {
			aborted[d.path] = true
			continue
		}
		parents = append(parents, e.upsertDocument(r, d, seen)...)
	}

	r.enter(StageChildSynthesis, "parents", len(parents))
	e.synthesize(r, parents)

	r.enter(StageOrphanSweep)
	e.sweepCollection(ctx, r, seen, aborted, anchored)
	r.sum.RemovedGroups = removedGroups(groupsBefore, e.store.Groups())

	if err := e.finish(ctx, r); err != nil {
		return r.sum, err
	}
	r.logger.Info("collection synced", append([]any{"documents", len(docs)}, r.sum.attrs()...)...)
	return r.sum, nil
}
