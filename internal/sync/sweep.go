package sync

import (
	"context"
	"path"
	"regexp"
	"strings"
	gosync "sync"

	"golang.org/x/sync/errgroup"

	"github.com/conorfennell/sprout/internal/domain"
	"github.com/conorfennell/sprout/internal/ident"
	"github.com/conorfennell/sprout/internal/parser"
)

// assetID matches image files named after the card that owns them.
var assetID = regexp.MustCompile(`(?:^|[^0-9])io-(\d{9})(?:[^0-9]|$)`)

// AssetOwner returns the card id embedded in an image file name, if any.
func AssetOwner(name string) (string, bool) {
	m := assetID.FindStringSubmatch(path.Base(name))
	if m == nil {
		return "", false
	}
	return m[1], true
}

// sweepDocument removes the records of d that no card claimed in this run
// and the quarantine entries of cards that are gone. Records whose anchor now
// lives in another document are left for that document's run.
func (e *Engine) sweepDocument(ctx context.Context, r *run, d *document, seen map[string]bool) error {
	var stale []domain.Record
	for _, rec := range e.store.RecordsByNote(d.path) {
		if rec.ParentID == "" && !rec.Seen() {
			stale = append(stale, rec)
		}
	}
	var staleQ []domain.QuarantineEntry
	for _, q := range e.store.QuarantineByNote(d.path) {
		if !seen[q.ID] {
			staleQ = append(staleQ, q)
		}
	}
	if len(stale) == 0 && len(staleQ) == 0 {
		return nil
	}

	wanted := make(map[string]bool, len(stale)+len(staleQ))
	for _, rec := range stale {
		wanted[rec.ID] = true
	}
	for _, q := range staleQ {
		wanted[q.ID] = true
	}
	elsewhere, err := e.anchoredElsewhere(ctx, d.path, wanted)
	if err != nil {
		return err
	}

	for _, rec := range stale {
		if other, ok := elsewhere[rec.ID]; ok {
			r.logger.Info("card anchored in another document, keeping", "id", rec.ID, "document", other)
			continue
		}
		e.removeRecord(r, rec)
	}
	for _, q := range staleQ {
		if _, ok := elsewhere[q.ID]; ok {
			continue
		}
		e.dropQuarantine(r, q)
	}
	return nil
}

// anchoredElsewhere finds which of ids are anchored in documents other than
// skip.
func (e *Engine) anchoredElsewhere(ctx context.Context, skip string, ids map[string]bool) (map[string]string, error) {
	paths, err := e.vault.List(ctx)
	if err != nil {
		return nil, err
	}
	var mu gosync.Mutex
	found := make(map[string]string)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for _, p := range paths {
		if p == skip {
			continue
		}
		g.Go(func() error {
			text, err := e.vault.Read(gctx, p)
			if err != nil {
				// Documents can vanish while we look; they hold no anchors.
				return nil
			}
			if !strings.Contains(text, domain.AnchorPrefix) {
				return nil
			}
			for _, a := range parser.ParseText(p, text).Anchors {
				if ids[a.ID] {
					mu.Lock()
					if cur, ok := found[a.ID]; !ok || p < cur {
						found[a.ID] = p
					}
					mu.Unlock()
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return found, nil
}

// sweepCollection removes every parent record that no document claimed,
// except those of aborted documents, drops stale quarantine entries, prunes
// children whose parent is gone and trashes unowned occlusion assets.
func (e *Engine) sweepCollection(ctx context.Context, r *run, seen, aborted map[string]bool, anchored *ident.Set) {
	for _, rec := range e.store.Records() {
		if rec.ParentID == "" && !rec.Seen() && !aborted[rec.SourceNotePath] {
			e.removeRecord(r, rec)
		}
	}
	for _, q := range e.store.QuarantineEntries() {
		if !seen[q.ID] && !aborted[q.NotePath] {
			e.dropQuarantine(r, q)
		}
	}
	e.pruneChildren(r)
	e.cleanAssets(ctx, r, anchored)
}

// pruneChildren deletes children whose parent is neither a live record of the
// matching kind nor quarantined.
func (e *Engine) pruneChildren(r *run) {
	for _, rec := range e.store.Records() {
		if rec.ParentID == "" {
			continue
		}
		if parent, ok := e.store.Record(rec.ParentID); ok && parent.Kind() == rec.Kind().ParentKind() {
			continue
		}
		if _, ok := e.store.Quarantine(rec.ParentID); ok {
			continue
		}
		e.store.DeleteRecord(rec.ID)
		e.store.DeleteState(rec.ID)
		r.logger.Info("pruned orphan child", "id", rec.ID)
	}
}

// cleanAssets trashes every image named after a card that is neither
// anchored in a document nor a live record.
func (e *Engine) cleanAssets(ctx context.Context, r *run, anchored *ident.Set) {
	assets, err := e.vault.Assets(ctx)
	if err != nil {
		r.logger.Warn("failed to list assets", "error", err)
		return
	}
	for _, a := range assets {
		id, ok := AssetOwner(a)
		if !ok || anchored.Contains(id) {
			continue
		}
		if _, live := e.store.Record(id); live {
			continue
		}
		if err := e.vault.Trash(a); err != nil {
			r.logger.Warn("failed to trash asset", "path", a, "error", err)
			continue
		}
		r.sum.AssetsTrashed++
		r.logger.Info("trashed orphan asset", "path", a, "id", id)
	}
}

// removeRecord deletes a parent record with its children, states, occlusion
// geometry and, for occlusion cards, the image named after it.
func (e *Engine) removeRecord(r *run, rec domain.Record) {
	for _, c := range e.store.ChildrenOf(rec.ID) {
		e.store.DeleteRecord(c.ID)
		e.store.DeleteState(c.ID)
	}
	e.store.DeleteState(rec.ID)
	e.store.DeleteIO(rec.ID)
	e.store.DeleteRecord(rec.ID)
	r.sum.Removed++
	r.logger.Info("removed card", "id", rec.ID, "path", rec.SourceNotePath)

	if occ, ok := rec.Payload.(domain.Occlusion); ok {
		e.trashOwnedAsset(r, rec.ID, occ.ImageRef, rec.SourceNotePath)
	}
}

// dropQuarantine deletes a quarantine entry whose card is gone, with its
// state and any children it kept.
func (e *Engine) dropQuarantine(r *run, q domain.QuarantineEntry) {
	e.store.DeleteQuarantine(q.ID)
	e.store.DeleteState(q.ID)
	if _, live := e.store.Record(q.ID); !live {
		for _, c := range e.store.ChildrenOf(q.ID) {
			e.store.DeleteRecord(c.ID)
			e.store.DeleteState(c.ID)
		}
	}
	r.sum.Removed++
	r.logger.Info("dropped quarantine entry", "id", q.ID, "path", q.NotePath)
}

// trashOwnedAsset moves the image of an occlusion card to the trash when the
// file name carries the card's id. Shared images are never touched.
func (e *Engine) trashOwnedAsset(r *run, id, ref, from string) {
	resolved, err := e.vault.ResolveImage(ref, from)
	if err != nil {
		r.logger.Debug("occlusion image already gone", "id", id, "ref", ref)
		return
	}
	if owner, ok := AssetOwner(resolved); !ok || owner != id {
		return
	}
	if err := e.vault.Trash(resolved); err != nil {
		r.logger.Warn("failed to trash asset", "path", resolved, "error", err)
		return
	}
	r.sum.AssetsTrashed++
	r.logger.Info("trashed asset", "path", resolved, "id", id)
}
