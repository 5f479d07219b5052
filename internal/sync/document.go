package sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/conorfennell/sprout/internal/anchor"
	"github.com/conorfennell/sprout/internal/children"
	"github.com/conorfennell/sprout/internal/domain"
	"github.com/conorfennell/sprout/internal/knol"
	"github.com/conorfennell/sprout/internal/parser"
)

// document is one document as seen by a run.
type document struct {
	path    string
	text    string
	doc     parser.Document
	plan    anchor.Plan
	missing bool
	aborted bool
}

// read loads and parses a document. A document that no longer exists reads
// as empty.
func (e *Engine) read(ctx context.Context, path string) (*document, error) {
	text, err := e.vault.Read(ctx, path)
	if errors.Is(err, fs.ErrNotExist) {
		return &document{path: path, missing: true, doc: parser.Document{Path: path}}, nil
	}
	if err != nil {
		return nil, err
	}
	return &document{path: path, text: text, doc: parser.ParseText(path, text)}, nil
}

// validCards counts the cards of doc that passed validation.
func validCards(doc parser.Document) int {
	n := 0
	for _, c := range doc.Cards {
		if c.Valid() {
			n++
		}
	}
	return n
}

// SyncDocument reconciles one document with the store. A document that
// changes while the run is working on it is left alone and listed in
// Summary.Aborted; that is not an error.
func (e *Engine) SyncDocument(ctx context.Context, path string) (Summary, error) {
	release, err := e.gate.Document(ctx, path)
	if err != nil {
		return Summary{}, err
	}
	defer release()

	r := e.newRun("document", "path", path)
	defer func() { e.store.Release(r.reserved...) }()
	groupsBefore := e.store.Groups()

	r.enter(StageParsing)
	d, err := e.read(ctx, path)
	if err != nil {
		return r.sum, err
	}

	r.enter(StageAnchorReconciliation, "cards", len(d.doc.Cards))
	taken, err := e.claimedElsewhere(ctx, r, d)
	if err != nil {
		return r.sum, err
	}
	exclude := e.store.UsedIDs()
	for _, a := range d.doc.Anchors {
		exclude.Add(a.ID)
	}
	d.plan, err = anchor.Reconcile(d.doc, e.allocator(r, exclude), func(id string) bool {
		return !taken[id]
	})
	if err != nil {
		return r.sum, err
	}

	r.enter(StageTextWriteback, "edits", len(d.plan.Edits))
	if err := e.writeBack(ctx, r, d); errors.Is(err, ErrRaceCondition) {
		return r.sum, nil
	} else if err != nil {
		return r.sum, err
	}

	r.enter(StageRecordUpsert)
	e.loadRestore(ctx, r, validCards(d.doc))
	e.store.ResetSeen(path)
	seen := make(map[string]bool)
	parents := e.upsertDocument(r, d, seen)

	r.enter(StageChildSynthesis, "parents", len(parents))
	e.synthesize(r, parents)

	r.enter(StageOrphanSweep)
	if err := e.sweepDocument(ctx, r, d, seen); err != nil {
		return r.sum, err
	}
	r.sum.RemovedGroups = removedGroups(groupsBefore, e.store.Groups())

	if err := e.finish(ctx, r); err != nil {
		return r.sum, err
	}
	r.logger.Info("document synced", r.sum.attrs()...)
	return r.sum, nil
}

// recordedPath returns the document the store last saw id in.
func (e *Engine) recordedPath(id string) string {
	if rec, ok := e.store.Record(id); ok {
		return rec.SourceNotePath
	}
	if q, ok := e.store.Quarantine(id); ok {
		return q.NotePath
	}
	return ""
}

// claimedElsewhere returns the anchored ids of d that the store places in
// another document which still carries the anchor. Such a card was copied
// into d and needs an id of its own.
func (e *Engine) claimedElsewhere(ctx context.Context, r *run, d *document) (map[string]bool, error) {
	byPath := make(map[string][]string)
	for _, c := range d.doc.Cards {
		if c.ID == "" {
			continue
		}
		if p := e.recordedPath(c.ID); p != "" && p != d.path {
			byPath[p] = append(byPath[p], c.ID)
		}
	}

	taken := make(map[string]bool)
	for p, ids := range byPath {
		if !e.vault.Exists(p) {
			continue
		}
		other, err := e.read(ctx, p)
		if err != nil {
			return nil, err
		}
		anchored := make(map[string]bool, len(other.doc.Anchors))
		for _, a := range other.doc.Anchors {
			anchored[a.ID] = true
		}
		for _, id := range ids {
			if anchored[id] {
				taken[id] = true
				r.logger.Info("anchor copied from another document", "id", id, "owner", p)
			}
		}
	}
	return taken, nil
}

// writeBack applies the anchor plan of d. The document is read again first;
// if it changed since d was read nothing is written and ErrRaceCondition is
// returned.
func (e *Engine) writeBack(ctx context.Context, r *run, d *document) error {
	if !d.plan.Changed() {
		return nil
	}
	current, err := e.vault.Read(ctx, d.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err != nil || current != d.text {
		d.aborted = true
		r.sum.Aborted = append(r.sum.Aborted, d.path)
		r.logger.Warn("document changed during sync, nothing written", "path", d.path)
		return fmt.Errorf("%s: %w", d.path, ErrRaceCondition)
	}

	text := anchor.ApplyText(d.text, d.plan.Edits)
	if err := e.vault.Write(ctx, d.path, text); err != nil {
		return fmt.Errorf("failed to write anchors to %s: %w", d.path, err)
	}
	r.sum.AnchorsInserted += d.plan.Inserted
	r.sum.AnchorsRemoved += d.plan.Removed
	r.logger.Info("anchors written", "path", d.path, "inserted", d.plan.Inserted, "removed", d.plan.Removed)

	d.text = text
	d.doc = parser.ParseText(d.path, text)
	return nil
}

// cardID returns the id card i of d ends up with.
func (d *document) cardID(i int) string {
	if id := d.doc.Cards[i].ID; id != "" {
		return id
	}
	if i < len(d.plan.IDs) {
		return d.plan.IDs[i]
	}
	return ""
}

// upsertDocument writes the records and quarantine entries of d's cards and
// returns the valid parent records. Every card id is added to seen.
func (e *Engine) upsertDocument(r *run, d *document, seen map[string]bool) []domain.Record {
	var parents []domain.Record
	for i, card := range d.doc.Cards {
		id := d.cardID(i)
		if id == "" {
			r.logger.Warn("card has no id, skipping", "path", d.path, "line", card.Line+1)
			continue
		}
		seen[id] = true
		if rec, ok := e.upsertCard(r, d.path, card, id); ok {
			parents = append(parents, rec)
		}
	}
	return parents
}

func (e *Engine) upsertCard(r *run, path string, card domain.ParsedCard, id string) (domain.Record, bool) {
	if !card.Valid() {
		e.quarantine(r, path, card, id, strings.Join(card.Errors, "; "))
		return domain.Record{}, false
	}
	occ, isOcclusion := card.Payload.(domain.Occlusion)
	if isOcclusion {
		if _, err := e.vault.ResolveImage(occ.ImageRef, path); err != nil {
			e.quarantine(r, path, card, id, fmt.Sprintf("image %q not found", occ.ImageRef))
			return domain.Record{}, false
		}
	}

	rec := domain.Record{
		ID:              id,
		Payload:         card.Payload,
		Title:           card.Title,
		Groups:          card.Groups,
		Info:            card.Info,
		SourceNotePath:  path,
		SourceStartLine: card.Line,
	}
	prev, had := e.store.Record(id)
	var prevPtr *domain.Record
	if had {
		prevPtr = &prev
		if prev.SourceNotePath != path {
			r.logger.Info("card moved", "id", id, "from", prev.SourceNotePath, "to", path)
		}
	}

	switch knol.Classify(prevPtr, rec) {
	case knol.New:
		rec.CreatedAt, rec.UpdatedAt, rec.LastSeenAt = r.now, r.now, r.now
		e.store.PutRecord(rec)
		r.sum.New++
	case knol.Updated:
		rec.CreatedAt, rec.UpdatedAt, rec.LastSeenAt = prev.CreatedAt, r.now, r.now
		e.store.PutRecord(rec)
		r.sum.Updated++
	default:
		r.sum.Unchanged++
		if prev.SourceNotePath != path || prev.SourceStartLine != card.Line {
			rec.CreatedAt, rec.UpdatedAt, rec.LastSeenAt = prev.CreatedAt, prev.UpdatedAt, r.now
			e.store.PutRecord(rec)
		} else {
			e.store.Touch(id, r.now)
			rec = prev
		}
	}

	if _, ok := e.store.Quarantine(id); ok {
		e.store.DeleteQuarantine(id)
		r.logger.Info("card left quarantine", "id", id, "path", path)
	}
	if isOcclusion {
		e.store.PutIO(id, domain.OcclusionGeometry{ImageRef: occ.ImageRef, Rects: occ.Rects})
	} else {
		e.store.DeleteIO(id)
	}
	return rec, true
}

// quarantine records a card that failed validation. Its live record goes;
// its children and its id stay.
func (e *Engine) quarantine(r *run, path string, card domain.ParsedCard, id, reason string) {
	entry := domain.QuarantineEntry{
		ID:            id,
		Kind:          card.Kind,
		NotePath:      path,
		Line:          card.Line,
		Reason:        reason,
		QuarantinedAt: r.now,
	}
	prev, had := e.store.Quarantine(id)
	if had {
		entry.QuarantinedAt = prev.QuarantinedAt
	}
	if !had || prev != entry {
		e.store.PutQuarantine(entry)
	}
	if !had || prev.Reason != reason {
		r.sum.Quarantined++
		r.logger.Warn("card quarantined", "id", id, "path", path, "line", card.Line+1, "reason", reason)
	}
	if _, ok := e.store.Record(id); ok {
		e.store.DeleteRecord(id)
		e.store.DeleteIO(id)
	}
	e.ensureState(r, id)
}

// synthesize brings the children of every parent up to date and makes sure
// every non-container parent has a state.
func (e *Engine) synthesize(r *run, parents []domain.Record) {
	var total children.Stats
	for _, p := range parents {
		total.Add(children.Synthesize(e.store, p, r.now, r.restorer))
		if !p.Kind().IsContainer() {
			// After synthesis, so a state carried back from a forward child wins.
			e.ensureState(r, p.ID)
			continue
		}
		// A container's own state only survives if it carries history.
		if st, ok := e.store.State(p.ID); ok && st.Reps == 0 {
			e.store.DeleteState(p.ID)
		}
	}
	r.sum.Restored += total.Restored
	if total != (children.Stats{}) {
		r.logger.Debug("children synthesized",
			"created", total.Created, "updated", total.Updated, "removed", total.Removed,
			"states", total.States, "migrated", total.Migrated)
	}
}
