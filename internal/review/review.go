// Package review grades cards and lists the ones that are due. It is the
// only path that overwrites an existing scheduling state.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/conorfennell/sprout/internal/domain"
	"github.com/conorfennell/sprout/internal/fsrs"
	"github.com/conorfennell/sprout/internal/gate"
	"github.com/conorfennell/sprout/internal/storage"
)

// ErrNoState is returned when grading an id that has no scheduling state,
// such as a container or an unknown card.
var ErrNoState = errors.New("review: card has no scheduling state")

// Card is a due card with its state.
type Card struct {
	Record domain.Record `json:"record"`
	State  fsrs.State    `json:"state"`
}

// Reviewer applies grades to the store.
type Reviewer struct {
	store  *storage.Store
	gate   *gate.Gate
	params *fsrs.Params
	logger *slog.Logger
	now    func() time.Time
}

// New returns a Reviewer. g must be the gate the sync engine uses so that a
// grade is never persisted halfway through a run; nil disables that.
func New(store *storage.Store, g *gate.Gate, logger *slog.Logger) *Reviewer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reviewer{
		store:  store,
		gate:   g,
		params: fsrs.DefaultParams(),
		logger: logger.With("component", "review"),
		now:    time.Now,
	}
}

// Grade reviews id with rating, stores the new state with a review log
// entry and persists.
func (r *Reviewer) Grade(ctx context.Context, id string, rating fsrs.Rating) (fsrs.State, error) {
	if !rating.Valid() {
		return fsrs.State{}, fmt.Errorf("%w: %d", fsrs.ErrInvalidRating, rating)
	}
	if r.gate != nil {
		release, err := r.gate.Collection(ctx)
		if err != nil {
			return fsrs.State{}, err
		}
		defer release()
	}

	st, ok := r.store.State(id)
	if !ok {
		return fsrs.State{}, fmt.Errorf("%s: %w", id, ErrNoState)
	}
	now := r.now().UTC()
	next := r.params.Review(st, rating, now)
	r.store.SetState(id, next)
	r.store.AppendReview(domain.ReviewLog{CardID: id, Timestamp: now, Grade: int(rating)})
	if err := r.store.Persist(ctx); err != nil {
		return fsrs.State{}, fmt.Errorf("failed to persist review of %s: %w", id, err)
	}
	r.logger.Info("card graded", "id", id, "rating", int(rating), "stage", next.Stage.String(), "due", next.Due)
	return next, nil
}

// Due returns the cards due now, earliest first. Suspended, buried and
// quarantined cards are left out. A limit of 0 returns all.
func (r *Reviewer) Due(limit int) []Card {
	now := r.now()
	var out []Card
	for id, st := range r.store.States() {
		if st.Suspended || st.Due.After(now) {
			continue
		}
		if st.BuriedUntil != nil && st.BuriedUntil.After(now) {
			continue
		}
		rec, ok := r.store.Record(id)
		if !ok {
			continue
		}
		if rec.ParentID != "" {
			if _, quarantined := r.store.Quarantine(rec.ParentID); quarantined {
				continue
			}
		}
		out = append(out, Card{Record: rec, State: st})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].State.Due.Equal(out[j].State.Due) {
			return out[i].State.Due.Before(out[j].State.Due)
		}
		return out[i].Record.ID < out[j].Record.ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
