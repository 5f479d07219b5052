// Package children derives the child records of cloze, image-occlusion and
// reversed parents and keeps them in step with their parent.
package children

import (
	"sort"
	"strconv"
	"time"

	"github.com/conorfennell/sprout/internal/domain"
	"github.com/conorfennell/sprout/internal/fsrs"
	"github.com/conorfennell/sprout/internal/knol"
	"github.com/conorfennell/sprout/internal/parser"
)

// Store is the part of the record store the synthesizer needs.
type Store interface {
	ChildrenOf(parent string) []domain.Record
	PutRecord(r domain.Record)
	DeleteRecord(id string)
	State(id string) (fsrs.State, bool)
	EnsureState(id string, st fsrs.State) bool
	MoveState(from, to string) bool
	DeleteState(id string)
}

// Restorer returns a recovered state for id, if one exists.
type Restorer func(id string) (fsrs.State, bool)

// Stats counts what Synthesize changed.
type Stats struct {
	Created  int
	Updated  int
	Removed  int
	States   int // states created or restored
	Restored int
	Migrated int // states moved between a parent and a child
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.Created += o.Created
	s.Updated += o.Updated
	s.Removed += o.Removed
	s.States += o.States
	s.Restored += o.Restored
	s.Migrated += o.Migrated
}

// Derive returns the children parent should have, in a fixed order. The
// result depends only on the parent's content and location.
func Derive(parent domain.Record) []domain.Record {
	base := domain.Record{
		ParentID:        parent.ID,
		Title:           parent.Title,
		Groups:          parent.Groups,
		Info:            parent.Info,
		SourceNotePath:  parent.SourceNotePath,
		SourceStartLine: parent.SourceStartLine,
	}
	var out []domain.Record
	switch p := parent.Payload.(type) {
	case domain.Cloze:
		for _, n := range parser.ClozeIndices(p.Text) {
			c := base
			c.ID = domain.ClozeChildID(parent.ID, n)
			if parent.Title != "" {
				c.Title = parent.Title + " #" + strconv.Itoa(n)
			}
			c.Payload = domain.ClozeChild{Index: n}
			out = append(out, c)
		}
	case domain.Occlusion:
		groups := make(map[string][]string)
		var keys []string
		for _, r := range p.Rects {
			key := domain.NormalizeGroup(r.GroupKey)
			if key == "" {
				key = domain.DefaultGroupKey
			}
			if _, ok := groups[key]; !ok {
				keys = append(keys, key)
			}
			groups[key] = append(groups[key], r.ID)
		}
		sort.Strings(keys)
		for _, key := range keys {
			c := base
			c.ID = domain.OcclusionChildID(parent.ID, key)
			c.Payload = domain.OcclusionChild{
				GroupKey: key,
				RectIDs:  groups[key],
				ImageRef: p.ImageRef,
				MaskMode: p.MaskMode,
			}
			out = append(out, c)
		}
	case domain.Reversed:
		for _, d := range []domain.Direction{domain.Backward, domain.Forward} {
			c := base
			c.ID = domain.ReversedChildID(parent.ID, d)
			c.Payload = domain.ReversedChild{Direction: d}
			out = append(out, c)
		}
	}
	return out
}

// Synthesize brings the stored children of parent in line with Derive. New
// children get a state, restored when restore has one; existing states are
// never replaced. Children that are no longer derived are deleted with their
// states. Moving between basic and reversed carries the parent's state
// across.
func Synthesize(st Store, parent domain.Record, now time.Time, restore Restorer) Stats {
	var stats Stats
	want := Derive(parent)
	fwd := domain.ReversedChildID(parent.ID, domain.Forward)
	switch parent.Kind() {
	case domain.KindBasic:
		if st.MoveState(fwd, parent.ID) {
			stats.Migrated++
		}
	case domain.KindReversed:
		if st.MoveState(parent.ID, fwd) {
			stats.Migrated++
		}
	case domain.KindCloze, domain.KindOcclusion:
		// A card turned into a container hands its history to the first child.
		if len(want) > 0 && st.MoveState(parent.ID, want[0].ID) {
			stats.Migrated++
		}
	}

	existing := make(map[string]domain.Record)
	for _, c := range st.ChildrenOf(parent.ID) {
		existing[c.ID] = c
	}

	for _, c := range want {
		prev, ok := existing[c.ID]
		delete(existing, c.ID)
		switch {
		case !ok:
			c.CreatedAt, c.UpdatedAt, c.LastSeenAt = now, now, now
			st.PutRecord(c)
			stats.Created++
		case knol.Classify(&prev, c) != knol.Unchanged || moved(prev, c):
			c.CreatedAt, c.UpdatedAt, c.LastSeenAt = prev.CreatedAt, now, now
			st.PutRecord(c)
			stats.Updated++
		}

		if _, ok := st.State(c.ID); ok {
			continue
		}
		state, restored := fsrs.State{}, false
		if restore != nil {
			state, restored = restore(c.ID)
		}
		if !restored {
			state = fsrs.NewState(now)
		}
		if st.EnsureState(c.ID, state) {
			stats.States++
			if restored {
				stats.Restored++
			}
		}
	}

	for id := range existing {
		st.DeleteRecord(id)
		st.DeleteState(id)
		stats.Removed++
	}
	return stats
}

// moved reports whether only the source location of a record changed.
func moved(prev, next domain.Record) bool {
	return prev.SourceNotePath != next.SourceNotePath || prev.SourceStartLine != next.SourceStartLine
}
