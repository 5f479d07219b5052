package storage

import (
	"slices"
	"sort"
	"time"

	"github.com/conorfennell/sprout/internal/domain"
	"github.com/conorfennell/sprout/internal/fsrs"
	"github.com/conorfennell/sprout/internal/ident"
)

// Record returns the record with id.
func (s *Store) Record(id string) (domain.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.cards[id]
	return r, ok
}

// PutRecord inserts or replaces a record.
func (s *Store) PutRecord(r domain.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cards[r.ID] = r
	s.dirtyCards[r.ID] = struct{}{}
}

// DeleteRecord removes a record. It does not touch the record's state.
func (s *Store) DeleteRecord(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cards[id]; ok {
		delete(s.cards, id)
		s.dirtyCards[id] = struct{}{}
	}
}

// Records returns every record ordered by id.
func (s *Store) Records() []domain.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterLocked(func(domain.Record) bool { return true })
}

// RecordsByNote returns the records whose source is path, ordered by id.
func (s *Store) RecordsByNote(path string) []domain.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterLocked(func(r domain.Record) bool { return r.SourceNotePath == path })
}

// ChildrenOf returns the children of parent ordered by id.
func (s *Store) ChildrenOf(parent string) []domain.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterLocked(func(r domain.Record) bool { return r.ParentID == parent })
}

func (s *Store) filterLocked(keep func(domain.Record) bool) []domain.Record {
	var out []domain.Record
	for _, r := range s.cards {
		if keep(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ResetSeen clears LastSeenAt on every record of path. The change is kept in
// memory only: seen marks are bookkeeping for the current run.
func (s *Store) ResetSeen(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.cards {
		if r.SourceNotePath == path && r.ParentID == "" {
			r.LastSeenAt = time.Time{}
			s.cards[id] = r
		}
	}
}

// ResetAllSeen clears LastSeenAt on every parent record.
func (s *Store) ResetAllSeen() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.cards {
		if r.ParentID == "" {
			r.LastSeenAt = time.Time{}
			s.cards[id] = r
		}
	}
}

// Touch marks id as seen at t without scheduling a write.
func (s *Store) Touch(id string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.cards[id]; ok {
		r.LastSeenAt = t
		s.cards[id] = r
	}
}

// State returns the scheduling state of id.
func (s *Store) State(id string) (fsrs.State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	return st, ok
}

// EnsureState stores st for id unless a state already exists, and reports
// whether it did.
func (s *Store) EnsureState(id string, st fsrs.State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.states[id]; ok {
		return false
	}
	s.states[id] = st
	s.dirtyStates[id] = struct{}{}
	return true
}

// SetState overwrites the state of id. Only grading uses it.
func (s *Store) SetState(id string, st fsrs.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[id] = st
	s.dirtyStates[id] = struct{}{}
}

// MoveState moves the state of from onto to when to has none, and reports
// whether it moved.
func (s *Store) MoveState(from, to string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[from]
	if !ok {
		return false
	}
	if _, exists := s.states[to]; exists {
		return false
	}
	s.states[to] = st
	delete(s.states, from)
	s.dirtyStates[to] = struct{}{}
	s.dirtyStates[from] = struct{}{}
	return true
}

// DeleteState removes the state of id.
func (s *Store) DeleteState(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.states[id]; ok {
		delete(s.states, id)
		s.dirtyStates[id] = struct{}{}
	}
}

// StateCount returns the number of stored states.
func (s *Store) StateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}

// States returns a copy of the state table.
func (s *Store) States() map[string]fsrs.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]fsrs.State, len(s.states))
	for id, st := range s.states {
		out[id] = st
	}
	return out
}

// Quarantine returns the quarantine entry of id.
func (s *Store) Quarantine(id string) (domain.QuarantineEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quarantine[id]
	return q, ok
}

// PutQuarantine inserts or replaces a quarantine entry.
func (s *Store) PutQuarantine(q domain.QuarantineEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quarantine[q.ID] = q
	s.dirtyQuarantine[q.ID] = struct{}{}
}

// DeleteQuarantine removes the quarantine entry of id.
func (s *Store) DeleteQuarantine(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.quarantine[id]; ok {
		delete(s.quarantine, id)
		s.dirtyQuarantine[id] = struct{}{}
	}
}

// QuarantineByNote returns the quarantine entries of path ordered by id.
func (s *Store) QuarantineByNote(path string) []domain.QuarantineEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.QuarantineEntry
	for _, q := range s.quarantine {
		if q.NotePath == path {
			out = append(out, q)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// QuarantineEntries returns every quarantine entry ordered by note and line.
func (s *Store) QuarantineEntries() []domain.QuarantineEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.QuarantineEntry, 0, len(s.quarantine))
	for _, q := range s.quarantine {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NotePath != out[j].NotePath {
			return out[i].NotePath < out[j].NotePath
		}
		return out[i].Line < out[j].Line
	})
	return out
}

// IO returns the occlusion geometry stored for parent.
func (s *Store) IO(parent string) (domain.OcclusionGeometry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.io[parent]
	return g, ok
}

// PutIO stores occlusion geometry for parent. Equal geometry is not
// rewritten.
func (s *Store) PutIO(parent string, g domain.OcclusionGeometry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.io[parent]; ok && old.ImageRef == g.ImageRef && slices.Equal(old.Rects, g.Rects) {
		return
	}
	s.io[parent] = g
	s.dirtyIO[parent] = struct{}{}
}

// DeleteIO removes the occlusion geometry of parent.
func (s *Store) DeleteIO(parent string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.io[parent]; ok {
		delete(s.io, parent)
		s.dirtyIO[parent] = struct{}{}
	}
}

// AppendReview queues a review log entry for the next Persist.
func (s *Store) AppendReview(rl domain.ReviewLog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reviews = append(s.reviews, rl)
}

// Dirty reports whether Persist has anything to write.
func (s *Store) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirtyLocked()
}

func (s *Store) dirtyLocked() bool {
	return len(s.dirtyCards) > 0 || len(s.dirtyStates) > 0 ||
		len(s.dirtyQuarantine) > 0 || len(s.dirtyIO) > 0 || len(s.reviews) > 0
}

// UsedIDs returns the ids held by records, quarantine entries and in-flight
// reservations.
func (s *Store) UsedIDs() *ident.Set {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usedLocked()
}

func (s *Store) usedLocked() *ident.Set {
	used := s.reserved.Clone()
	for id := range s.cards {
		used.Add(id)
	}
	for id := range s.quarantine {
		used.Add(id)
	}
	return used
}

// Release drops reservations made by Allocate.
func (s *Store) Release(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.reserved.Remove(id)
	}
}

// Allocate draws an id that is used by nothing in the store, no in-flight
// reservation and nothing in exclude. The id is reserved and added to
// exclude.
func (s *Store) Allocate(exclude *ident.Set) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	used := s.usedLocked()
	used.Union(exclude)
	id, err := ident.Allocate(used)
	if err != nil {
		return "", err
	}
	s.reserved.Add(id)
	if exclude != nil {
		exclude.Add(id)
	}
	return id, nil
}

// Groups returns the distinct groups of every record, sorted.
func (s *Store) Groups() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []string
	for _, r := range s.cards {
		all = append(all, r.Groups...)
	}
	return domain.NormalizeGroups(all)
}
