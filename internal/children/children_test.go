package children

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conorfennell/sprout/internal/domain"
	"github.com/conorfennell/sprout/internal/fsrs"
	"github.com/conorfennell/sprout/internal/storage"
)

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(context.Background(), ":memory:", storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func ids(records []domain.Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.ID)
	}
	return out
}

func TestDerive(t *testing.T) {
	tests := []struct {
		name   string
		parent domain.Record
		want   []string
	}{
		{
			name: "cloze deletions ascending and distinct",
			parent: domain.Record{ID: "123456789", Payload: domain.Cloze{
				Text: "{{c2::b}} {{c1::a}} {{c2::again}} {{c0::zero}} {{c3::}}",
			}},
			want: []string{"123456789::c1", "123456789::c2"},
		},
		{
			name: "occlusion groups with default",
			parent: domain.Record{ID: "123456789", Payload: domain.Occlusion{
				ImageRef: "img.png",
				Rects: []domain.Rect{
					{ID: "r1", GroupKey: "b"},
					{ID: "r2"},
					{ID: "r3", GroupKey: " b "},
					{ID: "r4", GroupKey: "a"},
				},
			}},
			want: []string{"123456789::io::a", "123456789::io::b", "123456789::io::default"},
		},
		{
			name:   "reversed pair",
			parent: domain.Record{ID: "123456789", Payload: domain.Reversed{Question: "q", Answer: "a"}},
			want:   []string{"123456789::back", "123456789::fwd"},
		},
		{
			name:   "basic has no children",
			parent: domain.Record{ID: "123456789", Payload: domain.Basic{Question: "q", Answer: "a"}},
			want:   []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			first := Derive(tt.parent)
			assert.Equal(t, tt.want, ids(first))
			assert.Equal(t, first, Derive(tt.parent), "derivation is deterministic")
			for _, c := range first {
				assert.Equal(t, tt.parent.ID, c.ParentID)
				assert.True(t, c.Kind().IsChild())
				assert.Equal(t, tt.parent.Kind(), c.Kind().ParentKind())
			}
		})
	}
}

func TestDeriveDetails(t *testing.T) {
	cloze := Derive(domain.Record{ID: "123456789", Title: "Cell", Payload: domain.Cloze{Text: "{{c1::x::hint}}"}})
	require.Len(t, cloze, 1)
	assert.Equal(t, "Cell #1", cloze[0].Title)
	assert.Equal(t, domain.ClozeChild{Index: 1}, cloze[0].Payload)

	io := Derive(domain.Record{ID: "123456789", Payload: domain.Occlusion{
		ImageRef: "img.png",
		MaskMode: domain.MaskAll,
		Rects:    []domain.Rect{{ID: "r1"}, {ID: "r2"}},
	}})
	require.Len(t, io, 1)
	assert.Equal(t, domain.OcclusionChild{
		GroupKey: domain.DefaultGroupKey,
		RectIDs:  []string{"r1", "r2"},
		ImageRef: "img.png",
		MaskMode: domain.MaskAll,
	}, io[0].Payload)
}

func TestSynthesize(t *testing.T) {
	s := newStore(t)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	parent := domain.Record{ID: "123456789", Payload: domain.Cloze{Text: "{{c1::a}} {{c2::b}}"}}

	stats := Synthesize(s, parent, now, nil)
	assert.Equal(t, Stats{Created: 2, States: 2}, stats)
	assert.Equal(t, []string{"123456789::c1", "123456789::c2"}, ids(s.ChildrenOf(parent.ID)))

	// Unchanged parent: nothing to do.
	assert.Equal(t, Stats{}, Synthesize(s, parent, now.Add(time.Hour), nil))

	// Reviewed state survives re-synthesis.
	reviewed := fsrs.DefaultParams().Review(fsrs.NewState(now), fsrs.Good, now)
	s.SetState("123456789::c1", reviewed)

	parent.Payload = domain.Cloze{Text: "{{c1::a}} {{c3::c}}"}
	stats = Synthesize(s, parent, now, nil)
	assert.Equal(t, Stats{Created: 1, Removed: 1, States: 1}, stats)
	assert.Equal(t, []string{"123456789::c1", "123456789::c3"}, ids(s.ChildrenOf(parent.ID)))
	got, ok := s.State("123456789::c1")
	require.True(t, ok)
	assert.Equal(t, reviewed, got)
	_, ok = s.State("123456789::c2")
	assert.False(t, ok, "stale child state is deleted")
}

func TestSynthesizeRestores(t *testing.T) {
	s := newStore(t)
	now := time.Now().UTC()
	snapshot := fsrs.DefaultParams().Review(fsrs.NewState(now), fsrs.Easy, now)
	restore := func(id string) (fsrs.State, bool) {
		if id == "123456789::c1" {
			return snapshot, true
		}
		return fsrs.State{}, false
	}

	stats := Synthesize(s, domain.Record{ID: "123456789", Payload: domain.Cloze{Text: "{{c1::a}}{{c2::b}}"}}, now, restore)
	assert.Equal(t, 2, stats.States)
	assert.Equal(t, 1, stats.Restored)
	got, _ := s.State("123456789::c1")
	assert.Equal(t, snapshot, got)
}

func TestReversedMigration(t *testing.T) {
	s := newStore(t)
	now := time.Now().UTC()
	reviewed := fsrs.DefaultParams().Review(fsrs.NewState(now), fsrs.Good, now)

	// basic -> reversed: the parent's history moves to the forward child.
	s.EnsureState("123456789", reviewed)
	rev := domain.Record{ID: "123456789", Payload: domain.Reversed{Question: "q", Answer: "a"}}
	stats := Synthesize(s, rev, now, nil)
	assert.Equal(t, 1, stats.Migrated)
	got, ok := s.State("123456789::fwd")
	require.True(t, ok)
	assert.Equal(t, reviewed, got)
	_, ok = s.State("123456789")
	assert.False(t, ok)

	// reversed -> basic: the forward child's history returns to the parent.
	basic := domain.Record{ID: "123456789", Payload: domain.Basic{Question: "q", Answer: "a"}}
	stats = Synthesize(s, basic, now, nil)
	assert.Equal(t, 1, stats.Migrated)
	assert.Equal(t, 2, stats.Removed)
	got, ok = s.State("123456789")
	require.True(t, ok)
	assert.Equal(t, reviewed, got)
	assert.Empty(t, s.ChildrenOf("123456789"))
	assert.Equal(t, 1, s.StateCount())
}
