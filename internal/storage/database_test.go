package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conorfennell/sprout/internal/domain"
	"github.com/conorfennell/sprout/internal/fsrs"
	"github.com/conorfennell/sprout/internal/ident"
)

func openTestStore(t *testing.T, dsn string, opts Options) *Store {
	t.Helper()
	s, err := Open(context.Background(), dsn, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPersistAndReload(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "sprout.db")
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	s := openTestStore(t, dsn, Options{})
	s.PutRecord(domain.Record{
		ID:             "123456789",
		Payload:        domain.Basic{Question: "q", Answer: "a"},
		Groups:         []string{"bio"},
		SourceNotePath: "a.md",
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	s.PutRecord(domain.Record{
		ID:             "223456789",
		Payload:        domain.Occlusion{ImageRef: "img.png", Rects: []domain.Rect{{ID: "r1", W: 1, H: 1, GroupKey: "default"}}},
		SourceNotePath: "b.md",
	})
	s.PutRecord(domain.Record{
		ID:       "223456789::io::default",
		ParentID: "223456789",
		Payload:  domain.OcclusionChild{GroupKey: "default", RectIDs: []string{"r1"}},
	})
	s.PutIO("223456789", domain.OcclusionGeometry{ImageRef: "img.png"})
	s.EnsureState("123456789", fsrs.NewState(now))
	s.PutQuarantine(domain.QuarantineEntry{ID: "323456789", NotePath: "a.md", Line: 4, Reason: "missing answer"})
	s.AppendReview(domain.ReviewLog{CardID: "123456789", Timestamp: now, Grade: 3})
	require.True(t, s.Dirty())
	require.NoError(t, s.Persist(ctx))
	assert.False(t, s.Dirty())

	s.DeleteRecord("223456789::io::default")
	require.NoError(t, s.Persist(ctx))
	require.NoError(t, s.Close())

	reopened := openTestStore(t, dsn, Options{})
	r, ok := reopened.Record("123456789")
	require.True(t, ok)
	assert.Equal(t, domain.Basic{Question: "q", Answer: "a"}, r.Payload)
	assert.Equal(t, []string{"bio"}, r.Groups)
	assert.True(t, now.Equal(r.CreatedAt))

	_, ok = reopened.Record("223456789::io::default")
	assert.False(t, ok)
	assert.Empty(t, reopened.ChildrenOf("223456789"))

	st, ok := reopened.State("123456789")
	require.True(t, ok)
	assert.Equal(t, fsrs.StageNew, st.Stage)

	q, ok := reopened.Quarantine("323456789")
	require.True(t, ok)
	assert.Equal(t, "missing answer", q.Reason)

	g, ok := reopened.IO("223456789")
	require.True(t, ok)
	assert.Equal(t, "img.png", g.ImageRef)

	logs, err := reopened.ReviewLogs(ctx, "123456789")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, 3, logs[0].Grade)
}

func TestLoadNormalizesLegacyRows(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "legacy.db")

	// Seed the tables the way an older build wrote them.
	s := openTestStore(t, dsn, Options{})
	require.NoError(t, s.Close())
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO cards (id, type, data) VALUES
		('123456789', 'multiple-choice', '{"id":"123456789","type":"multiple-choice","stem":"pick","a":"right","options":["wrong"]}'),
		('223456789', 'image-occlusion', '{"id":"223456789","type":"image-occlusion","imageRef":"x.png"}'),
		('999999999', 'bogus', '{"id":"999999999","type":"bogus"}')`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO states (id, data) VALUES ('123456789', '{"state":2,"dueDate":1700000000000}')`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO io (parent_id, data) VALUES ('223456789', '{"imageRef":"x.png","rects":[{"id":"r1","x":0,"y":0,"w":1,"h":1}]}')`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	reopened := openTestStore(t, dsn, Options{})

	r, ok := reopened.Record("123456789")
	require.True(t, ok)
	assert.Equal(t, domain.MCQ{Stem: "pick", Options: []domain.Option{
		{Text: "right", Correct: true},
		{Text: "wrong"},
	}}, r.Payload)

	io, ok := reopened.Record("223456789")
	require.True(t, ok)
	require.IsType(t, domain.Occlusion{}, io.Payload)
	assert.Len(t, io.Payload.(domain.Occlusion).Rects, 1)

	_, ok = reopened.Record("999999999")
	assert.False(t, ok, "undecodable rows are skipped")

	st, ok := reopened.State("123456789")
	require.True(t, ok)
	assert.Equal(t, fsrs.StageReview, st.Stage)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), st.Due)
}

func TestStateMutations(t *testing.T) {
	s := openTestStore(t, ":memory:", Options{})
	now := time.Now().UTC()

	first := fsrs.NewState(now)
	assert.True(t, s.EnsureState("123456789", first))
	reviewed := fsrs.DefaultParams().Review(first, fsrs.Good, now)
	assert.False(t, s.EnsureState("123456789", reviewed), "existing state is never overwritten")
	got, _ := s.State("123456789")
	assert.Equal(t, first, got)

	assert.True(t, s.MoveState("123456789", "123456789::fwd"))
	_, ok := s.State("123456789")
	assert.False(t, ok)
	assert.Equal(t, 1, s.StateCount())

	s.EnsureState("123456789", first)
	assert.False(t, s.MoveState("123456789", "123456789::fwd"), "target with a state is kept")

	s.SetState("123456789", reviewed)
	got, _ = s.State("123456789")
	assert.Equal(t, reviewed, got)

	s.DeleteState("123456789")
	assert.Equal(t, 1, s.StateCount())
}

func TestAllocateReserves(t *testing.T) {
	s := openTestStore(t, ":memory:", Options{})
	s.PutRecord(domain.Record{ID: "123456789", Payload: domain.Basic{}})
	s.PutQuarantine(domain.QuarantineEntry{ID: "223456789"})

	exclude := ident.NewSet("323456789")
	id, err := s.Allocate(exclude)
	require.NoError(t, err)
	assert.True(t, domain.IsParentID(id))
	assert.True(t, exclude.Contains(id))

	used := s.UsedIDs()
	for _, want := range []string{"123456789", "223456789", id} {
		assert.True(t, used.Contains(want), want)
	}
	assert.False(t, used.Contains("323456789"), "exclusions stay local to the caller")

	s.Release(id)
	assert.False(t, s.UsedIDs().Contains(id))
}

func TestPersistWritesSnapshot(t *testing.T) {
	ctx := context.Background()
	fs := memfs.New()
	s := openTestStore(t, ":memory:", Options{SnapshotFS: fs, SnapshotPath: "data/sprout.json"})

	require.NoError(t, s.Persist(ctx))
	_, err := fs.Stat("data/sprout.json")
	assert.Error(t, err, "an idle persist writes nothing")

	s.PutRecord(domain.Record{ID: "123456789", Payload: domain.Cloze{Text: "{{c1::x}}"}})
	s.EnsureState("123456789::c1", fsrs.NewState(time.Now()))
	require.NoError(t, s.Persist(ctx))

	data, err := util.ReadFile(fs, "data/sprout.json")
	require.NoError(t, err)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, SnapshotVersion, snap.Version)
	assert.Contains(t, snap.Cards, "123456789")
	assert.Contains(t, snap.States, "123456789::c1")
}

func TestSeenMarksStayInMemory(t *testing.T) {
	s := openTestStore(t, ":memory:", Options{})
	s.PutRecord(domain.Record{ID: "123456789", Payload: domain.Basic{}, SourceNotePath: "a.md", LastSeenAt: time.Now()})
	require.NoError(t, s.Persist(context.Background()))

	s.ResetSeen("a.md")
	r, _ := s.Record("123456789")
	assert.False(t, r.Seen())
	s.Touch("123456789", time.Now())
	r, _ = s.Record("123456789")
	assert.True(t, r.Seen())
	assert.False(t, s.Dirty())
}

func TestGroups(t *testing.T) {
	s := openTestStore(t, ":memory:", Options{})
	s.PutRecord(domain.Record{ID: "123456789", Payload: domain.Basic{}, Groups: []string{"b", "a/x"}})
	s.PutRecord(domain.Record{ID: "223456789", Payload: domain.Basic{}, Groups: []string{"b"}})
	assert.Equal(t, []string{"a/x", "b"}, s.Groups())
}
