package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conorfennell/sprout/internal/gate"
	"github.com/conorfennell/sprout/internal/review"
	"github.com/conorfennell/sprout/internal/storage"
	"github.com/conorfennell/sprout/internal/sync"
	"github.com/conorfennell/sprout/internal/vault"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	fs := memfs.New()
	require.NoError(t, util.WriteFile(fs, "deck.md", []byte("Q | 2+2 |\nA | 4 |\n\nQ | broken |\n"), 0o644))

	store, err := storage.Open(context.Background(), ":memory:", storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	g := gate.New()
	engine := sync.New(sync.Options{Vault: vault.New(fs), Store: store, Gate: g})
	return NewServer(store, review.New(store, g, nil), engine, nil)
}

func do(t *testing.T, s *Server, method, target string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if form != nil {
		req = httptest.NewRequest(method, target, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestSyncAndReview(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/review/next", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, s, http.MethodPost, "/sync", url.Values{})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var synced syncResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &synced))
	assert.Equal(t, 1, synced.New)
	assert.Equal(t, "Sprout: 2 anchors inserted, 1 new card, and 1 quarantined card", synced.Notice)

	rec = do(t, s, http.MethodGet, "/deck", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var deck deckResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &deck))
	assert.Equal(t, 1, deck.Due)

	rec = do(t, s, http.MethodGet, "/review/next", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var next struct {
		Record struct {
			ID string `json:"id"`
			Q  string `json:"q"`
		} `json:"record"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &next))
	assert.Equal(t, "2+2", next.Record.Q)

	rec = do(t, s, http.MethodPost, "/review/"+next.Record.ID, url.Values{"grade": {"good"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var state struct {
		Stage string `json:"stage"`
		Reps  int    `json:"reps"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Equal(t, "review", state.Stage)
	assert.Equal(t, 1, state.Reps)

	rec = do(t, s, http.MethodGet, "/review/next", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestQuarantine(t *testing.T) {
	s := newTestServer(t)
	do(t, s, http.MethodPost, "/sync", url.Values{"path": {"deck.md"}})

	rec := do(t, s, http.MethodGet, "/quarantine", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var items []struct {
		Reason      string `json:"reason"`
		NotePath    string `json:"notePath"`
		Line        int    `json:"line"`
		DisplayLine int    `json:"displayLine"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items))
	require.Len(t, items, 1)
	assert.Equal(t, "missing answer", items[0].Reason)
	assert.Equal(t, "deck.md", items[0].NotePath)
	assert.Equal(t, items[0].Line+1, items[0].DisplayLine)
}

type abortingSyncer struct{}

func (abortingSyncer) SyncDocument(_ context.Context, path string) (sync.Summary, error) {
	return sync.Summary{Aborted: []string{path}}, nil
}

func (abortingSyncer) SyncCollection(context.Context) (sync.Summary, error) {
	return sync.Summary{Aborted: []string{"a.md"}}, nil
}

func TestSyncAborted(t *testing.T) {
	store, err := storage.Open(context.Background(), ":memory:", storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	s := NewServer(store, review.New(store, gate.New(), nil), abortingSyncer{}, nil)

	rec := do(t, s, http.MethodPost, "/sync", url.Values{"path": {"deck.md"}})
	require.Equal(t, http.StatusConflict, rec.Code)
	var synced syncResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &synced))
	assert.Equal(t, []string{"deck.md"}, synced.Aborted)

	rec = do(t, s, http.MethodPost, "/sync", url.Values{})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReviewErrors(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		method string
		target string
		form   url.Values
		want   int
	}{
		{"unknown card", http.MethodPost, "/review/999999999", url.Values{"grade": {"good"}}, http.StatusNotFound},
		{"bad grade", http.MethodPost, "/review/100000000", url.Values{"grade": {"perfect"}}, http.StatusBadRequest},
		{"missing id", http.MethodPost, "/review/", url.Values{"grade": {"good"}}, http.StatusNotFound},
		{"wrong method", http.MethodGet, "/review/100000000", nil, http.StatusMethodNotAllowed},
		{"sync needs post", http.MethodGet, "/sync", nil, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, tt.method, tt.target, tt.form)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}
