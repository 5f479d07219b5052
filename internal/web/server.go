// Package web serves a small local JSON API over the store: the review
// queue, grading, quarantine and manual syncs.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/conorfennell/sprout/internal/domain"
	"github.com/conorfennell/sprout/internal/fsrs"
	"github.com/conorfennell/sprout/internal/review"
	"github.com/conorfennell/sprout/internal/storage"
	"github.com/conorfennell/sprout/internal/sync"
)

// Syncer runs document and collection syncs.
type Syncer interface {
	SyncDocument(ctx context.Context, path string) (sync.Summary, error)
	SyncCollection(ctx context.Context) (sync.Summary, error)
}

// Server holds the dependencies for the HTTP server.
type Server struct {
	store    *storage.Store
	reviewer *review.Reviewer
	syncer   Syncer
	router   *http.ServeMux
	logger   *slog.Logger
}

// NewServer creates and configures a new server.
func NewServer(store *storage.Store, reviewer *review.Reviewer, syncer Syncer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:    store,
		reviewer: reviewer,
		syncer:   syncer,
		router:   http.NewServeMux(),
		logger:   logger.With("component", "web"),
	}
	s.routes()
	return s
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.HandleFunc("/deck", s.handleGetDeck())
	s.router.HandleFunc("/review/next", s.handleGetNextReview())
	s.router.HandleFunc("/review/", s.handlePostReview())
	s.router.HandleFunc("/quarantine", s.handleGetQuarantine())
	s.router.HandleFunc("/sync", s.handlePostSync())
}

type deckResponse struct {
	Due   int `json:"due"`
	Cards int `json:"cards"`
}

// handleGetDeck reports how many cards are due.
func (s *Server) handleGetDeck() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.writeJSON(w, http.StatusOK, deckResponse{
			Due:   len(s.reviewer.Due(0)),
			Cards: s.store.StateCount(),
		})
	}
}

// handleGetNextReview returns the next due card, or 204 when nothing is due.
func (s *Server) handleGetNextReview() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		due := s.reviewer.Due(1)
		if len(due) == 0 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.writeJSON(w, http.StatusOK, due[0])
	}
}

// handlePostReview grades the card named in the path with the "grade" form
// value and returns its new state.
func (s *Server) handlePostReview() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/review/")
		if id == "" || strings.Contains(id, "/") {
			http.NotFound(w, r)
			return
		}
		rating, err := fsrs.ParseRating(r.PostFormValue("grade"))
		if err != nil {
			http.Error(w, "Invalid grade", http.StatusBadRequest)
			return
		}

		next, err := s.reviewer.Grade(r.Context(), id, rating)
		switch {
		case errors.Is(err, review.ErrNoState):
			http.NotFound(w, r)
			return
		case err != nil:
			s.logger.Error("failed to grade card", "id", id, "error", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, http.StatusOK, next)
	}
}

type quarantineItem struct {
	domain.QuarantineEntry
	// DisplayLine is 1-based for editors.
	DisplayLine int `json:"displayLine"`
}

// handleGetQuarantine lists the cards that failed validation.
func (s *Server) handleGetQuarantine() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		entries := s.store.QuarantineEntries()
		items := make([]quarantineItem, 0, len(entries))
		for _, q := range entries {
			items = append(items, quarantineItem{QuarantineEntry: q, DisplayLine: q.Line + 1})
		}
		s.writeJSON(w, http.StatusOK, items)
	}
}

type syncResponse struct {
	Notice  string   `json:"notice"`
	New     int      `json:"new"`
	Updated int      `json:"updated"`
	Removed int      `json:"removed"`
	Aborted []string `json:"aborted,omitempty"`
}

// handlePostSync runs a collection sync in the foreground. With a "path"
// form value only that document is synced.
func (s *Server) handlePostSync() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var (
			sum sync.Summary
			err error
		)
		path := r.PostFormValue("path")
		if path != "" {
			sum, err = s.syncer.SyncDocument(r.Context(), path)
		} else {
			sum, err = s.syncer.SyncCollection(r.Context())
		}
		if err != nil {
			s.logger.Error("sync failed", "error", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		status := http.StatusOK
		if path != "" && len(sum.Aborted) > 0 {
			status = http.StatusConflict
		}
		resp := syncResponse{
			Notice:  sum.Notice(),
			New:     sum.New,
			Updated: sum.Updated,
			Removed: sum.Removed,
			Aborted: sum.Aborted,
		}
		s.writeJSON(w, status, resp)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("failed to encode response", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
