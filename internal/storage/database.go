package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-git/go-billy/v5"

	"github.com/conorfennell/sprout/internal/domain"
	"github.com/conorfennell/sprout/internal/fsrs"
	"github.com/conorfennell/sprout/internal/ident"
	_ "modernc.org/sqlite" // Registers the sqlite driver
)

// Options configures a Store.
type Options struct {
	// SnapshotFS and SnapshotPath locate the JSON snapshot written after
	// every Persist. Leave SnapshotFS nil to disable snapshots.
	SnapshotFS   billy.Filesystem
	SnapshotPath string

	Logger *slog.Logger
}

// Store is the persisted record, state, quarantine and occlusion tables. All
// tables are held in memory; Persist writes the changed rows back in one
// transaction. A Store is safe for concurrent use.
type Store struct {
	conn   *sql.DB
	opts   Options
	logger *slog.Logger

	mu         sync.Mutex
	cards      map[string]domain.Record
	states     map[string]fsrs.State
	quarantine map[string]domain.QuarantineEntry
	io         map[string]domain.OcclusionGeometry
	reviews    []domain.ReviewLog
	reserved   *ident.Set

	dirtyCards      map[string]struct{}
	dirtyStates     map[string]struct{}
	dirtyQuarantine map[string]struct{}
	dirtyIO         map[string]struct{}
}

// Open creates a new database connection, ensures the schema is up to date
// and loads every table into memory.
func Open(ctx context.Context, dsn string, opts Options) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: the store serializes its writes anyway and an
	// in-memory DSN must not fan out into several databases.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	// Execute the schema to create tables if they don't exist.
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		conn:            db,
		opts:            opts,
		logger:          logger,
		cards:           make(map[string]domain.Record),
		states:          make(map[string]fsrs.State),
		quarantine:      make(map[string]domain.QuarantineEntry),
		io:              make(map[string]domain.OcclusionGeometry),
		reserved:        ident.NewSet(),
		dirtyCards:      make(map[string]struct{}),
		dirtyStates:     make(map[string]struct{}),
		dirtyQuarantine: make(map[string]struct{}),
		dirtyIO:         make(map[string]struct{}),
	}
	if err := s.load(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// load reads every table. Rows that fail to decode are skipped with a
// warning; legacy shapes are normalized by the domain decoders.
func (s *Store) load(ctx context.Context) error {
	err := s.eachRow(ctx, `SELECT id, data FROM cards`, func(id, data string) error {
		var r domain.Record
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return err
		}
		s.cards[id] = r
		return nil
	})
	if err != nil {
		return err
	}
	err = s.eachRow(ctx, `SELECT id, data FROM states`, func(id, data string) error {
		var st fsrs.State
		if err := json.Unmarshal([]byte(data), &st); err != nil {
			return err
		}
		s.states[id] = st
		return nil
	})
	if err != nil {
		return err
	}
	err = s.eachRow(ctx, `SELECT id, data FROM quarantine`, func(id, data string) error {
		var q domain.QuarantineEntry
		if err := json.Unmarshal([]byte(data), &q); err != nil {
			return err
		}
		s.quarantine[id] = q
		return nil
	})
	if err != nil {
		return err
	}
	err = s.eachRow(ctx, `SELECT parent_id, data FROM io`, func(id, data string) error {
		var g domain.OcclusionGeometry
		if err := json.Unmarshal([]byte(data), &g); err != nil {
			return err
		}
		s.io[id] = g
		return nil
	})
	if err != nil {
		return err
	}

	// Older stores kept occlusion geometry only in the io table.
	for id, r := range s.cards {
		p, ok := r.Payload.(domain.Occlusion)
		if !ok || len(p.Rects) > 0 {
			continue
		}
		if g, ok := s.io[id]; ok {
			p.Rects = g.Rects
			if p.ImageRef == "" {
				p.ImageRef = g.ImageRef
			}
			r.Payload = p
			s.cards[id] = r
		}
	}
	return nil
}

func (s *Store) eachRow(ctx context.Context, query string, fn func(id, data string) error) error {
	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to query %q: %w", query, err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return fmt.Errorf("failed to scan row: %w", err)
		}
		if err := fn(id, data); err != nil {
			s.logger.Warn("skipping undecodable row", "query", query, "id", id, "error", err)
		}
	}
	return rows.Err()
}

// Persist writes every changed row in one transaction, then refreshes the
// JSON snapshot. With nothing changed it writes nothing. A snapshot failure
// is logged, not returned: the database is the primary store.
func (s *Store) Persist(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirtyLocked() {
		return nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	for id := range s.dirtyCards {
		r, ok := s.cards[id]
		if !ok {
			if _, err := tx.ExecContext(ctx, `DELETE FROM cards WHERE id = ?`, id); err != nil {
				return fmt.Errorf("failed to delete card %s: %w", id, err)
			}
			continue
		}
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to encode card %s: %w", id, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO cards (id, type, parent_id, note_path, data) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET type = excluded.type, parent_id = excluded.parent_id,
				note_path = excluded.note_path, data = excluded.data
		`, id, string(r.Kind()), nullable(r.ParentID), nullable(r.SourceNotePath), string(data))
		if err != nil {
			return fmt.Errorf("failed to upsert card %s: %w", id, err)
		}
	}

	for id := range s.dirtyStates {
		st, ok := s.states[id]
		if !ok {
			if _, err := tx.ExecContext(ctx, `DELETE FROM states WHERE id = ?`, id); err != nil {
				return fmt.Errorf("failed to delete state %s: %w", id, err)
			}
			continue
		}
		data, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("failed to encode state %s: %w", id, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO states (id, data) VALUES (?, ?)
			ON CONFLICT(id) DO UPDATE SET data = excluded.data
		`, id, string(data))
		if err != nil {
			return fmt.Errorf("failed to upsert state %s: %w", id, err)
		}
	}

	for id := range s.dirtyQuarantine {
		q, ok := s.quarantine[id]
		if !ok {
			if _, err := tx.ExecContext(ctx, `DELETE FROM quarantine WHERE id = ?`, id); err != nil {
				return fmt.Errorf("failed to delete quarantine entry %s: %w", id, err)
			}
			continue
		}
		data, err := json.Marshal(q)
		if err != nil {
			return fmt.Errorf("failed to encode quarantine entry %s: %w", id, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO quarantine (id, note_path, line, reason, data) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET note_path = excluded.note_path, line = excluded.line,
				reason = excluded.reason, data = excluded.data
		`, id, q.NotePath, q.Line, q.Reason, string(data))
		if err != nil {
			return fmt.Errorf("failed to upsert quarantine entry %s: %w", id, err)
		}
	}

	for id := range s.dirtyIO {
		g, ok := s.io[id]
		if !ok {
			if _, err := tx.ExecContext(ctx, `DELETE FROM io WHERE parent_id = ?`, id); err != nil {
				return fmt.Errorf("failed to delete io entry %s: %w", id, err)
			}
			continue
		}
		data, err := json.Marshal(g)
		if err != nil {
			return fmt.Errorf("failed to encode io entry %s: %w", id, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO io (parent_id, data) VALUES (?, ?)
			ON CONFLICT(parent_id) DO UPDATE SET data = excluded.data
		`, id, string(data))
		if err != nil {
			return fmt.Errorf("failed to upsert io entry %s: %w", id, err)
		}
	}

	for _, rl := range s.reviews {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO review_log (card_id, grade, reviewed_at) VALUES (?, ?, ?)
		`, rl.CardID, rl.Grade, rl.Timestamp)
		if err != nil {
			return fmt.Errorf("failed to append review of %s: %w", rl.CardID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	clear(s.dirtyCards)
	clear(s.dirtyStates)
	clear(s.dirtyQuarantine)
	clear(s.dirtyIO)
	s.reviews = nil

	if err := s.writeSnapshotLocked(); err != nil {
		s.logger.Warn("failed to write snapshot", "path", s.opts.SnapshotPath, "error", err)
	}
	return nil
}

// ReviewLogs returns the persisted review log of one card, oldest first.
func (s *Store) ReviewLogs(ctx context.Context, cardID string) ([]domain.ReviewLog, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT card_id, grade, reviewed_at FROM review_log WHERE card_id = ? ORDER BY seq
	`, cardID)
	if err != nil {
		return nil, fmt.Errorf("failed to get review log for %s: %w", cardID, err)
	}
	defer rows.Close()

	var logs []domain.ReviewLog
	for rows.Next() {
		var rl domain.ReviewLog
		if err := rows.Scan(&rl.CardID, &rl.Grade, &rl.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan review row for %s: %w", cardID, err)
		}
		logs = append(logs, rl)
	}
	return logs, rows.Err()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
