package storage

import (
	"encoding/json"
	"fmt"

	"github.com/conorfennell/sprout/internal/domain"
	"github.com/conorfennell/sprout/internal/fsrs"
	"github.com/conorfennell/sprout/internal/vault"
)

// SnapshotVersion is written into every snapshot document.
const SnapshotVersion = 1

// Snapshot is the JSON export of the store. Recovery reads its states.
type Snapshot struct {
	Version    int                                 `json:"version"`
	Cards      map[string]domain.Record            `json:"cards"`
	States     map[string]fsrs.State               `json:"states"`
	Quarantine map[string]domain.QuarantineEntry   `json:"quarantine"`
	IO         map[string]domain.OcclusionGeometry `json:"io"`
}

func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{
		Version:    SnapshotVersion,
		Cards:      make(map[string]domain.Record, len(s.cards)),
		States:     make(map[string]fsrs.State, len(s.states)),
		Quarantine: make(map[string]domain.QuarantineEntry, len(s.quarantine)),
		IO:         make(map[string]domain.OcclusionGeometry, len(s.io)),
	}
	for id, r := range s.cards {
		snap.Cards[id] = r
	}
	for id, st := range s.states {
		snap.States[id] = st
	}
	for id, q := range s.quarantine {
		snap.Quarantine[id] = q
	}
	for id, g := range s.io {
		snap.IO[id] = g
	}
	return snap
}

func (s *Store) writeSnapshotLocked() error {
	if s.opts.SnapshotFS == nil || s.opts.SnapshotPath == "" {
		return nil
	}
	data, err := json.MarshalIndent(s.snapshotLocked(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return vault.WriteFileAtomic(s.opts.SnapshotFS, s.opts.SnapshotPath, data)
}
