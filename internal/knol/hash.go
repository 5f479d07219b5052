package knol

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/conorfennell/sprout/internal/domain"
)

// Change classifies a record against its previous version.
type Change int

const (
	Unchanged Change = iota
	New
	Updated
)

func (c Change) String() string {
	switch c {
	case New:
		return "new"
	case Updated:
		return "updated"
	default:
		return "unchanged"
	}
}

// projection is the canonical content of a record. Identity, location and
// timestamps are deliberately absent so that moving a card does not count as
// an edit.
type projection struct {
	Kind     domain.Kind    `json:"k"`
	Payload  domain.Payload `json:"p"`
	ParentID string         `json:"pid,omitempty"`
	Title    string         `json:"t"`
	Info     string         `json:"i"`
	Groups   []string       `json:"g"`
}

// Normalize renders the canonical projection of a record. Line endings are
// normalized and text fields trimmed; case is preserved, a capitalization
// fix is an edit.
func Normalize(r domain.Record) string {
	p := projection{
		Kind:     r.Kind(),
		Payload:  r.Payload,
		ParentID: r.ParentID,
		Title:    normalizePart(r.Title),
		Info:     normalizePart(r.Info),
		Groups:   domain.NormalizeGroups(r.Groups),
	}
	b, err := json.Marshal(p)
	if err != nil {
		// Payload structs hold only strings, numbers and slices of them.
		panic(fmt.Sprintf("knol: marshal projection: %v", err))
	}
	return strings.ReplaceAll(string(b), `\r\n`, `\n`)
}

func normalizePart(part string) string {
	return strings.TrimSpace(strings.ReplaceAll(part, "\r\n", "\n"))
}

// Signature returns the SHA-256 hex digest of the record's projection.
func Signature(r domain.Record) string {
	sum := sha256.Sum256([]byte(Normalize(r)))
	return fmt.Sprintf("%x", sum)
}

// Classify compares next with the previous record of the same id. A nil prev
// means the record is new.
func Classify(prev *domain.Record, next domain.Record) Change {
	if prev == nil {
		return New
	}
	if Signature(*prev) != Signature(next) {
		return Updated
	}
	return Unchanged
}
