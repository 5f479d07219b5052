// Package ident allocates the 9-digit identifiers carried by anchors.
package ident

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"

	"github.com/RoaringBitmap/roaring"

	"github.com/conorfennell/sprout/internal/domain"
)

const (
	// Offset is the smallest identifier value.
	Offset = 100_000_000
	// Span is the number of identifiers in the range [Offset, Offset+Span).
	Span = 900_000_000
	// MaxAttempts bounds the rejection loop of Allocate.
	MaxAttempts = 100_000
)

// ErrAllocationExhausted is returned when no free identifier was found
// within MaxAttempts draws.
var ErrAllocationExhausted = errors.New("ident: allocation exhausted")

// limit is the largest multiple of Span not exceeding 2^32; draws at or above
// it are rejected so the modulo below is unbiased.
const limit = (1 << 32) / Span * Span

// Set is a set of identifiers. Child ids contribute their parent component;
// anything that is not a 9-digit id is ignored.
type Set struct {
	bm *roaring.Bitmap
}

// NewSet returns a set holding ids.
func NewSet(ids ...string) *Set {
	s := &Set{bm: roaring.New()}
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

// Add inserts id and reports whether it was a well-formed identifier.
func (s *Set) Add(id string) bool {
	v, ok := parse(id)
	if !ok {
		return false
	}
	s.bm.Add(v)
	return true
}

// Contains reports whether id, or its parent component, is in the set.
func (s *Set) Contains(id string) bool {
	v, ok := parse(id)
	return ok && s.bm.Contains(v)
}

// Remove deletes id from the set.
func (s *Set) Remove(id string) {
	if v, ok := parse(id); ok {
		s.bm.Remove(v)
	}
}

// Len returns the number of identifiers in the set.
func (s *Set) Len() int {
	return int(s.bm.GetCardinality())
}

// Union adds every member of other to s.
func (s *Set) Union(other *Set) {
	if other != nil {
		s.bm.Or(other.bm)
	}
}

// Clone returns an independent copy of s.
func (s *Set) Clone() *Set {
	return &Set{bm: s.bm.Clone()}
}

func parse(id string) (uint32, bool) {
	id = domain.ParentOf(id)
	if !domain.IsParentID(id) {
		return 0, false
	}
	v, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}

// Allocate draws a fresh identifier not present in used and adds it to used.
func Allocate(used *Set) (string, error) {
	var buf [4]byte
	for i := 0; i < MaxAttempts; i++ {
		if _, err := rand.Read(buf[:]); err != nil {
			return "", fmt.Errorf("ident: read random: %w", err)
		}
		r := binary.BigEndian.Uint32(buf[:])
		if uint64(r) >= limit {
			continue
		}
		v := Offset + r%Span
		if used.bm.Contains(v) {
			continue
		}
		used.bm.Add(v)
		return strconv.FormatUint(uint64(v), 10), nil
	}
	return "", ErrAllocationExhausted
}
