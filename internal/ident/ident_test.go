package ident

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSet(t *testing.T) {
	s := NewSet("123456789", "234567891::c1", "not-an-id", "12345")
	assert.Equal(t, 2, s.Len())
	assert.True(t, s.Contains("234567891"))
	assert.True(t, s.Contains("123456789::io::default"))
	assert.False(t, s.Add("abc"))

	c := s.Clone()
	c.Remove("123456789")
	assert.True(t, s.Contains("123456789"))
	assert.False(t, c.Contains("123456789"))

	c.Union(NewSet("345678912"))
	c.Union(nil)
	assert.Equal(t, 2, c.Len())
}

func TestAllocate(t *testing.T) {
	used := NewSet()
	seen := make(map[string]bool)
	for i := 0; i < 10_000; i++ {
		id, err := Allocate(used)
		require.NoError(t, err)
		require.Len(t, id, 9)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true

		v, err := strconv.Atoi(id)
		require.NoError(t, err)
		require.GreaterOrEqual(t, v, Offset)
		require.Less(t, v, Offset+Span)
	}
	assert.Equal(t, 10_000, used.Len())
}

func TestAllocateExhausted(t *testing.T) {
	used := NewSet()
	used.bm.AddRange(Offset, Offset+Span)

	_, err := Allocate(used)
	assert.ErrorIs(t, err, ErrAllocationExhausted)
}
