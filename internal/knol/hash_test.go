package knol

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/conorfennell/sprout/internal/domain"
)

func basic(q, a string) domain.Record {
	return domain.Record{ID: "123456789", Payload: domain.Basic{Question: q, Answer: a}}
}

func TestNormalize(t *testing.T) {
	r := basic("What is HTMX?", "A library for AJAX.")
	r.Title = "  Web \r\n"
	r.Groups = []string{"web/", "/web", "frontend"}

	got := Normalize(r)
	assert.Contains(t, got, `"t":"Web"`)
	assert.Contains(t, got, `"g":["frontend","web"]`)
	assert.Contains(t, got, `"Question":"What is HTMX?"`)
}

func TestSignature(t *testing.T) {
	t.Run("is deterministic", func(t *testing.T) {
		assert.Equal(t, Signature(basic("Test", "x")), Signature(basic("Test", "x")))
	})

	t.Run("ignores location and timestamps", func(t *testing.T) {
		a := basic("Q", "A")
		b := basic("Q", "A")
		b.SourceNotePath = "elsewhere.md"
		b.SourceStartLine = 42
		assert.Equal(t, Signature(a), Signature(b))
	})

	t.Run("group order does not matter", func(t *testing.T) {
		a := basic("Q", "A")
		a.Groups = []string{"b", "a"}
		b := basic("Q", "A")
		b.Groups = []string{"a", "b", "a"}
		assert.Equal(t, Signature(a), Signature(b))
	})

	t.Run("case is significant", func(t *testing.T) {
		assert.NotEqual(t, Signature(basic("what is go?", "x")), Signature(basic("What is Go?", "x")))
	})

	t.Run("kind is significant", func(t *testing.T) {
		a := basic("Q", "A")
		b := domain.Record{ID: a.ID, Payload: domain.Reversed{Question: "Q", Answer: "A"}}
		assert.NotEqual(t, Signature(a), Signature(b))
	})
}

func TestClassify(t *testing.T) {
	prev := basic("Q", "A")
	assert.Equal(t, New, Classify(nil, prev))
	assert.Equal(t, Unchanged, Classify(&prev, basic("Q", "A")))
	assert.Equal(t, Updated, Classify(&prev, basic("Q", "B")))
}
