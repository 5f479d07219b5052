package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnchors(t *testing.T) {
	id, ok := ParseAnchor("  ^sprout-123456789 ")
	require.True(t, ok)
	assert.Equal(t, "123456789", id)
	assert.Equal(t, "^sprout-123456789", FormatAnchor(id))

	for _, line := range []string{"^sprout-12345678", "^sprout-1234567890", "text ^sprout-123456789", "^knol-123456789"} {
		_, ok := ParseAnchor(line)
		assert.False(t, ok, line)
	}
}

func TestIDs(t *testing.T) {
	assert.Equal(t, "123456789::c2", ClozeChildID("123456789", 2))
	assert.Equal(t, "123456789::io::a/b", OcclusionChildID("123456789", "a/b"))
	assert.Equal(t, "123456789::back", ReversedChildID("123456789", Backward))

	assert.Equal(t, "123456789", ParentOf("123456789::io::default"))
	assert.Equal(t, "123456789", ParentOf("123456789"))
	assert.True(t, IsParentID("123456789"))
	assert.False(t, IsParentID("123456789::c1"))
}

func TestNormalizeGroups(t *testing.T) {
	assert.Equal(t, "a/b/c", NormalizeGroup(" /a// b /c/ "))
	assert.Empty(t, NormalizeGroup(" / "))
	assert.Equal(t, []string{"Bio", "bio/cell"}, NormalizeGroups([]string{"bio/cell", " Bio ", "bio / cell", "", "/"}))
	assert.Nil(t, NormalizeGroups(nil))
}

func TestKinds(t *testing.T) {
	assert.True(t, KindClozeChild.IsChild())
	assert.False(t, KindCloze.IsChild())
	assert.True(t, KindReversed.IsContainer())
	assert.False(t, KindBasic.IsContainer())
	assert.Equal(t, KindOcclusion, KindOcclusionChild.ParentKind())
	assert.Empty(t, KindMCQ.ParentKind())

	k, err := ParseKind("image-occlusion")
	require.NoError(t, err)
	assert.Equal(t, KindOcclusion, k)
	_, err = ParseKind("flash")
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestRecordJSON(t *testing.T) {
	created := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	r := Record{
		ID:              "123456789",
		Payload:         MCQ{Stem: "Pick", Options: []Option{{Text: "a", Correct: true}, {Text: "b"}}},
		Groups:          []string{"x"},
		SourceNotePath:  "n.md",
		SourceStartLine: 4,
		CreatedAt:       created,
		UpdatedAt:       created,
	}
	data, err := json.Marshal(r)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"mcq"`)
	assert.Contains(t, string(data), `"options":[{"text":"a","isCorrect":true},{"text":"b","isCorrect":false}]`)
	assert.Contains(t, string(data), `"lastSeenAt":null`)

	var back Record
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, r, back)
	assert.False(t, back.Seen())
}

func TestRecordJSONLegacy(t *testing.T) {
	t.Run("multiple choice with answer string", func(t *testing.T) {
		var r Record
		require.NoError(t, json.Unmarshal([]byte(`{
			"id": "123456789", "type": "multiple-choice", "q": "Pick",
			"answer": "right", "options": ["wrong", "also wrong"],
			"createdAt": 1709285400000
		}`), &r))
		assert.Equal(t, MCQ{Stem: "Pick", Options: []Option{
			{Text: "right", Correct: true}, {Text: "wrong"}, {Text: "also wrong"},
		}}, r.Payload)
		assert.Equal(t, time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC), r.CreatedAt)
	})

	t.Run("cloze text alias", func(t *testing.T) {
		var r Record
		require.NoError(t, json.Unmarshal([]byte(`{"id":"123456789","type":"cloze","text":"{{c1::x}}"}`), &r))
		assert.Equal(t, Cloze{Text: "{{c1::x}}"}, r.Payload)
	})

	t.Run("child without parent id", func(t *testing.T) {
		var r Record
		require.NoError(t, json.Unmarshal([]byte(`{"id":"123456789::back","type":"reversed-child","reversedDirection":"backward"}`), &r))
		assert.Equal(t, "123456789", r.ParentID)
		assert.Equal(t, ReversedChild{Direction: Backward}, r.Payload)
	})

	t.Run("unknown type", func(t *testing.T) {
		var r Record
		err := json.Unmarshal([]byte(`{"id":"123456789","type":"flash"}`), &r)
		assert.ErrorIs(t, err, ErrUnknownKind)
	})
}
