// Package anchor plans and applies the identity anchor lines of a document.
package anchor

import (
	"sort"
	"strings"

	"github.com/conorfennell/sprout/internal/domain"
	"github.com/conorfennell/sprout/internal/parser"
)

// Edit inserts Text before Line, or deletes Line when Insert is false. Line
// indexes refer to the document as it was parsed.
type Edit struct {
	Line   int
	Insert bool
	Text   string
}

// Plan is the outcome of reconciling a document's anchors.
type Plan struct {
	// IDs holds the final id of each parsed card, by card index.
	IDs []string
	// Fresh marks the cards whose id was allocated by this plan.
	Fresh []bool
	Edits []Edit

	Inserted int
	Removed  int
}

// Changed reports whether the plan edits the document.
func (p Plan) Changed() bool {
	return len(p.Edits) > 0
}

// Allocator returns an unused id.
type Allocator func() (string, error)

// Reconcile decides the id of every card in doc. A card keeps its anchor
// unless an earlier card of doc already claimed the id or keep rejects it; a
// nil keep accepts every id. Cards without a usable anchor get one from
// alloc. Anchor lines no card keeps are deleted.
func Reconcile(doc parser.Document, alloc Allocator, keep func(id string) bool) (Plan, error) {
	plan := Plan{
		IDs:   make([]string, len(doc.Cards)),
		Fresh: make([]bool, len(doc.Cards)),
	}
	anchorAt := make(map[int]string, len(doc.Anchors))
	for _, a := range doc.Anchors {
		anchorAt[a.Line] = a.ID
	}

	claimed := make(map[string]bool)
	kept := make(map[int]bool)
	for i, card := range doc.Cards {
		id := card.ID
		if id != "" && !claimed[id] && (keep == nil || keep(id)) {
			claimed[id] = true
			plan.IDs[i] = id
			// Only the first line carrying the kept id survives.
			for _, line := range card.AnchorLines {
				if anchorAt[line] == id {
					kept[line] = true
					break
				}
			}
			continue
		}

		fresh, err := alloc()
		if err != nil {
			return Plan{}, err
		}
		claimed[fresh] = true
		plan.IDs[i] = fresh
		plan.Fresh[i] = true

		at := card.Line
		if card.TitleLine >= 0 && card.TitleLine < card.Line {
			at = card.TitleLine
		}
		// A card that directly follows another would hand a leading anchor
		// to the previous card, so it gets a trailing one instead.
		if i > 0 && doc.Cards[i-1].EndLine >= at-1 {
			at = card.EndLine + 1
		}
		plan.Edits = append(plan.Edits, Insertion(doc.Lines, at, card.Line, fresh))
		plan.Inserted++
	}

	for _, a := range doc.Anchors {
		if !kept[a.Line] {
			plan.Edits = append(plan.Edits, Edit{Line: a.Line})
			plan.Removed++
		}
	}
	return plan, nil
}

// Insertion returns the edit placing an anchor for id before line at. The
// anchor copies the prefix and line ending of line ref.
func Insertion(lines []string, at, ref int, id string) Edit {
	var refLine string
	if ref >= 0 && ref < len(lines) {
		refLine = lines[ref]
	}
	prefix, _ := parser.SplitPrefix(strings.TrimSuffix(refLine, "\r"))
	text := prefix + domain.FormatAnchor(id)
	if strings.HasSuffix(refLine, "\r") {
		text += "\r"
	}
	return Edit{Line: at, Insert: true, Text: text}
}

// Apply performs edits on a copy of lines, from the highest line down. At
// the same line deletions go first, so an insertion lands before the line
// that followed the deleted one.
func Apply(lines []string, edits []Edit) []string {
	ordered := make([]Edit, len(edits))
	copy(ordered, edits)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Line != ordered[j].Line {
			return ordered[i].Line > ordered[j].Line
		}
		return !ordered[i].Insert && ordered[j].Insert
	})

	out := make([]string, len(lines))
	copy(out, lines)
	for _, e := range ordered {
		switch {
		case e.Insert:
			if e.Line > len(out) {
				e.Line = len(out)
			}
			out = append(out, "")
			copy(out[e.Line+1:], out[e.Line:])
			out[e.Line] = e.Text
		case e.Line < len(out):
			out = append(out[:e.Line], out[e.Line+1:]...)
		}
	}
	return out
}

// ApplyText applies edits to text and returns the new text.
func ApplyText(text string, edits []Edit) string {
	if len(edits) == 0 {
		return text
	}
	return strings.Join(Apply(parser.SplitLines(text), edits), "\n")
}
