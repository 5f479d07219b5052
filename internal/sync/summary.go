package sync

import (
	"sort"

	"github.com/dustin/go-humanize/english"
)

// Summary counts what a run changed.
type Summary struct {
	AnchorsInserted int
	AnchorsRemoved  int

	New         int
	Updated     int
	Unchanged   int
	Quarantined int
	Removed     int
	Restored    int

	RemovedGroups []string
	AssetsTrashed int

	// Aborted lists documents that changed while the run was working on
	// them. Nothing was written for them.
	Aborted []string
}

// Changed reports whether the run changed anything.
func (s Summary) Changed() bool {
	return s.AnchorsInserted+s.AnchorsRemoved+s.New+s.Updated+s.Quarantined+
		s.Removed+s.Restored+s.AssetsTrashed+len(s.RemovedGroups) > 0
}

// Add accumulates o into s.
func (s *Summary) Add(o Summary) {
	s.AnchorsInserted += o.AnchorsInserted
	s.AnchorsRemoved += o.AnchorsRemoved
	s.New += o.New
	s.Updated += o.Updated
	s.Unchanged += o.Unchanged
	s.Quarantined += o.Quarantined
	s.Removed += o.Removed
	s.Restored += o.Restored
	s.AssetsTrashed += o.AssetsTrashed
	s.RemovedGroups = mergeSorted(s.RemovedGroups, o.RemovedGroups)
	s.Aborted = mergeSorted(s.Aborted, o.Aborted)
}

// Notice renders the summary as one line for the user. Unchanged cards are
// not mentioned.
func (s Summary) Notice() string {
	type part struct {
		n                int
		singular, plural string
	}
	parts := []part{
		{s.AnchorsInserted, "anchor inserted", "anchors inserted"},
		{s.AnchorsRemoved, "anchor removed", "anchors removed"},
		{s.New, "new card", "new cards"},
		{s.Updated, "updated card", "updated cards"},
		{s.Quarantined, "quarantined card", "quarantined cards"},
		{s.Removed, "removed card", "removed cards"},
		{s.Restored, "restored state", "restored states"},
		{len(s.RemovedGroups), "removed group tag", "removed group tags"},
		{s.AssetsTrashed, "trashed asset", "trashed assets"},
		{len(s.Aborted), "aborted document", "aborted documents"},
	}
	var words []string
	for _, p := range parts {
		if p.n > 0 {
			words = append(words, english.Plural(p.n, p.singular, p.plural))
		}
	}
	if len(words) == 0 {
		return "Sprout: no changes"
	}
	return "Sprout: " + english.OxfordWordSeries(words, "and")
}

// attrs returns the summary as slog attributes.
func (s Summary) attrs() []any {
	return []any{
		"anchors_inserted", s.AnchorsInserted,
		"anchors_removed", s.AnchorsRemoved,
		"new", s.New,
		"updated", s.Updated,
		"unchanged", s.Unchanged,
		"quarantined", s.Quarantined,
		"removed", s.Removed,
		"restored", s.Restored,
		"removed_groups", len(s.RemovedGroups),
		"assets_trashed", s.AssetsTrashed,
		"aborted", len(s.Aborted),
	}
}

// removedGroups returns the groups of before that are missing from after.
func removedGroups(before, after []string) []string {
	present := make(map[string]bool, len(after))
	for _, g := range after {
		present[g] = true
	}
	var out []string
	for _, g := range before {
		if !present[g] {
			out = append(out, g)
		}
	}
	return out
}

func mergeSorted(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, v := range append(append([]string{}, a...), b...) {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}
