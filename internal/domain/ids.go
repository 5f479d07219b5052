package domain

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// AnchorPrefix starts every identity anchor line.
const AnchorPrefix = "^sprout-"

// ChildSeparator joins a parent id and a child discriminator.
const ChildSeparator = "::"

// DefaultGroupKey collects occlusion rectangles without a group.
const DefaultGroupKey = "default"

var (
	anchorLine = regexp.MustCompile(`^\^sprout-(\d{9})$`)
	parentID   = regexp.MustCompile(`^\d{9}$`)
)

// ParseAnchor returns the id of a standalone anchor line. The line must
// already be stripped of any list or quote prefix.
func ParseAnchor(line string) (string, bool) {
	m := anchorLine.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return "", false
	}
	return m[1], true
}

// FormatAnchor renders the anchor line body for id.
func FormatAnchor(id string) string {
	return AnchorPrefix + id
}

// IsParentID reports whether id has the 9-digit parent shape.
func IsParentID(id string) bool {
	return parentID.MatchString(id)
}

// ParentOf returns the parent component of id; parent ids return themselves.
func ParentOf(id string) string {
	if i := strings.Index(id, ChildSeparator); i >= 0 {
		return id[:i]
	}
	return id
}

// ClozeChildID is the deterministic id of deletion n of parent.
func ClozeChildID(parent string, n int) string {
	return parent + ChildSeparator + "c" + strconv.Itoa(n)
}

// OcclusionChildID is the deterministic id of an occlusion group of parent.
func OcclusionChildID(parent, groupKey string) string {
	return parent + ChildSeparator + "io" + ChildSeparator + groupKey
}

// ReversedChildID is the deterministic id of one direction of parent.
func ReversedChildID(parent string, d Direction) string {
	return parent + ChildSeparator + string(d)
}

// NormalizeGroup trims every path segment and drops empty ones, so the
// result has no leading, trailing or doubled slashes.
func NormalizeGroup(g string) string {
	parts := strings.Split(g, "/")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "/")
}

// NormalizeGroups normalizes, deduplicates and sorts groups.
func NormalizeGroups(groups []string) []string {
	seen := make(map[string]struct{}, len(groups))
	var out []string
	for _, g := range groups {
		g = NormalizeGroup(g)
		if g == "" {
			continue
		}
		if _, ok := seen[g]; ok {
			continue
		}
		seen[g] = struct{}{}
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}
