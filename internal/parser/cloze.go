package parser

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	clozeToken  = regexp.MustCompile(`\{\{c(\d+)::((?s).*?)\}\}`)
	wikiEmbed   = regexp.MustCompile(`!\[\[([^\]|#]+)(?:[#|][^\]]*)?\]\]`)
	markdownImg = regexp.MustCompile(`!\[[^\]]*\]\(<?([^)>\s]+)>?(?:\s+"[^"]*")?\)`)
)

// ClozeIndices returns the distinct deletion numbers of well-formed
// {{cN::content}} tokens in text, ascending. Tokens with N < 1 or empty
// content are ignored. A trailing ::hint is not part of the content.
func ClozeIndices(text string) []int {
	seen := make(map[int]bool)
	var out []int
	for _, m := range clozeToken.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 {
			continue
		}
		content := m[2]
		if i := strings.Index(content, "::"); i >= 0 {
			content = content[:i]
		}
		if strings.TrimSpace(content) == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

// ImageRef returns the first embedded image reference in text, either an
// ![[wiki embed]] or a markdown ![alt](path) image.
func ImageRef(text string) string {
	if m := wikiEmbed.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := markdownImg.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}
