package parser

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/conorfennell/sprout/internal/domain"
)

// Delimiter separates a field key from its content and closes the content.
const Delimiter = '|'

var startKinds = map[string]domain.Kind{
	"Q":   domain.KindBasic,
	"RQ":  domain.KindReversed,
	"MCQ": domain.KindMCQ,
	"CQ":  domain.KindCloze,
	"IO":  domain.KindOcclusion,
	"OQ":  domain.KindOrdered,
}

const (
	keyAnswer = "A"
	keyOption = "O"
	keyMask   = "M"
	keyTitle  = "T"
	keyGroups = "G"
	keyInfo   = "I"
)

const maxSteps = 20

var (
	fieldLine  = regexp.MustCompile(`^([A-Z]{1,3}|\d{1,2})[ \t]*\|(.*)$`)
	linePrefix = regexp.MustCompile(`^(?:[ \t]*>)*[ \t]*(?:[-*+][ \t]+)?`)
)

// AnchorRef is an anchor line found outside fenced code.
type AnchorRef struct {
	ID   string
	Line int
}

// Document is the full result of scanning one document.
type Document struct {
	Path    string
	Lines   []string
	Cards   []domain.ParsedCard
	Anchors []AnchorRef
}

// SplitPrefix separates the indentation, blockquote and list-bullet prefix
// of a line from its body.
func SplitPrefix(line string) (prefix, body string) {
	n := len(linePrefix.FindString(line))
	return line[:n], line[n:]
}

// Parse reads from an io.Reader and extracts all cards.
func Parse(path string, r io.Reader) ([]domain.ParsedCard, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return scan(path, lines).Cards, nil
}

// ParseText splits text into lines and scans it.
func ParseText(path, text string) Document {
	return scan(path, SplitLines(text))
}

// SplitLines splits text on newlines. Carriage returns stay on their lines so
// that rejoining with "\n" reproduces text exactly.
func SplitLines(text string) []string {
	return strings.Split(text, "\n")
}

type openField struct {
	key   string
	line  int
	parts []string
}

type pendingAnchor struct {
	id   string
	line int
}

type state struct {
	doc    Document
	cur    *builder
	field  *openField
	fenced bool

	anchors   []pendingAnchor
	title     string
	titleLine int
}

func scan(path string, lines []string) Document {
	s := &state{doc: Document{Path: path, Lines: lines}, titleLine: -1}
	for i, raw := range lines {
		s.line(i, strings.TrimSuffix(raw, "\r"))
	}
	s.closeCard()
	return s.doc
}

func (s *state) line(i int, raw string) {
	_, body := SplitPrefix(raw)
	trimmed := strings.TrimSpace(body)

	if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
		s.closeCard()
		s.clearPending()
		s.fenced = !s.fenced
		return
	}
	if s.fenced {
		return
	}

	if id, ok := domain.ParseAnchor(trimmed); ok {
		s.doc.Anchors = append(s.doc.Anchors, AnchorRef{ID: id, Line: i})
		if s.cur != nil {
			s.cur.anchor(id, i)
			s.cur.card.EndLine = i
		} else {
			s.anchors = append(s.anchors, pendingAnchor{id: id, line: i})
		}
		return
	}

	if m := fieldLine.FindStringSubmatch(trimmed); m != nil && recognized(m[1]) {
		s.fieldOpen(i, m[1], m[2])
		return
	}

	if trimmed == "" {
		s.closeCard()
		s.clearPending()
		return
	}

	switch {
	case s.field != nil:
		s.cur.card.EndLine = i
		if idx := closingIndex(body); idx >= 0 {
			s.field.parts = append(s.field.parts, body[:idx])
			s.flushField()
		} else {
			s.field.parts = append(s.field.parts, body)
		}
	case s.cur != nil:
		s.closeCard()
	default:
		s.clearPending()
	}
}

func (s *state) fieldOpen(i int, key, rest string) {
	if kind, ok := startKinds[key]; ok {
		s.closeCard()
		b := newBuilder(s.doc.Path, kind, i)
		for _, a := range s.anchors {
			b.anchor(a.id, a.line)
		}
		if s.titleLine >= 0 {
			b.card.Title = s.title
			b.card.TitleLine = s.titleLine
		}
		s.clearPending()
		s.cur = b
	} else if s.cur == nil {
		if key == keyTitle {
			content := rest
			if idx := closingIndex(rest); idx >= 0 {
				content = rest[:idx]
			}
			s.title = clean(content)
			s.titleLine = i
		} else {
			s.clearPending()
		}
		return
	} else if s.field != nil {
		s.cur.errorf("field %s is not terminated", s.field.key)
		s.flushField()
	}

	s.cur.card.EndLine = i
	rest = strings.TrimLeft(rest, " \t")
	if idx := closingIndex(rest); idx >= 0 {
		s.cur.set(key, clean(rest[:idx]), i)
		return
	}
	s.field = &openField{key: key, line: i, parts: []string{rest}}
}

func (s *state) flushField() {
	f := s.field
	s.field = nil
	s.cur.set(f.key, clean(strings.Join(f.parts, "\n")), f.line)
}

func (s *state) closeCard() {
	if s.cur == nil {
		return
	}
	if s.field != nil {
		s.cur.errorf("field %s is not terminated", s.field.key)
		s.flushField()
	}
	s.doc.Cards = append(s.doc.Cards, s.cur.build())
	s.cur = nil
}

func (s *state) clearPending() {
	s.anchors = nil
	s.title = ""
	s.titleLine = -1
}

func recognized(key string) bool {
	if _, ok := startKinds[key]; ok {
		return true
	}
	switch key {
	case keyAnswer, keyOption, keyMask, keyTitle, keyGroups, keyInfo:
		return true
	}
	n, ok := stepNumber(key)
	return ok && n >= 1 && n <= maxSteps
}

// closingIndex returns the index of the first unescaped delimiter outside a
// [[wiki link]], or -1.
func closingIndex(s string) int {
	escaped := false
	depth := 0
	for i := 0; i < len(s); i++ {
		switch {
		case escaped:
			escaped = false
		case s[i] == '\\':
			escaped = true
		case strings.HasPrefix(s[i:], "[["):
			depth++
			i++
		case depth > 0 && strings.HasPrefix(s[i:], "]]"):
			depth--
			i++
		case s[i] == Delimiter && depth == 0:
			return i
		}
	}
	return -1
}

// clean trims surrounding whitespace and unescapes delimiters.
func clean(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, `\|`, "|"))
}

func stepNumber(key string) (int, bool) {
	var n int
	if _, err := fmt.Sscanf(key, "%d", &n); err != nil || fmt.Sprint(n) != key {
		return 0, false
	}
	return n, true
}
