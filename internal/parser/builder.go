package parser

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/conorfennell/sprout/internal/domain"
)

type value struct {
	text string
	line int
}

type builder struct {
	card    domain.ParsedCard
	primary string
	fields  map[string][]value
	groups  []string
}

func newBuilder(path string, kind domain.Kind, line int) *builder {
	return &builder{
		card: domain.ParsedCard{
			Kind:      kind,
			Path:      path,
			Line:      line,
			TitleLine: -1,
			EndLine:   line,
		},
		fields: make(map[string][]value),
	}
}

func (b *builder) errorf(format string, args ...any) {
	b.card.Errors = append(b.card.Errors, fmt.Sprintf(format, args...))
}

func (b *builder) anchor(id string, line int) {
	b.card.AnchorLines = append(b.card.AnchorLines, line)
	switch {
	case b.card.ID == "":
		b.card.ID = id
	case b.card.ID != id:
		b.errorf("conflicting anchors %s and %s", b.card.ID, id)
	}
}

func (b *builder) set(key, text string, line int) {
	if _, ok := startKinds[key]; ok {
		b.primary = text
		return
	}
	switch key {
	case keyTitle:
		if b.card.TitleLine >= 0 && b.card.TitleLine != line {
			b.errorf("duplicate title field")
			return
		}
		b.card.Title = text
		b.card.TitleLine = line
	case keyGroups:
		b.groups = append(b.groups, strings.Split(text, ",")...)
	case keyInfo:
		if len(b.fields[keyInfo]) > 0 {
			b.errorf("duplicate info field")
			return
		}
		b.card.Info = text
		b.fields[keyInfo] = append(b.fields[keyInfo], value{text, line})
	default:
		b.fields[key] = append(b.fields[key], value{text, line})
	}
}

// allowed lists the kind-specific field keys; title, groups and info are
// valid everywhere.
var allowed = map[domain.Kind][]string{
	domain.KindBasic:     {keyAnswer},
	domain.KindReversed:  {keyAnswer},
	domain.KindMCQ:       {keyAnswer, keyOption},
	domain.KindCloze:     {},
	domain.KindOcclusion: {keyOption, keyMask},
	domain.KindOrdered:   {},
}

func (b *builder) build() domain.ParsedCard {
	kind := b.card.Kind
	keys := make([]string, 0, len(b.fields))
	for key := range b.fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if key == keyInfo {
			continue
		}
		if _, isStep := stepNumber(key); isStep && kind == domain.KindOrdered {
			continue
		}
		if !contains(allowed[kind], key) {
			b.errorf("field %s is not valid on %s cards", key, kind)
		}
	}
	b.card.Groups = domain.NormalizeGroups(b.groups)

	switch kind {
	case domain.KindBasic, domain.KindReversed:
		q, a := b.primary, b.single(keyAnswer)
		if q == "" {
			b.errorf("missing question")
		}
		if a == "" {
			b.errorf("missing answer")
		}
		if kind == domain.KindBasic {
			b.card.Payload = domain.Basic{Question: q, Answer: a}
		} else {
			b.card.Payload = domain.Reversed{Question: q, Answer: a}
		}
	case domain.KindMCQ:
		b.card.Payload = b.buildMCQ()
	case domain.KindCloze:
		if len(ClozeIndices(b.primary)) == 0 {
			b.errorf("cloze needs at least one {{cN::text}} deletion with N > 0")
		}
		b.card.Payload = domain.Cloze{Text: b.primary}
	case domain.KindOcclusion:
		b.card.Payload = b.buildOcclusion()
	case domain.KindOrdered:
		b.card.Payload = b.buildOrdered()
	}
	return b.card
}

func (b *builder) single(key string) string {
	vals := b.fields[key]
	if len(vals) == 0 {
		return ""
	}
	if len(vals) > 1 {
		b.errorf("duplicate field %s", key)
	}
	return vals[0].text
}

func (b *builder) buildMCQ() domain.MCQ {
	if b.primary == "" {
		b.errorf("missing question stem")
	}
	var opts []domain.Option
	var correct, wrong int
	for _, v := range b.fields[keyAnswer] {
		if v.text != "" {
			opts = append(opts, domain.Option{Text: v.text, Correct: true})
			correct++
		}
	}
	for _, v := range b.fields[keyOption] {
		if v.text != "" {
			opts = append(opts, domain.Option{Text: v.text})
			wrong++
		}
	}
	if correct == 0 {
		b.errorf("multiple choice needs at least one correct option")
	}
	if wrong == 0 {
		b.errorf("multiple choice needs at least one incorrect option")
	}
	return domain.MCQ{Stem: b.primary, Options: opts}
}

func (b *builder) buildOcclusion() domain.Occlusion {
	p := domain.Occlusion{ImageRef: ImageRef(b.primary)}
	if p.ImageRef == "" {
		b.errorf("image occlusion needs an embedded image")
	}
	if raw := b.single(keyOption); raw != "" {
		rects, err := ParseRects(raw)
		if err != nil {
			b.errorf("occlusions: %v", err)
		}
		p.Rects = rects
	}
	mode := domain.MaskMode(strings.ToLower(b.single(keyMask)))
	if !mode.Valid() {
		b.errorf("mask mode must be %q or %q", domain.MaskSolo, domain.MaskAll)
		mode = ""
	}
	p.MaskMode = mode
	return p
}

func (b *builder) buildOrdered() domain.Ordered {
	type step struct {
		n    int
		text string
	}
	var steps []step
	for key, vals := range b.fields {
		n, ok := stepNumber(key)
		if !ok {
			continue
		}
		if len(vals) > 1 {
			b.errorf("duplicate step %d", n)
		}
		if vals[0].text == "" {
			b.errorf("step %d is empty", n)
		}
		steps = append(steps, step{n, vals[0].text})
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].n < steps[j].n })
	if len(steps) < 2 || len(steps) > maxSteps {
		b.errorf("ordered question needs 2 to %d steps, got %d", maxSteps, len(steps))
	}
	if b.primary == "" {
		b.errorf("missing question stem")
	}
	out := domain.Ordered{Stem: b.primary}
	for _, s := range steps {
		out.Steps = append(out.Steps, s.text)
	}
	return out
}

// ParseRects decodes the occlusion geometry field. Missing rectangle ids are
// numbered by position and group keys are normalized.
func ParseRects(raw string) ([]domain.Rect, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "[") {
		return nil, fmt.Errorf("expected a JSON array")
	}
	var rects []domain.Rect
	if err := json.Unmarshal([]byte(raw), &rects); err != nil {
		return nil, fmt.Errorf("invalid JSON array: %w", err)
	}
	for i := range rects {
		if rects[i].ID == "" {
			rects[i].ID = fmt.Sprintf("r%d", i+1)
		}
		rects[i].GroupKey = domain.NormalizeGroup(rects[i].GroupKey)
	}
	return rects, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
