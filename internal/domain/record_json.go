package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrUnknownKind is returned when a stored record carries an unrecognized type.
var ErrUnknownKind = errors.New("domain: unknown card type")

var kindAliases = map[string]Kind{
	"image-occlusion":  KindOcclusion,
	"ordered-question": KindOrdered,
	"multiple-choice":  KindMCQ,
	"io-group":         KindOcclusionChild,
}

// ParseKind maps a stored type string, including legacy spellings, to a Kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindBasic, KindReversed, KindMCQ, KindCloze, KindOcclusion, KindOrdered,
		KindClozeChild, KindOcclusionChild, KindReversedChild:
		return k, nil
	}
	if k, ok := kindAliases[s]; ok {
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// recordJSON is the on-disk record shape. New output always uses the
// canonical fields; the legacy ones are read only.
type recordJSON struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	ParentID string   `json:"parentId,omitempty"`
	Title    string   `json:"title,omitempty"`
	Groups   []string `json:"groups,omitempty"`
	Info     string   `json:"info,omitempty"`

	Q       string          `json:"q,omitempty"`
	A       string          `json:"a,omitempty"`
	Stem    string          `json:"stem,omitempty"`
	Options json.RawMessage `json:"options,omitempty"`
	Cloze   string          `json:"clozeText,omitempty"`
	Steps   []string        `json:"steps,omitempty"`

	ImageRef   string   `json:"imageRef,omitempty"`
	MaskMode   MaskMode `json:"maskMode,omitempty"`
	Occlusions []Rect   `json:"occlusions,omitempty"`

	ClozeIndex int       `json:"clozeIndex,omitempty"`
	GroupKey   string    `json:"groupKey,omitempty"`
	RectIDs    []string  `json:"rectIds,omitempty"`
	Direction  Direction `json:"reversedDirection,omitempty"`

	SourceNotePath  string   `json:"sourceNotePath,omitempty"`
	SourceStartLine int      `json:"sourceStartLine"`
	CreatedAt       flexTime `json:"createdAt"`
	UpdatedAt       flexTime `json:"updatedAt"`
	LastSeenAt      flexTime `json:"lastSeenAt"`

	// Legacy aliases.
	Answer string `json:"answer,omitempty"`
	Text   string `json:"text,omitempty"`
}

// MarshalJSON writes the canonical record shape.
func (r Record) MarshalJSON() ([]byte, error) {
	out := recordJSON{
		ID:              r.ID,
		Type:            string(r.Kind()),
		ParentID:        r.ParentID,
		Title:           r.Title,
		Groups:          r.Groups,
		Info:            r.Info,
		SourceNotePath:  r.SourceNotePath,
		SourceStartLine: r.SourceStartLine,
		CreatedAt:       flexTime(r.CreatedAt),
		UpdatedAt:       flexTime(r.UpdatedAt),
		LastSeenAt:      flexTime(r.LastSeenAt),
	}
	switch p := r.Payload.(type) {
	case Basic:
		out.Q, out.A = p.Question, p.Answer
	case Reversed:
		out.Q, out.A = p.Question, p.Answer
	case MCQ:
		out.Stem = p.Stem
		opts, err := json.Marshal(p.Options)
		if err != nil {
			return nil, err
		}
		out.Options = opts
	case Cloze:
		out.Cloze = p.Text
	case Occlusion:
		out.ImageRef, out.MaskMode, out.Occlusions = p.ImageRef, p.MaskMode, p.Rects
	case Ordered:
		out.Stem, out.Steps = p.Stem, p.Steps
	case ClozeChild:
		out.ClozeIndex = p.Index
	case OcclusionChild:
		out.GroupKey, out.RectIDs = p.GroupKey, p.RectIDs
		out.ImageRef, out.MaskMode = p.ImageRef, p.MaskMode
	case ReversedChild:
		out.Direction = p.Direction
	case nil:
		return nil, fmt.Errorf("domain: record %s has no payload", r.ID)
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads canonical and legacy record shapes into the canonical
// in-memory form.
func (r *Record) UnmarshalJSON(data []byte) error {
	var in recordJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	kind, err := ParseKind(in.Type)
	if err != nil {
		return fmt.Errorf("record %s: %w", in.ID, err)
	}

	answer := firstNonEmpty(in.A, in.Answer)
	var p Payload
	switch kind {
	case KindBasic:
		p = Basic{Question: in.Q, Answer: answer}
	case KindReversed:
		p = Reversed{Question: in.Q, Answer: answer}
	case KindMCQ:
		opts, err := decodeOptions(in.Options, answer)
		if err != nil {
			return fmt.Errorf("record %s: %w", in.ID, err)
		}
		p = MCQ{Stem: firstNonEmpty(in.Stem, in.Q), Options: opts}
	case KindCloze:
		p = Cloze{Text: firstNonEmpty(in.Cloze, in.Text, in.Q)}
	case KindOcclusion:
		p = Occlusion{ImageRef: in.ImageRef, MaskMode: in.MaskMode, Rects: in.Occlusions}
	case KindOrdered:
		p = Ordered{Stem: firstNonEmpty(in.Stem, in.Q), Steps: in.Steps}
	case KindClozeChild:
		p = ClozeChild{Index: in.ClozeIndex}
	case KindOcclusionChild:
		p = OcclusionChild{GroupKey: in.GroupKey, RectIDs: in.RectIDs, ImageRef: in.ImageRef, MaskMode: in.MaskMode}
	case KindReversedChild:
		d := in.Direction
		if d == "" || d == "forward" {
			d = Forward
		} else if d == "backward" {
			d = Backward
		}
		p = ReversedChild{Direction: d}
	}

	*r = Record{
		ID:              in.ID,
		Payload:         p,
		ParentID:        in.ParentID,
		Title:           in.Title,
		Groups:          NormalizeGroups(in.Groups),
		Info:            in.Info,
		SourceNotePath:  in.SourceNotePath,
		SourceStartLine: in.SourceStartLine,
		CreatedAt:       time.Time(in.CreatedAt),
		UpdatedAt:       time.Time(in.UpdatedAt),
		LastSeenAt:      time.Time(in.LastSeenAt),
	}
	if kind.IsChild() && r.ParentID == "" {
		r.ParentID = ParentOf(r.ID)
	}
	return nil
}

// decodeOptions accepts the canonical [{text,isCorrect}] array, or the legacy
// form of a single answer string plus an array of incorrect option strings.
func decodeOptions(raw json.RawMessage, legacyAnswer string) ([]Option, error) {
	var opts []Option
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		if err := json.Unmarshal(raw, &opts); err != nil {
			var texts []string
			if err2 := json.Unmarshal(raw, &texts); err2 != nil {
				return nil, fmt.Errorf("decode options: %w", err)
			}
			opts = make([]Option, 0, len(texts))
			for _, t := range texts {
				opts = append(opts, Option{Text: t})
			}
		}
	}
	hasCorrect := false
	for _, o := range opts {
		if o.Correct {
			hasCorrect = true
			break
		}
	}
	if !hasCorrect && legacyAnswer != "" {
		opts = append([]Option{{Text: legacyAnswer, Correct: true}}, opts...)
	}
	return opts, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// flexTime reads RFC 3339 strings or epoch milliseconds and writes RFC 3339.
// The zero time round-trips as null.
type flexTime time.Time

func (t flexTime) MarshalJSON() ([]byte, error) {
	if time.Time(t).IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(time.Time(t).UTC().Format(time.RFC3339Nano))
}

func (t *flexTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*t = flexTime{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*t = flexTime{}
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return err
		}
		*t = flexTime(parsed)
		return nil
	}
	ms, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("decode timestamp %s: %w", data, err)
	}
	if ms == 0 {
		*t = flexTime{}
		return nil
	}
	*t = flexTime(time.UnixMilli(int64(ms)).UTC())
	return nil
}
