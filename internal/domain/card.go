package domain

import "time"

// Kind identifies the shape of a card's payload.
type Kind string

const (
	KindBasic     Kind = "basic"
	KindReversed  Kind = "reversed"
	KindMCQ       Kind = "mcq"
	KindCloze     Kind = "cloze"
	KindOcclusion Kind = "io"
	KindOrdered   Kind = "oq"

	KindClozeChild     Kind = "cloze-child"
	KindOcclusionChild Kind = "io-child"
	KindReversedChild  Kind = "reversed-child"
)

// IsChild reports whether k is a synthesized child kind.
func (k Kind) IsChild() bool {
	return k == KindClozeChild || k == KindOcclusionChild || k == KindReversedChild
}

// IsContainer reports whether records of kind k are studied only through
// their children. Containers carry no scheduling state of their own.
func (k Kind) IsContainer() bool {
	return k == KindCloze || k == KindOcclusion || k == KindReversed
}

// ParentKind returns the parent kind a child kind is derived from.
func (k Kind) ParentKind() Kind {
	switch k {
	case KindClozeChild:
		return KindCloze
	case KindOcclusionChild:
		return KindOcclusion
	case KindReversedChild:
		return KindReversed
	}
	return ""
}

// Payload is the kind-specific content of a card. The set of implementations
// is closed: one struct per Kind.
type Payload interface {
	Kind() Kind
	payload()
}

// Basic is a question/answer card.
type Basic struct {
	Question string
	Answer   string
}

// Reversed is studied in both directions through two children.
type Reversed struct {
	Question string
	Answer   string
}

// Option is one multiple-choice answer.
type Option struct {
	Text    string `json:"text"`
	Correct bool   `json:"isCorrect"`
}

// MCQ is a multiple-choice card. Options hold the correct ones first.
type MCQ struct {
	Stem    string
	Options []Option
}

// Cloze holds text containing {{cN::...}} deletions.
type Cloze struct {
	Text string
}

// MaskMode controls how an occlusion group is hidden during review.
type MaskMode string

const (
	MaskSolo MaskMode = "solo" // hide only the group under test
	MaskAll  MaskMode = "all"  // hide every group
)

// Valid reports whether m is a known mask mode. The empty mode is valid and
// means the default.
func (m MaskMode) Valid() bool {
	return m == "" || m == MaskSolo || m == MaskAll
}

// Rect is one occlusion rectangle, in image-relative coordinates.
type Rect struct {
	ID       string  `json:"id"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	W        float64 `json:"w"`
	H        float64 `json:"h"`
	GroupKey string  `json:"groupKey,omitempty"`
}

// Occlusion is an image-occlusion parent.
type Occlusion struct {
	ImageRef string
	MaskMode MaskMode
	Rects    []Rect
}

// Ordered asks for steps in sequence.
type Ordered struct {
	Stem  string
	Steps []string
}

// ClozeChild is one deletion of a cloze parent.
type ClozeChild struct {
	Index int
}

// OcclusionChild is one rectangle group of an image-occlusion parent.
type OcclusionChild struct {
	GroupKey string
	RectIDs  []string
	ImageRef string
	MaskMode MaskMode
}

// Direction is the study direction of a reversed child.
type Direction string

const (
	Forward  Direction = "fwd"
	Backward Direction = "back"
)

// ReversedChild is one direction of a reversed parent.
type ReversedChild struct {
	Direction Direction
}

func (Basic) Kind() Kind          { return KindBasic }
func (Reversed) Kind() Kind       { return KindReversed }
func (MCQ) Kind() Kind            { return KindMCQ }
func (Cloze) Kind() Kind          { return KindCloze }
func (Occlusion) Kind() Kind      { return KindOcclusion }
func (Ordered) Kind() Kind        { return KindOrdered }
func (ClozeChild) Kind() Kind     { return KindClozeChild }
func (OcclusionChild) Kind() Kind { return KindOcclusionChild }
func (ReversedChild) Kind() Kind  { return KindReversedChild }

func (Basic) payload()          {}
func (Reversed) payload()       {}
func (MCQ) payload()            {}
func (Cloze) payload()          {}
func (Occlusion) payload()      {}
func (Ordered) payload()        {}
func (ClozeChild) payload()     {}
func (OcclusionChild) payload() {}
func (ReversedChild) payload()  {}

// ParsedCard is a card block found in a document. It is never persisted.
type ParsedCard struct {
	Kind    Kind
	ID      string // empty when the block carries no anchor
	Payload Payload
	Title   string
	Groups  []string
	Info    string

	Path        string
	Line        int // line of the start key, 0-based
	TitleLine   int // -1 when the title is absent or outside the block
	AnchorLines []int
	EndLine     int

	Errors []string
}

// Valid reports whether the card passed validation.
func (c ParsedCard) Valid() bool {
	return len(c.Errors) == 0
}

// Record is a persisted card, parent or child.
type Record struct {
	ID       string
	Payload  Payload
	ParentID string

	Title  string
	Groups []string
	Info   string

	SourceNotePath  string
	SourceStartLine int

	CreatedAt  time.Time
	UpdatedAt  time.Time
	LastSeenAt time.Time
}

// Kind returns the kind of the record's payload.
func (r Record) Kind() Kind {
	if r.Payload == nil {
		return ""
	}
	return r.Payload.Kind()
}

// Seen reports whether the record was encountered in the current run.
// A zero LastSeenAt is the unseen sentinel.
func (r Record) Seen() bool {
	return !r.LastSeenAt.IsZero()
}

// QuarantineEntry holds a card that failed validation. Its id stays reserved.
type QuarantineEntry struct {
	ID            string    `json:"id"`
	Kind          Kind      `json:"type,omitempty"`
	NotePath      string    `json:"notePath"`
	Line          int       `json:"line"`
	Reason        string    `json:"reason"`
	QuarantinedAt time.Time `json:"quarantinedAt"`
}

// OcclusionGeometry is the io table entry for an image-occlusion parent.
type OcclusionGeometry struct {
	ImageRef string `json:"imageRef"`
	Rects    []Rect `json:"rects"`
}

// ReviewLog records a single grading of a card.
// The Grade corresponds to FSRS ratings:
// 1: Again (Incorrect)
// 2: Hard
// 3: Good
// 4: Easy
type ReviewLog struct {
	CardID    string
	Timestamp time.Time
	Grade     int
}
