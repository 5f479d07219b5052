package fsrs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Stage is the lifecycle stage of a card's memory.
type Stage int

const (
	StageNew Stage = iota
	StageLearning
	StageReview
	StageRelearning
)

var stageNames = [...]string{
	StageNew:        "new",
	StageLearning:   "learning",
	StageReview:     "review",
	StageRelearning: "relearning",
}

// Compile-time interface checks.
var (
	_ fmt.Stringer     = Stage(0)
	_ json.Marshaler   = Stage(0)
	_ json.Unmarshaler = (*Stage)(nil)
)

func (s Stage) valid() bool {
	return s >= StageNew && s <= StageRelearning
}

// String returns the name of the stage, or "Stage(n)" for invalid values.
func (s Stage) String() string {
	if s.valid() {
		return stageNames[s]
	}
	return fmt.Sprintf("Stage(%d)", int(s))
}

// MarshalJSON writes the stage name.
func (s Stage) MarshalJSON() ([]byte, error) {
	if !s.valid() {
		return nil, fmt.Errorf("fsrs: invalid stage: %d", int(s))
	}
	return json.Marshal(stageNames[s])
}

// UnmarshalJSON accepts a stage name or, for older stores, its number.
func (s *Stage) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] != '"' {
		n, err := strconv.Atoi(string(data))
		if err != nil || !Stage(n).valid() {
			return fmt.Errorf("fsrs: invalid stage: %s", data)
		}
		*s = Stage(n)
		return nil
	}
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("fsrs: invalid stage: %s", data)
	}
	for i, n := range stageNames {
		if strings.EqualFold(n, name) {
			*s = Stage(i)
			return nil
		}
	}
	return fmt.Errorf("fsrs: invalid stage: %q", name)
}

// State holds the scheduling state of one card.
type State struct {
	Stage       Stage      `json:"stage"`
	Due         time.Time  `json:"due"`
	Reps        int        `json:"reps"`
	Lapses      int        `json:"lapses"`
	Stability   float64    `json:"stability"`
	Difficulty  float64    `json:"difficulty"`
	LastReview  *time.Time `json:"lastReview,omitempty"`
	Suspended   bool       `json:"suspended,omitempty"`
	BuriedUntil *time.Time `json:"buriedUntil,omitempty"`
}

// UnmarshalJSON accepts the current shape plus older aliases: "state" for
// the stage, "dueDate" or epoch milliseconds for the due time.
func (st *State) UnmarshalJSON(data []byte) error {
	type plain State
	var in struct {
		plain
		Due      json.RawMessage `json:"due"`
		DueDate  json.RawMessage `json:"dueDate"`
		OldStage *Stage          `json:"state"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*st = State(in.plain)
	if in.OldStage != nil && !bytes.Contains(data, []byte(`"stage"`)) {
		st.Stage = *in.OldStage
	}
	raw := in.Due
	if len(raw) == 0 {
		raw = in.DueDate
	}
	due, err := decodeTime(raw)
	if err != nil {
		return fmt.Errorf("fsrs: due: %w", err)
	}
	st.Due = due
	return nil
}

func decodeTime(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, nil
	}
	if raw[0] == '"' {
		var t time.Time
		err := json.Unmarshal(raw, &t)
		return t, err
	}
	ms, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(int64(ms)).UTC(), nil
}
