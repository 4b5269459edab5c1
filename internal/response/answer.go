package response

import (
	"bytes"
	"fmt"

	ferrors "github.com/brensch/formexport/internal/errors"

	"github.com/goccy/go-json"
)

// Kind identifies which of the three answer shapes an Answer holds.
type Kind int

const (
	KindSingle Kind = iota
	KindArray
	KindNested
)

func (k Kind) String() string {
	switch k {
	case KindSingle:
		return "single"
	case KindArray:
		return "array"
	case KindNested:
		return "nested"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// FieldTypeSection marks a section header; it carries no answer worth a column.
const FieldTypeSection = "section"

// Answer is one decrypted field answer. Exactly one of Single, Array or Nested
// is meaningful, as selected by Kind.
type Answer struct {
	ID        string
	Question  string
	FieldType string
	IsHeader  bool
	Signature string

	Kind   Kind
	Single string
	Array  []string
	Nested [][]string // one inner slice per table row
}

// IsSection reports whether the answer is a section header.
func (a Answer) IsSection() bool {
	return a.FieldType == FieldTypeSection || a.IsHeader
}

// Width is the number of output columns this answer needs. Nested answers
// need one column per row; every field needs at least one.
func (a Answer) Width() int {
	if a.Kind == KindNested && len(a.Nested) > 1 {
		return len(a.Nested)
	}
	return 1
}

// Text returns the answer as a single string. Only Single answers carry one.
func (a Answer) Text() string {
	if a.Kind == KindSingle {
		return a.Single
	}
	return ""
}

type rawAnswer struct {
	ID          string          `json:"_id"`
	Question    string          `json:"question"`
	FieldType   string          `json:"fieldType"`
	IsHeader    bool            `json:"isHeader,omitempty"`
	Signature   string          `json:"signature,omitempty"`
	Answer      *string         `json:"answer,omitempty"`
	AnswerArray json.RawMessage `json:"answerArray,omitempty"`
}

// classify turns a raw answer into one of the three known shapes. Anything
// else wraps ErrUnknownResponseShape.
func classify(raw rawAnswer) (Answer, error) {
	a := Answer{
		ID:        raw.ID,
		Question:  raw.Question,
		FieldType: raw.FieldType,
		IsHeader:  raw.IsHeader,
		Signature: raw.Signature,
	}

	arr := bytes.TrimSpace(raw.AnswerArray)
	if len(arr) == 0 || bytes.Equal(arr, []byte("null")) {
		if raw.Answer == nil {
			return Answer{}, fmt.Errorf("%w: field %s has neither answer nor answerArray", ferrors.ErrUnknownResponseShape, raw.ID)
		}
		a.Kind = KindSingle
		a.Single = *raw.Answer
		return a, nil
	}

	var flat []string
	if err := json.Unmarshal(arr, &flat); err == nil {
		a.Kind = KindArray
		a.Array = flat
		return a, nil
	}
	var nested [][]string
	if err := json.Unmarshal(arr, &nested); err == nil {
		a.Kind = KindNested
		a.Nested = nested
		return a, nil
	}
	return Answer{}, fmt.Errorf("%w: field %s answerArray is neither string[] nor string[][]", ferrors.ErrUnknownResponseShape, raw.ID)
}
