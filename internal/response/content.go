package response

import (
	"fmt"

	"github.com/goccy/go-json"
)

// verifiedField describes how a key of the verified object is displayed.
type verifiedField struct {
	key       string
	question  string
	fieldType string
}

// Verified keys are appended in this order when present.
var verifiedFields = []verifiedField{
	{key: "uinFin", question: "SingPass Validated NRIC", fieldType: "nric"},
	{key: "cpUen", question: "CorpPass Validated UEN", fieldType: "textfield"},
	{key: "cpUid", question: "CorpPass Validated UID", fieldType: "nric"},
}

// Decode parses the decrypted responses array and appends any verified
// identity fields. verified may be nil.
func Decode(responses, verified []byte) ([]Answer, error) {
	var raws []rawAnswer
	if err := json.Unmarshal(responses, &raws); err != nil {
		return nil, fmt.Errorf("failed to decode responses: %w", err)
	}

	answers := make([]Answer, 0, len(raws)+len(verifiedFields))
	for _, raw := range raws {
		a, err := classify(raw)
		if err != nil {
			return nil, err
		}
		answers = append(answers, a)
	}

	if len(verified) == 0 {
		return answers, nil
	}
	var values map[string]any
	if err := json.Unmarshal(verified, &values); err != nil {
		return nil, fmt.Errorf("failed to decode verified content: %w", err)
	}
	for _, vf := range verifiedFields {
		v, ok := values[vf.key]
		if !ok || v == nil {
			continue
		}
		answers = append(answers, Answer{
			ID:        vf.key,
			Question:  vf.question,
			FieldType: vf.fieldType,
			Kind:      KindSingle,
			Single:    fmt.Sprint(v),
		})
	}
	return answers, nil
}
