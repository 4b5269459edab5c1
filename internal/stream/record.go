package stream

import (
	"fmt"
	"time"

	ferrors "github.com/brensch/formexport/internal/errors"
	"github.com/brensch/formexport/internal/util"

	"github.com/goccy/go-json"
)

// EncryptedSubmission is one line of the submission stream. It is immutable
// once parsed.
type EncryptedSubmission struct {
	ID               string
	CreatedAt        time.Time
	Created          string // raw ISO-8601 value, kept for signature checks
	EncryptedContent string
	VerifiedContent  string
	Version          int
	// AttachmentMetadata maps field id to a download URL. Never nil.
	AttachmentMetadata map[string]string
}

type wireSubmission struct {
	ID                 *string           `json:"_id"`
	Created            *string           `json:"created"`
	EncryptedContent   *string           `json:"encryptedContent"`
	VerifiedContent    string            `json:"verifiedContent,omitempty"`
	Version            int               `json:"version,omitempty"`
	AttachmentMetadata map[string]string `json:"attachmentMetadata"`
}

// ParseRecord parses a single stream line. Every failure wraps ErrParse. The
// returned value carries whatever id could be recovered, for logging.
func ParseRecord(line string) (EncryptedSubmission, error) {
	if line == OversizedLine {
		return EncryptedSubmission{}, fmt.Errorf("%w: line exceeds the maximum submission size", ferrors.ErrParse)
	}
	var w wireSubmission
	if err := json.Unmarshal([]byte(line), &w); err != nil {
		return EncryptedSubmission{}, fmt.Errorf("%w: %v", ferrors.ErrParse, err)
	}

	var sub EncryptedSubmission
	if w.ID != nil {
		sub.ID = *w.ID
	}
	switch {
	case w.ID == nil || *w.ID == "":
		return sub, fmt.Errorf("%w: missing _id", ferrors.ErrParse)
	case w.Created == nil:
		return sub, fmt.Errorf("%w: submission %s missing created", ferrors.ErrParse, sub.ID)
	case w.EncryptedContent == nil || *w.EncryptedContent == "":
		return sub, fmt.Errorf("%w: submission %s missing encryptedContent", ferrors.ErrParse, sub.ID)
	}

	createdAt, err := util.ParseSubmissionTime(*w.Created)
	if err != nil {
		return sub, fmt.Errorf("%w: submission %s: %v", ferrors.ErrParse, sub.ID, err)
	}

	sub.CreatedAt = createdAt
	sub.Created = *w.Created
	sub.EncryptedContent = *w.EncryptedContent
	sub.VerifiedContent = w.VerifiedContent
	sub.Version = w.Version
	sub.AttachmentMetadata = w.AttachmentMetadata
	if sub.AttachmentMetadata == nil {
		sub.AttachmentMetadata = map[string]string{}
	}
	return sub, nil
}
