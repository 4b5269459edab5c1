package decrypt

import (
	"fmt"
	"time"

	"github.com/brensch/formexport/internal/response"
)

// Status is the terminal classification of one submission.
type Status int

const (
	StatusSuccess Status = iota
	StatusParseError
	StatusDecryptionError
	StatusUnverified
	StatusAttachmentError
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusParseError:
		return "parse_error"
	case StatusDecryptionError:
		return "decryption_error"
	case StatusUnverified:
		return "unverified"
	case StatusAttachmentError:
		return "attachment_error"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// HasRow reports whether results with this status appear in the exported table.
func (s Status) HasRow() bool {
	return s == StatusSuccess || s == StatusUnverified
}

// The synthetic download status field leads every exported row.
const (
	DownloadStatusFieldID  = "000000000000000000000000"
	DownloadStatusQuestion = "Download Status"

	LabelSuccess               = "Success"
	LabelSuccessWithAttachment = "Success (with Downloaded Attachment)"
	LabelUnverified            = "Unverified"
)

// Row is a decrypted submission ready for the table. Answers start with the
// download status field.
type Row struct {
	SubmissionID string
	CreatedAt    time.Time
	Answers      []response.Answer
}

// Result is what a task hands back to the coordinator. It is never mutated
// after it is returned.
type Result struct {
	Index        int
	SubmissionID string
	CreatedAt    time.Time
	Status       Status
	Err          error
	Row          *Row   // set when Status.HasRow()
	Archive      []byte // zip of decrypted attachments, if any were downloaded
}

func statusAnswer(label string) response.Answer {
	return response.Answer{
		ID:        DownloadStatusFieldID,
		Question:  DownloadStatusQuestion,
		FieldType: "textfield",
		Kind:      response.KindSingle,
		Single:    label,
	}
}
