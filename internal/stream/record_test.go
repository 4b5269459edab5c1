package stream

import (
	"errors"
	"testing"
	"time"

	ferrors "github.com/brensch/formexport/internal/errors"
)

func TestParseRecord(t *testing.T) {
	line := `{"_id":"5f1","created":"2020-06-01T10:00:00.000Z","encryptedContent":"pk;n:c","verifiedContent":"v","version":1,"attachmentMetadata":{"f1":"https://files/1"}}`

	sub, err := ParseRecord(line)
	if err != nil {
		t.Fatalf("ParseRecord: %v", err)
	}
	if sub.ID != "5f1" {
		t.Errorf("ID = %q", sub.ID)
	}
	if want := time.Date(2020, 6, 1, 10, 0, 0, 0, time.UTC); !sub.CreatedAt.Equal(want) {
		t.Errorf("CreatedAt = %v, want %v", sub.CreatedAt, want)
	}
	if sub.EncryptedContent != "pk;n:c" || sub.VerifiedContent != "v" || sub.Version != 1 {
		t.Errorf("unexpected payload fields: %+v", sub)
	}
	if sub.AttachmentMetadata["f1"] != "https://files/1" {
		t.Errorf("attachment metadata not parsed: %v", sub.AttachmentMetadata)
	}
}

func TestParseRecordDefaultsAttachmentMetadata(t *testing.T) {
	sub, err := ParseRecord(`{"_id":"a","created":"2020-06-01T10:00:00Z","encryptedContent":"x"}`)
	if err != nil {
		t.Fatalf("ParseRecord: %v", err)
	}
	if sub.AttachmentMetadata == nil {
		t.Fatalf("expected empty, non-nil attachment metadata")
	}
}

func TestParseRecordErrors(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		wantID string
	}{
		{name: "not json", line: `{"_id":`},
		{name: "json array", line: `[1,2,3]`},
		{name: "missing id", line: `{"created":"2020-06-01T10:00:00Z","encryptedContent":"x"}`},
		{name: "missing created", line: `{"_id":"a","encryptedContent":"x"}`, wantID: "a"},
		{name: "missing content", line: `{"_id":"a","created":"2020-06-01T10:00:00Z"}`, wantID: "a"},
		{name: "bad timestamp", line: `{"_id":"a","created":"yesterday","encryptedContent":"x"}`, wantID: "a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub, err := ParseRecord(tt.line)
			if !errors.Is(err, ferrors.ErrParse) {
				t.Fatalf("expected ErrParse, got %v", err)
			}
			if sub.ID != tt.wantID {
				t.Errorf("recovered ID = %q, want %q", sub.ID, tt.wantID)
			}
		})
	}
}
