package decrypt

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/brensch/formexport/internal/crypto"
	ferrors "github.com/brensch/formexport/internal/errors"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zip"
)

var testCreated = time.Date(2021, 5, 4, 3, 2, 1, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	t      *testing.T
	keys   crypto.KeyPair
	crypto *crypto.NaclCrypto
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	c, err := crypto.NewNacl("", time.Hour, discardLogger())
	if err != nil {
		t.Fatalf("NewNacl: %v", err)
	}
	return &fixture{t: t, keys: kp, crypto: c}
}

func (f *fixture) line(id, responses string, attachments map[string]string) string {
	f.t.Helper()
	enc, err := crypto.EncryptContent(f.keys.PublicKey, []byte(responses))
	if err != nil {
		f.t.Fatalf("EncryptContent: %v", err)
	}
	b, err := json.Marshal(map[string]any{
		"_id":                id,
		"created":            testCreated.Format(time.RFC3339Nano),
		"encryptedContent":   enc,
		"attachmentMetadata": attachments,
	})
	if err != nil {
		f.t.Fatalf("marshal line: %v", err)
	}
	return string(b)
}

func (f *fixture) envelope(plain []byte) []byte {
	f.t.Helper()
	file, err := crypto.EncryptFile(f.keys.PublicKey, plain)
	if err != nil {
		f.t.Fatalf("EncryptFile: %v", err)
	}
	b, err := json.Marshal(map[string]any{
		"encryptedFile": map[string]any{
			"submissionPublicKey": file.SubmissionPublicKey,
			"nonce":               file.Nonce,
			"binary":              file.Binary, // []byte marshals as base64
		},
	})
	if err != nil {
		f.t.Fatalf("marshal envelope: %v", err)
	}
	return b
}

func (f *fixture) runner(fetcher AttachmentFetcher) *Runner {
	f.t.Helper()
	r, err := NewRunner(f.crypto, fetcher, discardLogger())
	if err != nil {
		f.t.Fatalf("NewRunner: %v", err)
	}
	return r
}

type mapFetcher map[string][]byte

func (m mapFetcher) FetchAttachment(_ context.Context, url string) ([]byte, error) {
	b, ok := m[url]
	if !ok {
		return nil, errors.New("404 not found")
	}
	return b, nil
}

func TestNewRunnerRequiresCrypto(t *testing.T) {
	if _, err := NewRunner(nil, nil, discardLogger()); !errors.Is(err, ferrors.ErrInitialization) {
		t.Fatalf("expected ErrInitialization, got %v", err)
	}
}

func TestRunSuccess(t *testing.T) {
	f := newFixture(t)
	line := f.line("sub1", `[{"_id":"f1","question":"Name","fieldType":"textfield","answer":"Alice"}]`, nil)

	res := f.runner(nil).Run(context.Background(), Task{Index: 7, Line: line, SecretKey: f.keys.SecretKey})
	if res.Status != StatusSuccess {
		t.Fatalf("status = %v, err = %v", res.Status, res.Err)
	}
	if res.Index != 7 || res.SubmissionID != "sub1" || !res.CreatedAt.Equal(testCreated) {
		t.Errorf("unexpected envelope: %+v", res)
	}
	if res.Row == nil || len(res.Row.Answers) != 2 {
		t.Fatalf("expected status answer plus one answer, got %+v", res.Row)
	}
	if got := res.Row.Answers[0]; got.ID != DownloadStatusFieldID || got.Single != LabelSuccess {
		t.Errorf("leading answer = %+v", got)
	}
	if res.Archive != nil {
		t.Errorf("expected no archive")
	}
}

func TestRunClassifiesFailures(t *testing.T) {
	f := newFixture(t)
	other := newFixture(t)

	tests := []struct {
		name    string
		line    string
		want    Status
		wantErr error
	}{
		{
			name:    "malformed line",
			line:    `{"_id":"x",`,
			want:    StatusParseError,
			wantErr: ferrors.ErrParse,
		},
		{
			name:    "encrypted for another form",
			line:    other.line("sub2", `[]`, nil),
			want:    StatusDecryptionError,
			wantErr: ferrors.ErrDecryption,
		},
		{
			name:    "unknown answer shape",
			line:    f.line("sub3", `[{"_id":"f1","question":"Q","fieldType":"number","answerArray":[1]}]`, nil),
			want:    StatusDecryptionError,
			wantErr: ferrors.ErrUnknownResponseShape,
		},
		{
			name:    "signature cannot be verified",
			line:    f.line("sub4", `[{"_id":"f1","question":"Mobile","fieldType":"mobile","answer":"+6590000000","signature":"f=a&v=b&t=1&s=c"}]`, nil),
			want:    StatusUnverified,
			wantErr: ferrors.ErrUnverifiedSignature,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := f.runner(nil).Run(context.Background(), Task{Line: tt.line, SecretKey: f.keys.SecretKey})
			if res.Status != tt.want {
				t.Fatalf("status = %v, want %v (err %v)", res.Status, tt.want, res.Err)
			}
			if !errors.Is(res.Err, tt.wantErr) {
				t.Errorf("err = %v, want %v", res.Err, tt.wantErr)
			}
			if tt.want.HasRow() != (res.Row != nil) {
				t.Errorf("row presence = %v for status %v", res.Row != nil, res.Status)
			}
		})
	}
}

func TestRunUnverifiedKeepsAnswers(t *testing.T) {
	f := newFixture(t)
	line := f.line("sub5", `[
		{"_id":"f1","question":"Name","fieldType":"textfield","answer":"Bob"},
		{"_id":"f2","question":"Mobile","fieldType":"mobile","answer":"+6590000000","signature":"f=a&v=b&t=1&s=c"}
	]`, nil)

	res := f.runner(nil).Run(context.Background(), Task{Line: line, SecretKey: f.keys.SecretKey})
	if res.Status != StatusUnverified {
		t.Fatalf("status = %v", res.Status)
	}
	if len(res.Row.Answers) != 3 || res.Row.Answers[0].Single != LabelUnverified {
		t.Fatalf("unexpected row: %+v", res.Row.Answers)
	}
}

func TestRunDownloadsAttachments(t *testing.T) {
	f := newFixture(t)
	responses := `[
		{"_id":"h1","question":"Documents","fieldType":"section","answer":""},
		{"_id":"f1","question":"Name","fieldType":"textfield","answer":"Carol"},
		{"_id":"a1","question":"Upload","fieldType":"attachment","answer":"report.pdf"}
	]`
	line := f.line("sub6", responses, map[string]string{"a1": "https://files.example/a1"})
	fetcher := mapFetcher{"https://files.example/a1": f.envelope([]byte("%PDF-1.4"))}

	res := f.runner(fetcher).Run(context.Background(), Task{Line: line, SecretKey: f.keys.SecretKey, DownloadAttachments: true})
	if res.Status != StatusSuccess {
		t.Fatalf("status = %v, err = %v", res.Status, res.Err)
	}
	if res.Row.Answers[0].Single != LabelSuccessWithAttachment {
		t.Errorf("status label = %q", res.Row.Answers[0].Single)
	}

	zr, err := zip.NewReader(bytes.NewReader(res.Archive), int64(len(res.Archive)))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	if len(zr.File) != 1 {
		t.Fatalf("archive has %d files, want 1", len(zr.File))
	}
	// The section does not count towards the question number.
	if got := zr.File[0].Name; got != "Question 2 - report.pdf" {
		t.Errorf("file name = %q", got)
	}
	rc, err := zr.File[0].Open()
	if err != nil {
		t.Fatalf("open file: %v", err)
	}
	defer rc.Close()
	content, _ := io.ReadAll(rc)
	if string(content) != "%PDF-1.4" {
		t.Errorf("content = %q", content)
	}
}

func TestRunAttachmentFailureFailsSubmission(t *testing.T) {
	f := newFixture(t)
	responses := `[
		{"_id":"a1","question":"First","fieldType":"attachment","answer":"one.txt"},
		{"_id":"a2","question":"Second","fieldType":"attachment","answer":"two.txt"}
	]`
	line := f.line("sub7", responses, map[string]string{
		"a1": "https://files.example/a1",
		"a2": "https://files.example/missing",
	})
	fetcher := mapFetcher{"https://files.example/a1": f.envelope([]byte("one"))}

	res := f.runner(fetcher).Run(context.Background(), Task{Line: line, SecretKey: f.keys.SecretKey, DownloadAttachments: true})
	if res.Status != StatusAttachmentError {
		t.Fatalf("status = %v", res.Status)
	}
	if !errors.Is(res.Err, ferrors.ErrAttachmentDownload) {
		t.Errorf("err = %v", res.Err)
	}
	if res.Row != nil || res.Archive != nil {
		t.Errorf("failed submission must not carry a row or archive")
	}
}

func TestRunSkipsAttachmentsWhenNotRequested(t *testing.T) {
	f := newFixture(t)
	line := f.line("sub8", `[{"_id":"a1","question":"Upload","fieldType":"attachment","answer":"x.txt"}]`,
		map[string]string{"a1": "https://files.example/a1"})

	res := f.runner(nil).Run(context.Background(), Task{Line: line, SecretKey: f.keys.SecretKey})
	if res.Status != StatusSuccess || res.Archive != nil {
		t.Fatalf("status = %v, archive = %d bytes", res.Status, len(res.Archive))
	}
}
