package decrypt

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/brensch/formexport/internal/crypto"
	ferrors "github.com/brensch/formexport/internal/errors"
	"github.com/brensch/formexport/internal/response"
	"github.com/brensch/formexport/internal/stream"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zip"
)

type attachmentEnvelope struct {
	EncryptedFile struct {
		SubmissionPublicKey string `json:"submissionPublicKey"`
		Nonce               string `json:"nonce"`
		Binary              string `json:"binary"`
	} `json:"encryptedFile"`
}

type attachmentRef struct {
	label string
	url   string
}

// attachmentRefs lists the attachments of a submission in answer order,
// labelled "Question <n> - <filename>" where n counts non-section answers.
func attachmentRefs(sub stream.EncryptedSubmission, answers []response.Answer) []attachmentRef {
	var refs []attachmentRef
	questionNum := 0
	for _, a := range answers {
		if !a.IsSection() {
			questionNum++
		}
		url, ok := sub.AttachmentMetadata[a.ID]
		if !ok || url == "" {
			continue
		}
		refs = append(refs, attachmentRef{
			label: fmt.Sprintf("Question %d - %s", questionNum, safeFilename(a.Text())),
			url:   url,
		})
	}
	return refs
}

var filenameReplacer = strings.NewReplacer("/", "_", "\\", "_")

func safeFilename(name string) string {
	name = filenameReplacer.Replace(strings.TrimSpace(name))
	if name == "" || name == "." || name == ".." {
		return "attachment"
	}
	return name
}

// downloadAttachments fetches, decrypts and zips every attachment of sub. Any
// single failure fails the whole submission. It returns the number of files
// in the archive; with zero files no archive is produced.
func (r *Runner) downloadAttachments(ctx context.Context, secretKey string, sub stream.EncryptedSubmission, answers []response.Answer) ([]byte, int, error) {
	refs := attachmentRefs(sub, answers)
	if len(refs) == 0 {
		return nil, 0, nil
	}
	if r.fetcher == nil {
		return nil, 0, fmt.Errorf("%w: no attachment fetcher configured", ferrors.ErrAttachmentDownload)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		plain, err := r.fetchAndDecrypt(ctx, secretKey, ref.url)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %s: %w", ferrors.ErrAttachmentDownload, ref.label, err)
		}
		if err := addFile(zw, ref.label, sub.CreatedAt, plain); err != nil {
			return nil, 0, fmt.Errorf("%w: %s: %w", ferrors.ErrAttachmentDownload, ref.label, err)
		}
		r.logger.Debug("Attachment decrypted.", "submission_id", sub.ID, "file", ref.label, "bytes", len(plain))
	}
	if err := zw.Close(); err != nil {
		return nil, 0, fmt.Errorf("%w: failed to finish archive: %w", ferrors.ErrAttachmentDownload, err)
	}
	return buf.Bytes(), len(refs), nil
}

func (r *Runner) fetchAndDecrypt(ctx context.Context, secretKey, url string) ([]byte, error) {
	body, err := r.fetcher.FetchAttachment(ctx, url)
	if err != nil {
		return nil, err
	}
	var env attachmentEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to decode attachment envelope: %w", err)
	}
	binary, err := base64.StdEncoding.DecodeString(env.EncryptedFile.Binary)
	if err != nil {
		return nil, fmt.Errorf("attachment binary is not base64: %w", err)
	}
	return r.crypto.DecryptFile(secretKey, crypto.EncryptedFile{
		SubmissionPublicKey: env.EncryptedFile.SubmissionPublicKey,
		Nonce:               env.EncryptedFile.Nonce,
		Binary:              binary,
	})
}

func addFile(zw *zip.Writer, name string, modified time.Time, data []byte) error {
	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: modified,
	})
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
