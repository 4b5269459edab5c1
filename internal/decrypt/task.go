package decrypt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/brensch/formexport/internal/crypto"
	ferrors "github.com/brensch/formexport/internal/errors"
	"github.com/brensch/formexport/internal/response"
	"github.com/brensch/formexport/internal/stream"
)

// Task is one unit of work: a submission line and how to process it.
type Task struct {
	Index               int
	Line                string
	SecretKey           string
	DownloadAttachments bool
}

// AttachmentFetcher retrieves the encrypted attachment envelope at url.
type AttachmentFetcher interface {
	FetchAttachment(ctx context.Context, url string) ([]byte, error)
}

// Runner executes tasks. It holds no per-task state and may be shared by workers.
type Runner struct {
	crypto  crypto.Crypto
	fetcher AttachmentFetcher
	logger  *slog.Logger
}

// NewRunner returns ErrInitialization when no Crypto implementation is given.
// fetcher may be nil when attachments are never requested.
func NewRunner(c crypto.Crypto, fetcher AttachmentFetcher, logger *slog.Logger) (*Runner, error) {
	if c == nil {
		return nil, ferrors.ErrInitialization
	}
	return &Runner{crypto: c, fetcher: fetcher, logger: logger.With(slog.String("component", "decrypt"))}, nil
}

// Run parses and processes one line. Per-record failures are reported in the
// returned Result, never as a panic or a separate error.
func (r *Runner) Run(ctx context.Context, task Task) Result {
	sub, err := stream.ParseRecord(task.Line)
	if err != nil {
		r.logger.Warn("Failed to parse submission line.", slog.Int("index", task.Index), slog.String("submission_id", sub.ID), "error", err)
		return Result{Index: task.Index, SubmissionID: sub.ID, Status: StatusParseError, Err: err}
	}
	res := r.process(ctx, task, sub)
	res.Index = task.Index
	return res
}

func (r *Runner) process(ctx context.Context, task Task, sub stream.EncryptedSubmission) Result {
	logger := r.logger.With(slog.String("submission_id", sub.ID))
	res := Result{SubmissionID: sub.ID, CreatedAt: sub.CreatedAt}

	// 1. Decrypt.
	content, err := r.crypto.Decrypt(task.SecretKey, crypto.EncryptedContent{
		EncryptedContent: sub.EncryptedContent,
		VerifiedContent:  sub.VerifiedContent,
		Version:          sub.Version,
	})
	if err != nil {
		return r.fail(logger, res, StatusDecryptionError, err)
	}
	answers, err := response.Decode(content.Responses, content.Verified)
	if err != nil {
		return r.fail(logger, res, StatusDecryptionError, err)
	}

	// 2. Verify signatures.
	if !r.verify(answers, sub) {
		res.Status = StatusUnverified
		res.Err = fmt.Errorf("%w: submission %s", ferrors.ErrUnverifiedSignature, sub.ID)
		res.Row = newRow(sub, LabelUnverified, answers)
		logger.Debug("Submission has unverified signatures.")
		return res
	}

	// 3. Attachments.
	label := LabelSuccess
	if task.DownloadAttachments {
		archive, n, err := r.downloadAttachments(ctx, task.SecretKey, sub, answers)
		if err != nil {
			return r.fail(logger, res, StatusAttachmentError, err)
		}
		if n > 0 {
			res.Archive = archive
			label = LabelSuccessWithAttachment
		}
	}

	// 4. Success.
	res.Status = StatusSuccess
	res.Row = newRow(sub, label, answers)
	return res
}

// verify reports whether every signed answer carries a valid signature.
// Submissions without signed answers are trivially verified.
func (r *Runner) verify(answers []response.Answer, sub stream.EncryptedSubmission) bool {
	for _, a := range answers {
		if a.Signature == "" {
			continue
		}
		if !r.crypto.VerifySignature(a.Signature, sub.CreatedAt, a.ID, a.Text()) {
			return false
		}
	}
	return true
}

func (r *Runner) fail(logger *slog.Logger, res Result, status Status, err error) Result {
	var wrapped error
	switch status {
	case StatusDecryptionError:
		wrapped = ferrors.ErrDecryption
	case StatusAttachmentError:
		wrapped = ferrors.ErrAttachmentDownload
	}
	if wrapped != nil && !errors.Is(err, wrapped) {
		err = fmt.Errorf("%w: %w", wrapped, err)
	}
	logger.Warn("Submission failed.", slog.String("status", status.String()), "error", err)
	res.Status = status
	res.Err = err
	return res
}

func newRow(sub stream.EncryptedSubmission, label string, answers []response.Answer) *Row {
	out := make([]response.Answer, 0, len(answers)+1)
	out = append(out, statusAnswer(label))
	out = append(out, answers...)
	return &Row{SubmissionID: sub.ID, CreatedAt: sub.CreatedAt, Answers: out}
}
