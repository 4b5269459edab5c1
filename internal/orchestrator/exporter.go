package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/brensch/formexport/internal/aggregator"
	"github.com/brensch/formexport/internal/api"
	"github.com/brensch/formexport/internal/config"
	"github.com/brensch/formexport/internal/crypto"
	"github.com/brensch/formexport/internal/decrypt"
	ferrors "github.com/brensch/formexport/internal/errors"
	"github.com/brensch/formexport/internal/stream"
	"github.com/brensch/formexport/internal/workerpool"

	"github.com/google/uuid"
)

// SubmissionSource counts and streams the encrypted submissions of a form.
type SubmissionSource interface {
	CountSubmissions(ctx context.Context, p api.Params) (int, error)
	StreamSubmissions(ctx context.Context, p api.Params) (*stream.LineScanner, error)
}

// Dependencies are the collaborators of an Exporter. Fetcher and Telemetry are optional.
type Dependencies struct {
	Source    SubmissionSource
	Crypto    crypto.Crypto
	Fetcher   decrypt.AttachmentFetcher
	Telemetry Telemetry
	Logger    *slog.Logger
}

// Options tune an Exporter.
type Options struct {
	NumWorkers   int           // 0 means one per CPU
	PollInterval time.Duration // completion check interval
	// OnProgress, if set, is called from the coordinating goroutine after every
	// state change and result.
	OnProgress func(Progress)
	// Archives, if set, receives attachment zips as they arrive. Otherwise they
	// are collected on the Outcome.
	Archives ArchiveStore
}

// Params selects the submissions to export and the key to open them with.
type Params struct {
	api.Params
	SecretKey string
}

// Exporter runs exports. A single Exporter runs one export at a time.
type Exporter struct {
	deps   Dependencies
	opts   Options
	runner *decrypt.Runner
	state  atomic.Int32
	logger *slog.Logger
}

// New validates dependencies. A missing Crypto yields ErrInitialization.
func New(deps Dependencies, opts Options) (*Exporter, error) {
	if deps.Logger == nil {
		return nil, errors.New("orchestrator: logger is required")
	}
	if deps.Source == nil {
		return nil, errors.New("orchestrator: submission source is required")
	}
	runner, err := decrypt.NewRunner(deps.Crypto, deps.Fetcher, deps.Logger)
	if err != nil {
		return nil, err
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = config.DefaultPollInterval
	}
	return &Exporter{
		deps:   deps,
		opts:   opts,
		runner: runner,
		logger: deps.Logger.With(slog.String("component", "orchestrator")),
	}, nil
}

// State returns the current state. Safe for concurrent use.
func (e *Exporter) State() State {
	return State(e.state.Load())
}

// run holds the coordinator-owned state of one export.
type run struct {
	params     Params
	outcome    *Outcome
	acc        *aggregator.Accumulator
	start      time.Time
	dispatched int
	streamDone bool
	logger     *slog.Logger
}

// Run executes one export. The returned Outcome is never nil. On success the
// error is nil and Outcome.Table is set; a cancelled ctx yields an error
// wrapping ErrExportAborted and no table.
func (e *Exporter) Run(ctx context.Context, p Params) (*Outcome, error) {
	r := &run{
		params:  p,
		start:   time.Now(),
		outcome: &Outcome{RunID: uuid.NewString()},
	}
	r.logger = e.logger.With(slog.String("run_id", r.outcome.RunID), slog.String("form_id", p.FormID))
	e.setState(r, StateIdle)

	// Counting.
	e.setState(r, StateCounting)
	expected, err := e.deps.Source.CountSubmissions(ctx, p.Params)
	if err != nil {
		if ctx.Err() != nil {
			return e.abort(r, ctx.Err())
		}
		return e.networkFailure(ctx, r, err)
	}
	r.outcome.ExpectedTotal = expected
	r.acc = aggregator.New(expected)
	r.logger.Info("Submission count received.", slog.Int("expected_total", expected))

	if expected == 0 {
		return e.finalize(ctx, r), nil
	}

	// Streaming.
	r.outcome.NumWorkers = workerpool.SizeFor(p.DownloadAttachments, e.opts.NumWorkers)
	e.emit(ctx, r, EventStart, "")

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	lines, err := e.deps.Source.StreamSubmissions(runCtx, p.Params)
	if err != nil {
		if ctx.Err() != nil {
			return e.abort(r, ctx.Err())
		}
		return e.networkFailure(ctx, r, err)
	}
	defer lines.Close()

	pool := workerpool.New(runCtx, r.outcome.NumWorkers, func(ctx context.Context, t decrypt.Task) decrypt.Result {
		return e.runner.Run(ctx, t)
	}, e.deps.Logger)
	defer pool.Terminate()

	e.setState(r, StateStreaming)
	r.logger.Info("Export streaming.", slog.Int("workers", pool.Size()))

	lineCh, readErrCh := readLines(runCtx, lines, expected)

	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			lines.Close()
			pool.Terminate()
			return e.abort(r, ctx.Err())

		case line, ok := <-lineCh:
			if !ok {
				lineCh = nil
				readErr := <-readErrCh
				if ctx.Err() != nil {
					pool.Terminate()
					return e.abort(r, ctx.Err())
				}
				if readErr != nil {
					lines.Close()
					pool.Terminate()
					return e.networkFailure(ctx, r, readErr)
				}
				r.streamDone = true
				r.logger.Info("Submission stream complete.", slog.Int("dispatched", r.dispatched))
				e.setState(r, StateDraining)
				continue
			}
			pool.Dispatch(decrypt.Task{
				Index:               r.dispatched,
				Line:                line,
				SecretKey:           p.SecretKey,
				DownloadAttachments: p.DownloadAttachments,
			})
			r.dispatched++

		case res := <-pool.Results():
			if err := e.collect(r, res); err != nil {
				lines.Close()
				pool.Terminate()
				e.setState(r, StateFailed)
				e.emit(ctx, r, EventFailure, err.Error())
				return e.finish(r), err
			}

		case <-ticker.C:
			if !e.complete(r) {
				continue
			}
			lines.Close()
			pool.Terminate()
			c := r.acc.Counters()
			if c.Received() > 0 && c.Success == 0 {
				e.setState(r, StateFailed)
				r.logger.Error("No submissions could be decrypted.", counterAttrs(c)...)
				e.emit(ctx, r, EventFailure, ferrors.ErrAllRecordsFailed.Error())
				return e.finish(r), fmt.Errorf("%w: %s; check the secret key and retry", ferrors.ErrAllRecordsFailed, r.outcome.Summary())
			}
			if c.Received() == 0 {
				r.logger.Warn("Stream ended before any submission arrived; exporting an empty table.", slog.Int("expected_total", expected))
			}
			return e.finalize(ctx, r), nil
		}
	}
}

// readLines forwards up to limit lines from ls on a channel. The error channel
// receives exactly one value, before the line channel is closed.
func readLines(ctx context.Context, ls *stream.LineScanner, limit int) (<-chan string, <-chan error) {
	lineCh := make(chan string)
	errCh := make(chan error, 1)
	go func() {
		var err error
		defer func() {
			errCh <- err
			close(lineCh)
		}()
		// Lines past the expected total are never read, so counts cannot exceed it.
		for n := 0; n < limit && ls.Scan(); n++ {
			select {
			case lineCh <- ls.Text():
			case <-ctx.Done():
				err = ctx.Err()
				return
			}
		}
		err = ls.Err()
	}()
	return lineCh, errCh
}

func (e *Exporter) collect(r *run, res decrypt.Result) error {
	r.acc.AddResult(res)
	if res.Archive != nil {
		a := Archive{SubmissionID: res.SubmissionID, Data: res.Archive}
		if e.opts.Archives != nil {
			if err := e.opts.Archives.Put(a); err != nil {
				return fmt.Errorf("failed to save attachments of %s: %w", res.SubmissionID, err)
			}
		} else {
			r.outcome.Archives = append(r.outcome.Archives, a)
		}
	}
	e.progress(r)
	return nil
}

// complete reports whether every expected result has arrived, or the stream
// ended and every dispatched line has been answered.
func (e *Exporter) complete(r *run) bool {
	received := r.acc.Counters().Received()
	if received >= r.outcome.ExpectedTotal {
		return true
	}
	return r.streamDone && received == r.dispatched
}

func (e *Exporter) finalize(ctx context.Context, r *run) *Outcome {
	r.outcome.Table = r.acc.Finalize()
	e.setState(r, StateFinalized)
	c := r.acc.Counters()
	name := EventSuccess
	if c.Failures() > 0 {
		name = EventPartialFailure
	}
	out := e.finish(r)
	r.logger.Info("Export finalized.", append(counterAttrs(c), slog.Duration("duration", out.Duration))...)
	e.emit(ctx, r, name, out.Summary())
	return out
}

func (e *Exporter) abort(r *run, cause error) (*Outcome, error) {
	e.setState(r, StateAborted)
	r.logger.Warn("Export aborted.", slog.Int("dispatched", r.dispatched))
	// Rows accumulated so far are discarded; only the counts survive.
	if r.acc != nil {
		r.outcome.Counters = r.acc.Counters()
		r.acc = nil
	}
	return e.finish(r), fmt.Errorf("%w: %w", ferrors.ErrExportAborted, cause)
}

func (e *Exporter) networkFailure(ctx context.Context, r *run, err error) (*Outcome, error) {
	if !errors.Is(err, ferrors.ErrNetwork) {
		err = fmt.Errorf("%w: %w", ferrors.ErrNetwork, err)
	}
	e.setState(r, StateFailed)
	r.logger.Error("Export failed on the network.", "error", err)
	e.emit(ctx, r, EventNetworkFailure, err.Error())
	return e.finish(r), err
}

func (e *Exporter) finish(r *run) *Outcome {
	r.outcome.Duration = time.Since(r.start)
	r.outcome.Dispatched = r.dispatched
	if r.acc != nil {
		r.outcome.Counters = r.acc.Counters()
	}
	return r.outcome
}

func (e *Exporter) setState(r *run, s State) {
	e.state.Store(int32(s))
	r.outcome.State = s
	r.logger.Debug("Export state changed.", slog.String("state", s.String()))
	if s == StateAborted || s == StateFailed {
		e.discardArchives(r)
	}
	e.progress(r)
}

// discardArchives drops every archive of a run that will not finalize.
func (e *Exporter) discardArchives(r *run) {
	r.outcome.Archives = nil
	if e.opts.Archives == nil {
		return
	}
	if err := e.opts.Archives.Discard(); err != nil {
		r.logger.Warn("Failed to discard attachment archives.", "error", err)
	}
}

func (e *Exporter) progress(r *run) {
	if e.opts.OnProgress == nil {
		return
	}
	p := Progress{State: r.outcome.State, Expected: r.outcome.ExpectedTotal, Dispatched: r.dispatched}
	if r.acc != nil {
		p.Counters = r.acc.Counters()
	}
	e.opts.OnProgress(p)
}

func (e *Exporter) emit(ctx context.Context, r *run, name, msg string) {
	if e.deps.Telemetry == nil {
		return
	}
	ev := Event{
		RunID:          r.outcome.RunID,
		FormID:         r.params.FormID,
		Name:           name,
		Duration:       time.Since(r.start),
		NumWorkers:     r.outcome.NumWorkers,
		NumSubmissions: r.outcome.ExpectedTotal,
		Message:        msg,
	}
	if r.acc != nil {
		ev.Counters = r.acc.Counters()
		ev.ErrCount = ev.Counters.Failures()
	}
	// Telemetry must outlive a cancelled export context.
	e.deps.Telemetry.Emit(context.WithoutCancel(ctx), ev)
}

func counterAttrs(c aggregator.Counters) []any {
	return []any{
		slog.Int("success", c.Success),
		slog.Int("parse_errors", c.ParseError),
		slog.Int("decryption_errors", c.DecryptionError),
		slog.Int("unverified", c.Unverified),
		slog.Int("attachment_errors", c.AttachmentError),
	}
}
