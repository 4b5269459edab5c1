package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/brensch/formexport/internal/api"
	"github.com/brensch/formexport/internal/app"
	"github.com/brensch/formexport/internal/config"
	"github.com/brensch/formexport/internal/crypto"
	"github.com/brensch/formexport/internal/db"
	ferrors "github.com/brensch/formexport/internal/errors"
	"github.com/brensch/formexport/internal/orchestrator"
	"github.com/brensch/formexport/internal/saver"
	"github.com/brensch/formexport/internal/util"

	"github.com/briandowns/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// Flags that are not part of the persisted config.
var (
	startDate           string
	endDate             string
	downloadAttachments bool
	useTUI              bool
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Download, decrypt and save every submission of a form",
	Long: `Counts the form's submissions, streams them from the form server and decrypts
them concurrently with the form secret key. Rows are written to
<output-dir>/<form title>-<form id>.csv once every submission has been processed.

With --download-attachments, each submission's attachments are downloaded,
decrypted and saved as "RefNo <submission id>.zip"; this runs on a single worker.

Ctrl+C cancels the export; nothing is written for a cancelled export.`,
	Example: `  formexport export --form-id 64f0c0ffee --secret-key-file form.key
  formexport export --form-id 64f0c0ffee --secret-key-file form.key --start-date 2024-01-01 --end-date 2024-01-31 --format both`,
	RunE: runExport,
}

func init() {
	def := config.Default()
	f := exportCmd.Flags()
	f.String("form-id", "", "ID of the form to export (required)")
	f.String("form-title", "", "Form title used to name the output file (defaults to the form ID)")
	f.String("secret-key", "", "Base64 form secret key")
	f.String("secret-key-file", "", "File containing the base64 form secret key")
	f.String("session-cookie", "", "Admin session cookie, as name=value or the bare connect.sid value")
	f.String("base-url", def.BaseURL, "Form server base URL")
	f.String("verification-public-key", "", "Base64 ed25519 public key of the verification service")
	f.Duration("transaction-expiry", def.TransactionExpiry, "How long a verification signature stays valid after signing")
	f.StringP("output-dir", "o", def.OutputDir, "Directory for exported files")
	f.IntP("workers", "w", def.NumWorkers, "Decryption workers (0 = one per CPU; always 1 with --download-attachments)")
	f.Duration("poll-interval", def.PollInterval, "How often to check whether the export is complete")
	f.Int("max-line-bytes", def.MaxLineBytes, "Largest accepted encrypted submission, in bytes")
	f.Duration("http-timeout", def.HTTPTimeout, "Timeout for count and attachment requests")
	f.String("format", def.Format, "Output format: csv, parquet or both")

	f.StringVar(&startDate, "start-date", "", "Only export submissions on or after this date (YYYY-MM-DD)")
	f.StringVar(&endDate, "end-date", "", "Only export submissions on or before this date (YYYY-MM-DD)")
	f.BoolVar(&downloadAttachments, "download-attachments", false, "Also download and decrypt attachments")
	f.BoolVar(&useTUI, "tui", false, "Show an interactive progress view")
}

func runExport(cmd *cobra.Command, _ []string) error {
	cfg := getConfig()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := validateDateRange(startDate, endDate); err != nil {
		return err
	}
	secretKey, err := cfg.ResolveSecretKey()
	if err != nil {
		return err
	}
	if err := crypto.ValidateSecretKey(secretKey); err != nil {
		return fmt.Errorf("form secret key: %w", err)
	}

	logger := getLogger()
	if useTUI && strings.EqualFold(logOutput, "stderr") {
		// The progress view owns the terminal; send logs beside the export instead.
		logPath := filepath.Join(cfg.OutputDir, "formexport.log")
		w, closer, err := openLogOutput(logPath)
		if err != nil {
			return err
		}
		defer closer.Close()
		logger = newLogger(w, logFormat, logLevel)
	}

	client, err := api.NewClient(cfg, logger)
	if err != nil {
		return err
	}
	nacl, err := crypto.NewNacl(cfg.VerificationPublicKey, cfg.TransactionExpiry, logger)
	if err != nil {
		return err
	}
	sv, err := saver.New(cfg.OutputDir, logger)
	if err != nil {
		return err
	}

	deps := orchestrator.Dependencies{
		Source:    client,
		Crypto:    nacl,
		Telemetry: db.NewSink(getDB(), logger),
		Logger:    logger,
	}
	if downloadAttachments {
		deps.Fetcher = client
	}
	params := orchestrator.Params{
		Params: api.Params{
			FormID:              cfg.FormID,
			StartDate:           startDate,
			EndDate:             endDate,
			DownloadAttachments: downloadAttachments,
		},
		SecretKey: secretKey,
	}
	opts := orchestrator.Options{
		NumWorkers:   cfg.Workers(),
		PollInterval: cfg.PollInterval,
	}
	// Archives are written to staging as they arrive and only moved into the
	// output directory once the table is saved.
	var staging *saver.Staging
	if downloadAttachments {
		if staging, err = sv.NewStaging(); err != nil {
			return err
		}
		defer func() {
			if err := staging.Discard(); err != nil {
				logger.Warn("Failed to remove attachment staging directory.", "error", err)
			}
		}()
		opts.Archives = staging
	}
	run := func(ctx context.Context, onProgress func(orchestrator.Progress)) (*orchestrator.Outcome, error) {
		opts := opts
		opts.OnProgress = onProgress
		exp, err := orchestrator.New(deps, opts)
		if err != nil {
			return nil, err
		}
		return exp.Run(ctx, params)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	title := cfg.FormTitle
	if title == "" {
		title = cfg.FormID
	}
	var out *orchestrator.Outcome
	if useTUI {
		out, err = runWithTUI(ctx, title, run, logger)
	} else {
		out, err = runPlain(ctx, title, run)
	}
	if err != nil {
		printFailure(os.Stderr, out, err)
		return err
	}

	// Saving happens after the export; a late Ctrl+C must not leave half-written files.
	saveCtx := context.WithoutCancel(ctx)
	paths, err := saveOutcome(saveCtx, sv, staging, cfg, out, logger)
	if err != nil {
		return err
	}
	printSummary(os.Stdout, out, paths)
	return nil
}

func validateDateRange(start, end string) error {
	if start == "" && end == "" {
		return nil
	}
	if start == "" || end == "" {
		return errors.New("--start-date and --end-date must be given together")
	}
	for _, d := range []string{start, end} {
		if !util.IsISODate(d) {
			return fmt.Errorf("invalid date %q: expected YYYY-MM-DD", d)
		}
	}
	if start > end {
		return fmt.Errorf("--start-date %s is after --end-date %s", start, end)
	}
	return nil
}

func runPlain(ctx context.Context, title string, run app.RunFunc) (*orchestrator.Outcome, error) {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	s.Prefix = "Exporting " + title + " "
	s.Start()
	defer s.Stop()

	return run(ctx, func(p orchestrator.Progress) {
		s.Lock()
		s.Suffix = fmt.Sprintf(" %s %d/%d (%d failed)", p.State, p.Counters.Received(), p.Expected, p.Counters.Failures())
		s.Unlock()
	})
}

func runWithTUI(ctx context.Context, title string, run app.RunFunc, logger *slog.Logger) (*orchestrator.Outcome, error) {
	model := app.NewExportModel(ctx, title, run, logger)
	if _, err := tea.NewProgram(model, tea.WithContext(ctx)).Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return nil, fmt.Errorf("progress view failed: %w", err)
	}
	if model.State == app.Exiting && model.Outcome == nil {
		return nil, ferrors.ErrExportAborted
	}
	if model.Outcome == nil && model.Err == nil {
		// The program was stopped before the exporter reported back.
		return nil, fmt.Errorf("%w: %w", ferrors.ErrExportAborted, context.Cause(ctx))
	}
	return model.Outcome, model.Err
}

// saveOutcome writes the table in the configured formats, then commits any
// staged attachment archives, recording each written file in the event log.
func saveOutcome(ctx context.Context, sv *saver.Saver, staging *saver.Staging, cfg config.Config, out *orchestrator.Outcome, logger *slog.Logger) ([]string, error) {
	base := saver.BaseName(cfg.FormTitle, cfg.FormID)
	var paths []string

	if cfg.Format == config.FormatCSV || cfg.Format == config.FormatBoth {
		p, err := sv.SaveCSV(base, out.Table)
		if err != nil {
			return paths, err
		}
		paths = append(paths, p)
	}
	if cfg.Format == config.FormatParquet || cfg.Format == config.FormatBoth {
		p, err := sv.SaveParquet(base, out.Table)
		if err != nil {
			return paths, err
		}
		paths = append(paths, p)
	}
	if staging != nil {
		archives, err := staging.Commit()
		paths = append(paths, archives...)
		if err != nil {
			return paths, err
		}
	}

	for _, p := range paths {
		ev := orchestrator.Event{
			RunID:          out.RunID,
			FormID:         cfg.FormID,
			Name:           db.EventSaved,
			NumWorkers:     out.NumWorkers,
			NumSubmissions: out.ExpectedTotal,
			ErrCount:       out.Counters.Failures(),
			Counters:       out.Counters,
			Message:        filepath.Ext(p),
		}
		if err := db.LogExportEvent(ctx, getDB(), ev, p); err != nil {
			logger.Warn("Failed to record saved file.", "path", p, "error", err)
		}
	}
	return paths, nil
}

func printSummary(w io.Writer, out *orchestrator.Outcome, paths []string) {
	headline := color.New(color.FgGreen, color.Bold)
	if out.Counters.Failures() > 0 {
		headline = color.New(color.FgYellow, color.Bold)
	}
	headline.Fprintf(w, "Export complete: %s\n", out.Summary())
	fmt.Fprintf(w, "  workers: %d, took %s\n", out.NumWorkers, out.Duration.Round(time.Millisecond))
	for _, p := range paths {
		fmt.Fprintf(w, "  wrote %s\n", color.CyanString(p))
	}
	if out.Counters.AttachmentError > 0 {
		color.New(color.FgYellow).Fprintf(w, "  %d submissions had attachments that could not be downloaded\n", out.Counters.AttachmentError)
	}
}

func printFailure(w io.Writer, out *orchestrator.Outcome, err error) {
	red := color.New(color.FgRed, color.Bold)
	switch {
	case errors.Is(err, ferrors.ErrExportAborted):
		color.New(color.FgYellow).Fprintln(w, "Export cancelled; no files were written.")
	case errors.Is(err, ferrors.ErrAllRecordsFailed):
		red.Fprintln(w, "No submissions could be decrypted. Check that the secret key belongs to this form.")
	case errors.Is(err, ferrors.ErrNetwork):
		red.Fprintln(w, "The export failed while talking to the form server. Check your session and retry.")
	default:
		red.Fprintf(w, "Export failed: %v\n", err)
	}
	if out != nil && out.Counters.Received() > 0 {
		fmt.Fprintf(w, "  %s\n", out.Summary())
	}
}
