package db

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/brensch/formexport/internal/orchestrator"

	_ "github.com/marcboeker/go-duckdb" // Driver
)

// EventSaved marks an artifact written to disk. The remaining event names come
// from the orchestrator's telemetry events.
const EventSaved = "saved"

// Schema SQL
const schemaSequenceSQL = `CREATE SEQUENCE IF NOT EXISTS export_event_id_seq;`
const schemaTableSQL = `
CREATE TABLE IF NOT EXISTS export_event_log (
    log_id            BIGINT PRIMARY KEY DEFAULT nextval('export_event_id_seq'),
    run_id            VARCHAR NOT NULL,
    form_id           VARCHAR NOT NULL,
    event             VARCHAR NOT NULL,
    event_timestamp   TIMESTAMP NOT NULL,
    num_workers       INTEGER,
    num_submissions   INTEGER,
    success_count     INTEGER,
    parse_errors      INTEGER,
    decryption_errors INTEGER,
    unverified        INTEGER,
    attachment_errors INTEGER,
    err_count         INTEGER,
    duration_ms       BIGINT,
    output_path       VARCHAR,
    message           VARCHAR
);
CREATE INDEX IF NOT EXISTS idx_export_event_log_run ON export_event_log (run_id);
CREATE INDEX IF NOT EXISTS idx_export_event_log_form_time ON export_event_log (form_id, event_timestamp);
`

// InitializeSchema creates the sequence and tables in the correct order.
func InitializeSchema(db *sql.DB) error {
	_, err := db.Exec(schemaSequenceSQL)
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "already exists") {
		return fmt.Errorf("failed to execute sequence setup: %w", err)
	}
	_, err = db.Exec(schemaTableSQL)
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "already exists") {
		return fmt.Errorf("failed to execute table/index setup: %w", err)
	}
	return nil
}

// LogExportEvent inserts one export event. outputPath may be empty.
func LogExportEvent(ctx context.Context, db *sql.DB, ev orchestrator.Event, outputPath string) error {
	query := `
        INSERT INTO export_event_log (
            run_id, form_id, event, event_timestamp, num_workers, num_submissions,
            success_count, parse_errors, decryption_errors, unverified, attachment_errors,
            err_count, duration_ms, output_path, message)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
    `
	c := ev.Counters
	_, err := db.ExecContext(ctx, query,
		ev.RunID,
		ev.FormID,
		ev.Name,
		time.Now().UTC(),
		ev.NumWorkers,
		ev.NumSubmissions,
		c.Success,
		c.ParseError,
		c.DecryptionError,
		c.Unverified,
		c.AttachmentError,
		ev.ErrCount,
		ev.Duration.Milliseconds(),
		sql.NullString{String: outputPath, Valid: outputPath != ""},
		sql.NullString{String: ev.Message, Valid: ev.Message != ""},
	)
	if err != nil {
		return fmt.Errorf("failed to log event '%s' for run '%s': %w", ev.Name, ev.RunID, err)
	}
	return nil
}

// EventRecord is one row of the export event log.
type EventRecord struct {
	RunID          string
	FormID         string
	Event          string
	Timestamp      time.Time
	NumSubmissions int64
	SuccessCount   int64
	ErrCount       int64
	DurationMs     int64
	OutputPath     string
	Message        string
}

// QueryEvents returns the most recent events, newest first. Empty filters match everything.
func QueryEvents(ctx context.Context, db *sql.DB, formFilter, eventFilter string, limit int) ([]EventRecord, error) {
	query := `
        SELECT run_id, form_id, event, event_timestamp, num_submissions, success_count,
               err_count, duration_ms, output_path, message
        FROM export_event_log
    `
	conditions := []string{}
	args := []any{}
	argCounter := 1

	if formFilter != "" {
		conditions = append(conditions, fmt.Sprintf("form_id = $%d", argCounter))
		args = append(args, formFilter)
		argCounter++
	}
	if eventFilter != "" {
		conditions = append(conditions, fmt.Sprintf("event = $%d", argCounter))
		args = append(args, eventFilter)
		argCounter++
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY event_timestamp DESC, log_id DESC LIMIT $%d", argCounter)
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query event log: %w", err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var rec EventRecord
		var numSubs, success, errCount, duration sql.NullInt64
		var outputPath, message sql.NullString
		if err := rows.Scan(&rec.RunID, &rec.FormID, &rec.Event, &rec.Timestamp, &numSubs, &success, &errCount, &duration, &outputPath, &message); err != nil {
			return nil, fmt.Errorf("failed to scan event log row: %w", err)
		}
		rec.NumSubmissions = numSubs.Int64
		rec.SuccessCount = success.Int64
		rec.ErrCount = errCount.Int64
		rec.DurationMs = duration.Int64
		rec.OutputPath = outputPath.String
		rec.Message = message.String
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event log rows: %w", err)
	}
	return out, nil
}

// DisplayExportHistory prints the event log to w.
func DisplayExportHistory(ctx context.Context, db *sql.DB, w io.Writer, formFilter, eventFilter string, limit int) error {
	records, err := QueryEvents(ctx, db, formFilter, eventFilter, limit)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "--- Export Event History (Limit %d) ---\n", limit)
	fmt.Fprintf(w, "%-36s | %-24s | %-15s | %-25s | %-9s | %-9s | %-10s | %s\n",
		"Run ID", "Form ID", "Event", "Timestamp (UTC)", "Success", "Errors", "DurationMS", "Message/Output")
	fmt.Fprintln(w, strings.Repeat("-", 170))

	for _, rec := range records {
		details := rec.Message
		if rec.OutputPath != "" {
			details = rec.OutputPath
		}
		fmt.Fprintf(w, "%-36s | %-24s | %-15s | %-25s | %-9d | %-9d | %-10d | %s\n",
			rec.RunID, rec.FormID, rec.Event, rec.Timestamp.Format("2006-01-02 15:04:05.000"),
			rec.SuccessCount, rec.ErrCount, rec.DurationMs, details)
	}
	if len(records) == 0 {
		fmt.Fprintln(w, "No events found matching criteria.")
	}
	fmt.Fprintln(w, strings.Repeat("-", 170))
	return nil
}

// Sink writes orchestrator telemetry to the event log.
type Sink struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSink returns a telemetry sink backed by db.
func NewSink(db *sql.DB, logger *slog.Logger) *Sink {
	return &Sink{db: db, logger: logger.With(slog.String("component", "db"))}
}

// Emit records ev. Failures are logged, never returned; telemetry must not fail an export.
func (s *Sink) Emit(ctx context.Context, ev orchestrator.Event) {
	if err := LogExportEvent(ctx, s.db, ev, ""); err != nil {
		s.logger.Warn("Failed to record export event.", "event", ev.Name, "error", err)
	}
}
