package inspector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/brensch/formexport/internal/aggregator"
)

// timestampFormat is the strptime form of util.DisplayLayout.
const timestampFormat = "%d %b %Y %I:%M:%S %p"

// FileSummary describes one exported Parquet file.
type FileSummary struct {
	Path     string
	Columns  []string
	Types    []string
	Rows     int64
	First    sql.NullTime
	Last     sql.NullTime
	Metadata map[string]string
}

// Summarize reads the schema, row count, submission time range and export
// metadata of an exported Parquet file. Range and metadata are best effort.
func Summarize(ctx context.Context, db *sql.DB, path string, logger *slog.Logger) (*FileSummary, error) {
	l := logger.With(slog.String("file", filepath.Base(path)))
	lit := quotePath(path)
	s := &FileSummary{Path: path, Metadata: make(map[string]string)}

	rows, err := db.QueryContext(ctx, fmt.Sprintf("DESCRIBE SELECT * FROM read_parquet(%s);", lit))
	if err != nil {
		return nil, fmt.Errorf("query schema for %s: %w", path, err)
	}
	for rows.Next() {
		var colName, colType, nullVal, keyVal, defaultVal, extraVal sql.NullString
		if err := rows.Scan(&colName, &colType, &nullVal, &keyVal, &defaultVal, &extraVal); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan schema row for %s: %w", path, err)
		}
		s.Columns = append(s.Columns, colName.String)
		s.Types = append(s.Types, colType.String)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schema rows for %s: %w", path, err)
	}

	if err := db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM read_parquet(%s);", lit)).Scan(&s.Rows); err != nil {
		return nil, fmt.Errorf("count rows of %s: %w", path, err)
	}

	rangeSQL := fmt.Sprintf(`SELECT MIN(strptime("%s", '%s')), MAX(strptime("%s", '%s')) FROM read_parquet(%s);`,
		aggregator.HeaderTimestamp, timestampFormat, aggregator.HeaderTimestamp, timestampFormat, lit)
	if err := db.QueryRowContext(ctx, rangeSQL).Scan(&s.First, &s.Last); err != nil {
		l.Warn("Could not read submission time range.", "error", err)
	}

	kv, err := db.QueryContext(ctx, fmt.Sprintf("SELECT key, value FROM parquet_kv_metadata(%s);", lit))
	if err != nil {
		l.Warn("Could not read export metadata.", "error", err)
		return s, nil
	}
	defer kv.Close()
	for kv.Next() {
		var k, v []byte
		if err := kv.Scan(&k, &v); err != nil {
			l.Warn("Could not scan export metadata.", "error", err)
			break
		}
		s.Metadata[string(k)] = string(v)
	}
	return s, nil
}

// FindExports lists the Parquet files in dir.
func FindExports(dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.parquet"))
	if err != nil {
		return nil, fmt.Errorf("failed glob parquet files in %s: %w", dir, err)
	}
	sort.Strings(files)
	return files, nil
}

// Inspect summarizes each Parquet file and prints the result to w. Files that
// cannot be read are reported together in the returned error.
func Inspect(ctx context.Context, db *sql.DB, files []string, w io.Writer, logger *slog.Logger) error {
	if len(files) == 0 {
		fmt.Fprintln(w, "No exported Parquet files found.")
		return nil
	}
	logger.Info("Summarizing parquet files.", slog.Int("count", len(files)))

	var finalErr error
	var summaries []*FileSummary
	for _, f := range files {
		s, err := Summarize(ctx, db, f, logger)
		if err != nil {
			logger.Error("Failed to summarize file.", "file", f, "error", err)
			finalErr = errors.Join(finalErr, err)
			continue
		}
		summaries = append(summaries, s)
	}

	for _, s := range summaries {
		fmt.Fprintf(w, "\n=== %s ===\n", filepath.Base(s.Path))
		keys := make([]string, 0, len(s.Metadata))
		for k := range s.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "  %-30s %s\n", k+":", s.Metadata[k])
		}
		fmt.Fprintf(w, "  %-30s | %s\n", "Column Name", "Column Type")
		fmt.Fprintln(w, "  "+strings.Repeat("-", 60))
		for i, c := range s.Columns {
			fmt.Fprintf(w, "  %-30s | %s\n", c, s.Types[i])
		}
	}

	fmt.Fprintf(w, "\n%-50s | %-8s | %-8s | %-25s | %-25s\n", "File", "Columns", "Rows", "First Submission (SGT)", "Last Submission (SGT)")
	fmt.Fprintln(w, strings.Repeat("-", 126))
	for _, s := range summaries {
		fmt.Fprintf(w, "%-50s | %-8d | %-8d | %-25s | %-25s\n", filepath.Base(s.Path), len(s.Columns), s.Rows, formatTime(s.First), formatTime(s.Last))
	}
	fmt.Fprintln(w, strings.Repeat("-", 126))
	return finalErr
}

func formatTime(t sql.NullTime) string {
	if !t.Valid {
		return "N/A"
	}
	// strptime yields a zone-less timestamp already in Singapore time.
	return t.Time.Format(time.DateTime)
}

func quotePath(p string) string {
	p = strings.ReplaceAll(p, `\`, `/`)
	return "'" + strings.ReplaceAll(p, "'", "''") + "'"
}
