package inspector

import (
	"bytes"
	"context"
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/brensch/formexport/internal/aggregator"
	"github.com/brensch/formexport/internal/decrypt"
	"github.com/brensch/formexport/internal/response"
	"github.com/brensch/formexport/internal/saver"

	_ "github.com/marcboeker/go-duckdb"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func exportFixture(t *testing.T, dir string) string {
	t.Helper()
	acc := aggregator.New(2)
	for i, id := range []string{"sub-a", "sub-b"} {
		acc.AddResult(decrypt.Result{
			SubmissionID: id,
			Status:       decrypt.StatusSuccess,
			Row: &decrypt.Row{
				SubmissionID: id,
				CreatedAt:    time.Date(2024, 5, 1+i, 2, 0, 0, 0, time.UTC),
				Answers: []response.Answer{
					{ID: "f1", Question: "Name", Kind: response.KindSingle, Single: id},
				},
			},
		})
	}
	sv, err := saver.New(dir, discardLogger())
	if err != nil {
		t.Fatalf("saver.New: %v", err)
	}
	path, err := sv.SaveParquet("Survey-f0rm", acc.Finalize())
	if err != nil {
		t.Fatalf("SaveParquet: %v", err)
	}
	return path
}

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("duckdb", "")
	if err != nil {
		t.Fatalf("open duckdb: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSummarize(t *testing.T) {
	path := exportFixture(t, t.TempDir())
	s, err := Summarize(context.Background(), openDB(t), path, discardLogger())
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if s.Rows != 2 {
		t.Errorf("Rows = %d, want 2", s.Rows)
	}
	want := []string{"Reference_number", "Timestamp", "Name"}
	if strings.Join(s.Columns, ",") != strings.Join(want, ",") {
		t.Errorf("Columns = %v, want %v", s.Columns, want)
	}
}

func TestInspect(t *testing.T) {
	dir := t.TempDir()
	exportFixture(t, dir)
	files, err := FindExports(dir)
	if err != nil || len(files) != 1 {
		t.Fatalf("FindExports = %v, %v", files, err)
	}

	var out bytes.Buffer
	if err := Inspect(context.Background(), openDB(t), files, &out, discardLogger()); err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if !strings.Contains(out.String(), "Survey-f0rm.parquet") {
		t.Errorf("output does not name the file:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "Reference_number") {
		t.Errorf("output lacks the schema:\n%s", out.String())
	}
}

func TestInspectMissingFile(t *testing.T) {
	var out bytes.Buffer
	err := Inspect(context.Background(), openDB(t), []string{filepath.Join(t.TempDir(), "gone.parquet")}, &out, discardLogger())
	if err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
