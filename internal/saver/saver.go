package saver

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/brensch/formexport/internal/aggregator"
	"github.com/brensch/formexport/internal/orchestrator"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

var (
	unsafeFileChars   = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]+`)
	unsafeColumnChars = regexp.MustCompile(`[^\p{L}\p{N}_]+`)
)

// Saver writes export artifacts into a single directory.
type Saver struct {
	dir    string
	logger *slog.Logger
}

// New creates dir if needed.
func New(dir string, logger *slog.Logger) (*Saver, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory '%s': %w", dir, err)
	}
	return &Saver{dir: dir, logger: logger.With(slog.String("component", "saver"))}, nil
}

// BaseName is the artifact name for a form: "<title>-<formId>", with the form
// id standing in for a missing title.
func BaseName(formTitle, formID string) string {
	title := strings.TrimSpace(formTitle)
	if title == "" {
		title = formID
	}
	return sanitizeFileName(title + "-" + formID)
}

func sanitizeFileName(name string) string {
	name = unsafeFileChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, ". ")
	if name == "" {
		return "export"
	}
	return name
}

// SaveCSV writes t as <base>.csv and returns the path. The file appears only
// once fully written.
func (s *Saver) SaveCSV(base string, t *aggregator.Table) (string, error) {
	path := filepath.Join(s.dir, base+".csv")
	tmp, err := os.CreateTemp(s.dir, "."+base+"-*.csv.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file in %s: %w", s.dir, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op after a successful rename

	if err := t.WriteCSV(tmp); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return "", fmt.Errorf("failed to move csv into place at %s: %w", path, err)
	}
	s.logger.Info("CSV saved.", slog.String("path", path), slog.Int("rows", len(t.Rows)))
	return path, nil
}

// SaveParquet writes the header and data rows of t as <base>.parquet. Every
// column is an optional UTF-8 string; the metadata preamble is stored as
// key/value file metadata.
func (s *Saver) SaveParquet(base string, t *aggregator.Table) (path string, err error) {
	path = filepath.Join(s.dir, base+".parquet")
	meta := ParquetSchema(t.Header)

	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return "", fmt.Errorf("failed to create parquet file %s: %w", path, err)
	}
	defer func() {
		if closeErr := fw.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("close %s: %w", path, closeErr))
		}
	}()

	pw, err := writer.NewCSVWriter(meta, fw, 4)
	if err != nil {
		return "", fmt.Errorf("failed to init parquet writer for %s: %w", path, err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, row := range t.Metadata {
		if len(row) == 0 {
			continue
		}
		value := ""
		if len(row) > 1 {
			value = row[1]
		}
		pw.Footer.KeyValueMetadata = append(pw.Footer.KeyValueMetadata, &parquet.KeyValue{Key: row[0], Value: &value})
	}

	for i, row := range t.Rows {
		rec := make([]*string, len(row))
		for j := range row {
			if row[j] == "" {
				continue
			}
			v := row[j]
			rec[j] = &v
		}
		if err := pw.WriteString(rec); err != nil {
			_ = pw.WriteStop()
			return "", fmt.Errorf("failed to write parquet row %d: %w", i, err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return "", fmt.Errorf("failed to finish parquet file %s: %w", path, err)
	}
	s.logger.Info("Parquet saved.", slog.String("path", path), slog.Int("rows", len(t.Rows)))
	return path, nil
}

// ParquetSchema builds CSV-writer schema entries for header. Column names are
// reduced to letters, digits and underscores and made unique.
func ParquetSchema(header []string) []string {
	meta := make([]string, len(header))
	seen := make(map[string]bool, len(header))
	for i, h := range header {
		name := strings.Trim(unsafeColumnChars.ReplaceAllString(h, "_"), "_")
		if name == "" {
			name = fmt.Sprintf("column_%d", i)
		}
		if r := name[0]; !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			name = "c_" + name
		}
		// A suffixed name can collide with a later header; retry until unused.
		for base, n := name, 2; seen[name]; n++ {
			name = base + "_" + strconv.Itoa(n)
		}
		seen[name] = true
		meta[i] = fmt.Sprintf("name=%s, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL", name)
	}
	return meta
}

// Staging keeps attachment archives in a hidden directory under the output
// directory until Commit moves them into place.
type Staging struct {
	saver *Saver
	dir   string
	names []string
}

// NewStaging creates an empty staging directory.
func (s *Saver) NewStaging() (*Staging, error) {
	dir, err := os.MkdirTemp(s.dir, ".attachments-")
	if err != nil {
		return nil, fmt.Errorf("failed to create attachment staging directory: %w", err)
	}
	return &Staging{saver: s, dir: dir}, nil
}

// Put writes the attachment zip of one submission as "RefNo <id>.zip".
func (st *Staging) Put(a orchestrator.Archive) error {
	name := sanitizeFileName("RefNo "+a.SubmissionID) + ".zip"
	if err := os.WriteFile(filepath.Join(st.dir, name), a.Data, 0o644); err != nil {
		return fmt.Errorf("failed to write attachments for %s: %w", a.SubmissionID, err)
	}
	st.names = append(st.names, name)
	st.saver.logger.Debug("Attachment archive staged.", slog.String("file", name), slog.Int("bytes", len(a.Data)))
	return nil
}

// Commit moves every staged archive into the output directory and returns
// their paths. The staging directory is removed afterwards.
func (st *Staging) Commit() ([]string, error) {
	paths := make([]string, 0, len(st.names))
	for _, name := range st.names {
		dst := filepath.Join(st.saver.dir, name)
		if err := os.Rename(filepath.Join(st.dir, name), dst); err != nil {
			return paths, fmt.Errorf("failed to move %s into place: %w", name, err)
		}
		paths = append(paths, dst)
	}
	st.names = nil
	return paths, st.Discard()
}

// Discard removes the staging directory and anything left in it. It is safe
// to call more than once.
func (st *Staging) Discard() error {
	if err := os.RemoveAll(st.dir); err != nil {
		return fmt.Errorf("failed to remove %s: %w", st.dir, err)
	}
	return nil
}
