package aggregator

import (
	"encoding/csv"
	"fmt"
	"io"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Table is the finalized export: a metadata preamble, one header row and the
// data rows, oldest submission first.
type Table struct {
	Metadata [][]string
	Header   []string
	Rows     [][]string
	Counters Counters
}

// Records returns every row in output order.
func (t *Table) Records() [][]string {
	out := make([][]string, 0, len(t.Metadata)+1+len(t.Rows))
	out = append(out, t.Metadata...)
	out = append(out, t.Header)
	out = append(out, t.Rows...)
	return out
}

// WriteCSV writes the table as UTF-8 CSV with a leading byte order mark.
func (t *Table) WriteCSV(w io.Writer) error {
	bw := transform.NewWriter(w, unicode.UTF8BOM.NewEncoder())
	cw := csv.NewWriter(bw)
	if err := cw.WriteAll(t.Records()); err != nil {
		return fmt.Errorf("failed to write csv: %w", err)
	}
	if err := bw.Close(); err != nil {
		return fmt.Errorf("failed to flush csv: %w", err)
	}
	return nil
}
