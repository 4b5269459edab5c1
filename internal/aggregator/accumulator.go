package aggregator

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/brensch/formexport/internal/decrypt"
	"github.com/brensch/formexport/internal/response"
	"github.com/brensch/formexport/internal/util"
)

// Fixed leading columns and the delimiter for multi-valued cells.
const (
	HeaderReference = "Reference number"
	HeaderTimestamp = "Timestamp"
	CellDelimiter   = ";"
)

type accumulatedRow struct {
	submissionID string
	createdAt    time.Time
	cells        map[string]response.Answer
}

// Accumulator folds results, in any arrival order, into a table whose columns
// are discovered as rows arrive. It is owned by a single goroutine.
type Accumulator struct {
	expectedTotal int
	counters      Counters
	fieldOrder    []string
	allocations   map[string]Allocation
	rows          []accumulatedRow
	table         *Table
}

// New creates an Accumulator for an export of expectedTotal submissions.
func New(expectedTotal int) *Accumulator {
	return &Accumulator{
		expectedTotal: expectedTotal,
		allocations:   make(map[string]Allocation),
	}
}

// ExpectedTotal returns the count the export started with.
func (a *Accumulator) ExpectedTotal() int {
	return a.expectedTotal
}

// Counters returns a snapshot of the result tallies.
func (a *Accumulator) Counters() Counters {
	return a.counters
}

// Len returns the number of rows collected so far.
func (a *Accumulator) Len() int {
	return len(a.rows)
}

// AddResult counts res and, for successful or unverified results, folds its
// row into the table. Results added after Finalize are ignored.
func (a *Accumulator) AddResult(res decrypt.Result) {
	if a.table != nil {
		return
	}
	a.counters.Record(res.Status)
	if !res.Status.HasRow() || res.Row == nil {
		return
	}

	row := accumulatedRow{
		submissionID: res.Row.SubmissionID,
		createdAt:    res.Row.CreatedAt,
		cells:        make(map[string]response.Answer, len(res.Row.Answers)),
	}
	for _, ans := range res.Row.Answers {
		if ans.IsSection() {
			continue
		}
		current, seen := a.allocations[ans.ID]
		if !seen {
			a.fieldOrder = append(a.fieldOrder, ans.ID)
		}
		a.allocations[ans.ID] = FoldAllocation(current, Allocation{
			Question:  ans.Question,
			CreatedAt: res.Row.CreatedAt,
			NumCols:   ans.Width(),
		})
		row.cells[ans.ID] = ans
	}
	a.rows = append(a.rows, row)
}

// Allocation returns the current layout of a field.
func (a *Accumulator) Allocation(fieldID string) (Allocation, bool) {
	alloc, ok := a.allocations[fieldID]
	return alloc, ok
}

// Finalize builds the table. Later calls return the same table.
func (a *Accumulator) Finalize() *Table {
	if a.table != nil {
		return a.table
	}

	sort.SliceStable(a.rows, func(i, j int) bool {
		ri, rj := a.rows[i], a.rows[j]
		if !ri.createdAt.Equal(rj.createdAt) {
			return ri.createdAt.Before(rj.createdAt)
		}
		return ri.submissionID < rj.submissionID
	})

	header := []string{HeaderReference, HeaderTimestamp}
	for _, id := range a.fieldOrder {
		alloc := a.allocations[id]
		for i := 0; i < alloc.NumCols; i++ {
			header = append(header, alloc.Question)
		}
	}

	rows := make([][]string, 0, len(a.rows))
	for _, r := range a.rows {
		line := make([]string, 0, len(header))
		line = append(line, r.submissionID, util.FormatSubmissionTime(r.createdAt))
		for _, id := range a.fieldOrder {
			numCols := a.allocations[id].NumCols
			ans, ok := r.cells[id]
			for col := 0; col < numCols; col++ {
				if !ok {
					line = append(line, "")
					continue
				}
				line = append(line, util.EscapeFormula(cellValue(ans, col)))
			}
		}
		rows = append(rows, line)
	}

	a.table = &Table{
		Metadata: metadataRows(a.expectedTotal, a.counters),
		Header:   header,
		Rows:     rows,
		Counters: a.counters,
	}
	return a.table
}

// cellValue renders column col of an answer. Values fill the leftmost
// columns; any columns beyond the answer's own width are blank. Padding goes
// on the right, as in the web export (DESIGN.md, decision 1).
func cellValue(ans response.Answer, col int) string {
	switch ans.Kind {
	case response.KindSingle:
		if col == 0 {
			return ans.Single
		}
	case response.KindArray:
		if col == 0 {
			return strings.Join(ans.Array, CellDelimiter)
		}
	case response.KindNested:
		if col < len(ans.Nested) {
			return strings.Join(ans.Nested[col], CellDelimiter)
		}
	}
	return ""
}

func metadataRows(expected int, c Counters) [][]string {
	return [][]string{
		{"Expected total responses", strconv.Itoa(expected)},
		{"Success count", strconv.Itoa(c.Success)},
		{"Error count", strconv.Itoa(c.Errors())},
		{"Unverified response count", strconv.Itoa(c.Unverified)},
		{"See download status column for download errors"},
	}
}
