package aggregator

import "time"

// Allocation is the column layout of one field: the question shown in the
// header and how many columns the field spans.
type Allocation struct {
	Question  string
	CreatedAt time.Time
	NumCols   int
}

// FoldAllocation merges observation b into a. NumCols is the maximum of the
// two; Question comes from whichever was created later, with b winning a tie.
// The zero Allocation is the identity.
func FoldAllocation(a, b Allocation) Allocation {
	out := a
	if !b.CreatedAt.Before(a.CreatedAt) {
		out.Question = b.Question
		out.CreatedAt = b.CreatedAt
	}
	if b.NumCols > out.NumCols {
		out.NumCols = b.NumCols
	}
	return out
}
