package aggregator

import (
	"testing"
	"time"
)

func TestFoldAllocation(t *testing.T) {
	jan := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	jun := time.Date(2020, 6, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		a, b Allocation
		want Allocation
	}{
		{
			name: "zero value is identity",
			a:    Allocation{},
			b:    Allocation{Question: "Q", CreatedAt: jan, NumCols: 2},
			want: Allocation{Question: "Q", CreatedAt: jan, NumCols: 2},
		},
		{
			name: "later question wins",
			a:    Allocation{Question: "Old?", CreatedAt: jan, NumCols: 1},
			b:    Allocation{Question: "New?", CreatedAt: jun, NumCols: 1},
			want: Allocation{Question: "New?", CreatedAt: jun, NumCols: 1},
		},
		{
			name: "earlier question does not replace",
			a:    Allocation{Question: "New?", CreatedAt: jun, NumCols: 1},
			b:    Allocation{Question: "Old?", CreatedAt: jan, NumCols: 4},
			want: Allocation{Question: "New?", CreatedAt: jun, NumCols: 4},
		},
		{
			name: "width never shrinks",
			a:    Allocation{Question: "T", CreatedAt: jan, NumCols: 5},
			b:    Allocation{Question: "T", CreatedAt: jun, NumCols: 2},
			want: Allocation{Question: "T", CreatedAt: jun, NumCols: 5},
		},
		{
			name: "tie goes to the last applied",
			a:    Allocation{Question: "First", CreatedAt: jan, NumCols: 1},
			b:    Allocation{Question: "Second", CreatedAt: jan, NumCols: 1},
			want: Allocation{Question: "Second", CreatedAt: jan, NumCols: 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FoldAllocation(tt.a, tt.b)
			if got.Question != tt.want.Question || !got.CreatedAt.Equal(tt.want.CreatedAt) || got.NumCols != tt.want.NumCols {
				t.Errorf("FoldAllocation = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestFoldAllocationOrderIndependent(t *testing.T) {
	base := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	obs := []Allocation{
		{Question: "v1", CreatedAt: base, NumCols: 3},
		{Question: "v2", CreatedAt: base.Add(time.Hour), NumCols: 1},
		{Question: "v3", CreatedAt: base.Add(2 * time.Hour), NumCols: 2},
		{Question: "v0", CreatedAt: base.Add(-time.Hour), NumCols: 6},
	}
	orders := [][]int{{0, 1, 2, 3}, {3, 2, 1, 0}, {2, 0, 3, 1}, {1, 3, 0, 2}}

	for _, order := range orders {
		var acc Allocation
		for _, i := range order {
			acc = FoldAllocation(acc, obs[i])
		}
		if acc.Question != "v3" || acc.NumCols != 6 {
			t.Errorf("order %v: got %+v, want question v3 and 6 columns", order, acc)
		}
	}
}
