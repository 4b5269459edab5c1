package workerpool

import (
	"context"
	"io"
	"log/slog"
	"runtime"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSizeFor(t *testing.T) {
	tests := []struct {
		name        string
		attachments bool
		configured  int
		want        int
	}{
		{"attachments force a single worker", true, 8, 1},
		{"configured workers", false, 3, 3},
		{"defaults to cpu count", false, 0, runtime.NumCPU()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SizeFor(tt.attachments, tt.configured); got != tt.want {
				t.Errorf("SizeFor = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestDispatchRoundRobin(t *testing.T) {
	p := New(context.Background(), 3, func(_ context.Context, n int) int { return n }, discardLogger())
	defer p.Terminate()

	want := []int{0, 1, 2, 0, 1, 2, 0}
	for i, w := range want {
		if got := p.Dispatch(i); got != w {
			t.Errorf("task %d went to worker %d, want %d", i, got, w)
		}
	}
	for range want {
		<-p.Results()
	}
}

func TestWorkersPreserveDispatchOrder(t *testing.T) {
	const size, total = 4, 400
	p := New(context.Background(), size, func(_ context.Context, n int) int { return n }, discardLogger())
	defer p.Terminate()

	for i := 0; i < total; i++ {
		p.Dispatch(i)
	}

	last := make([]int, size)
	for i := range last {
		last[i] = -1
	}
	for i := 0; i < total; i++ {
		select {
		case n := <-p.Results():
			w := n % size
			if n <= last[w] {
				t.Fatalf("worker %d returned %d after %d", w, n, last[w])
			}
			last[w] = n
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after %d results", i)
		}
	}
}

func TestDispatchDoesNotBlockOnUnreadResults(t *testing.T) {
	p := New(context.Background(), 2, func(_ context.Context, n int) int { return n }, discardLogger())
	defer p.Terminate()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			p.Dispatch(i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("dispatch blocked while results were unread")
	}

	seen := 0
	for seen < 1000 {
		<-p.Results()
		seen++
	}
}

func TestTerminateStopsInFlightWork(t *testing.T) {
	started := make(chan struct{}, 1)
	p := New(context.Background(), 1, func(ctx context.Context, n int) int {
		started <- struct{}{}
		<-ctx.Done()
		return n
	}, discardLogger())

	p.Dispatch(1)
	p.Dispatch(2)
	<-started

	terminated := make(chan struct{})
	go func() {
		p.Terminate()
		close(terminated)
	}()
	select {
	case <-terminated:
	case <-time.After(5 * time.Second):
		t.Fatalf("Terminate did not return")
	}

	for range p.Results() {
		// Drains to closure; a result racing cancellation may or may not arrive.
	}
	if idx := p.Dispatch(3); idx != -1 {
		t.Errorf("Dispatch after Terminate = %d, want -1", idx)
	}
	p.Terminate()
}

func TestParentContextCancelsPool(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := New(ctx, 2, func(ctx context.Context, n int) int {
		<-ctx.Done()
		return n
	}, discardLogger())
	p.Dispatch(1)
	cancel()
	p.Terminate()
	if p.Dispatch(2) != -1 {
		t.Errorf("expected dispatch to be rejected once the parent context is done")
	}
}
