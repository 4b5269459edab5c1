package workerpool

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// SizeFor picks the pool size. Attachment downloads run on a single worker to
// bound bandwidth and memory; plain decryption uses configured workers, or one
// per CPU when configured is not positive.
func SizeFor(downloadAttachments bool, configured int) int {
	if downloadAttachments {
		return 1
	}
	if configured > 0 {
		return configured
	}
	return runtime.NumCPU()
}

// Pool runs fn over dispatched tasks on a fixed set of workers. Task i goes to
// worker i mod Size(); each worker runs its tasks one at a time, in dispatch
// order. Results arrive on Results() in completion order.
type Pool[T, R any] struct {
	fn      func(context.Context, T) R
	inboxes []*inbox[T]
	results chan R
	next    atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	once   sync.Once
	logger *slog.Logger
}

// New starts size workers. The pool stops when ctx is cancelled or Terminate
// is called.
func New[T, R any](ctx context.Context, size int, fn func(context.Context, T) R, logger *slog.Logger) *Pool[T, R] {
	if size < 1 {
		size = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)

	p := &Pool[T, R]{
		fn:      fn,
		inboxes: make([]*inbox[T], size),
		results: make(chan R, size*2),
		ctx:     gctx,
		cancel:  cancel,
		group:   g,
		logger:  logger.With(slog.String("component", "workerpool")),
	}
	for i := range p.inboxes {
		p.inboxes[i] = newInbox[T]()
	}
	for i := range p.inboxes {
		id := i
		g.Go(func() error {
			p.work(id)
			return nil
		})
	}
	p.logger.Debug("Worker pool started.", slog.Int("workers", size))
	return p
}

// Size returns the number of workers.
func (p *Pool[T, R]) Size() int {
	return len(p.inboxes)
}

// Results delivers one value per completed task. It is closed by Terminate.
func (p *Pool[T, R]) Results() <-chan R {
	return p.results
}

// Dispatch queues task on the next worker in round-robin order and returns
// that worker's index. It never blocks. After Terminate it drops the task and
// returns -1.
func (p *Pool[T, R]) Dispatch(task T) int {
	if p.ctx.Err() != nil {
		return -1
	}
	idx := int((p.next.Add(1) - 1) % uint64(len(p.inboxes)))
	p.inboxes[idx].push(task)
	return idx
}

// Terminate stops all workers, discards queued tasks and closes Results.
// In-flight tasks see their context cancelled. Safe to call more than once.
func (p *Pool[T, R]) Terminate() {
	p.once.Do(func() {
		p.cancel()
		_ = p.group.Wait()
		close(p.results)
		dropped := 0
		for _, in := range p.inboxes {
			dropped += in.drain()
		}
		p.logger.Debug("Worker pool terminated.", slog.Int("dropped_tasks", dropped))
	})
}

func (p *Pool[T, R]) work(id int) {
	logger := p.logger.With(slog.Int("worker_id", id))
	in := p.inboxes[id]
	processed := 0
	defer func() {
		logger.Debug("Worker exiting.", slog.Int("processed", processed))
	}()

	for {
		task, ok := in.pop(p.ctx)
		if !ok {
			return
		}
		r := p.fn(p.ctx, task)
		processed++
		select {
		case p.results <- r:
		case <-p.ctx.Done():
			return
		}
	}
}

// inbox is an unbounded FIFO so dispatch never waits on a busy worker.
type inbox[T any] struct {
	mu     sync.Mutex
	queue  []T
	signal chan struct{}
}

func newInbox[T any]() *inbox[T] {
	return &inbox[T]{signal: make(chan struct{}, 1)}
}

func (in *inbox[T]) push(task T) {
	in.mu.Lock()
	in.queue = append(in.queue, task)
	in.mu.Unlock()
	select {
	case in.signal <- struct{}{}:
	default:
	}
}

// pop blocks until a task is available or ctx is done.
func (in *inbox[T]) pop(ctx context.Context) (T, bool) {
	for {
		if ctx.Err() != nil {
			var zero T
			return zero, false
		}
		in.mu.Lock()
		if len(in.queue) > 0 {
			task := in.queue[0]
			var zero T
			in.queue[0] = zero
			in.queue = in.queue[1:]
			in.mu.Unlock()
			return task, true
		}
		in.mu.Unlock()

		select {
		case <-in.signal:
		case <-ctx.Done():
			var zero T
			return zero, false
		}
	}
}

func (in *inbox[T]) drain() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	n := len(in.queue)
	in.queue = nil
	return n
}
