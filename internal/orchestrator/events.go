package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/brensch/formexport/internal/aggregator"
)

// Telemetry event names.
const (
	EventStart          = "start"
	EventSuccess        = "success"
	EventFailure        = "failure"
	EventPartialFailure = "partial-failure"
	EventNetworkFailure = "network-failure"
)

// Event is emitted to the Telemetry collaborator at the start and end of an export.
type Event struct {
	RunID          string
	FormID         string
	Name           string
	Duration       time.Duration
	NumWorkers     int
	NumSubmissions int
	ErrCount       int
	Counters       aggregator.Counters
	Message        string
}

// Telemetry receives export events. Implementations must not block for long.
type Telemetry interface {
	Emit(ctx context.Context, ev Event)
}

// Progress is a snapshot reported to Options.OnProgress.
type Progress struct {
	State      State
	Expected   int
	Dispatched int
	Counters   aggregator.Counters
}

// Archive is the attachment zip of one submission.
type Archive struct {
	SubmissionID string
	Data         []byte
}

// ArchiveStore keeps attachment zips as they arrive. When an export is
// aborted or fails, the Exporter discards the store.
type ArchiveStore interface {
	Put(a Archive) error
	Discard() error
}

// Outcome describes a finished export. Table is set only when State is StateFinalized.
type Outcome struct {
	RunID         string
	State         State
	ExpectedTotal int
	Dispatched    int
	NumWorkers    int
	Counters      aggregator.Counters
	Table         *aggregator.Table
	Archives      []Archive // only without Options.Archives
	Duration      time.Duration
}

// Summary renders the per-type counts for display, e.g. "8/10 decrypted, 2 failed".
func (o *Outcome) Summary() string {
	c := o.Counters
	s := fmt.Sprintf("%d/%d decrypted, %d failed", c.Success, o.ExpectedTotal, c.Errors())
	if c.Unverified > 0 {
		s += fmt.Sprintf(", %d unverified", c.Unverified)
	}
	return s
}
