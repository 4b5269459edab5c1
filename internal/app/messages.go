package app

import (
	"fmt"
	"time"

	"github.com/brensch/formexport/internal/orchestrator"
)

// ProgressMsg carries the latest exporter snapshot.
type ProgressMsg struct {
	Progress orchestrator.Progress
	At       time.Time
}

// ExportFinishedMsg signals that the export goroutine returned.
type ExportFinishedMsg struct {
	Outcome   *orchestrator.Outcome
	Err       error
	StartTime time.Time
	EndTime   time.Time
}

func NewProgress(p orchestrator.Progress) ProgressMsg {
	return ProgressMsg{Progress: p, At: time.Now()}
}

func NewExportFinished(start time.Time, out *orchestrator.Outcome, err error) ExportFinishedMsg {
	return ExportFinishedMsg{
		Outcome:   out,
		Err:       err,
		StartTime: start,
		EndTime:   time.Now(),
	}
}

func (p ProgressMsg) String() string {
	return fmt.Sprintf("Progress %s: %d/%d", p.Progress.State, p.Progress.Counters.Received(), p.Progress.Expected)
}

func (f ExportFinishedMsg) String() string {
	if f.Err != nil {
		return fmt.Sprintf("ExportFinished: %v", f.Err)
	}
	return "ExportFinished"
}
