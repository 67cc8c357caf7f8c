package components

import (
	"time"

	"github.com/openUC2/ImTools/internal/engine"
)

// StepRow is the display state of one workflow step. An empty Status means
// the step has not been reached yet.
type StepRow struct {
	ID       string
	Name     string
	Status   engine.Status
	Attempt  int
	Error    string
	Started  time.Time
	Duration time.Duration
}

// Label returns the step name, or the id when the step is unnamed.
func (r StepRow) Label() string {
	if r.Name != "" {
		return r.Name
	}
	return r.ID
}

// StepList renders a window of steps with their current status.
type StepList struct {
	rows []StepRow
}

// NewStepList constructs a step list over rows in workflow order.
func NewStepList(rows []StepRow) StepList {
	return StepList{rows: rows}
}

// Window returns at most size rows ending just after the most recent step
// that has a status, so long scans keep the active tile in view. A
// non-positive size returns every row.
func (s StepList) Window(size int) []StepRow {
	if size <= 0 || len(s.rows) <= size {
		return append([]StepRow(nil), s.rows...)
	}
	last := 0
	for i, row := range s.rows {
		if row.Status != "" {
			last = i
		}
	}
	end := last + 2
	if end > len(s.rows) {
		end = len(s.rows)
	}
	start := end - size
	if start < 0 {
		start = 0
		end = size
	}
	return append([]StepRow(nil), s.rows[start:end]...)
}
