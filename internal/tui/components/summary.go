package components

import (
	"fmt"
	"strings"

	"github.com/openUC2/ImTools/internal/engine"
)

// SummaryData aggregates counts for rendering summaries.
type SummaryData struct {
	Total     int
	Completed int
	Retries   int
	Cursor    int
	Outcome   engine.Status
	Cancelled bool
	Failure   string
}

// Summary renders a textual execution summary.
type Summary struct {
	data SummaryData
}

// NewSummary creates a new Summary component.
func NewSummary(data SummaryData) Summary {
	return Summary{data: data}
}

// View renders the summary.
func (s Summary) View() string {
	var lines []string
	if s.data.Total > 0 {
		lines = append(lines, fmt.Sprintf("Steps: %d/%d completed", s.data.Completed, s.data.Total))
	}
	if s.data.Retries > 0 {
		lines = append(lines, fmt.Sprintf("Retries: %d", s.data.Retries))
	}

	switch s.data.Outcome {
	case engine.StatusCompleted:
		lines = append(lines, "Workflow finished successfully")
	case engine.StatusFailed:
		lines = append(lines, fmt.Sprintf("Workflow failed, resume from step %d", s.data.Cursor))
		if s.data.Failure != "" {
			lines = append(lines, "  "+s.data.Failure)
		}
	case engine.StatusStopped:
		lines = append(lines, fmt.Sprintf("Workflow stopped, resume from step %d", s.data.Cursor))
	default:
		if s.data.Cancelled {
			lines = append(lines, "Stop requested, waiting for the current step")
		}
	}

	return strings.Join(lines, "\n")
}
