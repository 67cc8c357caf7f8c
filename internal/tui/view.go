package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/openUC2/ImTools/internal/engine"
	"github.com/openUC2/ImTools/internal/tui/components"
)

// View renders the current state of the model.
func (m Model) View() string {
	var sections []string

	sections = append(sections, titleStyle.Render(fmt.Sprintf("ImTools • %s", m.heading())))

	progress := components.NewProgress(len(m.rows)).View(m.CompletedSteps())
	sections = append(sections, sectionStyle.Render("Progress"), progress)

	if entries := components.NewStepList(m.rows).Window(m.window); len(entries) > 0 {
		sections = append(sections, sectionStyle.Render("Steps"), renderRows(entries))
	}

	summary := components.NewSummary(components.SummaryData{
		Total:     len(m.rows),
		Completed: m.CompletedSteps(),
		Retries:   m.retries,
		Cursor:    m.cursor,
		Outcome:   m.outcome,
		Cancelled: m.cancelled,
		Failure:   m.failure,
	}).View()
	if strings.TrimSpace(summary) != "" {
		sections = append(sections, sectionStyle.Render("Summary"), summaryStyle.Render(summary))
	}

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func renderRows(rows []components.StepRow) string {
	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		line := fmt.Sprintf(" %s %s", StatusIcon(row.Status), row.Label())
		if row.Attempt > 1 {
			line = fmt.Sprintf("%s [attempt %d]", line, row.Attempt)
		}
		if row.Error != "" {
			line = fmt.Sprintf("%s: %s", line, failureStyle.Render(row.Error))
		}
		if row.Duration > 0 {
			line = fmt.Sprintf("%s (%s)", line, row.Duration.Truncate(10*time.Millisecond))
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func (m Model) heading() string {
	if strings.TrimSpace(m.title) != "" {
		return m.title
	}
	return "Workflow"
}

// StatusIcon returns the glyph representing a step status.
func StatusIcon(status engine.Status) string {
	switch status {
	case engine.StatusCompleted:
		return completedStyle.Render("✓")
	case engine.StatusStarted:
		return runningStyle.Render("⏳")
	case engine.StatusRetrying:
		return retryingStyle.Render("↻")
	case engine.StatusFailed:
		return failureStyle.Render("✗")
	case engine.StatusStopped:
		return stoppedStyle.Render("⊘")
	default:
		return pendingStyle.Render("…")
	}
}
