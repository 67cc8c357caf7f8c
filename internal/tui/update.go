package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/openUC2/ImTools/internal/engine"
)

// Update handles Bubbletea messages and updates model state.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		return m, nil
	case EventMsg:
		return m.handleEvent(msg)
	case tea.WindowSizeMsg:
		// title, progress, two headers and the summary
		if size := msg.Height - 10; size > 3 {
			m.window = size
		}
		return m, nil
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC || msg.String() == "q" {
			if m.cancelled || m.finished {
				return m, tea.Quit
			}
			m.cancelled = true
			if m.stop != nil {
				m.stop()
			}
			return m, nil
		}
	case tea.QuitMsg:
		m.finished = true
		return m, nil
	}
	return m, nil
}

func (m Model) handleEvent(msg EventMsg) (tea.Model, tea.Cmd) {
	evt := msg.Event
	if evt.Name == engine.EventWorkflow {
		if evt.Status == engine.StatusStarted {
			m.rows = append(m.rows[:0:0], m.rows...)
			for i := evt.Cursor; i < len(m.rows); i++ {
				m.rows[i].Status = ""
				m.rows[i].Error = ""
			}
			m.current = evt.Cursor
			m.outcome = ""
			m.finished = false
			return m, nil
		}
		m.outcome = evt.Status
		m.cursor = evt.Cursor
		m.finished = true
		return m, tea.Quit
	}

	idx := m.locate(evt.StepID)
	if idx < 0 {
		return m, nil
	}
	m.rows = append(m.rows[:0:0], m.rows...)
	row := &m.rows[idx]
	m.current = idx
	row.Status = evt.Status
	if evt.Attempt > 0 {
		row.Attempt = evt.Attempt
	}

	switch evt.Status {
	case engine.StatusStarted:
		row.Started = msg.Time
		row.Duration = 0
		row.Error = ""
	case engine.StatusRetrying:
		row.Error = evt.Error
		m.retries++
	case engine.StatusCompleted, engine.StatusFailed:
		if !row.Started.IsZero() {
			row.Duration = msg.Time.Sub(row.Started)
		}
		if evt.Status == engine.StatusFailed {
			row.Error = evt.Error
			m.failure = evt.StepID + ": " + evt.Error
		}
	}
	return m, nil
}
