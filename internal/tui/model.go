// Package tui renders a live view of a workflow run with Bubbletea.
package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/openUC2/ImTools/internal/engine"
	"github.com/openUC2/ImTools/internal/tui/components"
)

const defaultWindow = 12

// EventMsg delivers one engine event to the model.
type EventMsg struct {
	Event engine.Event
	Time  time.Time
}

type tickMsg struct{}

// Forward returns a listener that hands events to send, typically
// (*tea.Program).Send.
func Forward(send func(tea.Msg)) engine.Listener {
	return func(evt engine.Event) error {
		send(EventMsg{Event: evt, Time: time.Now()})
		return nil
	}
}

// Attach subscribes p to the progress and workflow events of ec.
func Attach(ec *engine.ExecutionContext, p *tea.Program) func() {
	listener := Forward(p.Send)
	subs := []engine.Subscription{
		ec.Subscribe(engine.EventProgress, listener),
		ec.Subscribe(engine.EventWorkflow, listener),
	}
	return func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}
}

// Model contains the Bubbletea state for a running workflow.
type Model struct {
	title     string
	rows      []components.StepRow
	current   int
	retries   int
	cursor    int
	outcome   engine.Status
	failure   string
	window    int
	finished  bool
	cancelled bool
	stop      func()
}

// NewModel builds a model over the steps of a workflow. stop is called on
// the first Ctrl-C; it may be nil.
func NewModel(title string, steps []*engine.Step, stop func()) Model {
	rows := make([]components.StepRow, len(steps))
	for i, step := range steps {
		rows[i] = components.StepRow{ID: step.ID(), Name: step.Name()}
	}
	return Model{title: title, rows: rows, window: defaultWindow, stop: stop}
}

// Init starts the Bubbletea program.
func (m Model) Init() tea.Cmd {
	return tea.Tick(time.Millisecond, func(time.Time) tea.Msg { return tickMsg{} })
}

// TotalSteps returns the number of steps in the workflow.
func (m Model) TotalSteps() int { return len(m.rows) }

// CompletedSteps returns the number of steps whose last run completed.
func (m Model) CompletedSteps() int {
	n := 0
	for _, row := range m.rows {
		if row.Status == engine.StatusCompleted {
			n++
		}
	}
	return n
}

// IsFinished reports whether the workflow returned.
func (m Model) IsFinished() bool { return m.finished }

// Outcome returns the final workflow status, empty while running.
func (m Model) Outcome() engine.Status { return m.outcome }

// locate returns the row index of id at or after the current position,
// falling back to the first match anywhere.
func (m *Model) locate(id string) int {
	for i := m.current; i < len(m.rows); i++ {
		if m.rows[i].ID == id {
			return i
		}
	}
	for i := range m.rows {
		if m.rows[i].ID == id {
			return i
		}
	}
	return -1
}
