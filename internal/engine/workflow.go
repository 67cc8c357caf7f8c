package engine

import (
	"context"
	"fmt"

	imerrors "github.com/openUC2/ImTools/pkg/errors"
)

// Workflow is an ordered, immutable list of steps. All run state lives in
// the ExecutionContext, so one Workflow may be re-run with a fresh context.
type Workflow struct {
	steps []*Step
}

// NewWorkflow returns a workflow over steps in the given order.
func NewWorkflow(steps []*Step) *Workflow {
	return &Workflow{steps: append([]*Step(nil), steps...)}
}

// Len returns the number of steps.
func (w *Workflow) Len() int { return len(w.steps) }

// Steps returns a copy of the step list.
func (w *Workflow) Steps() []*Step { return append([]*Step(nil), w.steps...) }

// Validate reports duplicate step identifiers. Run does not call it; results
// of colliding ids overwrite each other.
func (w *Workflow) Validate() error {
	seen := make(map[string][]int)
	var order []string
	for i, step := range w.steps {
		if _, ok := seen[step.ID()]; !ok {
			order = append(order, step.ID())
		}
		seen[step.ID()] = append(seen[step.ID()], i)
	}
	for _, id := range order {
		if idx := seen[id]; len(idx) > 1 {
			return &imerrors.DuplicateStepError{StepID: id, Indexes: idx}
		}
	}
	return nil
}

// Run executes steps from the context's resume cursor to the end and returns
// the context. A nil ec creates a fresh one. Cancelling ctx requests a stop,
// which is observed at the next checkpoint.
func (w *Workflow) Run(ctx context.Context, ec *ExecutionContext) *ExecutionContext {
	if ec == nil {
		ec = NewExecutionContext()
	}
	if ctx == nil {
		ctx = context.Background()
	}
	release := context.AfterFunc(ctx, ec.RequestStop)
	defer release()

	log := ec.Logger()
	start := ec.ResumeCursor()
	w.emit(ec, Event{Status: StatusStarted, Cursor: start})
	log.With("cursor", start).With("steps", len(w.steps)).Info("workflow started")

	last := StateNotStarted
	for i := start; i < len(w.steps); i++ {
		if ctx.Err() != nil {
			ec.RequestStop()
		}
		if ec.StopRequested() {
			break
		}
		_, last = w.steps[i].Run(ctx, ec)
		ec.SetResumeCursor(i + 1)
	}

	final := Event{Cursor: ec.ResumeCursor()}
	switch {
	case last == StateFailed:
		final.Status = StatusFailed
	case ec.StopRequested():
		final.Status = StatusStopped
	default:
		final.Status = StatusCompleted
	}
	w.emit(ec, final)
	log.With("cursor", final.Cursor).With("status", string(final.Status)).Info("workflow finished")
	return ec
}

func (w *Workflow) emit(ec *ExecutionContext, evt Event) {
	evt.Name = EventWorkflow
	if err := ec.Emit(evt); err != nil {
		ec.Logger().With("error", err.Error()).Warn("workflow listener failed")
	}
}

// Handle tracks a background run.
type Handle struct {
	ec   *ExecutionContext
	done chan struct{}
	err  error
}

// RunInBackground starts Run on a new goroutine and returns immediately.
// The context is created before the goroutine starts, so Handle.Context is
// usable straight away.
func (w *Workflow) RunInBackground(ctx context.Context, ec *ExecutionContext) *Handle {
	if ec == nil {
		ec = NewExecutionContext()
	}
	h := &Handle{ec: ec, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		defer func() {
			if r := recover(); r != nil {
				h.err = fmt.Errorf("workflow run panicked: %v", r)
				ec.RequestStop()
				ec.Logger().Error(h.err, "background workflow aborted")
			}
		}()
		w.Run(ctx, ec)
	}()
	return h
}

// Context returns the run's execution context.
func (h *Handle) Context() *ExecutionContext { return h.ec }

// Done is closed when the run returns.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the run returns or ctx is done. The error is ctx.Err()
// or, if a listener panicked, the recovered panic.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop requests a cooperative stop. It does not wait.
func (h *Handle) Stop() {
	h.ec.RequestStop()
}
