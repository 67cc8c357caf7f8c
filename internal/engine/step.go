package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/openUC2/ImTools/internal/logger"
	imerrors "github.com/openUC2/ImTools/pkg/errors"
)

// State is the lifecycle state of a single step run.
type State int

const (
	// StateNotStarted is the state before Run is called.
	StateNotStarted State = iota
	// StatePreRun means pre-hooks are executing.
	StatePreRun
	// StateMainRun means the main operation is executing or retrying.
	StateMainRun
	// StatePostRun means post-hooks are executing.
	StatePostRun
	// StateCompleted means every phase succeeded and the record was stored.
	StateCompleted
	// StateFailed means a phase failed terminally and a stop was requested.
	StateFailed
	// StateStopped means a stop was observed before the step finished.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StatePreRun:
		return "pre_run"
	case StateMainRun:
		return "main_run"
	case StatePostRun:
		return "post_run"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MainFunc is the main operation of a step.
type MainFunc func(ctx context.Context, params Params) (any, error)

// HookCall bundles what a pre- or post-hook receives: the live context, the
// step's metadata record and the hook list's declared parameters.
type HookCall struct {
	Context  *ExecutionContext
	Metadata *Metadata
	Params   Params
}

// HookFunc is a pre- or post-hook.
type HookFunc func(ctx context.Context, call HookCall) (any, error)

// Step is one unit of work. It is immutable once constructed.
type Step struct {
	id         string
	name       string
	main       MainFunc
	params     Params
	maxRetries int
	pre        []HookFunc
	preParams  Params
	post       []HookFunc
	postParams Params
}

// StepOption configures a step at construction time.
type StepOption func(*Step)

// WithParams sets the main operation's parameter bindings.
func WithParams(params Params) StepOption {
	return func(s *Step) {
		s.params = params.Clone()
	}
}

// WithMaxRetries sets how many times the main operation is re-invoked after a failure.
func WithMaxRetries(n int) StepOption {
	return func(s *Step) {
		s.maxRetries = n
	}
}

// WithPreHooks appends pre-hooks sharing params.
func WithPreHooks(params Params, hooks ...HookFunc) StepOption {
	return func(s *Step) {
		s.pre = append(s.pre, hooks...)
		s.preParams = params.Clone()
	}
}

// WithPostHooks appends post-hooks sharing params.
func WithPostHooks(params Params, hooks ...HookFunc) StepOption {
	return func(s *Step) {
		s.post = append(s.post, hooks...)
		s.postParams = params.Clone()
	}
}

// NewStep validates and constructs a step.
func NewStep(id, name string, main MainFunc, opts ...StepOption) (*Step, error) {
	s := &Step{id: id, name: name, main: main, params: Params{}, preParams: Params{}, postParams: Params{}}
	for _, opt := range opts {
		opt(s)
	}

	if strings.TrimSpace(id) == "" {
		return nil, imerrors.NewValidationError("id", "step id must not be empty", nil)
	}
	if main == nil {
		return nil, imerrors.NewValidationError("main", fmt.Sprintf("step %s has no main operation", id), nil)
	}
	if s.maxRetries < 0 {
		return nil, imerrors.NewValidationError("max_retries", fmt.Sprintf("step %s: must be >= 0, got %d", id, s.maxRetries), nil)
	}
	for i, hook := range s.pre {
		if hook == nil {
			return nil, imerrors.NewValidationError(fmt.Sprintf("pre[%d]", i), "hook must not be nil", nil)
		}
	}
	for i, hook := range s.post {
		if hook == nil {
			return nil, imerrors.NewValidationError(fmt.Sprintf("post[%d]", i), "hook must not be nil", nil)
		}
	}
	return s, nil
}

// ID returns the step identifier results are stored under.
func (s *Step) ID() string { return s.id }

// Name returns the display name.
func (s *Step) Name() string { return s.name }

// MaxRetries returns how many extra attempts main gets after a failure.
func (s *Step) MaxRetries() int { return s.maxRetries }

// Params returns a copy of the main operation's bindings.
func (s *Step) Params() Params { return s.params.Clone() }

// Run executes the step against ec and returns the main result together with
// the terminal state. Failures never escape as errors: they set the stop
// flag, land in the stored metadata record and fire a failed event.
//
// A stop observed after a hook returns immediately without storing the record.
// Listener panics are not recovered.
func (s *Step) Run(ctx context.Context, ec *ExecutionContext) (any, State) {
	if ctx == nil {
		ctx = context.Background()
	}
	if ec.StopRequested() {
		return nil, StateStopped
	}

	log := ec.Logger().WithFields(map[string]any{"step_id": s.id, "step": s.name})
	s.emit(ec, log, Event{Status: StatusStarted})
	log.Debug("step started")

	md := &Metadata{StepID: s.id, Params: s.params.Clone()}

	for _, hook := range s.pre {
		value, err := callHook(ctx, hook, HookCall{Context: ec, Metadata: md, Params: s.preParams.Clone()})
		if err != nil {
			return nil, s.fail(ec, log, md, PhasePre, 0, err)
		}
		md.PreResults = append(md.PreResults, value)
		if ec.StopRequested() {
			log.Info("stop requested during pre-hooks")
			return nil, StateStopped
		}
	}

	var result any
	for {
		md.Attempts++
		value, err := callMain(ctx, s.main, s.params.Clone())
		if err == nil {
			result = value
			md.Result = value
			md.HasResult = true
			md.Error, md.Traceback, md.Err, md.Phase = "", "", nil, ""
			break
		}

		md.Error = err.Error()
		md.Traceback = traceback(err)
		md.Phase = PhaseMain
		if md.Attempts > s.maxRetries {
			return nil, s.fail(ec, log, md, PhaseMain, md.Attempts, err)
		}
		log.With("attempt", md.Attempts).With("error", err.Error()).Warn("step attempt failed, retrying")
		s.emit(ec, log, Event{Status: StatusRetrying, Attempt: md.Attempts, Error: err.Error()})
	}

	for _, hook := range s.post {
		value, err := callHook(ctx, hook, HookCall{Context: ec, Metadata: md, Params: s.postParams.Clone()})
		if err != nil {
			return nil, s.fail(ec, log, md, PhasePost, 0, err)
		}
		md.PostResults = append(md.PostResults, value)
		if ec.StopRequested() {
			log.Info("stop requested during post-hooks")
			return nil, StateStopped
		}
	}

	ec.StoreStepResult(s.id, md)
	s.emit(ec, log, Event{Status: StatusCompleted, Attempt: md.Attempts})
	log.With("attempts", md.Attempts).Debug("step completed")
	return result, StateCompleted
}

func (s *Step) fail(ec *ExecutionContext, log *logger.Logger, md *Metadata, phase Phase, attempt int, err error) State {
	md.Err = imerrors.NewStepError(s.id, string(phase), attempt, err)
	md.Error = err.Error()
	md.Traceback = traceback(err)
	md.Phase = phase
	md.Result, md.HasResult = nil, false

	ec.RequestStop()
	ec.StoreStepResult(s.id, md)
	log.Error(md.Err, "step failed")
	s.emit(ec, log, Event{Status: StatusFailed, Attempt: attempt, Error: err.Error()})
	return StateFailed
}

func (s *Step) emit(ec *ExecutionContext, log *logger.Logger, evt Event) {
	evt.Name = EventProgress
	evt.StepID = s.id
	if evt.Status == StatusStarted || evt.Status == StatusCompleted {
		evt.StepName = s.name
	}
	if err := ec.Emit(evt); err != nil {
		log.With("error", err.Error()).Warn("progress listener failed")
	}
}

func callMain(ctx context.Context, fn MainFunc, params Params) (value any, err error) {
	defer recoverInto(&err)
	return fn(ctx, params)
}

func callHook(ctx context.Context, fn HookFunc, call HookCall) (value any, err error) {
	defer recoverInto(&err)
	return fn(ctx, call)
}

func recoverInto(err *error) {
	if r := recover(); r != nil {
		*err = &imerrors.PanicError{Value: r, Stack: string(debug.Stack())}
	}
}

// traceback renders a panic stack, or the chain of wrapped causes one per line.
func traceback(err error) string {
	var panicErr *imerrors.PanicError
	if errors.As(err, &panicErr) {
		return panicErr.Stack
	}
	var lines []string
	for e := err; e != nil; e = errors.Unwrap(e) {
		lines = append(lines, fmt.Sprintf("%T: %s", e, e.Error()))
	}
	return strings.Join(lines, "\n")
}
