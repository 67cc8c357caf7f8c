// Package manager owns the workflows created through the API and drives at
// most one background run at a time against the shared instrument.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openUC2/ImTools/internal/archive"
	"github.com/openUC2/ImTools/internal/config"
	"github.com/openUC2/ImTools/internal/engine"
	"github.com/openUC2/ImTools/internal/logger"
	"github.com/openUC2/ImTools/internal/metrics"
	"github.com/openUC2/ImTools/internal/operation"
)

var (
	// ErrNotFound is returned for unknown workflow ids.
	ErrNotFound = errors.New("workflow not found")
	// ErrBusy is returned when another workflow is already running.
	ErrBusy = errors.New("another workflow is running")
	// ErrNotRunning is returned by Stop for idle workflows.
	ErrNotRunning = errors.New("workflow is not running")
	// ErrRunning is returned when an operation needs an idle workflow.
	ErrRunning = errors.New("workflow is running")
	// ErrCompleted is returned when resuming a workflow with no steps left.
	ErrCompleted = errors.New("workflow already completed")
	// ErrCursorRange is returned by Rewind for indexes outside the workflow.
	ErrCursorRange = errors.New("cursor out of range")
)

// Status is the lifecycle of a managed workflow.
type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusStopped   Status = "stopped"
	StatusFailed    Status = "failed"
	StatusCompleted Status = "completed"
)

// Archiver receives a summary of every run when it returns.
type Archiver interface {
	Save(ctx context.Context, rec archive.Record) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger. Run contexts log through it as well.
func WithLogger(log *logger.Logger) Option {
	return func(m *Manager) { m.logger = log }
}

// WithArchiver stores finished runs.
func WithArchiver(a Archiver) Option {
	return func(m *Manager) { m.archiver = a }
}

// WithCollector attaches a metrics collector to every run.
func WithCollector(c *metrics.Collector) Option {
	return func(m *Manager) { m.collector = c }
}

// RunOption configures one workflow at creation.
type RunOption func(*run)

// WithObject preloads the run context's object store.
func WithObject(key string, value any) RunOption {
	return func(r *run) { r.ec.SetObject(key, value) }
}

// WithFinalizer is called once each time a run of the workflow returns.
func WithFinalizer(fn func(ec *engine.ExecutionContext)) RunOption {
	return func(r *run) { r.finalizers = append(r.finalizers, fn) }
}

type run struct {
	id         string
	name       string
	workflow   *engine.Workflow
	ec         *engine.ExecutionContext
	handle     *engine.Handle
	status     Status
	lastEvent  engine.Status
	created    time.Time
	finished   time.Time
	finalizers []func(*engine.ExecutionContext)
	idle       chan struct{}
}

// Manager creates, starts, stops and resumes workflows.
type Manager struct {
	mu        sync.Mutex
	runs      map[string]*run
	active    string
	registry  *operation.Registry
	logger    *logger.Logger
	archiver  Archiver
	collector *metrics.Collector
	wg        sync.WaitGroup
	now       func() time.Time
}

// New returns a manager resolving definitions through reg.
func New(reg *operation.Registry, opts ...Option) *Manager {
	m := &Manager{
		runs:     make(map[string]*run),
		registry: reg,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create builds a workflow from def and registers it under a new id.
func (m *Manager) Create(def *config.Definition, opts ...RunOption) (string, error) {
	if err := config.Validate(def); err != nil {
		return "", err
	}
	wf, err := config.Build(def, m.registry)
	if err != nil {
		return "", err
	}
	return m.CreateWorkflow(def.Name, wf, opts...)
}

// CreateWorkflow registers an already built workflow.
func (m *Manager) CreateWorkflow(name string, wf *engine.Workflow, opts ...RunOption) (string, error) {
	if wf == nil {
		return "", fmt.Errorf("workflow is nil")
	}
	id := uuid.NewString()
	r := &run{
		id:       id,
		name:     name,
		workflow: wf,
		status:   StatusCreated,
		created:  m.now(),
	}
	r.ec = engine.NewExecutionContext(engine.WithLogger(m.logger.WithFields(map[string]any{"run_id": id})))
	for _, opt := range opts {
		opt(r)
	}
	r.ec.Subscribe(engine.EventWorkflow, func(evt engine.Event) error {
		m.mu.Lock()
		r.lastEvent = evt.Status
		m.mu.Unlock()
		return nil
	})
	if m.collector != nil {
		m.collector.Attach(r.ec)
	}

	m.mu.Lock()
	m.runs[id] = r
	m.mu.Unlock()
	m.logger.WithFields(map[string]any{"run_id": id, "name": name, "steps": wf.Len()}).Info("workflow created")
	return id, nil
}

// Start runs the workflow in the background from its resume cursor.
func (m *Manager) Start(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	if r.status == StatusRunning {
		return ErrRunning
	}
	if m.active != "" {
		return ErrBusy
	}
	if r.ec.ResumeCursor() >= r.workflow.Len() && r.status != StatusCreated {
		return ErrCompleted
	}

	r.ec.ClearStop()
	r.status = StatusRunning
	r.finished = time.Time{}
	m.active = id
	r.idle = make(chan struct{})
	r.handle = r.workflow.RunInBackground(context.Background(), r.ec)

	m.wg.Add(1)
	go m.watch(r, r.handle, r.idle)
	return nil
}

// Resume continues a stopped or failed workflow from its cursor.
func (m *Manager) Resume(id string) error {
	return m.Start(id)
}

// Rewind moves the cursor of an idle workflow, so the next Start re-executes
// from index.
func (m *Manager) Rewind(id string, index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	if r.status == StatusRunning {
		return ErrRunning
	}
	if index < 0 || index > r.workflow.Len() {
		return fmt.Errorf("%w: %d not in [0, %d]", ErrCursorRange, index, r.workflow.Len())
	}
	r.ec.SetResumeCursor(index)
	return nil
}

// Stop requests a cooperative stop. It returns without waiting.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	if r.status != StatusRunning || r.handle == nil {
		return ErrNotRunning
	}
	r.handle.Stop()
	return nil
}

// Delete forgets an idle workflow. Objects in its context are left to the caller.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	if r.status == StatusRunning {
		return ErrRunning
	}
	delete(m.runs, id)
	m.logger.With("run_id", id).Info("workflow deleted")
	return nil
}

// Wait blocks until the current run of id returns and the manager has
// recorded and archived it.
func (m *Manager) Wait(ctx context.Context, id string) error {
	m.mu.Lock()
	r, ok := m.runs[id]
	var idle chan struct{}
	if ok {
		idle = r.idle
	}
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if idle == nil {
		return nil
	}
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers listener for event on the workflow's context.
func (m *Manager) Subscribe(id, event string, listener engine.Listener) (engine.Subscription, error) {
	m.mu.Lock()
	r, ok := m.runs[id]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return r.ec.Subscribe(event, listener), nil
}

// Snapshot is a point-in-time view of a workflow.
type Snapshot struct {
	ID            string                      `json:"id"`
	Name          string                      `json:"name"`
	Status        Status                      `json:"status"`
	Cursor        int                         `json:"cursor"`
	Steps         int                         `json:"steps"`
	StopRequested bool                        `json:"stop_requested"`
	CreatedAt     time.Time                   `json:"created_at"`
	FinishedAt    *time.Time                  `json:"finished_at,omitempty"`
	Results       map[string]*engine.Metadata `json:"results,omitempty"`
}

// Status returns a snapshot including step results.
func (m *Manager) Status(id string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[id]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	snap := m.snapshotLocked(r)
	snap.Results = r.ec.Results()
	return snap, nil
}

// List returns snapshots without results, oldest first.
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Snapshot, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, m.snapshotLocked(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Active returns the id of the running workflow, if any.
func (m *Manager) Active() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active, m.active != ""
}

// Shutdown stops the active run and waits for every watcher to finish.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if r, ok := m.runs[m.active]; ok && r.handle != nil {
		r.handle.Stop()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) snapshotLocked(r *run) Snapshot {
	snap := Snapshot{
		ID:            r.id,
		Name:          r.name,
		Status:        r.status,
		Cursor:        r.ec.ResumeCursor(),
		Steps:         r.workflow.Len(),
		StopRequested: r.ec.StopRequested(),
		CreatedAt:     r.created,
	}
	if !r.finished.IsZero() {
		finished := r.finished
		snap.FinishedAt = &finished
	}
	return snap
}

func (m *Manager) watch(r *run, h *engine.Handle, idle chan struct{}) {
	defer m.wg.Done()
	defer close(idle)
	<-h.Done()

	for _, fn := range r.finalizers {
		fn(r.ec)
	}

	m.mu.Lock()
	switch r.lastEvent {
	case engine.StatusFailed:
		r.status = StatusFailed
	case engine.StatusCompleted:
		r.status = StatusCompleted
	default:
		r.status = StatusStopped
	}
	r.finished = m.now()
	if m.active == r.id {
		m.active = ""
	}
	status, finished := r.status, r.finished
	m.mu.Unlock()

	log := m.logger.WithFields(map[string]any{"run_id": r.id, "status": string(status), "cursor": r.ec.ResumeCursor()})
	log.Info("workflow run finished")

	if m.archiver == nil {
		return
	}
	rec, err := archive.NewRecord(r.id, r.name, string(status), r.workflow.Len(), r.ec, finished)
	if err != nil {
		log.Error(err, "failed to summarise run")
		return
	}
	if err := m.archiver.Save(context.Background(), rec); err != nil {
		log.Error(err, "failed to archive run")
	}
}
