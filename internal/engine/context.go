package engine

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/openUC2/ImTools/internal/logger"
)

// GlobalStepID is the reserved pseudo step identifier hooks use to share
// cross-step state (for example the last tile row/column) through UpdateMetadata.
const GlobalStepID = "global"

// ExecutionContext contains the mutable state shared by every step of one
// workflow run: step results, long-lived objects, the stop flag, the resume
// cursor and event listeners.
//
// The stop flag and cursor may be read from any goroutine. Results, objects
// and listeners are guarded so a status reader can take snapshots while a
// background run is writing; the context never closes stored objects.
type ExecutionContext struct {
	mu        sync.RWMutex
	results   map[string]*Metadata
	objects   map[string]any
	listeners map[string][]listenerEntry
	nextID    int

	stop   atomic.Bool
	cursor atomic.Int64

	logger *logger.Logger
}

// ContextOption configures an execution context.
type ContextOption func(*ExecutionContext)

// WithLogger injects the logger used by steps executed against the context.
func WithLogger(log *logger.Logger) ContextOption {
	return func(ec *ExecutionContext) {
		ec.logger = log
	}
}

// NewExecutionContext returns an empty context with the cursor at the first step.
func NewExecutionContext(opts ...ContextOption) *ExecutionContext {
	ec := &ExecutionContext{
		results:   make(map[string]*Metadata),
		objects:   make(map[string]any),
		listeners: make(map[string][]listenerEntry),
	}
	for _, opt := range opts {
		opt(ec)
	}
	return ec
}

// Logger returns the context logger; it may be nil.
func (ec *ExecutionContext) Logger() *logger.Logger {
	return ec.logger
}

// SetObject stores a resource under key, replacing any previous value.
func (ec *ExecutionContext) SetObject(key string, value any) {
	ec.mu.Lock()
	ec.objects[key] = value
	ec.mu.Unlock()
}

// GetObject returns the resource stored under key. The boolean is false when
// nothing is stored.
func (ec *ExecutionContext) GetObject(key string) (any, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	value, ok := ec.objects[key]
	return value, ok
}

// RemoveObject drops key from the object store. Missing keys are ignored.
func (ec *ExecutionContext) RemoveObject(key string) {
	ec.mu.Lock()
	delete(ec.objects, key)
	ec.mu.Unlock()
}

// StoreStepResult records metadata for stepID, overwriting any previous record.
func (ec *ExecutionContext) StoreStepResult(stepID string, md *Metadata) {
	ec.mu.Lock()
	ec.results[stepID] = md
	ec.mu.Unlock()
}

// GetStepResult returns the stored record for stepID.
func (ec *ExecutionContext) GetStepResult(stepID string) (*Metadata, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	md, ok := ec.results[stepID]
	return md, ok
}

// Results returns a snapshot of every stored record.
func (ec *ExecutionContext) Results() map[string]*Metadata {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	out := make(map[string]*Metadata, len(ec.results))
	for id, md := range ec.results {
		out[id] = md.Clone()
	}
	return out
}

// UpdateMetadata sets key on the record of stepID, creating an empty record first if needed.
func (ec *ExecutionContext) UpdateMetadata(stepID, key string, value any) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	md, ok := ec.results[stepID]
	if !ok || md == nil {
		md = &Metadata{StepID: stepID}
		ec.results[stepID] = md
	}
	md.Set(key, value)
}

// MetadataValue reads a free-form value previously written with UpdateMetadata.
func (ec *ExecutionContext) MetadataValue(stepID, key string) (any, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	md, ok := ec.results[stepID]
	if !ok || md == nil {
		return nil, false
	}
	return md.Get(key)
}

// Subscribe appends listener to the listeners of event.
func (ec *ExecutionContext) Subscribe(event string, listener Listener) Subscription {
	if listener == nil {
		return noopSubscription{}
	}
	ec.mu.Lock()
	ec.nextID++
	id := ec.nextID
	ec.listeners[event] = append(ec.listeners[event], listenerEntry{id: id, fn: listener})
	ec.mu.Unlock()

	return subscription{cancel: func() {
		ec.mu.Lock()
		defer ec.mu.Unlock()
		entries := ec.listeners[event]
		for i, entry := range entries {
			if entry.id == id {
				ec.listeners[event] = append(entries[:i:i], entries[i+1:]...)
				return
			}
		}
	}}
}

// Emit synchronously invokes every listener subscribed to evt.Name in
// subscription order. Listener errors are joined and returned; panics are not recovered.
func (ec *ExecutionContext) Emit(evt Event) error {
	ec.mu.RLock()
	entries := append([]listenerEntry(nil), ec.listeners[evt.Name]...)
	ec.mu.RUnlock()

	var errs []error
	for _, entry := range entries {
		if err := entry.fn(evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RequestStop asks the run to halt at its next checkpoint. Safe from any goroutine.
func (ec *ExecutionContext) RequestStop() {
	ec.stop.Store(true)
}

// StopRequested reports whether a stop was requested.
func (ec *ExecutionContext) StopRequested() bool {
	return ec.stop.Load()
}

// ClearStop resets the stop flag so a paused run can be resumed from its cursor.
func (ec *ExecutionContext) ClearStop() {
	ec.stop.Store(false)
}

// ResumeCursor returns the index of the next unexecuted step.
func (ec *ExecutionContext) ResumeCursor() int {
	return int(ec.cursor.Load())
}

// SetResumeCursor moves the cursor, for example to retry from an earlier step.
func (ec *ExecutionContext) SetResumeCursor(index int) {
	if index < 0 {
		index = 0
	}
	ec.cursor.Store(int64(index))
}

type listenerEntry struct {
	id int
	fn Listener
}

type noopSubscription struct{}

func (noopSubscription) Unsubscribe() {}

type subscription struct {
	cancel func()
}

func (s subscription) Unsubscribe() {
	if s.cancel != nil {
		s.cancel()
	}
}
