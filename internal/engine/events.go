package engine

const (
	// EventProgress carries per-step lifecycle notifications.
	EventProgress = "progress"
	// EventWorkflow is emitted when a run starts and when it returns.
	EventWorkflow = "workflow"
)

// Status is the lifecycle status carried by an Event.
type Status string

const (
	StatusStarted   Status = "started"
	StatusRetrying  Status = "retrying"
	StatusFailed    Status = "failed"
	StatusCompleted Status = "completed"
	StatusStopped   Status = "stopped"
)

// Event is the payload delivered to listeners.
type Event struct {
	Name     string `json:"event"`
	Status   Status `json:"status"`
	StepID   string `json:"step_id,omitempty"`
	StepName string `json:"name,omitempty"`
	Attempt  int    `json:"attempt,omitempty"`
	Error    string `json:"error,omitempty"`
	Cursor   int    `json:"cursor,omitempty"`
}

// Listener receives events synchronously on the emitting goroutine.
type Listener func(Event) error

// Subscription represents a registered listener.
type Subscription interface {
	Unsubscribe()
}
