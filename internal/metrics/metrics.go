// Package metrics exports workflow progress as Prometheus metrics.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openUC2/ImTools/internal/engine"
)

const namespace = "imtools"

// Collector records engine events. Each Collector owns its registry so
// several can coexist in one process.
type Collector struct {
	registry *prometheus.Registry

	stepEvents    *prometheus.CounterVec
	stepAttempts  prometheus.Histogram
	stepDuration  *prometheus.HistogramVec
	workflowsRuns *prometheus.CounterVec
	active        prometheus.Gauge

	mu      sync.Mutex
	runs    int
	started map[stepKey]time.Time
	now     func() time.Time
}

// stepKey identifies one step of one attached run, since step ids repeat
// across runs.
type stepKey struct {
	run  int
	step string
}

// New creates a collector with registered metrics.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		stepEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_events_total",
				Help:      "Total number of step progress events by status",
			},
			[]string{"status"}, // started, retrying, failed, completed
		),
		stepAttempts: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_attempts",
				Help:      "Main operation invocations per finished step",
				Buckets:   []float64{1, 2, 3, 5, 10},
			},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Histogram of step duration in seconds",
				Buckets:   []float64{.001, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"status"}, // failed, completed
		),
		workflowsRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflow_runs_total",
				Help:      "Total number of finished workflow runs by final status",
			},
			[]string{"status"},
		),
		active: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "workflows_active",
				Help:      "Number of currently running workflows",
			},
		),
		started: make(map[stepKey]time.Time),
		now:     time.Now,
	}
	c.registry.MustRegister(c.stepEvents, c.stepAttempts, c.stepDuration, c.workflowsRuns, c.active)
	return c
}

// Attach subscribes the collector to ec's progress and workflow events.
func (c *Collector) Attach(ec *engine.ExecutionContext) []engine.Subscription {
	listener := c.Listener()
	return []engine.Subscription{
		ec.Subscribe(engine.EventProgress, listener),
		ec.Subscribe(engine.EventWorkflow, listener),
	}
}

// Listener returns the collector as an engine listener. Each listener tracks
// step timings of its own run.
func (c *Collector) Listener() engine.Listener {
	c.mu.Lock()
	c.runs++
	run := c.runs
	c.mu.Unlock()

	return func(evt engine.Event) error {
		c.handle(run, evt)
		return nil
	}
}

// Handle records one event outside any attached run.
func (c *Collector) Handle(evt engine.Event) {
	c.handle(0, evt)
}

func (c *Collector) handle(run int, evt engine.Event) {
	switch evt.Name {
	case engine.EventWorkflow:
		c.handleWorkflow(run, evt)
	case engine.EventProgress:
		c.handleProgress(run, evt)
	}
}

func (c *Collector) handleWorkflow(run int, evt engine.Event) {
	if evt.Status == engine.StatusStarted {
		c.active.Inc()
		return
	}
	c.active.Dec()
	c.workflowsRuns.WithLabelValues(string(evt.Status)).Inc()

	// steps stopped after a hook never report a terminal event
	c.mu.Lock()
	for key := range c.started {
		if key.run == run {
			delete(c.started, key)
		}
	}
	c.mu.Unlock()
}

func (c *Collector) handleProgress(run int, evt engine.Event) {
	c.stepEvents.WithLabelValues(string(evt.Status)).Inc()

	key := stepKey{run: run, step: evt.StepID}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Status {
	case engine.StatusStarted:
		c.started[key] = c.now()
	case engine.StatusCompleted, engine.StatusFailed:
		if start, ok := c.started[key]; ok {
			c.stepDuration.WithLabelValues(string(evt.Status)).Observe(c.now().Sub(start).Seconds())
			delete(c.started, key)
		}
		if evt.Attempt > 0 {
			c.stepAttempts.Observe(float64(evt.Attempt))
		}
	}
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the collector's metrics in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
