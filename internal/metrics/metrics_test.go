package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/openUC2/ImTools/internal/engine"
)

func TestCollectorCountsWorkflowEvents(t *testing.T) {
	t.Parallel()

	c := New()
	ec := engine.NewExecutionContext()
	c.Attach(ec)

	calls := 0
	flaky, err := engine.NewStep("flaky", "Flaky", func(context.Context, engine.Params) (any, error) {
		calls++
		if calls < 2 {
			return nil, errors.New("retry me")
		}
		return nil, nil
	}, engine.WithMaxRetries(1))
	require.NoError(t, err)
	broken, err := engine.NewStep("broken", "Broken", func(context.Context, engine.Params) (any, error) {
		return nil, errors.New("no")
	})
	require.NoError(t, err)

	engine.NewWorkflow([]*engine.Step{flaky, broken}).Run(context.Background(), ec)

	require.InDelta(t, 2, testutil.ToFloat64(c.stepEvents.WithLabelValues("started")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(c.stepEvents.WithLabelValues("retrying")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(c.stepEvents.WithLabelValues("completed")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(c.stepEvents.WithLabelValues("failed")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(c.workflowsRuns.WithLabelValues("failed")), 0)
	require.InDelta(t, 0, testutil.ToFloat64(c.active), 0)
	require.Equal(t, 1, testutil.CollectAndCount(c.stepAttempts))
	require.Equal(t, 2, testutil.CollectAndCount(c.stepDuration))
}

func TestCollectorMeasuresStepDuration(t *testing.T) {
	t.Parallel()

	c := New()
	base := time.Unix(0, 0)
	ticks := []time.Time{base, base.Add(250 * time.Millisecond)}
	c.now = func() time.Time {
		next := ticks[0]
		ticks = ticks[1:]
		return next
	}

	c.Handle(engine.Event{Name: engine.EventWorkflow, Status: engine.StatusStarted})
	require.InDelta(t, 1, testutil.ToFloat64(c.active), 0)

	c.Handle(engine.Event{Name: engine.EventProgress, Status: engine.StatusStarted, StepID: "a"})
	c.Handle(engine.Event{Name: engine.EventProgress, Status: engine.StatusCompleted, StepID: "a", Attempt: 1})
	require.Empty(t, c.started)
}

func TestHandlerServesMetrics(t *testing.T) {
	t.Parallel()

	c := New()
	c.Handle(engine.Event{Name: engine.EventProgress, Status: engine.StatusStarted, StepID: "a"})

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `imtools_step_events_total{status="started"} 1`)
}

func TestCollectorForgetsStepsOfFinishedRuns(t *testing.T) {
	t.Parallel()

	c := New()
	first, second := c.Listener(), c.Listener()

	require.NoError(t, first(engine.Event{Name: engine.EventWorkflow, Status: engine.StatusStarted}))
	require.NoError(t, first(engine.Event{Name: engine.EventProgress, Status: engine.StatusStarted, StepID: "0"}))
	require.NoError(t, second(engine.Event{Name: engine.EventWorkflow, Status: engine.StatusStarted}))
	require.NoError(t, second(engine.Event{Name: engine.EventProgress, Status: engine.StatusStarted, StepID: "0"}))
	require.Len(t, c.started, 2)

	// the first run stops without a terminal step event
	require.NoError(t, first(engine.Event{Name: engine.EventWorkflow, Status: engine.StatusStopped}))
	require.Len(t, c.started, 1)

	require.NoError(t, second(engine.Event{Name: engine.EventProgress, Status: engine.StatusCompleted, StepID: "0", Attempt: 1}))
	require.NoError(t, second(engine.Event{Name: engine.EventWorkflow, Status: engine.StatusCompleted}))
	require.Empty(t, c.started)
	require.Equal(t, 1, testutil.CollectAndCount(c.stepDuration))
}
