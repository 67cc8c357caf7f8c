package manager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openUC2/ImTools/internal/archive"
	"github.com/openUC2/ImTools/internal/config"
	"github.com/openUC2/ImTools/internal/engine"
	"github.com/openUC2/ImTools/internal/metrics"
	"github.com/openUC2/ImTools/internal/operation"
)

type memoryArchive struct {
	mu      sync.Mutex
	records []archive.Record
}

func (a *memoryArchive) Save(_ context.Context, rec archive.Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
	return nil
}

func (a *memoryArchive) all() []archive.Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]archive.Record(nil), a.records...)
}

// gate blocks the "block" operation until released.
type gate struct {
	entered chan struct{}
	release chan struct{}
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}, 8), release: make(chan struct{})}
}

func testRegistry(t *testing.T, g *gate) *operation.Registry {
	t.Helper()
	reg := operation.NewRegistry()
	require.NoError(t, reg.RegisterMain("answer", func(context.Context, engine.Params) (any, error) {
		return 42, nil
	}))
	require.NoError(t, reg.RegisterMain("fail", func(context.Context, engine.Params) (any, error) {
		return nil, errors.New("boom")
	}))
	require.NoError(t, reg.RegisterMain("block", func(context.Context, engine.Params) (any, error) {
		g.entered <- struct{}{}
		<-g.release
		return "released", nil
	}))
	return reg
}

func definition(mains ...string) *config.Definition {
	def := &config.Definition{Name: "test"}
	for i, main := range mains {
		def.Steps = append(def.Steps, config.StepDefinition{ID: string(rune('a' + i)), Main: main})
	}
	return def
}

func waitIdle(t *testing.T, m *Manager, id string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Wait(ctx, id))
}

func TestManagerRunsToCompletionAndArchives(t *testing.T) {
	t.Parallel()

	store := &memoryArchive{}
	collector := metrics.New()
	m := New(testRegistry(t, newGate()), WithArchiver(store), WithCollector(collector))

	id, err := m.Create(definition("answer", "answer"))
	require.NoError(t, err)

	snap, err := m.Status(id)
	require.NoError(t, err)
	require.Equal(t, StatusCreated, snap.Status)
	require.Equal(t, 2, snap.Steps)

	require.NoError(t, m.Start(id))
	waitIdle(t, m, id)

	snap, err = m.Status(id)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, snap.Status)
	require.Equal(t, 2, snap.Cursor)
	require.Len(t, snap.Results, 2)
	require.Equal(t, 42, snap.Results["a"].Result)
	require.NotNil(t, snap.FinishedAt)

	records := store.all()
	require.Len(t, records, 1)
	require.Equal(t, id, records[0].ID)
	require.Equal(t, "completed", records[0].Status)

	_, active := m.Active()
	require.False(t, active)
	require.ErrorIs(t, m.Start(id), ErrCompleted)
}

func TestManagerReportsFailure(t *testing.T) {
	t.Parallel()

	m := New(testRegistry(t, newGate()))
	id, err := m.Create(definition("answer", "fail", "answer"))
	require.NoError(t, err)

	require.NoError(t, m.Start(id))
	waitIdle(t, m, id)

	snap, err := m.Status(id)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, snap.Status)
	require.Equal(t, 2, snap.Cursor)
	require.True(t, snap.StopRequested)
	require.Equal(t, "boom", snap.Results["b"].Error)
	_, ran := snap.Results["c"]
	require.False(t, ran)
}

func TestManagerStopAndResume(t *testing.T) {
	t.Parallel()

	g := newGate()
	m := New(testRegistry(t, g))
	id, err := m.Create(definition("block", "answer"))
	require.NoError(t, err)

	require.ErrorIs(t, m.Stop(id), ErrNotRunning)
	require.NoError(t, m.Start(id))
	<-g.entered

	require.ErrorIs(t, m.Start(id), ErrRunning)
	require.ErrorIs(t, m.Rewind(id, 0), ErrRunning)
	require.NoError(t, m.Stop(id))
	g.release <- struct{}{}
	waitIdle(t, m, id)

	snap, err := m.Status(id)
	require.NoError(t, err)
	require.Equal(t, StatusStopped, snap.Status)
	require.Equal(t, 1, snap.Cursor)
	require.Len(t, snap.Results, 1)

	require.NoError(t, m.Resume(id))
	waitIdle(t, m, id)

	snap, err = m.Status(id)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, snap.Status)
	require.Equal(t, 2, snap.Cursor)
	require.Len(t, snap.Results, 2)
}

func TestManagerAllowsOneActiveRun(t *testing.T) {
	t.Parallel()

	g := newGate()
	m := New(testRegistry(t, g))
	first, err := m.Create(definition("block"))
	require.NoError(t, err)
	second, err := m.Create(definition("answer"))
	require.NoError(t, err)

	require.NoError(t, m.Start(first))
	<-g.entered
	active, ok := m.Active()
	require.True(t, ok)
	require.Equal(t, first, active)
	require.ErrorIs(t, m.Start(second), ErrBusy)

	close(g.release)
	waitIdle(t, m, first)
	require.NoError(t, m.Start(second))
	waitIdle(t, m, second)
}

func TestManagerSubscribeAndRewind(t *testing.T) {
	t.Parallel()

	m := New(testRegistry(t, newGate()))
	id, err := m.Create(definition("answer", "answer"))
	require.NoError(t, err)

	var mu sync.Mutex
	var events []string
	_, err = m.Subscribe(id, engine.EventProgress, func(evt engine.Event) error {
		mu.Lock()
		events = append(events, evt.StepID+":"+string(evt.Status))
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, m.Start(id))
	waitIdle(t, m, id)

	require.NoError(t, m.Rewind(id, 1))
	require.ErrorIs(t, m.Rewind(id, 5), ErrCursorRange)
	require.NoError(t, m.Start(id))
	waitIdle(t, m, id)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"a:started", "a:completed", "b:started", "b:completed", "b:started", "b:completed"}, events)
}

func TestManagerObjectsAndFinalizers(t *testing.T) {
	t.Parallel()

	reg := operation.NewRegistry()
	require.NoError(t, reg.RegisterMain("noop", func(context.Context, engine.Params) (any, error) { return nil, nil }))
	require.NoError(t, reg.RegisterHook("read", func(_ context.Context, call engine.HookCall) (any, error) {
		v, _ := call.Context.GetObject("greeting")
		return v, nil
	}))

	m := New(reg)
	finalized := make(chan int, 1)
	id, err := m.Create(&config.Definition{Steps: []config.StepDefinition{{ID: "s", Main: "noop", Post: []string{"read"}}}},
		WithObject("greeting", "hello"),
		WithFinalizer(func(ec *engine.ExecutionContext) { finalized <- ec.ResumeCursor() }))
	require.NoError(t, err)

	require.NoError(t, m.Start(id))
	waitIdle(t, m, id)
	require.Equal(t, 1, <-finalized)

	snap, err := m.Status(id)
	require.NoError(t, err)
	require.Equal(t, []any{"hello"}, snap.Results["s"].PostResults)
}

func TestManagerUnknownIDs(t *testing.T) {
	t.Parallel()

	m := New(operation.NewRegistry())
	require.ErrorIs(t, m.Start("x"), ErrNotFound)
	require.ErrorIs(t, m.Stop("x"), ErrNotFound)
	require.ErrorIs(t, m.Rewind("x", 0), ErrNotFound)
	require.ErrorIs(t, m.Delete("x"), ErrNotFound)
	_, err := m.Status("x")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = m.Subscribe("x", engine.EventProgress, nil)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = m.Create(definition("missing"))
	require.Error(t, err)
	require.Empty(t, m.List())
}

func TestManagerShutdownStopsActiveRun(t *testing.T) {
	t.Parallel()

	g := newGate()
	m := New(testRegistry(t, g))
	id, err := m.Create(definition("block", "answer"))
	require.NoError(t, err)
	require.NoError(t, m.Start(id))
	<-g.entered

	go func() {
		for {
			if snap, err := m.Status(id); err == nil && snap.StopRequested {
				break
			}
			time.Sleep(time.Millisecond)
		}
		g.release <- struct{}{}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	snap, err := m.Status(id)
	require.NoError(t, err)
	require.Equal(t, StatusStopped, snap.Status)
	require.Len(t, m.List(), 1)
}

func TestManagerDeleteIdleRuns(t *testing.T) {
	t.Parallel()

	g := newGate()
	m := New(testRegistry(t, g))
	running, err := m.Create(definition("block"))
	require.NoError(t, err)
	idle, err := m.Create(definition("answer"))
	require.NoError(t, err)

	require.NoError(t, m.Start(running))
	<-g.entered
	require.ErrorIs(t, m.Delete(running), ErrRunning)
	require.NoError(t, m.Delete(idle))
	_, err = m.Status(idle)
	require.ErrorIs(t, err, ErrNotFound)

	g.release <- struct{}{}
	waitIdle(t, m, running)
	require.NoError(t, m.Delete(running))
	require.Empty(t, m.List())
}
