package instrument

import (
	"context"
	"encoding/json"
	"image"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openUC2/ImTools/internal/engine"
	"github.com/openUC2/ImTools/internal/operation"
	"github.com/openUC2/ImTools/internal/tiles"
)

func registry(t *testing.T, m *Microscope) *operation.Registry {
	t.Helper()
	reg := operation.NewRegistry()
	require.NoError(t, Register(reg, m))
	return reg
}

func step(t *testing.T, reg *operation.Registry, id, main string, params engine.Params, opts ...engine.StepOption) *engine.Step {
	t.Helper()
	fn, err := reg.Main(main)
	require.NoError(t, err)
	s, err := engine.NewStep(id, id, fn, append([]engine.StepOption{engine.WithParams(params)}, opts...)...)
	require.NoError(t, err)
	return s
}

func hooks(t *testing.T, reg *operation.Registry, names ...string) []engine.HookFunc {
	t.Helper()
	fns, err := reg.Hooks(names)
	require.NoError(t, err)
	return fns
}

func TestRegisterInstallsEveryOperation(t *testing.T) {
	t.Parallel()

	reg := registry(t, New())
	mains, hookNames := reg.Names()
	require.ElementsMatch(t, []string{OpMoveStage, OpSetLaserPower, OpAcquireFrame, OpNoop}, mains)
	require.Len(t, hookNames, 9)

	// registering twice collides
	require.Error(t, Register(reg, New()))
}

func TestMoveLaserAcquireSequence(t *testing.T) {
	t.Parallel()

	m := New(WithFrameSize(16, 8))
	reg := registry(t, m)
	buffer := &Buffer{}

	ec := engine.NewExecutionContext()
	ec.SetObject(BufferKey, buffer)

	wf := engine.NewWorkflow([]*engine.Step{
		step(t, reg, "move", OpMoveStage, engine.Params{"x": 100, "y": 50.5},
			engine.WithPreHooks(engine.Params{"z_range": 4}, hooks(t, reg, OpAutofocus)...)),
		step(t, reg, "laser", OpSetLaserPower, engine.Params{"power": 10, "channel": "Mono"}),
		step(t, reg, "acquire", OpAcquireFrame, engine.Params{"channel": "Mono"},
			engine.WithPreHooks(engine.Params{"seconds": 0.001}, hooks(t, reg, OpWaitTime)...),
			engine.WithPostHooks(engine.Params{}, hooks(t, reg, OpProcessData, OpSaveFrame, OpAppendData, OpSaveData)...)),
	})
	wf.Run(context.Background(), ec)

	require.False(t, ec.StopRequested())
	require.Equal(t, 3, ec.ResumeCursor())
	require.InDelta(t, 10, m.LaserPower("Mono"), 1e-9)
	require.Equal(t, 1, m.FramesAcquired())
	require.InDelta(t, 100, m.Position().X, 1e-9)

	move, _ := ec.GetStepResult("move")
	done, _ := move.Get("autofocus_done")
	require.Equal(t, true, done)

	acquire, _ := ec.GetStepResult("acquire")
	frame, ok := acquire.Result.(*Frame)
	require.True(t, ok)
	require.Equal(t, 16, frame.Image.Bounds().Dx())
	require.Equal(t, "Mono", frame.Channel)

	processed, _ := acquire.Get("processed")
	require.Equal(t, true, processed)
	waited, _ := acquire.Get("waited")
	require.InDelta(t, 0.001, waited, 1e-9)
	require.Equal(t, 1, buffer.Len())
	require.Same(t, frame, buffer.Items()[0])

	last, ok := ec.MetadataValue(engine.GlobalStepID, "last_saved")
	require.True(t, ok)
	require.Equal(t, "acquire", last)
}

func TestFramesAreDeterministic(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a, b := New(WithFrameSize(8, 8)), New(WithFrameSize(8, 8))
	for _, m := range []*Microscope{a, b} {
		_, err := m.MoveTo(ctx, Position{X: 10, Y: 20})
		require.NoError(t, err)
		_, err = m.SetLaserPower(ctx, "Mono", 50)
		require.NoError(t, err)
	}

	fa, err := a.Acquire(ctx, "Mono")
	require.NoError(t, err)
	fb, err := b.Acquire(ctx, "Mono")
	require.NoError(t, err)
	require.Equal(t, fa.Image.Pix, fb.Image.Pix)
	require.Positive(t, fa.Mean())
}

func TestFrameMarshalsSummary(t *testing.T) {
	t.Parallel()

	frame, err := New(WithFrameSize(4, 2)).Acquire(context.Background(), "GFP")
	require.NoError(t, err)

	data, err := json.Marshal(frame)
	require.NoError(t, err)

	var summary map[string]any
	require.NoError(t, json.Unmarshal(data, &summary))
	require.Equal(t, "GFP", summary["channel"])
	require.EqualValues(t, 4, summary["width"])
	require.EqualValues(t, 2, summary["height"])
	require.NotContains(t, summary, "Image")
}

func TestInjectedFailuresAreRetried(t *testing.T) {
	t.Parallel()

	m := New(WithFailures(OpMoveStage, 2))
	reg := registry(t, m)

	ec := engine.NewWorkflow([]*engine.Step{
		step(t, reg, "move", OpMoveStage, engine.Params{"x": 1}, engine.WithMaxRetries(2)),
	}).Run(context.Background(), nil)

	md, _ := ec.GetStepResult("move")
	require.Equal(t, 3, md.Attempts)
	require.False(t, ec.StopRequested())
	require.Equal(t, Position{X: 1}, md.Result)
}

func TestLaserPowerRange(t *testing.T) {
	t.Parallel()

	_, err := New().SetLaserPower(context.Background(), "Mono", 120)
	require.Error(t, err)
}

func TestLatencyHonoursCancellation(t *testing.T) {
	t.Parallel()

	m := New(WithLatency(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.MoveTo(ctx, Position{X: 1})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, Position{}, m.Position())
}

func TestTileHooksWriteAndClose(t *testing.T) {
	t.Parallel()

	m := New(WithFrameSize(4, 4))
	reg := registry(t, m)
	dir := t.TempDir()
	writer, err := tiles.NewWriter(dir, 1, 2)
	require.NoError(t, err)

	ec := engine.NewExecutionContext()
	ec.SetObject(tiles.ObjectKey, writer)

	var steps []*engine.Step
	for col := range 2 {
		steps = append(steps,
			step(t, reg, "move"+string(rune('0'+col)), OpMoveStage, engine.Params{"x": col * 100},
				engine.WithPostHooks(engine.Params{"row": 0, "col": col}, hooks(t, reg, OpUpdateTileIndices)...)),
			step(t, reg, "acq"+string(rune('0'+col)), OpAcquireFrame, engine.Params{},
				engine.WithPostHooks(engine.Params{}, hooks(t, reg, OpSaveFrameTile)...)),
		)
	}
	steps = append(steps, step(t, reg, "close", OpNoop, nil,
		engine.WithPostHooks(engine.Params{}, hooks(t, reg, OpCloseTileWriter)...)))

	engine.NewWorkflow(steps).Run(context.Background(), ec)
	require.False(t, ec.StopRequested())

	_, present := ec.GetObject(tiles.ObjectKey)
	require.False(t, present)

	index, err := tiles.ReadIndex(dir)
	require.NoError(t, err)
	require.Len(t, index.Tiles, 2)

	acq, _ := ec.GetStepResult("acq1")
	require.Equal(t, []any{tiles.TileName(0, 1)}, acq.PostResults)
	col, _ := acq.Get("IndexX")
	require.Equal(t, 1, col)
}

func TestSaveFrameTileWithoutIndicesFails(t *testing.T) {
	t.Parallel()

	m := New(WithFrameSize(2, 2))
	reg := registry(t, m)
	writer, err := tiles.NewWriter(t.TempDir(), 1, 1)
	require.NoError(t, err)

	ec := engine.NewExecutionContext()
	ec.SetObject(tiles.ObjectKey, writer)
	engine.NewWorkflow([]*engine.Step{
		step(t, reg, "acq", OpAcquireFrame, nil, engine.WithPostHooks(nil, hooks(t, reg, OpSaveFrameTile)...)),
	}).Run(context.Background(), ec)

	require.True(t, ec.StopRequested())
	md, _ := ec.GetStepResult("acq")
	require.Equal(t, engine.PhasePost, md.Phase)
}

func TestSaveFrameTileRejectsFractionalIndices(t *testing.T) {
	t.Parallel()

	writer, err := tiles.NewWriter(t.TempDir(), 1, 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = writer.Close() })
	ec := engine.NewExecutionContext()
	ec.SetObject(tiles.ObjectKey, writer)
	ec.UpdateMetadata(engine.GlobalStepID, LastRowKey, 1.5)
	ec.UpdateMetadata(engine.GlobalStepID, LastColKey, 0)

	md := &engine.Metadata{StepID: "acq"}
	md.Result = &Frame{Image: image.NewGray16(image.Rect(0, 0, 2, 2))}
	_, err = saveFrameTile(context.Background(), engine.HookCall{Context: ec, Metadata: md})
	require.Error(t, err)
	require.Contains(t, err.Error(), LastRowKey)
}

func TestUpdateTileIndicesRequiresParams(t *testing.T) {
	t.Parallel()

	_, err := updateTileIndices(context.Background(), engine.HookCall{
		Context:  engine.NewExecutionContext(),
		Metadata: &engine.Metadata{StepID: "x"},
		Params:   engine.Params{},
	})
	require.Error(t, err)
}
