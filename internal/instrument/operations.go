package instrument

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/openUC2/ImTools/internal/engine"
	"github.com/openUC2/ImTools/internal/operation"
	"github.com/openUC2/ImTools/internal/tiles"
)

// Main operation names.
const (
	OpMoveStage     = "move_stage"
	OpSetLaserPower = "set_laser_power"
	OpAcquireFrame  = "acquire_frame"
	OpNoop          = "noop"
)

// Hook names.
const (
	OpAutofocus         = "autofocus"
	OpSaveData          = "save_data"
	OpProcessData       = "process_data"
	OpSaveFrame         = "save_frame"
	OpAppendData        = "append_data"
	OpWaitTime          = "wait_time"
	OpUpdateTileIndices = "update_tile_indices"
	OpSaveFrameTile     = "save_frame_tile"
	OpCloseTileWriter   = "close_tile_writer"
)

// BufferKey is the context key of the accumulation Buffer used by append_data.
const BufferKey = "data_buffer"

// Global metadata keys written by update_tile_indices.
const (
	LastRowKey = "last_row"
	LastColKey = "last_col"
)

// TileSink receives acquired tiles. *tiles.Writer implements it.
type TileSink interface {
	WriteTile(row, col int, img image.Image) error
	Close() error
}

// Buffer accumulates main results across steps.
type Buffer struct {
	mu    sync.Mutex
	items []any
}

// Append adds an item.
func (b *Buffer) Append(item any) {
	b.mu.Lock()
	b.items = append(b.items, item)
	b.mu.Unlock()
}

// Len returns the number of buffered items.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Items returns a copy of the buffered items.
func (b *Buffer) Items() []any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]any(nil), b.items...)
}

// Register installs every microscope operation into reg.
func Register(reg *operation.Registry, m *Microscope) error {
	mains := map[string]engine.MainFunc{
		OpMoveStage:     m.moveStage,
		OpSetLaserPower: m.setLaserPower,
		OpAcquireFrame:  m.acquireFrame,
		OpNoop:          func(context.Context, engine.Params) (any, error) { return nil, nil },
	}
	hooks := map[string]engine.HookFunc{
		OpAutofocus:         m.autofocus,
		OpSaveData:          saveData,
		OpProcessData:       processData,
		OpSaveFrame:         saveFrame,
		OpAppendData:        appendData,
		OpWaitTime:          waitTime,
		OpUpdateTileIndices: updateTileIndices,
		OpSaveFrameTile:     saveFrameTile,
		OpCloseTileWriter:   closeTileWriter,
	}
	for name, fn := range mains {
		if err := reg.RegisterMain(name, fn); err != nil {
			return err
		}
	}
	for name, fn := range hooks {
		if err := reg.RegisterHook(name, fn); err != nil {
			return err
		}
	}
	return nil
}

func (m *Microscope) moveStage(ctx context.Context, p engine.Params) (any, error) {
	current := m.Position()
	x, err := p.Float("x", current.X)
	if err != nil {
		return nil, err
	}
	y, err := p.Float("y", current.Y)
	if err != nil {
		return nil, err
	}
	z, err := p.Float("z", current.Z)
	if err != nil {
		return nil, err
	}
	return m.MoveTo(ctx, Position{X: x, Y: y, Z: z})
}

func (m *Microscope) setLaserPower(ctx context.Context, p engine.Params) (any, error) {
	power, err := p.Float("power", 0)
	if err != nil {
		return nil, err
	}
	channel, err := p.String("channel", "Mono")
	if err != nil {
		return nil, err
	}
	return m.SetLaserPower(ctx, channel, power)
}

func (m *Microscope) acquireFrame(ctx context.Context, p engine.Params) (any, error) {
	channel, err := p.String("channel", "Mono")
	if err != nil {
		return nil, err
	}
	return m.Acquire(ctx, channel)
}

func (m *Microscope) autofocus(ctx context.Context, call engine.HookCall) (any, error) {
	zRange, err := call.Params.Float("z_range", 10)
	if err != nil {
		return nil, err
	}
	z, err := m.Focus(ctx, zRange)
	if err != nil {
		return nil, err
	}
	call.Metadata.Set("autofocus_done", true)
	call.Metadata.Set("focus_z", z)
	return z, nil
}

func saveData(_ context.Context, call engine.HookCall) (any, error) {
	call.Metadata.Set("saved", true)
	call.Context.UpdateMetadata(engine.GlobalStepID, "last_saved", call.Metadata.StepID)
	return true, nil
}

func processData(_ context.Context, call engine.HookCall) (any, error) {
	frame, ok := call.Metadata.Result.(*Frame)
	if !ok {
		call.Metadata.Set("processed", false)
		return nil, nil
	}
	mean := frame.Mean()
	call.Metadata.Set("processed", true)
	call.Metadata.Set("mean", mean)
	return mean, nil
}

func saveFrame(_ context.Context, call engine.HookCall) (any, error) {
	call.Metadata.Set("frame_saved", true)
	return nil, nil
}

func appendData(_ context.Context, call engine.HookCall) (any, error) {
	raw, ok := call.Context.GetObject(BufferKey)
	if !ok {
		return nil, nil
	}
	buffer, ok := raw.(*Buffer)
	if !ok {
		return nil, fmt.Errorf("object %q is %T, not *instrument.Buffer", BufferKey, raw)
	}
	buffer.Append(call.Metadata.Result)
	return buffer.Len(), nil
}

func waitTime(ctx context.Context, call engine.HookCall) (any, error) {
	seconds, err := call.Params.Float("seconds", 0)
	if err != nil {
		return nil, err
	}
	if err := sleep(ctx, time.Duration(seconds*float64(time.Second))); err != nil {
		return nil, err
	}
	call.Metadata.Set("waited", seconds)
	return seconds, nil
}

// updateTileIndices records the grid position declared in the hook params on
// the step and under the global pseudo step, where save_frame_tile reads it.
func updateTileIndices(_ context.Context, call engine.HookCall) (any, error) {
	row, err := call.Params.Int("row", -1)
	if err != nil {
		return nil, err
	}
	col, err := call.Params.Int("col", -1)
	if err != nil {
		return nil, err
	}
	if row < 0 || col < 0 {
		return nil, fmt.Errorf("update_tile_indices needs row and col parameters")
	}
	call.Metadata.Set("IndexX", col)
	call.Metadata.Set("IndexY", row)
	call.Context.UpdateMetadata(engine.GlobalStepID, LastColKey, col)
	call.Context.UpdateMetadata(engine.GlobalStepID, LastRowKey, row)
	return [2]int{row, col}, nil
}

func saveFrameTile(_ context.Context, call engine.HookCall) (any, error) {
	sink, err := tileSink(call.Context)
	if err != nil {
		return nil, err
	}
	if sink == nil {
		call.Context.Logger().With("step_id", call.Metadata.StepID).Warn("no tile writer in context, frame not saved")
		return nil, nil
	}
	frame, ok := call.Metadata.Result.(*Frame)
	if !ok || frame == nil {
		return nil, fmt.Errorf("save_frame_tile: step result is %T, not a frame", call.Metadata.Result)
	}

	rawRow, okRow := call.Context.MetadataValue(engine.GlobalStepID, LastRowKey)
	rawCol, okCol := call.Context.MetadataValue(engine.GlobalStepID, LastColKey)
	if !okRow || !okCol {
		return nil, fmt.Errorf("save_frame_tile: tile indices not set")
	}
	indices := engine.Params{LastRowKey: rawRow, LastColKey: rawCol}
	row, err := indices.Int(LastRowKey, 0)
	if err != nil {
		return nil, fmt.Errorf("save_frame_tile: %w", err)
	}
	col, err := indices.Int(LastColKey, 0)
	if err != nil {
		return nil, fmt.Errorf("save_frame_tile: %w", err)
	}

	if err := sink.WriteTile(row, col, frame.Image); err != nil {
		return nil, err
	}
	call.Metadata.Set("IndexX", col)
	call.Metadata.Set("IndexY", row)
	call.Metadata.Set("frame_saved", true)
	return tiles.TileName(row, col), nil
}

func closeTileWriter(_ context.Context, call engine.HookCall) (any, error) {
	sink, err := tileSink(call.Context)
	if err != nil || sink == nil {
		return nil, err
	}
	if err := sink.Close(); err != nil {
		return nil, err
	}
	call.Context.RemoveObject(tiles.ObjectKey)
	call.Metadata.Set("tiles_closed", true)
	return true, nil
}

func tileSink(ec *engine.ExecutionContext) (TileSink, error) {
	raw, ok := ec.GetObject(tiles.ObjectKey)
	if !ok || raw == nil {
		return nil, nil
	}
	sink, ok := raw.(TileSink)
	if !ok {
		return nil, fmt.Errorf("object %q is %T, not a tile sink", tiles.ObjectKey, raw)
	}
	return sink, nil
}
