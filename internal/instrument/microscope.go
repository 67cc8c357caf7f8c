// Package instrument provides a simulated microscope and the workflow
// operations that drive it.
package instrument

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"math"
	"sync"
	"time"

	"github.com/openUC2/ImTools/internal/logger"
)

// Position is a stage position in micrometres.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Frame is one acquired camera image.
type Frame struct {
	Index    int
	Channel  string
	Position Position
	Image    *image.Gray16
}

// Mean returns the average pixel value.
func (f *Frame) Mean() float64 {
	if f == nil || f.Image == nil {
		return 0
	}
	b := f.Image.Bounds()
	var sum float64
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			sum += float64(f.Image.Gray16At(x, y).Y)
		}
	}
	n := b.Dx() * b.Dy()
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// MarshalJSON summarises the frame instead of serialising its pixels.
func (f *Frame) MarshalJSON() ([]byte, error) {
	if f == nil {
		return []byte("null"), nil
	}
	b := f.Image.Bounds()
	return json.Marshal(struct {
		Index    int      `json:"index"`
		Channel  string   `json:"channel"`
		Position Position `json:"position"`
		Width    int      `json:"width"`
		Height   int      `json:"height"`
		Mean     float64  `json:"mean"`
	}{f.Index, f.Channel, f.Position, b.Dx(), b.Dy(), f.Mean()})
}

// Option configures a Microscope.
type Option func(*Microscope)

// WithFrameSize sets the camera resolution.
func WithFrameSize(width, height int) Option {
	return func(m *Microscope) {
		m.width, m.height = width, height
	}
}

// WithLatency simulates hardware delay on every stage, laser and camera call.
func WithLatency(d time.Duration) Option {
	return func(m *Microscope) {
		m.latency = d
	}
}

// WithFailures makes the named operation fail its next n invocations.
func WithFailures(op string, n int) Option {
	return func(m *Microscope) {
		m.failures[op] = n
	}
}

// WithLogger sets the microscope logger.
func WithLogger(log *logger.Logger) Option {
	return func(m *Microscope) {
		m.logger = log
	}
}

// Microscope is a deterministic stand-in for stage, lasers and camera.
// Safe for concurrent use.
type Microscope struct {
	mu       sync.Mutex
	pos      Position
	lasers   map[string]float64
	width    int
	height   int
	latency  time.Duration
	failures map[string]int
	frames   int
	logger   *logger.Logger
}

// New returns a microscope at the origin with all lasers off.
func New(opts ...Option) *Microscope {
	m := &Microscope{
		lasers:   make(map[string]float64),
		width:    512,
		height:   512,
		failures: make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Position returns the current stage position.
func (m *Microscope) Position() Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pos
}

// LaserPower returns the power last set for channel.
func (m *Microscope) LaserPower(channel string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lasers[channel]
}

// FramesAcquired returns how many frames were captured.
func (m *Microscope) FramesAcquired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frames
}

// MoveTo moves the stage.
func (m *Microscope) MoveTo(ctx context.Context, target Position) (Position, error) {
	if err := m.operate(ctx, OpMoveStage); err != nil {
		return Position{}, err
	}
	m.mu.Lock()
	m.pos = target
	m.mu.Unlock()
	m.logger.WithFields(map[string]any{"x": target.X, "y": target.Y, "z": target.Z}).Debug("stage moved")
	return target, nil
}

// SetLaserPower sets the power of the laser for channel, in percent.
func (m *Microscope) SetLaserPower(ctx context.Context, channel string, power float64) (float64, error) {
	if power < 0 || power > 100 {
		return 0, fmt.Errorf("laser power %.1f outside [0, 100]", power)
	}
	if err := m.operate(ctx, OpSetLaserPower); err != nil {
		return 0, err
	}
	m.mu.Lock()
	m.lasers[channel] = power
	m.mu.Unlock()
	m.logger.WithFields(map[string]any{"channel": channel, "power": power}).Debug("laser power set")
	return power, nil
}

// Acquire captures a synthetic frame whose content depends on stage position
// and illumination, so identical positions give identical frames.
func (m *Microscope) Acquire(ctx context.Context, channel string) (*Frame, error) {
	if err := m.operate(ctx, OpAcquireFrame); err != nil {
		return nil, err
	}

	m.mu.Lock()
	pos := m.pos
	power := m.lasers[channel]
	index := m.frames
	m.frames++
	w, h := m.width, m.height
	m.mu.Unlock()

	img := image.NewGray16(image.Rect(0, 0, w, h))
	gain := 0.2 + power/100
	for y := range h {
		for x := range w {
			u := (pos.X + float64(x)) / 37
			v := (pos.Y + float64(y)) / 53
			s := 0.5 + 0.25*math.Sin(u) + 0.25*math.Cos(v)
			value := math.Min(s*gain, 1) * math.MaxUint16
			img.SetGray16(x, y, color.Gray16{Y: uint16(value)})
		}
	}
	m.logger.WithFields(map[string]any{"channel": channel, "frame": index}).Debug("frame acquired")
	return &Frame{Index: index, Channel: channel, Position: pos, Image: img}, nil
}

// Focus simulates an autofocus sweep around the current z and returns the
// chosen plane.
func (m *Microscope) Focus(ctx context.Context, zRange float64) (float64, error) {
	if err := m.operate(ctx, OpAutofocus); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// the synthetic sample is flat, so the best plane tracks the stage tilt
	best := m.pos.Z + math.Mod(m.pos.X+m.pos.Y, math.Max(zRange, 1))/10
	m.pos.Z = best
	return best, nil
}

func (m *Microscope) operate(ctx context.Context, op string) error {
	if err := sleep(ctx, m.latency); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures[op] > 0 {
		m.failures[op]--
		return fmt.Errorf("%s: simulated hardware fault", op)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
