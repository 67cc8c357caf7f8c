// Package scan builds the step sequence of a tiled histology slide scan.
package scan

import (
	"fmt"
	"math"

	"github.com/openUC2/ImTools/internal/config"
	"github.com/openUC2/ImTools/internal/engine"
	"github.com/openUC2/ImTools/internal/instrument"
	"github.com/openUC2/ImTools/internal/operation"
	imerrors "github.com/openUC2/ImTools/pkg/errors"
)

// MaxTiles bounds the number of positions a single scan may visit.
const MaxTiles = 10000

// Params describes a rectangular scan area and acquisition settings.
type Params struct {
	XMin       float64 `json:"x_min" validate:"ltefield=XMax"`
	XMax       float64 `json:"x_max"`
	YMin       float64 `json:"y_min" validate:"ltefield=YMax"`
	YMax       float64 `json:"y_max"`
	XStep      float64 `json:"x_step" validate:"gt=0"`
	YStep      float64 `json:"y_step" validate:"gt=0"`
	Z          float64 `json:"z"`
	Autofocus  bool    `json:"autofocus"`
	Channel    string  `json:"channel" validate:"required"`
	LaserPower float64 `json:"laser_power" validate:"gte=0,lte=100"`
	WaitTime   float64 `json:"wait_time" validate:"gte=0"`
	MaxRetries int     `json:"max_retries" validate:"gte=0"`
}

// DefaultParams mirrors the defaults of the scanner API.
func DefaultParams() Params {
	return Params{XStep: 100, YStep: 100, Channel: "Mono", LaserPower: 10, WaitTime: 0.1}
}

// Validate checks the parameter struct.
func (p Params) Validate() error {
	if err := config.GetValidator().Struct(p); err != nil {
		return config.ConvertValidationError(err)
	}
	n := axisLen(p.XMin, p.XMax, p.XStep) * axisLen(p.YMin, p.YMax, p.YStep)
	if n > MaxTiles {
		return imerrors.NewValidationError("grid", fmt.Sprintf("scan needs %.0f tiles, at most %d allowed", n, MaxTiles), nil)
	}
	return nil
}

// Positions returns the grid coordinates covering [min, max] on each axis.
func Positions(xMin, xMax, yMin, yMax, xStep, yStep float64) (xs, ys []float64) {
	return axis(xMin, xMax, xStep), axis(yMin, yMax, yStep)
}

// axisLen counts the positions of an axis without building it.
func axisLen(lo, hi, step float64) float64 {
	if step <= 0 || hi < lo {
		return 0
	}
	// tolerate floating point error so 0..1 in 0.1 steps yields 11 positions
	return math.Floor((hi-lo)/step+1e-9) + 1
}

func axis(lo, hi, step float64) []float64 {
	if step <= 0 || hi < lo {
		return nil
	}
	n := int(axisLen(lo, hi, step))
	out := make([]float64, n)
	for i := range out {
		out[i] = lo + float64(i)*step
	}
	return out
}

// Plan is a built scan.
type Plan struct {
	Workflow *engine.Workflow
	Xs       []float64
	Ys       []float64
}

// Rows returns the grid height.
func (p *Plan) Rows() int { return len(p.Ys) }

// Cols returns the grid width.
func (p *Plan) Cols() int { return len(p.Xs) }

// StepsPerTile is the number of steps generated per grid position.
const StepsPerTile = 4

// Build produces, for each tile in row-major order, a Move XY, Move Z, Set
// laser power and Acquire frame step, followed by one step that closes the
// tile writer. Step ids are consecutive integers starting at "0".
func Build(p Params, reg *operation.Registry) (*Plan, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	xs, ys := Positions(p.XMin, p.XMax, p.YMin, p.YMax, p.XStep, p.YStep)

	b := &builder{reg: reg}
	var preXY []string
	if p.Autofocus {
		preXY = []string{instrument.OpAutofocus}
	}

	for row, y := range ys {
		for col, x := range xs {
			tile := map[string]any{"row": row, "col": col}
			b.add(config.StepDefinition{
				Name:       fmt.Sprintf("Move XY to (%g, %g)", x, y),
				Main:       instrument.OpMoveStage,
				Params:     map[string]any{"x": x, "y": y},
				MaxRetries: p.MaxRetries,
				Pre:        preXY,
				Post:       []string{instrument.OpUpdateTileIndices},
				PostParams: tile,
			})
			b.add(config.StepDefinition{
				Name:       fmt.Sprintf("Move Z to %g", p.Z),
				Main:       instrument.OpMoveStage,
				Params:     map[string]any{"x": x, "y": y, "z": p.Z},
				MaxRetries: p.MaxRetries,
				Post:       []string{instrument.OpUpdateTileIndices},
				PostParams: tile,
			})
			b.add(config.StepDefinition{
				Name:   "Set laser power",
				Main:   instrument.OpSetLaserPower,
				Params: map[string]any{"power": p.LaserPower, "channel": p.Channel},
			})
			b.add(config.StepDefinition{
				Name:       "Acquire frame " + p.Channel,
				Main:       instrument.OpAcquireFrame,
				Params:     map[string]any{"channel": p.Channel},
				MaxRetries: p.MaxRetries,
				Pre:        []string{instrument.OpWaitTime},
				PreParams:  map[string]any{"seconds": p.WaitTime},
				Post:       []string{instrument.OpProcessData, instrument.OpSaveFrameTile},
			})
		}
	}
	b.add(config.StepDefinition{
		Name: "Close tile writer",
		Main: instrument.OpNoop,
		Post: []string{instrument.OpCloseTileWriter},
	})

	if b.err != nil {
		return nil, b.err
	}
	return &Plan{Workflow: engine.NewWorkflow(b.steps), Xs: xs, Ys: ys}, nil
}

type builder struct {
	reg   *operation.Registry
	steps []*engine.Step
	err   error
}

func (b *builder) add(sd config.StepDefinition) {
	if b.err != nil {
		return
	}
	sd.ID = fmt.Sprint(len(b.steps))
	step, err := config.BuildStep(sd, b.reg)
	if err != nil {
		b.err = fmt.Errorf("scan step %s: %w", sd.ID, err)
		return
	}
	b.steps = append(b.steps, step)
}
