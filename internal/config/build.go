package config

import (
	"fmt"

	"github.com/openUC2/ImTools/internal/engine"
	"github.com/openUC2/ImTools/internal/operation"
)

// legacyRetriesKey is the parameter key older definitions used to carry the
// retry budget inside the main parameters.
const legacyRetriesKey = "max_retries"

// Build resolves every operation name in def through reg and returns the
// resulting workflow.
func Build(def *Definition, reg *operation.Registry) (*engine.Workflow, error) {
	if def == nil {
		return nil, fmt.Errorf("build workflow: definition is nil")
	}
	if reg == nil {
		return nil, fmt.Errorf("build workflow: registry is nil")
	}

	steps := make([]*engine.Step, 0, len(def.Steps))
	for i, sd := range def.Steps {
		step, err := BuildStep(sd, reg)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", fieldForStep(i, "main"), err)
		}
		steps = append(steps, step)
	}
	return engine.NewWorkflow(steps), nil
}

// BuildStep resolves a single step definition.
func BuildStep(sd StepDefinition, reg *operation.Registry) (*engine.Step, error) {
	main, err := reg.Main(sd.Main)
	if err != nil {
		return nil, err
	}
	pre, err := reg.Hooks(sd.Pre)
	if err != nil {
		return nil, err
	}
	post, err := reg.Hooks(sd.Post)
	if err != nil {
		return nil, err
	}

	params, retries, err := splitRetries(sd.Params, sd.MaxRetries)
	if err != nil {
		return nil, err
	}

	opts := []engine.StepOption{engine.WithParams(params), engine.WithMaxRetries(retries)}
	if len(pre) > 0 {
		opts = append(opts, engine.WithPreHooks(engine.Params(sd.PreParams), pre...))
	}
	if len(post) > 0 {
		opts = append(opts, engine.WithPostHooks(engine.Params(sd.PostParams), post...))
	}
	return engine.NewStep(sd.ID, sd.DisplayName(), main, opts...)
}

// splitRetries removes the legacy retry key from params. The explicit field
// wins when both are set.
func splitRetries(raw map[string]any, explicit int) (engine.Params, int, error) {
	params := engine.Params(raw).Clone()
	if _, ok := params[legacyRetriesKey]; !ok {
		return params, explicit, nil
	}
	legacy, err := params.Int(legacyRetriesKey, 0)
	if err != nil {
		return nil, 0, err
	}
	delete(params, legacyRetriesKey)
	if explicit != 0 {
		return params, explicit, nil
	}
	return params, legacy, nil
}
