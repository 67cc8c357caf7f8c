package config

// Definition is a declarative workflow: an ordered list of steps whose
// operations are referenced by registry name.
//
// YAML files use snake_case keys. The JSON form matches the HTTP API payload
// (`{"steps":[{"id":..,"stepName":..,"mainFuncName":..}]}`).
type Definition struct {
	Version     string           `yaml:"version,omitempty" json:"version,omitempty" validate:"omitempty,semver"`
	Name        string           `yaml:"name,omitempty" json:"name,omitempty" validate:"max=100"`
	Description string           `yaml:"description,omitempty" json:"description,omitempty"`
	Steps       []StepDefinition `yaml:"steps" json:"steps" validate:"required,min=1,dive"`
}

// StepDefinition describes one step of a Definition.
type StepDefinition struct {
	ID         string         `yaml:"id" json:"id" validate:"required,step_id"`
	Name       string         `yaml:"name,omitempty" json:"stepName,omitempty"`
	Main       string         `yaml:"main" json:"mainFuncName" validate:"required"`
	Params     map[string]any `yaml:"params,omitempty" json:"mainParams,omitempty"`
	MaxRetries int            `yaml:"max_retries,omitempty" json:"maxRetries,omitempty" validate:"min=0,max=100"`
	Pre        []string       `yaml:"pre,omitempty" json:"preFuncs,omitempty" validate:"dive,required"`
	PreParams  map[string]any `yaml:"pre_params,omitempty" json:"preParams,omitempty"`
	Post       []string       `yaml:"post,omitempty" json:"postFuncs,omitempty" validate:"dive,required"`
	PostParams map[string]any `yaml:"post_params,omitempty" json:"postParams,omitempty"`
}

// DisplayName returns the step name, falling back to its id.
func (s StepDefinition) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}
