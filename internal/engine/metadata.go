package engine

import "maps"

// Phase names the part of a step that produced an error.
type Phase string

const (
	PhasePre  Phase = "pre"
	PhaseMain Phase = "main"
	PhasePost Phase = "post"
)

// Metadata is the per-invocation record a step accumulates while it runs.
// Hooks receive the same pointer as the main operation, so later hooks see
// what earlier hooks and the main operation wrote. Fields are filled in
// incrementally; readers must tolerate partially populated records.
type Metadata struct {
	StepID      string         `json:"step_id"`
	Params      Params         `json:"params,omitempty"`
	PreResults  []any          `json:"pre_result,omitempty"`
	Result      any            `json:"result,omitempty"`
	HasResult   bool           `json:"-"`
	Error       string         `json:"error,omitempty"`
	Traceback   string         `json:"traceback,omitempty"`
	Err         error          `json:"-"`
	Phase       Phase          `json:"phase,omitempty"`
	Attempts    int            `json:"attempts,omitempty"`
	PostResults []any          `json:"post_result,omitempty"`
	Values      map[string]any `json:"values,omitempty"`
}

// Set stores a free-form value on the record.
func (m *Metadata) Set(key string, value any) {
	if m.Values == nil {
		m.Values = make(map[string]any)
	}
	m.Values[key] = value
}

// Get reads a free-form value from the record.
func (m *Metadata) Get(key string) (any, bool) {
	if m == nil || m.Values == nil {
		return nil, false
	}
	v, ok := m.Values[key]
	return v, ok
}

// Clone copies the record and its maps and slices. Stored values themselves are shared.
func (m *Metadata) Clone() *Metadata {
	if m == nil {
		return nil
	}
	out := *m
	if m.Params != nil {
		out.Params = m.Params.Clone()
	}
	out.PreResults = append([]any(nil), m.PreResults...)
	out.PostResults = append([]any(nil), m.PostResults...)
	if m.Values != nil {
		out.Values = maps.Clone(m.Values)
	}
	return &out
}
