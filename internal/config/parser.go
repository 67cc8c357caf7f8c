package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	imerrors "github.com/openUC2/ImTools/pkg/errors"
)

var yamlLineRegex = regexp.MustCompile(`line (\d+)`)

// ParseFile loads a workflow definition from disk and validates it.
func ParseFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, imerrors.NewParseError(path, 0, err)
	}
	return Parse(data, path)
}

// Parse decodes a YAML or JSON definition and validates it. A document whose
// first non-blank byte is '{' is treated as the JSON API form.
func Parse(data []byte, source string) (*Definition, error) {
	var def Definition
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()
		if err := dec.Decode(&def); err != nil {
			return nil, imerrors.NewParseError(source, 0, err)
		}
		normalizeNumbers(&def)
	} else {
		if err := yaml.Unmarshal(data, &def); err != nil {
			return nil, imerrors.NewParseError(source, extractLine(err), err)
		}
	}

	if err := Validate(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// normalizeNumbers turns json.Number values into int when integral and
// float64 otherwise, matching what the YAML decoder produces.
func normalizeNumbers(def *Definition) {
	for i := range def.Steps {
		step := &def.Steps[i]
		step.Params = normalizeMap(step.Params)
		step.PreParams = normalizeMap(step.PreParams)
		step.PostParams = normalizeMap(step.PostParams)
	}
}

func normalizeMap(in map[string]any) map[string]any {
	for key, value := range in {
		in[key] = normalizeValue(value)
	}
	return in
}

func normalizeValue(value any) any {
	switch v := value.(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
		if f, err := v.Float64(); err == nil {
			return f
		}
		return v.String()
	case map[string]any:
		return normalizeMap(v)
	case []any:
		for i := range v {
			v[i] = normalizeValue(v[i])
		}
		return v
	default:
		return value
	}
}

func extractLine(err error) int {
	if err == nil {
		return 0
	}

	matches := yamlLineRegex.FindStringSubmatch(err.Error())
	if len(matches) != 2 {
		return 0
	}

	var line int
	if _, scanErr := fmt.Sscanf(matches[1], "%d", &line); scanErr != nil {
		return 0
	}
	return line
}
