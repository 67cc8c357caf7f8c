package config

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	imerrors "github.com/openUC2/ImTools/pkg/errors"
)

var (
	validatorOnce sync.Once
	validateInst  *validator.Validate

	semverPattern = regexp.MustCompile(`^\d+\.\d+(?:\.\d+)?(?:-[0-9A-Za-z-.]+)?(?:\+[0-9A-Za-z-.]+)?$`)
	stepIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
)

func validatorInstance() *validator.Validate {
	validatorOnce.Do(func() {
		v := validator.New()

		_ = v.RegisterValidation("semver", func(fl validator.FieldLevel) bool {
			return semverPattern.MatchString(fl.Field().String())
		})

		_ = v.RegisterValidation("step_id", func(fl validator.FieldLevel) bool {
			return stepIDPattern.MatchString(fl.Field().String())
		})

		validateInst = v
	})

	return validateInst
}

// GetValidator returns the shared validator for packages that validate their
// own parameter structs, such as the scan builder.
func GetValidator() *validator.Validate {
	return validatorInstance()
}

// Validate performs schema validation and rejects duplicate step ids.
func Validate(def *Definition) error {
	if def == nil {
		return imerrors.NewValidationError("definition", "definition is nil", nil)
	}

	if err := validatorInstance().Struct(def); err != nil {
		return ConvertValidationError(err)
	}

	seen := make(map[string]int, len(def.Steps))
	for i, step := range def.Steps {
		if first, exists := seen[step.ID]; exists {
			return imerrors.NewValidationError(fieldForStep(i, "id"),
				fmt.Sprintf("duplicate step id %q (first used by steps[%d])", step.ID, first), nil)
		}
		seen[step.ID] = i
	}
	return nil
}

// ConvertValidationError normalizes validator errors into ValidationErrors
// naming the first failing field.
func ConvertValidationError(err error) error {
	if err == nil {
		return nil
	}

	if ves, ok := err.(validator.ValidationErrors); ok {
		ve := ves[0]
		field := yamlishFieldName(ve)
		msg := fmt.Sprintf("%s failed validation for tag '%s'", field, ve.Tag())
		return imerrors.NewValidationError(field, msg, err)
	}

	return imerrors.NewValidationError("definition", err.Error(), err)
}

// yamlishFieldName drops the root struct name and lowercases the rest, so
// Definition.Steps[1].MaxRetries becomes steps[1].maxretries.
func yamlishFieldName(fe validator.FieldError) string {
	parts := strings.Split(fe.StructNamespace(), ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, part := range parts {
		parts[i] = strings.ToLower(part)
	}
	return strings.Join(parts, ".")
}

func fieldForStep(index int, field string) string {
	return fmt.Sprintf("steps[%d].%s", index, field)
}
