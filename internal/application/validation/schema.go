// Package validation validates workflow inputs and user_input responses
// against their JSON-schema declarations.
package validation

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/smilemakc/stepflow/internal/domain"
)

// ValidateResponse checks a user_input response against the step's
// validator schema. A nil or empty schema accepts anything.
func ValidateResponse(schema map[string]any, response any) error {
	if len(schema) == 0 {
		return nil
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(schema),
		gojsonschema.NewGoLoader(response),
	)
	if err != nil {
		return domain.NewDomainError(domain.ErrCodeValidationFailed, "response validation failed", err)
	}
	if !result.Valid() {
		msg := "response validation failed"
		if errs := result.Errors(); len(errs) > 0 {
			msg = errs[0].String()
		}
		return domain.NewDomainError(domain.ErrCodeValidationFailed, msg, nil)
	}
	return nil
}

// ValidateInputs checks the caller's input map against the definition's
// declared input types. Only declared inputs are accepted.
func ValidateInputs(decls map[string]*domain.InputDef, inputs map[string]any) error {
	for name := range inputs {
		if _, ok := decls[name]; !ok {
			return domain.NewDomainError(domain.ErrCodeInvalidInput,
				fmt.Sprintf("undeclared input %s", name), nil)
		}
	}
	for name, decl := range decls {
		value, provided := inputs[name]
		if !provided {
			continue
		}
		if decl.Type == "" {
			continue
		}
		schema := map[string]any{"type": decl.Type}
		result, err := gojsonschema.Validate(
			gojsonschema.NewGoLoader(schema),
			gojsonschema.NewGoLoader(value),
		)
		if err != nil {
			return domain.NewDomainError(domain.ErrCodeInvalidInput,
				fmt.Sprintf("input %s validation failed", name), err)
		}
		if !result.Valid() {
			return domain.NewDomainError(domain.ErrCodeInvalidInput,
				fmt.Sprintf("input %s: expected type %s", name, decl.Type), nil)
		}
	}
	return nil
}
