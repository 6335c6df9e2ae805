package module

import (
	"bytes"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// validate is the shared struct validator for module parameters.
var validate = validator.New()

// DecodeParams converts a raw parameter map into a typed parameter struct and
// validates it against the struct's `validate` tags. Unknown keys are
// rejected so typos surface during Check instead of being silently dropped.
func DecodeParams(raw map[string]interface{}, out interface{}) error {
	data, err := yaml.Marshal(raw)
	if err != nil {
		return NewValidationError("failed to encode parameters: %v", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return &ValidationError{Message: "invalid module parameters", Err: err}
	}

	if err := validate.Struct(out); err != nil {
		return &ValidationError{Message: "invalid module parameters", Err: err}
	}
	return nil
}
