package approval

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// RequestSchema describes a valid POST /approve body.
const RequestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["approvalId", "amount", "phoneNumber", "message"],
  "properties": {
    "approvalId":  { "type": "string", "minLength": 1 },
    "amount":      { "type": "number", "minimum": 0 },
    "phoneNumber": { "type": "string" },
    "message":     { "type": "string" }
  }
}`

const schemaURL = "approval-request.json"

// ValidationErrors collects every schema violation found in a body.
type ValidationErrors []error

func (ve ValidationErrors) Error() string {
	var sb strings.Builder
	for i, err := range ve {
		if i > 0 {
			sb.WriteString("; ")
		}
		sb.WriteString(err.Error())
	}
	return sb.String()
}

// Validator checks request bodies against RequestSchema.
// It is safe for concurrent use.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles RequestSchema.
func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, strings.NewReader(RequestSchema)); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// Validate returns nil for a valid body, a parse error for malformed JSON,
// or ValidationErrors listing each violation.
func (v *Validator) Validate(body []byte) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	err := v.schema.Validate(doc)
	if err == nil {
		return nil
	}

	var verr *jsonschema.ValidationError
	if errors.As(err, &verr) {
		if errs := leafErrors(verr); len(errs) > 0 {
			return errs
		}
	}
	return ValidationErrors{err}
}

func leafErrors(err *jsonschema.ValidationError) ValidationErrors {
	if len(err.Causes) == 0 {
		return ValidationErrors{fmt.Errorf("%s: %s", location(err.InstanceLocation), err.Message)}
	}

	var errs ValidationErrors
	for _, cause := range err.Causes {
		errs = append(errs, leafErrors(cause)...)
	}
	return errs
}

func location(ptr string) string {
	if ptr == "" {
		return "/"
	}
	return ptr
}
