// Package schema validates request bodies against JSON Schema documents
// before they are decoded into typed inputs.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validator is a compiled schema. It is safe for concurrent use.
type Validator struct {
	name   string
	schema *jsonschema.Schema
}

// Error is a body that failed validation. Message lists every violation
// as "<location>: <reason>".
type Error struct {
	Message string
}

func (e *Error) Error() string { return e.Message }

// Compile parses and compiles src under the resource name name.
func Compile(name, src string) (*Validator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", name, err)
	}
	s, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return &Validator{name: name, schema: s}, nil
}

// MustCompile is Compile for package-level schemas.
func MustCompile(name, src string) *Validator {
	v, err := Compile(name, src)
	if err != nil {
		panic(err)
	}
	return v
}

// Validate checks raw against the schema. An empty body validates as {}.
func (v *Validator) Validate(raw []byte) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("{}")
	}
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// integer keywords need.
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return &Error{Message: "invalid JSON body"}
	}
	if err := v.schema.Validate(inst); err != nil {
		return &Error{Message: describe(err)}
	}
	return nil
}

// Decode validates raw and unmarshals it into out.
func (v *Validator) Decode(raw []byte, out any) error {
	if err := v.Validate(raw); err != nil {
		return err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &Error{Message: err.Error()}
	}
	return nil
}

// describe flattens the validator's report into one line. The first line
// names the schema and is dropped.
func describe(err error) string {
	lines := strings.Split(err.Error(), "\n")
	var parts []string
	for _, line := range lines[1:] {
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "- ")
		if line == "" {
			continue
		}
		line = strings.TrimPrefix(line, "at ")
		parts = append(parts, line)
	}
	if len(parts) == 0 {
		return strings.TrimSpace(lines[0])
	}
	return strings.Join(parts, ", ")
}
