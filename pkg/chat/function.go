package chat

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrFunctionNotCalled means the model answered without invoking the
// requested function.
var ErrFunctionNotCalled = errors.New("function not called")

// Parameter is one named argument of a function schema.
type Parameter struct {
	Name        string
	Type        string
	Description string
	Required    bool
}

// Function is a function-call schema offered to the model. Parameters keep
// declaration order on the wire.
type Function struct {
	Name        string
	Description string
	Parameters  []Parameter
}

// FunctionBuilder assembles a Function from ordered (name, description) pairs.
type FunctionBuilder struct {
	fn   Function
	seen map[string]struct{}
	err  error
}

// NewFunction starts a schema with the given name and description.
func NewFunction(name, description string) *FunctionBuilder {
	b := &FunctionBuilder{
		fn:   Function{Name: strings.TrimSpace(name), Description: description},
		seen: map[string]struct{}{},
	}
	if b.fn.Name == "" {
		b.err = fmt.Errorf("function name is required")
	}
	return b
}

// Bool appends a required boolean parameter.
func (b *FunctionBuilder) Bool(name, description string) *FunctionBuilder {
	return b.add(Parameter{Name: name, Type: "boolean", Description: description, Required: true})
}

func (b *FunctionBuilder) add(p Parameter) *FunctionBuilder {
	if b.err != nil {
		return b
	}
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		b.err = fmt.Errorf("function %s: parameter name is required", b.fn.Name)
		return b
	}
	if _, dup := b.seen[p.Name]; dup {
		b.err = fmt.Errorf("function %s: duplicate parameter %q", b.fn.Name, p.Name)
		return b
	}
	b.seen[p.Name] = struct{}{}
	b.fn.Parameters = append(b.fn.Parameters, p)
	return b
}

// Build returns the schema or the first error hit while building it.
func (b *FunctionBuilder) Build() (Function, error) {
	if b.err != nil {
		return Function{}, b.err
	}
	return b.fn, nil
}

// MarshalJSON renders the OpenAI function format with properties in
// declaration order. A plain map would sort them.
func (f Function) MarshalJSON() ([]byte, error) {
	var props bytes.Buffer
	props.WriteByte('{')
	required := make([]string, 0, len(f.Parameters))
	for i, p := range f.Parameters {
		if i > 0 {
			props.WriteByte(',')
		}
		key, err := json.Marshal(p.Name)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(struct {
			Type        string `json:"type"`
			Description string `json:"description,omitempty"`
		}{Type: p.Type, Description: p.Description})
		if err != nil {
			return nil, err
		}
		props.Write(key)
		props.WriteByte(':')
		props.Write(val)
		if p.Required {
			required = append(required, p.Name)
		}
	}
	props.WriteByte('}')

	return json.Marshal(struct {
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
		Parameters  struct {
			Type       string          `json:"type"`
			Properties json.RawMessage `json:"properties"`
			Required   []string        `json:"required"`
		} `json:"parameters"`
	}{
		Name:        f.Name,
		Description: f.Description,
		Parameters: struct {
			Type       string          `json:"type"`
			Properties json.RawMessage `json:"properties"`
			Required   []string        `json:"required"`
		}{Type: "object", Properties: props.Bytes(), Required: required},
	})
}

// BoolArguments extracts the flat name→boolean arguments of a call to fn from
// msg. A call to a different function, or no call at all, yields
// ErrFunctionNotCalled. Non-boolean values are read as false.
func BoolArguments(msg Message, fn string) (map[string]bool, error) {
	if msg.FunctionCall == nil {
		return nil, fmt.Errorf("%w: expected %s, got none", ErrFunctionNotCalled, fn)
	}
	if msg.FunctionCall.Name != fn {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrFunctionNotCalled, fn, msg.FunctionCall.Name)
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(msg.FunctionCall.Arguments), &raw); err != nil {
		return nil, fmt.Errorf("parse %s arguments: %w", fn, err)
	}
	out := make(map[string]bool, len(raw))
	for k, v := range raw {
		b, _ := v.(bool)
		out[k] = b
	}
	return out, nil
}
