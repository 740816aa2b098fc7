package game

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dweam-team/world-arcade/internal/apperr"
	"github.com/google/jsonschema-go/jsonschema"
)

// Params are simulation parameters as decoded from JSON.
type Params map[string]any

// Int returns the named parameter as an int, or def when absent or mistyped.
func (p Params) Int(name string, def int) int {
	switch v := p[name].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return def
}

func (p Params) Float(name string, def float64) float64 {
	switch v := p[name].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

func (p Params) Bool(name string, def bool) bool {
	if v, ok := p[name].(bool); ok {
		return v
	}
	return def
}

func (p Params) String(name, def string) string {
	if v, ok := p[name].(string); ok {
		return v
	}
	return def
}

type ParamType string

const (
	Integer ParamType = "integer"
	Number  ParamType = "number"
	Boolean ParamType = "boolean"
	String  ParamType = "string"
)

// Param declares one configurable parameter. A Param with a nil Default is
// required.
type Param struct {
	Name        string
	Title       string
	Description string
	Type        ParamType
	Default     any
	Minimum     *float64
	Maximum     *float64
	Enum        []any
}

// Schema is the declared parameter set of a simulation.
type Schema struct {
	Title  string
	Params []Param

	once     sync.Once
	js       *jsonschema.Schema
	resolved *jsonschema.Resolved
	err      error
}

func NewSchema(title string, params ...Param) *Schema {
	return &Schema{Title: title, Params: params}
}

// Bound is a helper for Param.Minimum and Param.Maximum.
func Bound(v float64) *float64 { return &v }

func (s *Schema) compile() {
	s.once.Do(func() {
		js := &jsonschema.Schema{
			Title:      s.Title,
			Type:       "object",
			Properties: make(map[string]*jsonschema.Schema, len(s.Params)),
		}
		for _, p := range s.Params {
			prop := &jsonschema.Schema{
				Title:       p.Title,
				Description: p.Description,
				Type:        string(p.Type),
				Minimum:     p.Minimum,
				Maximum:     p.Maximum,
				Enum:        p.Enum,
			}
			if p.Default == nil {
				js.Required = append(js.Required, p.Name)
			} else {
				raw, err := json.Marshal(p.Default)
				if err != nil {
					s.err = fmt.Errorf("param %s: encode default: %w", p.Name, err)
					return
				}
				prop.Default = raw
			}
			js.Properties[p.Name] = prop
		}
		resolved, err := js.Resolve(&jsonschema.ResolveOptions{ValidateDefaults: true})
		if err != nil {
			s.err = fmt.Errorf("resolve parameter schema: %w", err)
			return
		}
		s.js = js
		s.resolved = resolved
	})
}

// JSON renders the schema as a JSON Schema document.
func (s *Schema) JSON() (json.RawMessage, error) {
	s.compile()
	if s.err != nil {
		return nil, s.err
	}
	return json.Marshal(s.js)
}

// Defaults returns a Params holding every declared default.
func (s *Schema) Defaults() Params {
	p := make(Params, len(s.Params))
	for _, param := range s.Params {
		if param.Default == nil {
			continue
		}
		// Round-trip so defaults carry the same Go types as decoded input.
		raw, err := json.Marshal(param.Default)
		if err != nil {
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			p[param.Name] = v
		}
	}
	return p
}

// Validate decodes raw, fills in defaults and checks the result against the
// schema. Failures carry apperr.CodeValidationFailed.
func (s *Schema) Validate(raw json.RawMessage) (Params, error) {
	s.compile()
	if s.err != nil {
		return nil, s.err
	}

	params := Params{}
	if len(bytes.TrimSpace(raw)) > 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, apperr.Wrap(apperr.CodeValidationFailed, "parameters must be a JSON object", err)
		}
	}
	instance := map[string]any(params)
	if err := s.resolved.ApplyDefaults(&instance); err != nil {
		return nil, apperr.Wrap(apperr.CodeValidationFailed, "apply parameter defaults", err)
	}
	if err := s.resolved.Validate(instance); err != nil {
		return nil, apperr.Wrap(apperr.CodeValidationFailed, "invalid parameters", err)
	}
	return Params(instance), nil
}
