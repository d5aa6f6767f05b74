package jsonschema

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math"
	"regexp"
	"slices"
	"sort"
	"strings"
)

// ErrSchemaMismatch is wrapped by every error returned from Validate.
var ErrSchemaMismatch = errors.New("value does not match schema")

// Schema is the subset of JSON Schema used to describe node payloads and skill
// inputs. It is plain data and round-trips through encoding/json.
type Schema struct {
	// Type is one of "object", "array", "string", "number", "integer",
	// "boolean" or "null". Empty means any type.
	Type        string   `json:"type,omitempty"`
	Description string   `json:"description,omitempty"`
	Required    []string `json:"required,omitempty"`
	// Properties of an object, each with its own schema
	Properties map[string]*Schema `json:"properties,omitempty"`
	// Items is the schema of every element of an array
	Items *Schema `json:"items,omitempty"`
	// AdditionalProperties is either a bool or a *Schema. false rejects
	// properties not listed in Properties.
	AdditionalProperties any `json:"additionalProperties,omitempty"`
	Default              any `json:"default,omitempty"`
	// Enum restricts the value to one of the listed literals
	Enum []any `json:"enum,omitempty"`

	Minimum   *float64 `json:"minimum,omitempty"`
	Maximum   *float64 `json:"maximum,omitempty"`
	MinLength *int     `json:"minLength,omitempty"`
	MaxLength *int     `json:"maxLength,omitempty"`
	Pattern   string   `json:"pattern,omitempty"`

	// Ref points into the root's Defs as "#/$defs/<name>".
	Ref  string             `json:"$ref,omitempty"`
	Defs map[string]*Schema `json:"$defs,omitempty"`
}

// Clone returns a deep copy of the schema. A nil schema clones to nil.
func (s *Schema) Clone() *Schema {
	if s == nil {
		return nil
	}
	cloned := *s
	cloned.Required = slices.Clone(s.Required)
	cloned.Enum = slices.Clone(s.Enum)
	cloned.Items = s.Items.Clone()
	cloned.Minimum = clonePointer(s.Minimum)
	cloned.Maximum = clonePointer(s.Maximum)
	cloned.MinLength = clonePointer(s.MinLength)
	cloned.MaxLength = clonePointer(s.MaxLength)
	cloned.Properties = cloneSchemaMap(s.Properties)
	cloned.Defs = cloneSchemaMap(s.Defs)
	if nested, isSchema := s.AdditionalProperties.(*Schema); isSchema {
		cloned.AdditionalProperties = nested.Clone()
	}
	return &cloned
}

func cloneSchemaMap(source map[string]*Schema) map[string]*Schema {
	if source == nil {
		return nil
	}
	cloned := make(map[string]*Schema, len(source))
	for key, value := range source {
		cloned[key] = value.Clone()
	}
	return cloned
}

func clonePointer[T any](value *T) *T {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}

// UnmarshalJSON decodes a schema, turning an object-valued
// additionalProperties into a *Schema.
func (s *Schema) UnmarshalJSON(raw []byte) error {
	type plain Schema
	var decoded struct {
		plain
		AdditionalProperties json.RawMessage `json:"additionalProperties,omitempty"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return err
	}
	*s = Schema(decoded.plain)
	s.AdditionalProperties = nil

	additional := strings.TrimSpace(string(decoded.AdditionalProperties))
	switch {
	case additional == "" || additional == "null":
	case additional == "true":
		s.AdditionalProperties = true
	case additional == "false":
		s.AdditionalProperties = false
	default:
		var nested Schema
		if err := json.Unmarshal(decoded.AdditionalProperties, &nested); err != nil {
			return fmt.Errorf("additionalProperties: %w", err)
		}
		s.AdditionalProperties = &nested
	}
	return nil
}

// JsonString converts the Schema to its JSON representation.
// With indent set to true the output is pretty-printed.
func (s *Schema) JsonString(indent ...bool) (string, error) {
	var jsonBytes []byte
	var err error
	if len(indent) > 0 && indent[0] {
		jsonBytes, err = json.MarshalIndent(s, "", "  ")
	} else {
		jsonBytes, err = json.Marshal(s)
	}
	if err != nil {
		return "", fmt.Errorf("failed to marshal schema to JSON: %w", err)
	}
	return string(jsonBytes), nil
}

// String returns the compact JSON form of the schema.
func (s *Schema) String() string {
	jsonStr, err := s.JsonString()
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	return jsonStr
}

// Violation is a single schema mismatch at a JSON path such as
// "$.items[2].name".
type Violation struct {
	Path    string
	Message string
}

func (v Violation) Error() string {
	return v.Path + ": " + v.Message
}

// Validate checks value against schema. Go values that are not plain JSON
// (structs, typed slices, integers) are normalized through encoding/json
// first. A nil schema accepts everything. The returned error wraps
// ErrSchemaMismatch and joins one Violation per problem.
func Validate(schema *Schema, value any) error {
	if schema == nil {
		return nil
	}

	normalized, err := normalize(value)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
	}

	validator := &schemaValidator{root: schema}
	validator.check(schema, normalized, "$", 0)
	if len(validator.violations) == 0 {
		return nil
	}

	problems := make([]error, 0, len(validator.violations))
	for _, violation := range validator.violations {
		problems = append(problems, violation)
	}
	return fmt.Errorf("%w: %w", ErrSchemaMismatch, errors.Join(problems...))
}

// maxRefDepth stops runaway recursion through self-referencing $defs.
const maxRefDepth = 32

type schemaValidator struct {
	root       *Schema
	violations []Violation
}

func (v *schemaValidator) fail(path, format string, args ...any) {
	v.violations = append(v.violations, Violation{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (v *schemaValidator) check(schema *Schema, value any, path string, depth int) {
	if schema == nil {
		return
	}
	if schema.Ref != "" {
		if depth >= maxRefDepth {
			v.fail(path, "reference depth exceeded at %s", schema.Ref)
			return
		}
		resolved, found := v.resolve(schema.Ref)
		if !found {
			v.fail(path, "unresolved reference %s", schema.Ref)
			return
		}
		v.check(resolved, value, path, depth+1)
		return
	}

	if len(schema.Enum) > 0 && !enumContains(schema.Enum, value) {
		v.fail(path, "value %v is not one of %v", value, schema.Enum)
	}

	if schema.Type != "" && !matchesType(schema.Type, value) {
		v.fail(path, "expected %s, got %s", schema.Type, typeName(value))
		return
	}

	switch typed := value.(type) {
	case map[string]any:
		v.checkObject(schema, typed, path, depth)
	case []any:
		for index, item := range typed {
			v.check(schema.Items, item, fmt.Sprintf("%s[%d]", path, index), depth)
		}
	case string:
		length := len([]rune(typed))
		if schema.MinLength != nil && length < *schema.MinLength {
			v.fail(path, "length %d is below minimum %d", length, *schema.MinLength)
		}
		if schema.MaxLength != nil && length > *schema.MaxLength {
			v.fail(path, "length %d exceeds maximum %d", length, *schema.MaxLength)
		}
		if schema.Pattern != "" {
			pattern, err := regexp.Compile(schema.Pattern)
			if err != nil {
				v.fail(path, "invalid pattern %q: %v", schema.Pattern, err)
			} else if !pattern.MatchString(typed) {
				v.fail(path, "value does not match pattern %q", schema.Pattern)
			}
		}
	case float64:
		if schema.Minimum != nil && typed < *schema.Minimum {
			v.fail(path, "value %v is below minimum %v", typed, *schema.Minimum)
		}
		if schema.Maximum != nil && typed > *schema.Maximum {
			v.fail(path, "value %v exceeds maximum %v", typed, *schema.Maximum)
		}
	}
}

func (v *schemaValidator) checkObject(schema *Schema, object map[string]any, path string, depth int) {
	for _, name := range schema.Required {
		if _, present := object[name]; !present {
			v.fail(path, "missing required property %q", name)
		}
	}

	keys := slices.Collect(maps.Keys(object))
	sort.Strings(keys)
	for _, key := range keys {
		childPath := path + "." + key
		if propertySchema, declared := schema.Properties[key]; declared {
			v.check(propertySchema, object[key], childPath, depth)
			continue
		}
		switch additional := schema.AdditionalProperties.(type) {
		case bool:
			if !additional {
				v.fail(childPath, "property is not allowed")
			}
		case *Schema:
			v.check(additional, object[key], childPath, depth)
		}
	}
}

func (v *schemaValidator) resolve(ref string) (*Schema, bool) {
	name, found := strings.CutPrefix(ref, "#/$defs/")
	if !found || v.root.Defs == nil {
		return nil, false
	}
	schema, exists := v.root.Defs[name]
	return schema, exists
}

func matchesType(schemaType string, value any) bool {
	switch schemaType {
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		_, ok := value.(float64)
		return ok
	case "integer":
		number, ok := value.(float64)
		return ok && number == math.Trunc(number)
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "null":
		return value == nil
	default:
		return true
	}
}

func typeName(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	default:
		return fmt.Sprintf("%T", value)
	}
}

func enumContains(options []any, value any) bool {
	encodedValue, err := json.Marshal(value)
	if err != nil {
		return false
	}
	for _, option := range options {
		encodedOption, err := json.Marshal(option)
		if err == nil && string(encodedOption) == string(encodedValue) {
			return true
		}
	}
	return false
}

// normalize converts an arbitrary Go value into the shapes produced by
// decoding JSON into an interface value.
func normalize(value any) (any, error) {
	switch value.(type) {
	case nil, string, float64, bool:
		return value, nil
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var decoded any
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		return nil, err
	}
	return decoded, nil
}
