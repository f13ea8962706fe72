// Package schema validates decoded JSON values against a JSON Schema
// subset, and holds the built-in schemas of the storefront collections.
package schema

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// Violation is one failed constraint at a JSON path ("$.items[2].qty").
type Violation struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	return v.Path + ": " + v.Message
}

// ValidationError lists every violation found in a value.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}
	return strings.Join(parts, "; ")
}

// Validate checks a document against a JSON Schema (draft-07 subset).
// Returns nil if validation passes or the schema is nil, otherwise a
// *ValidationError.
//
// Supported JSON Schema keywords:
//   - type (string, number, integer, boolean, object, array, null, or a list)
//   - properties, required, additionalProperties
//   - items (for arrays)
//   - minimum, maximum, exclusiveMinimum, exclusiveMaximum
//   - minLength, maxLength
//   - minItems, maxItems
//   - enum
func Validate(schema map[string]any, doc map[string]any) error {
	return ValidateValue(schema, doc)
}

// ValidateValue is Validate for any decoded JSON value.
func ValidateValue(schema map[string]any, value any) error {
	if schema == nil {
		return nil
	}
	c := &checker{}
	c.value(schema, value, "$")
	if len(c.violations) == 0 {
		return nil
	}
	return &ValidationError{Violations: c.violations}
}

type checker struct {
	violations []Violation
}

func (c *checker) fail(path, format string, args ...any) {
	c.violations = append(c.violations, Violation{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (c *checker) value(schema map[string]any, value any, path string) {
	if !c.typeOK(schema["type"], value, path) {
		// Further keywords assume the declared type.
		return
	}
	if enum, ok := schema["enum"].([]any); ok && !inEnum(enum, value) {
		c.fail(path, "value not in enum %v", enum)
	}

	switch v := value.(type) {
	case map[string]any:
		c.object(schema, v, path)
	case []any:
		c.array(schema, v, path)
	case string:
		c.length(schema, len([]rune(v)), path, "string length")
	case float64:
		c.number(schema, v, path)
	case json.Number:
		f, _ := v.Float64()
		c.number(schema, f, path)
	}
}

func (c *checker) typeOK(t any, value any, path string) bool {
	var allowed []string
	switch tv := t.(type) {
	case nil:
		return true
	case string:
		allowed = []string{tv}
	case []any:
		for _, a := range tv {
			if s, ok := a.(string); ok {
				allowed = append(allowed, s)
			}
		}
	case []string:
		allowed = tv
	default:
		return true
	}
	actual := jsonType(value)
	for _, want := range allowed {
		if typeMatches(want, actual, value) {
			return true
		}
	}
	c.fail(path, "expected type %s, got %q", strings.Join(allowed, "|"), actual)
	return false
}

func typeMatches(want, actual string, value any) bool {
	switch want {
	case actual:
		return true
	case "number":
		return actual == "integer"
	case "integer":
		if f, ok := value.(float64); ok {
			return f == float64(int64(f))
		}
		if n, ok := value.(json.Number); ok {
			_, err := n.Int64()
			return err == nil
		}
	}
	return false
}

func jsonType(v any) string {
	if v == nil {
		return "null"
	}
	switch v.(type) {
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, json.Number:
		return "number"
	case int, int64:
		return "integer"
	default:
		return reflect.TypeOf(v).String()
	}
}

func inEnum(allowed []any, value any) bool {
	for _, a := range allowed {
		if reflect.DeepEqual(a, value) {
			return true
		}
	}
	return false
}

func (c *checker) object(schema map[string]any, obj map[string]any, path string) {
	if req, ok := schema["required"].([]any); ok {
		for _, r := range req {
			if field, ok := r.(string); ok {
				if _, exists := obj[field]; !exists {
					c.fail(path, "missing required field %q", field)
				}
			}
		}
	}

	props, _ := schema["properties"].(map[string]any)
	for field, propSchema := range props {
		val, exists := obj[field]
		if !exists {
			continue
		}
		if ps, ok := propSchema.(map[string]any); ok {
			c.value(ps, val, path+"."+field)
		}
	}

	if ap, ok := schema["additionalProperties"].(bool); ok && !ap {
		for field := range obj {
			if _, defined := props[field]; !defined {
				c.fail(path, "additional property %q not allowed", field)
			}
		}
	}
}

func (c *checker) array(schema map[string]any, arr []any, path string) {
	if v, ok := toFloat(schema["minItems"]); ok && float64(len(arr)) < v {
		c.fail(path, "array length %d is less than minItems %v", len(arr), v)
	}
	if v, ok := toFloat(schema["maxItems"]); ok && float64(len(arr)) > v {
		c.fail(path, "array length %d is greater than maxItems %v", len(arr), v)
	}
	if itemSchema, ok := schema["items"].(map[string]any); ok {
		for i, elem := range arr {
			c.value(itemSchema, elem, fmt.Sprintf("%s[%d]", path, i))
		}
	}
}

func (c *checker) length(schema map[string]any, n int, path, what string) {
	if v, ok := toFloat(schema["minLength"]); ok && float64(n) < v {
		c.fail(path, "%s %d is less than minLength %v", what, n, v)
	}
	if v, ok := toFloat(schema["maxLength"]); ok && float64(n) > v {
		c.fail(path, "%s %d is greater than maxLength %v", what, n, v)
	}
}

func (c *checker) number(schema map[string]any, n float64, path string) {
	if v, ok := toFloat(schema["minimum"]); ok && n < v {
		c.fail(path, "%v is less than minimum %v", n, v)
	}
	if v, ok := toFloat(schema["maximum"]); ok && n > v {
		c.fail(path, "%v is greater than maximum %v", n, v)
	}
	if v, ok := toFloat(schema["exclusiveMinimum"]); ok && n <= v {
		c.fail(path, "%v is not greater than exclusiveMinimum %v", n, v)
	}
	if v, ok := toFloat(schema["exclusiveMaximum"]); ok && n >= v {
		c.fail(path, "%v is not less than exclusiveMaximum %v", n, v)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
