package schema

import (
	"math"
	"net/mail"
	"net/url"
	"reflect"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Validate checks value against s and returns the first violation found, or
// nil when the value conforms. Paths are JSON-pointer-ish: "items.0.name".
func Validate(value any, s *Schema) *Violation {
	return validateAt(value, s, "")
}

func validateAt(value any, s *Schema, path string) *Violation {
	if s == nil {
		return nil
	}

	if len(s.OneOf) > 0 {
		return validateOneOf(value, s, path)
	}

	if len(s.Enum) > 0 {
		if violation := validateEnum(value, s, path); violation != nil {
			return violation
		}
	}

	switch s.Type {
	case "", "any":
		return nil
	case "object":
		return validateObject(value, s, path)
	case "array":
		return validateArray(value, s, path)
	case "string":
		return validateString(value, s, path)
	case "number":
		return validateNumber(value, s, path, false)
	case "integer":
		return validateNumber(value, s, path, true)
	case "boolean":
		if _, ok := value.(bool); !ok {
			return typeViolation(path, "boolean", value)
		}

		return nil
	case "null":
		if value != nil {
			return typeViolation(path, "null", value)
		}

		return nil
	default:
		return &Violation{Path: path, Code: CodeType, Expected: s.Type, Actual: typeName(value)}
	}
}

// validateOneOf tries every branch; when all fail, the branch whose violation
// has the shortest path is reported. Shorter paths tend to describe the
// mismatch closest to where the user is looking.
func validateOneOf(value any, s *Schema, path string) *Violation {
	var best *Violation

	for _, branch := range s.OneOf {
		violation := validateAt(value, branch, path)
		if violation == nil {
			return nil
		}

		if best == nil || len(violation.Path) < len(best.Path) {
			best = violation
		}
	}

	return &Violation{Path: best.Path, Code: CodeOneOf, Expected: "one matching variant", Actual: best.Code}
}

func validateEnum(value any, s *Schema, path string) *Violation {
	for _, allowed := range s.Enum {
		if reflect.DeepEqual(value, allowed) {
			return nil
		}

		// JSON decoding turns every number into float64; compare numerically.
		if valueNumber, ok := asFloat(value); ok {
			if allowedNumber, ok := asFloat(allowed); ok && valueNumber == allowedNumber {
				return nil
			}
		}
	}

	return &Violation{Path: path, Code: CodeEnum, Expected: s.Enum, Actual: value}
}

func validateObject(value any, s *Schema, path string) *Violation {
	object, ok := value.(map[string]any)
	if !ok {
		return typeViolation(path, "object", value)
	}

	for _, required := range s.Required {
		if _, present := object[required]; !present {
			return &Violation{Path: join(path, required), Code: CodeRequired, Expected: required, Actual: nil}
		}
	}

	if s.AdditionalProperties != nil && !*s.AdditionalProperties {
		for key := range object {
			if _, declared := s.Properties[key]; !declared {
				return &Violation{Path: join(path, key), Code: CodeUnknownField, Expected: nil, Actual: key}
			}
		}
	}

	for name, property := range s.Properties {
		propertyValue, present := object[name]
		if !present {
			continue
		}

		if violation := validateAt(propertyValue, property, join(path, name)); violation != nil {
			return violation
		}
	}

	return nil
}

func validateArray(value any, s *Schema, path string) *Violation {
	items, ok := value.([]any)
	if !ok {
		return typeViolation(path, "array", value)
	}

	if s.MinItems != nil && len(items) < *s.MinItems {
		return &Violation{Path: path, Code: CodeMinItems, Expected: *s.MinItems, Actual: len(items)}
	}

	if s.MaxItems != nil && len(items) > *s.MaxItems {
		return &Violation{Path: path, Code: CodeMaxItems, Expected: *s.MaxItems, Actual: len(items)}
	}

	if s.Items != nil {
		for i, item := range items {
			if violation := validateAt(item, s.Items, joinIndex(path, i)); violation != nil {
				return violation
			}
		}
	}

	return nil
}

func validateString(value any, s *Schema, path string) *Violation {
	text, ok := value.(string)
	if !ok {
		return typeViolation(path, "string", value)
	}

	if s.MinLength != nil && len(text) < *s.MinLength {
		return &Violation{Path: path, Code: CodeMinLength, Expected: *s.MinLength, Actual: len(text)}
	}

	if s.MaxLength != nil && len(text) > *s.MaxLength {
		return &Violation{Path: path, Code: CodeMaxLength, Expected: *s.MaxLength, Actual: len(text)}
	}

	if s.Format != "" {
		if !matchFormat(text, s.Format) {
			return &Violation{Path: path, Code: CodeFormat, Expected: s.Format, Actual: text}
		}
	}

	return nil
}

func validateNumber(value any, s *Schema, path string, integral bool) *Violation {
	number, ok := asFloat(value)
	if !ok {
		return typeViolation(path, numberTypeName(integral), value)
	}

	if integral && number != math.Trunc(number) {
		return typeViolation(path, "integer", value)
	}

	if s.Minimum != nil && number < *s.Minimum {
		return &Violation{Path: path, Code: CodeMinimum, Expected: *s.Minimum, Actual: number}
	}

	if s.ExclusiveMinimum != nil && number <= *s.ExclusiveMinimum {
		return &Violation{Path: path, Code: CodeMinimum, Expected: *s.ExclusiveMinimum, Actual: number}
	}

	if s.Maximum != nil && number > *s.Maximum {
		return &Violation{Path: path, Code: CodeMaximum, Expected: *s.Maximum, Actual: number}
	}

	if s.ExclusiveMaximum != nil && number >= *s.ExclusiveMaximum {
		return &Violation{Path: path, Code: CodeMaximum, Expected: *s.ExclusiveMaximum, Actual: number}
	}

	return nil
}

func matchFormat(text, format string) bool {
	switch format {
	case "email":
		_, err := mail.ParseAddress(text)

		return err == nil
	case "uri":
		parsed, err := url.Parse(text)

		return err == nil && parsed.Scheme != ""
	case "uuid":
		_, err := uuid.Parse(text)

		return err == nil
	case "datetime":
		_, err := time.Parse(time.RFC3339, text)

		return err == nil
	case "date":
		_, err := time.Parse("2006-01-02", text)

		return err == nil
	case "time":
		_, err := time.Parse("15:04:05", text)

		return err == nil
	default:
		// Unknown formats pass, matching the permissive JSON Schema stance.
		return true
	}
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	default:
		return 0, false
	}
}

func typeViolation(path, expected string, actual any) *Violation {
	return &Violation{Path: path, Code: CodeType, Expected: expected, Actual: typeName(actual)}
}

func typeName(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case float64, float32, int, int32, int64, uint:
		return "number"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	default:
		return reflect.TypeOf(value).String()
	}
}

func numberTypeName(integral bool) string {
	if integral {
		return "integer"
	}

	return "number"
}

func join(path, key string) string {
	if path == "" {
		return key
	}

	return path + "." + key
}

func joinIndex(path string, index int) string {
	return join(path, strconv.Itoa(index))
}
