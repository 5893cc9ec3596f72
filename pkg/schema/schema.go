// Package schema validates values against declarative schemas and reports the
// first violation found per branch.
package schema

// Schema describes the expected shape of a value. The zero Type (or "any")
// accepts everything.
type Schema struct {
	Type                 string             `json:"type,omitempty"`
	Properties           map[string]*Schema `json:"properties,omitempty"`
	Required             []string           `json:"required,omitempty"`
	Items                *Schema            `json:"items,omitempty"`
	Enum                 []any              `json:"enum,omitempty"`
	OneOf                []*Schema          `json:"oneOf,omitempty"`
	Format               string             `json:"format,omitempty"`
	Minimum              *float64           `json:"minimum,omitempty"`
	Maximum              *float64           `json:"maximum,omitempty"`
	ExclusiveMinimum     *float64           `json:"exclusiveMinimum,omitempty"`
	ExclusiveMaximum     *float64           `json:"exclusiveMaximum,omitempty"`
	MinLength            *int               `json:"minLength,omitempty"`
	MaxLength            *int               `json:"maxLength,omitempty"`
	MinItems             *int               `json:"minItems,omitempty"`
	MaxItems             *int               `json:"maxItems,omitempty"`
	AdditionalProperties *bool              `json:"additionalProperties,omitempty"`

	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

// Violation reports a single failed check.
type Violation struct {
	Path     string `json:"path"`
	Code     string `json:"code"`
	Expected any    `json:"expected,omitempty"`
	Actual   any    `json:"actual,omitempty"`
}

// Violation codes.
const (
	CodeType          = "type"
	CodeRequired      = "required"
	CodeEnum          = "enum"
	CodeOneOf         = "one_of"
	CodeFormat        = "format"
	CodeMinimum       = "minimum"
	CodeMaximum       = "maximum"
	CodeMinLength     = "min_length"
	CodeMaxLength     = "max_length"
	CodeMinItems      = "min_items"
	CodeMaxItems      = "max_items"
	CodeUnknownField  = "unknown_field"
)
