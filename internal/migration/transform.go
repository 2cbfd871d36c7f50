// Package migration upgrades persisted state values between schema
// versions. A StateTransformation is an ordered list of field transforms
// followed by validation rules; the Runner chains transformations over
// every value in a state.Store.
package migration

import (
	"time"
)

// TransformKind enumerates the field transform shapes.
type TransformKind string

const (
	TransformCopy    TransformKind = "copy"
	TransformConvert TransformKind = "convert"
	TransformDefault TransformKind = "default"
	TransformRemove  TransformKind = "remove"
	TransformSplit   TransformKind = "split"
	TransformMerge   TransformKind = "merge"
	TransformCustom  TransformKind = "custom"
)

// FieldTransform is one step of a transformation. Which fields are used
// depends on Kind; build values with the constructors below.
type FieldTransform struct {
	Kind       TransformKind  `json:"kind" yaml:"kind"`
	From       string         `json:"from,omitempty" yaml:"from,omitempty"`
	To         string         `json:"to,omitempty" yaml:"to,omitempty"`
	FromFields []string       `json:"from_fields,omitempty" yaml:"from_fields,omitempty"`
	ToFields   []string       `json:"to_fields,omitempty" yaml:"to_fields,omitempty"`
	FromType   string         `json:"from_type,omitempty" yaml:"from_type,omitempty"`
	ToType     string         `json:"to_type,omitempty" yaml:"to_type,omitempty"`
	Converter  string         `json:"converter,omitempty" yaml:"converter,omitempty"`
	Splitter   string         `json:"splitter,omitempty" yaml:"splitter,omitempty"`
	Merger     string         `json:"merger,omitempty" yaml:"merger,omitempty"`
	Program    string         `json:"program,omitempty" yaml:"program,omitempty"` // jq, Custom only
	Value      any            `json:"value,omitempty" yaml:"value,omitempty"`
	Config     map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// Copy moves from to to. When the paths differ the source is removed from
// the target.
func Copy(from, to string) FieldTransform {
	return FieldTransform{Kind: TransformCopy, From: from, To: to}
}

// Convert moves from to to, converting the value with a named converter.
func Convert(from, to, fromType, toType, converter string) FieldTransform {
	return FieldTransform{Kind: TransformConvert, From: from, To: to, FromType: fromType, ToType: toType, Converter: converter}
}

// Default sets field to value when it is absent.
func Default(field string, value any) FieldTransform {
	return FieldTransform{Kind: TransformDefault, To: field, Value: value}
}

// Remove deletes field.
func Remove(field string) FieldTransform {
	return FieldTransform{Kind: TransformRemove, From: field}
}

// Split spreads one field over several with a named splitter.
func Split(from string, to []string, splitter string) FieldTransform {
	return FieldTransform{Kind: TransformSplit, From: from, ToFields: to, Splitter: splitter}
}

// Merge combines several fields into one with a named merger.
func Merge(from []string, to, merger string) FieldTransform {
	return FieldTransform{Kind: TransformMerge, FromFields: from, To: to, Merger: merger}
}

// Custom runs a jq program over {"fields": {...}, "config": {...}}. The
// program must produce an array whose items are assigned to the target
// fields by position.
func Custom(from, to []string, program string, config map[string]any) FieldTransform {
	return FieldTransform{Kind: TransformCustom, FromFields: from, ToFields: to, Program: program, Config: config}
}

// RuleKind enumerates validation rule types.
type RuleKind string

const (
	RuleNotNull RuleKind = "not_null"
	RuleType    RuleKind = "type"
	RuleRange   RuleKind = "range"
	RuleLength  RuleKind = "length"
	RulePattern RuleKind = "pattern"
	RuleCustom  RuleKind = "custom"
)

// ValidationRule checks one field of the migrated value. A failing Required
// rule aborts the transformation; other failures become warnings.
type ValidationRule struct {
	Field      string   `json:"field" yaml:"field"`
	Kind       RuleKind `json:"kind" yaml:"kind"`
	Type       string   `json:"type,omitempty" yaml:"type,omitempty"`
	Min        *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max        *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	Pattern    string   `json:"pattern,omitempty" yaml:"pattern,omitempty"`       // regular expression
	Expression string   `json:"expression,omitempty" yaml:"expression,omitempty"` // expr, sees value and data
	Required   bool     `json:"required,omitempty" yaml:"required,omitempty"`
	Message    string   `json:"message,omitempty" yaml:"message,omitempty"`
}

func NotNull(field string, required bool) ValidationRule {
	return ValidationRule{Field: field, Kind: RuleNotNull, Required: required}
}

func TypeIs(field, typ string, required bool) ValidationRule {
	return ValidationRule{Field: field, Kind: RuleType, Type: typ, Required: required}
}

func InRange(field string, min, max *float64, required bool) ValidationRule {
	return ValidationRule{Field: field, Kind: RuleRange, Min: min, Max: max, Required: required}
}

func LengthBetween(field string, min, max *float64, required bool) ValidationRule {
	return ValidationRule{Field: field, Kind: RuleLength, Min: min, Max: max, Required: required}
}

func Matches(field, pattern string, required bool) ValidationRule {
	return ValidationRule{Field: field, Kind: RulePattern, Pattern: pattern, Required: required}
}

func Satisfies(field, expression string, required bool) ValidationRule {
	return ValidationRule{Field: field, Kind: RuleCustom, Expression: expression, Required: required}
}

// Bound is a helper for optional rule limits.
func Bound(v float64) *float64 { return &v }

// StateTransformation upgrades values from FromVersion to ToVersion.
type StateTransformation struct {
	ID                    string           `json:"id" yaml:"id"`
	Description           string           `json:"description,omitempty" yaml:"description,omitempty"`
	FromVersion           int              `json:"from_version" yaml:"from_version"`
	ToVersion             int              `json:"to_version" yaml:"to_version"`
	Transforms            []FieldTransform `json:"field_transforms" yaml:"field_transforms"`
	Rules                 []ValidationRule `json:"validation_rules,omitempty" yaml:"validation_rules,omitempty"`
	PreserveUnknownFields bool             `json:"preserve_unknown_fields" yaml:"preserve_unknown_fields"`
	ProtectSensitiveData  bool             `json:"protect_sensitive_data" yaml:"protect_sensitive_data"`
}

// NewTransformation returns a transformation that keeps unknown fields and
// keeps sensitive values out of messages.
func NewTransformation(id, description string, from, to int) *StateTransformation {
	return &StateTransformation{
		ID:                    id,
		Description:           description,
		FromVersion:           from,
		ToVersion:             to,
		PreserveUnknownFields: true,
		ProtectSensitiveData:  true,
	}
}

// Add appends field transforms.
func (t *StateTransformation) Add(transforms ...FieldTransform) *StateTransformation {
	t.Transforms = append(t.Transforms, transforms...)
	return t
}

// Validate appends validation rules.
func (t *StateTransformation) Validate(rules ...ValidationRule) *StateTransformation {
	t.Rules = append(t.Rules, rules...)
	return t
}

// State is one persisted value with its schema version.
type State struct {
	Key           string    `json:"key"`
	Value         any       `json:"value"`
	SchemaVersion int       `json:"schema_version"`
	Timestamp     time.Time `json:"timestamp"`
}

// Result reports one applied transformation.
type Result struct {
	TransformationID  string        `json:"transformation_id"`
	Success           bool          `json:"success"`
	FieldsTransformed int           `json:"fields_transformed"`
	Warnings          []string      `json:"warnings,omitempty"`
	Errors            []string      `json:"errors,omitempty"`
	Duration          time.Duration `json:"duration"`
}
