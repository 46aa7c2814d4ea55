package common

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// ValidationError represents a single failed rule.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Message)
}

// Validator collects rule failures across several fields.
type Validator struct {
	errors []ValidationError
}

func NewValidator() *Validator {
	return &Validator{}
}

// Field runs rules against value. Evaluation stops at the first failing rule
// for that field so messages do not pile up.
func (v *Validator) Field(fieldName string, value interface{}, rules ...ValidationRule) *Validator {
	for _, rule := range rules {
		if err := rule(fieldName, value); err != nil {
			v.errors = append(v.errors, *err)
			break
		}
	}
	return v
}

func (v *Validator) HasErrors() bool {
	return len(v.errors) > 0
}

func (v *Validator) Errors() []ValidationError {
	return v.errors
}

// ErrorMessage returns a combined error message as string
func (v *Validator) ErrorMessage() string {
	messages := make([]string, 0, len(v.errors))
	for _, err := range v.errors {
		messages = append(messages, err.Error())
	}
	return strings.Join(messages, "; ")
}

// ValidationRule represents a single validation rule
type ValidationRule func(fieldName string, value interface{}) *ValidationError

func asString(value interface{}) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case *string:
		if v == nil {
			return "", false
		}
		return *v, true
	}
	return "", false
}

func Required(fieldName string, value interface{}) *ValidationError {
	str, ok := asString(value)
	if value == nil || (ok && strings.TrimSpace(str) == "") {
		return &ValidationError{Field: fieldName, Value: value, Message: "is required"}
	}
	return nil
}

func MaxLength(max int) ValidationRule {
	return func(fieldName string, value interface{}) *ValidationError {
		str, ok := asString(value)
		if ok && utf8.RuneCountInString(str) > max {
			return &ValidationError{
				Field:   fieldName,
				Value:   value,
				Message: fmt.Sprintf("must be at most %d characters", max),
			}
		}
		return nil
	}
}

func UUID(fieldName string, value interface{}) *ValidationError {
	str, ok := asString(value)
	if !ok {
		return &ValidationError{Field: fieldName, Value: value, Message: "must be a string"}
	}
	if _, err := uuid.Parse(str); err != nil {
		return &ValidationError{Field: fieldName, Value: value, Message: "must be a valid UUID"}
	}
	return nil
}

var objectKeySegment = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ObjectKeyUnder accepts keys of the form prefix/<segment>[/<segment>...]
// whose segments are plain names. Traversal segments are rejected.
func ObjectKeyUnder(prefix string) ValidationRule {
	return func(fieldName string, value interface{}) *ValidationError {
		str, _ := asString(value)
		fail := func(msg string) *ValidationError {
			return &ValidationError{Field: fieldName, Value: value, Message: msg}
		}
		if !strings.HasPrefix(str, prefix) {
			return fail(fmt.Sprintf("must start with %q", prefix))
		}
		rest := strings.TrimPrefix(str, prefix)
		if rest == "" {
			return fail("names no object")
		}
		for _, seg := range strings.Split(rest, "/") {
			if seg == "." || seg == ".." || !objectKeySegment.MatchString(seg) {
				return fail("is not a well-formed object key")
			}
		}
		return nil
	}
}

// ValidateAndReturnError turns collected failures into an InvalidArgument AppError.
func ValidateAndReturnError(validator *Validator) error {
	if validator.HasErrors() {
		return InvalidArgument(validator.ErrorMessage())
	}
	return nil
}
