package model

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Limits enforced on every Draft.
const (
	MaxSenderLength  = 64
	MaxContentLength = 4096
)

// ValidationError reports a Draft that must not be persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks that sender and content are present and within bounds.
// Whitespace-only values count as empty. Bounds apply to the values as they
// will be stored, padding included. The Draft itself is not modified.
func Validate(d Draft) error {
	err := validate.Struct(d)
	if err == nil {
		// 空白のみの値は required を満たさない
		err = validate.Struct(Draft{
			Sender:  strings.TrimSpace(d.Sender),
			Content: strings.TrimSpace(d.Content),
		})
	}
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &ValidationError{Field: "message", Reason: err.Error()}
	}

	fe := fieldErrs[0]
	switch fe.Tag() {
	case "required":
		return &ValidationError{Field: fe.Field(), Reason: "is required"}
	case "max":
		return &ValidationError{Field: fe.Field(), Reason: fmt.Sprintf("exceeds %s characters", fe.Param())}
	default:
		return &ValidationError{Field: fe.Field(), Reason: "is invalid"}
	}
}

// IsValidationError reports whether err is, or wraps, a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
