package models

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// ValidationError describes the first invalid field found on a model.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// Validator returns the shared validator with the model tags registered.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return fld.Name
			}
			return name
		})
		_ = v.RegisterValidation("channel", func(fl validator.FieldLevel) bool {
			return ChannelKind(fl.Field().String()).Valid()
		})
		_ = v.RegisterValidation("condition", func(fl validator.FieldLevel) bool {
			return Condition(fl.Field().String()).Valid()
		})
		validate = v
	})
	return validate
}

// ValidateStruct runs struct tag validation and converts the result into a
// ValidationError.
func ValidateStruct(v any) error {
	err := Validator().Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return &ValidationError{Field: fieldPath(fe.Namespace()), Message: describe(fe)}
	}
	return err
}

// fieldPath drops the leading struct name from a validator namespace.
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must have at least " + fe.Param() + " item(s)"
	case "max":
		return "must be at most " + fe.Param()
	case "gt", "gte", "lt", "lte":
		return fmt.Sprintf("must satisfy %s=%s", fe.Tag(), fe.Param())
	case "channel":
		return fmt.Sprintf("unknown channel %q", fe.Value())
	case "condition":
		return fmt.Sprintf("unknown condition %q", fe.Value())
	case "datetime":
		return "must be a HH:MM clock time"
	case "oneof":
		return "must be one of " + fe.Param()
	default:
		return "failed " + fe.Tag() + " check"
	}
}
