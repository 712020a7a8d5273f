// Package validate runs struct-tag validation and reports failures as
// *model.ValidationError.
package validate

import (
	"errors"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/sells-group/outreach-engine/internal/model"
)

var (
	once     sync.Once
	instance *validator.Validate
)

// Validator returns the shared validator, which names fields by their json tag.
func Validator() *validator.Validate {
	once.Do(func() {
		instance = validator.New(validator.WithRequiredStructEnabled())
		instance.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name == "" {
				return f.Name
			}
			return name
		})
	})
	return instance
}

// Struct validates v, returning a *model.ValidationError for entity on failure.
func Struct(entity string, v any) error {
	err := Validator().Struct(v)
	if err == nil {
		return nil
	}
	out := &model.ValidationError{Entity: entity}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		out.Add("", "%v", err)
		return out
	}
	for _, fe := range verrs {
		out.Add(fieldPath(fe), "%s", describe(fe))
	}
	return out
}

// Merge appends the fields of err to v when err is a validation error and
// returns any other error unchanged.
func Merge(v *model.ValidationError, err error) error {
	if err == nil {
		return nil
	}
	var ve *model.ValidationError
	if errors.As(err, &ve) {
		v.Fields = append(v.Fields, ve.Fields...)
		return nil
	}
	return err
}

// fieldPath drops the root struct name from the namespace.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gte", "min":
		return "must be >= " + fe.Param()
	case "lte", "max":
		return "must be <= " + fe.Param()
	case "oneof":
		return "must be one of " + fe.Param()
	case "email":
		return "must be an email address"
	case "url":
		return "must be a URL"
	default:
		return "failed " + fe.Tag() + " check"
	}
}
