package api

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validator checks request structs against their validate tags and reports
// failures by JSON field name.
type Validator struct {
	validate *validator.Validate
}

func NewValidator() *Validator {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Validator{validate: v}
}

// Validate returns nil or a map of field -> failed rule.
func (v *Validator) Validate(i any) map[string]string {
	err := v.validate.Struct(i)
	if err == nil {
		return nil
	}
	fields := make(map[string]string)
	var errs validator.ValidationErrors
	if errors.As(err, &errs) {
		for _, fe := range errs {
			fields[fe.Field()] = fe.Tag()
		}
		return fields
	}
	fields["_"] = err.Error()
	return fields
}
