package middleware

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/capitalize-ai/chat-delivery/internal/chaterr"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their wire names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks v against its `validate` tags. Failures come back as a
// chaterr validation error keyed by JSON field name.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var invalid validator.ValidationErrors
	if !errors.As(err, &invalid) {
		return chaterr.Wrap(chaterr.KindValidation, "invalid payload", err)
	}

	fields := make(map[string]string, len(invalid))
	for _, fe := range invalid {
		fields[fieldPath(fe)] = fe.Tag()
	}
	return chaterr.Validation("invalid payload", fields)
}

// DecodeAndValidate unmarshals data into dst and validates it.
func DecodeAndValidate(data json.RawMessage, dst any) error {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return chaterr.Wrap(chaterr.KindValidation, "malformed payload", err)
	}
	return Validate(dst)
}

// fieldPath drops the struct name from the namespace, so nested fields read
// like "participantUserIds[0]".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}
