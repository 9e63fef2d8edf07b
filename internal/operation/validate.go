package operation

import (
	"errors"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/pitabwire/opgraph/model"
)

// validateValue checks v against schema and returns one field error per
// violation. v must already be in generic JSON form.
func validateValue(schema *openapi3.Schema, v any) []model.FieldError {
	if schema == nil {
		return nil
	}
	err := schema.VisitJSON(v, openapi3.MultiErrors())
	if err == nil {
		return nil
	}
	return fieldErrors(err)
}

func fieldErrors(err error) []model.FieldError {
	var me openapi3.MultiError
	if errors.As(err, &me) {
		var out []model.FieldError
		for _, e := range me {
			out = append(out, fieldErrors(e)...)
		}
		return out
	}
	var se *openapi3.SchemaError
	if errors.As(err, &se) {
		return []model.FieldError{{
			Field:   fieldPath(se.JSONPointer()),
			Code:    schemaErrorCode(se.SchemaField),
			Message: schemaErrorMessage(se),
		}}
	}
	return []model.FieldError{{Code: "INVALID_VALUE", Message: err.Error()}}
}

// fieldPath renders a JSON pointer as "address.lines[1]".
func fieldPath(pointer []string) string {
	var b strings.Builder
	for _, p := range pointer {
		if isIndex(p) {
			b.WriteString("[" + p + "]")
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(p)
	}
	return b.String()
}

func isIndex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func schemaErrorCode(field string) string {
	switch field {
	case "required":
		return "REQUIRED"
	case "type", "nullable":
		return "INVALID_TYPE"
	case "enum":
		return "INVALID_ENUM"
	case "pattern", "format":
		return "INVALID_FORMAT"
	case "minLength", "maxLength", "minimum", "maximum", "minItems", "maxItems", "exclusiveMinimum", "exclusiveMaximum":
		return "OUT_OF_RANGE"
	case "additionalProperties":
		return "UNKNOWN_FIELD"
	}
	return "INVALID_VALUE"
}

func schemaErrorMessage(se *openapi3.SchemaError) string {
	if se.Reason != "" {
		return se.Reason
	}
	if se.Origin != nil {
		return se.Origin.Error()
	}
	return "value does not match schema"
}
