package graph

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/pitabwire/opgraph/model"
)

// Normalize converts arbitrary Go values (structs, typed slices, ints) into
// the generic JSON shapes the validator and the sources work with.
func Normalize(v any) (any, error) {
	switch v.(type) {
	case nil, string, bool, float64, map[string]any, []any:
		if !containsTyped(v) {
			return v, nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("graph: encoding value: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("graph: decoding value: %w", err)
	}
	return out, nil
}

func containsTyped(v any) bool {
	switch vv := v.(type) {
	case nil, string, bool, float64:
		return false
	case map[string]any:
		for _, e := range vv {
			if containsTyped(e) {
				return true
			}
		}
		return false
	case []any:
		for _, e := range vv {
			if containsTyped(e) {
				return true
			}
		}
		return false
	}
	return true
}

// ValidateArgs checks args against the field's argument definitions and
// returns the coerced arguments with defaults applied. Every problem is
// reported as a field error keyed by the argument path.
func ValidateArgs(d *Descriptor, f *Field, args map[string]any) (map[string]any, []model.FieldError) {
	var errs []model.FieldError
	out := make(map[string]any, len(args))

	for _, name := range sortedKeys(args) {
		if _, ok := f.Arg(name); !ok {
			errs = append(errs, model.FieldError{
				Field:        name,
				Code:         "UNKNOWN_ARGUMENT",
				Message:      fmt.Sprintf("unknown argument %q on field %q", name, f.Name),
				InvalidValue: args[name],
			})
		}
	}

	for _, a := range f.Args {
		v, present := args[a.Name]
		if !present || v == nil {
			// An explicit null is kept as null; only an omitted argument
			// takes its default.
			switch {
			case present && !a.Type.NonNull:
				out[a.Name] = nil
			case !present && a.HasDefault:
				out[a.Name] = a.Default
			case a.Type.NonNull:
				errs = append(errs, model.FieldError{
					Field:   a.Name,
					Code:    "REQUIRED",
					Message: fmt.Sprintf("argument %q of type %s is required", a.Name, a.Type),
				})
			}
			continue
		}
		coerced, fieldErrs := coerceValue(d, a.Type, v, a.Name)
		errs = append(errs, fieldErrs...)
		if len(fieldErrs) == 0 {
			out[a.Name] = coerced
		}
	}
	return out, errs
}

func coerceValue(d *Descriptor, ref TypeRef, v any, path string) (any, []model.FieldError) {
	if v == nil {
		if ref.NonNull {
			return nil, []model.FieldError{{
				Field:   path,
				Code:    "REQUIRED",
				Message: fmt.Sprintf("value of type %s must not be null", ref),
			}}
		}
		return nil, nil
	}

	if ref.Elem != nil {
		list, ok := v.([]any)
		if !ok {
			// A single value is accepted where a list is expected.
			item, errs := coerceValue(d, *ref.Elem, v, path+"[0]")
			if len(errs) > 0 {
				return nil, errs
			}
			return []any{item}, nil
		}
		out := make([]any, len(list))
		var errs []model.FieldError
		for i, item := range list {
			c, itemErrs := coerceValue(d, *ref.Elem, item, fmt.Sprintf("%s[%d]", path, i))
			errs = append(errs, itemErrs...)
			out[i] = c
		}
		return out, errs
	}

	t, ok := d.Type(ref.Name)
	if !ok {
		return nil, []model.FieldError{{Field: path, Code: "UNKNOWN_TYPE", Message: fmt.Sprintf("unknown type %q", ref.Name)}}
	}

	switch t.Kind {
	case KindScalar:
		c, err := coerceScalar(t.Name, v)
		if err != nil {
			return nil, []model.FieldError{{Field: path, Code: "INVALID_TYPE", Message: err.Error(), InvalidValue: v}}
		}
		return c, nil
	case KindEnum:
		s, ok := v.(string)
		if !ok || !contains(t.EnumValues, s) {
			return nil, []model.FieldError{{
				Field:        path,
				Code:         "INVALID_ENUM",
				Message:      fmt.Sprintf("value must be one of %v", t.EnumValues),
				InvalidValue: v,
			}}
		}
		return s, nil
	case KindInputObject:
		obj, ok := v.(map[string]any)
		if !ok {
			return nil, []model.FieldError{{
				Field:        path,
				Code:         "INVALID_TYPE",
				Message:      fmt.Sprintf("value must be an object of type %s", t.Name),
				InvalidValue: v,
			}}
		}
		return coerceInputObject(d, t, obj, path)
	default:
		return nil, []model.FieldError{{
			Field:   path,
			Code:    "INVALID_TYPE",
			Message: fmt.Sprintf("type %s cannot be used as input", t.Name),
		}}
	}
}

func coerceInputObject(d *Descriptor, t *Type, obj map[string]any, path string) (any, []model.FieldError) {
	var errs []model.FieldError
	out := make(map[string]any, len(obj))
	for _, name := range sortedKeys(obj) {
		if _, ok := t.InputField(name); !ok {
			errs = append(errs, model.FieldError{
				Field:        path + "." + name,
				Code:         "UNKNOWN_FIELD",
				Message:      fmt.Sprintf("unknown field %q on input type %s", name, t.Name),
				InvalidValue: obj[name],
			})
		}
	}
	for _, f := range t.InputFields {
		v, present := obj[f.Name]
		if !present {
			switch {
			case f.HasDefault:
				out[f.Name] = f.Default
			case f.Type.NonNull:
				errs = append(errs, model.FieldError{
					Field:   path + "." + f.Name,
					Code:    "REQUIRED",
					Message: fmt.Sprintf("field %q of type %s is required", f.Name, f.Type),
				})
			}
			continue
		}
		c, fieldErrs := coerceValue(d, f.Type, v, path+"."+f.Name)
		errs = append(errs, fieldErrs...)
		out[f.Name] = c
	}
	return out, errs
}

func coerceScalar(name string, v any) (any, error) {
	switch name {
	case ScalarString:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return nil, fmt.Errorf("value must be a string")
	case ScalarBoolean:
		if b, ok := v.(bool); ok {
			return b, nil
		}
		return nil, fmt.Errorf("value must be a boolean")
	case ScalarInt:
		f, ok := toFloat(v)
		if !ok || f != math.Trunc(f) || f > math.MaxInt32 || f < math.MinInt32 {
			return nil, fmt.Errorf("value must be a 32-bit integer")
		}
		return int64(f), nil
	case ScalarFloat:
		f, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("value must be a number")
		}
		return f, nil
	case ScalarID:
		switch vv := v.(type) {
		case string:
			return vv, nil
		default:
			f, ok := toFloat(v)
			if !ok || f != math.Trunc(f) {
				return nil, fmt.Errorf("value must be a string or integer ID")
			}
			return strconv.FormatInt(int64(f), 10), nil
		}
	default:
		// Custom scalars and JSON are passed through untouched.
		return v, nil
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
