package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pitabwire/opgraph/model"
)

// Selection is a resolved selection set: the fields requested on a composite
// type plus type-conditioned branches.
type Selection struct {
	Fields    []*SelectedField
	Fragments []*Fragment
}

// SelectedField is one selected field. Sub is nil for leaves.
type SelectedField struct {
	Name string
	Type TypeRef
	Sub  *Selection
}

// Fragment selects additional fields when the runtime type is TypeName.
type Fragment struct {
	TypeName  string
	Selection *Selection
}

// Field returns the selected field with the given name.
func (s *Selection) Field(name string) (*SelectedField, bool) {
	if s == nil {
		return nil, false
	}
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return nil, false
}

// Empty reports whether nothing is selected.
func (s *Selection) Empty() bool {
	return s == nil || (len(s.Fields) == 0 && len(s.Fragments) == 0)
}

// Paths returns the dotted leaf paths of the selection in sorted order.
// Fragment paths are prefixed with "...on Type.".
func (s *Selection) Paths() []string {
	var out []string
	var walk func(sel *Selection, prefix string)
	walk = func(sel *Selection, prefix string) {
		for _, f := range sel.Fields {
			if f.Sub == nil {
				out = append(out, prefix+f.Name)
				continue
			}
			walk(f.Sub, prefix+f.Name+".")
		}
		for _, frag := range sel.Fragments {
			walk(frag.Selection, prefix+"...on "+frag.TypeName+".")
		}
	}
	if s != nil {
		walk(s, "")
	}
	sort.Strings(out)
	return out
}

func (s *Selection) child(name string, ref TypeRef, composite bool) *SelectedField {
	if f, ok := s.Field(name); ok {
		if composite && f.Sub == nil {
			f.Sub = &Selection{}
		}
		return f
	}
	f := &SelectedField{Name: name, Type: ref}
	if composite {
		f.Sub = &Selection{}
	}
	s.Fields = append(s.Fields, f)
	return f
}

// resolvePaths adds every dotted path to sel, resolving each segment against
// owner. Leaves must be scalar or enum fields; composite fields need a
// sub-path.
func resolvePaths(d *Descriptor, owner *Type, sel *Selection, paths []string) []model.FieldError {
	var errs []model.FieldError
	for _, path := range paths {
		if err := resolvePath(d, owner, sel, path); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

func resolvePath(d *Descriptor, owner *Type, sel *Selection, path string) *model.FieldError {
	segments := strings.Split(path, ".")
	t := owner
	cur := sel
	for i, seg := range segments {
		last := i == len(segments)-1
		if seg == "" {
			return &model.FieldError{Field: path, Code: "INVALID_SELECTION", Message: "empty path segment"}
		}
		if seg == TypenameField {
			if !last {
				return &model.FieldError{Field: path, Code: "INVALID_SELECTION", Message: "__typename has no sub-fields"}
			}
			cur.child(TypenameField, NonNullNamed(ScalarString), false)
			return nil
		}
		f, ok := t.Field(seg)
		if !ok {
			return &model.FieldError{
				Field:   path,
				Code:    "UNKNOWN_FIELD",
				Message: fmt.Sprintf("field %q not found on type %s", seg, t.Name),
			}
		}
		ft, ok := d.Type(f.Type.NamedType())
		if !ok {
			return &model.FieldError{Field: path, Code: "UNKNOWN_TYPE", Message: fmt.Sprintf("unknown type %q", f.Type.NamedType())}
		}
		switch {
		case last && !ft.Kind.Leaf():
			return &model.FieldError{
				Field:   path,
				Code:    "SELECTION_REQUIRED",
				Message: fmt.Sprintf("field %q of type %s needs a sub-selection", seg, f.Type),
			}
		case !last && ft.Kind.Leaf():
			return &model.FieldError{
				Field:   path,
				Code:    "INVALID_SELECTION",
				Message: fmt.Sprintf("field %q of type %s has no sub-fields", seg, f.Type),
			}
		}
		node := cur.child(seg, f.Type, !ft.Kind.Leaf())
		if last {
			return nil
		}
		cur = node.Sub
		t = ft
	}
	return nil
}

// DefaultSelection is the projection used when a request selects nothing:
// the key fields of t (ID-typed fields or a field named "id"), else its first
// leaf field. Unions and types without leaves select __typename.
func DefaultSelection(d *Descriptor, t *Type) *Selection {
	if t == nil || t.Kind.Leaf() {
		return nil
	}
	sel := &Selection{}
	if t.Kind == KindUnion {
		sel.child(TypenameField, NonNullNamed(ScalarString), false)
		return sel
	}
	for _, f := range t.Fields {
		if f.Type.IsList() {
			continue
		}
		if f.Type.NamedType() == ScalarID || (f.Name == "id" && isLeaf(d, f.Type)) {
			sel.child(f.Name, f.Type, false)
		}
	}
	if len(sel.Fields) > 0 {
		return sel
	}
	for _, f := range t.Fields {
		if !f.Type.IsList() && isLeaf(d, f.Type) {
			sel.child(f.Name, f.Type, false)
			return sel
		}
	}
	sel.child(TypenameField, NonNullNamed(ScalarString), false)
	return sel
}

func isLeaf(d *Descriptor, ref TypeRef) bool {
	t, ok := d.Type(ref.NamedType())
	return ok && t.Kind.Leaf()
}

// Project shapes v so that it contains exactly the selected fields. Missing
// fields come back as null; values whose __typename matches no fragment get
// only the common fields.
func Project(v any, sel *Selection) any {
	if sel == nil || v == nil {
		return v
	}
	switch vv := v.(type) {
	case []any:
		out := make([]any, len(vv))
		for i := range vv {
			out[i] = Project(vv[i], sel)
		}
		return out
	case []map[string]any:
		out := make([]any, len(vv))
		for i := range vv {
			out[i] = Project(vv[i], sel)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(sel.Fields))
		for _, f := range sel.Fields {
			projectField(out, vv, f)
		}
		if len(sel.Fragments) > 0 {
			typename, _ := vv[TypenameField].(string)
			for _, frag := range sel.Fragments {
				if frag.TypeName != typename {
					continue
				}
				for _, f := range frag.Selection.Fields {
					projectField(out, vv, f)
				}
			}
		}
		return out
	default:
		return v
	}
}

func projectField(out, in map[string]any, f *SelectedField) {
	v, ok := in[f.Name]
	if !ok || v == nil {
		if _, exists := out[f.Name]; !exists {
			out[f.Name] = nil
		}
		return
	}
	if f.Sub == nil {
		out[f.Name] = v
		return
	}
	projected := Project(v, f.Sub)
	existing, ok := out[f.Name].(map[string]any)
	add, addOK := projected.(map[string]any)
	if ok && addOK {
		for k, val := range add {
			existing[k] = val
		}
		return
	}
	out[f.Name] = projected
}
