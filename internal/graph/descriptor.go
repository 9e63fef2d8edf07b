// Package graph is the typed query builder over the configured data sources.
// Every data source publishes a Descriptor of its root fields and types; a
// request built with From/Query/Where/Select/On is validated against that
// descriptor before anything leaves the process, and results are projected
// so that exactly the selected leaves come back.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pitabwire/opgraph/model"
)

// Namespace identifies one configured data source.
type Namespace string

// SourceKind is the protocol family of a data source.
type SourceKind string

const (
	SourceGraphQL SourceKind = "graphql"
	SourceOpenAPI SourceKind = "openapi"
	SourceKV      SourceKind = "kv"
	SourceSQL     SourceKind = "sql"
)

// TypeKind classifies a named type.
type TypeKind int

const (
	KindScalar TypeKind = iota
	KindEnum
	KindObject
	KindInterface
	KindUnion
	KindInputObject
)

func (k TypeKind) String() string {
	switch k {
	case KindScalar:
		return "SCALAR"
	case KindEnum:
		return "ENUM"
	case KindObject:
		return "OBJECT"
	case KindInterface:
		return "INTERFACE"
	case KindUnion:
		return "UNION"
	case KindInputObject:
		return "INPUT_OBJECT"
	default:
		return "UNKNOWN"
	}
}

// Leaf reports whether values of this kind have no sub-selection.
func (k TypeKind) Leaf() bool {
	return k == KindScalar || k == KindEnum
}

// Abstract reports whether the kind resolves to one of several object types.
func (k TypeKind) Abstract() bool {
	return k == KindInterface || k == KindUnion
}

// Built-in scalar names. JSON carries arbitrary values and is treated as a leaf.
const (
	ScalarString  = "String"
	ScalarInt     = "Int"
	ScalarFloat   = "Float"
	ScalarBoolean = "Boolean"
	ScalarID      = "ID"
	ScalarJSON    = "JSON"
)

// TypenameField is the meta field available on every composite type.
const TypenameField = "__typename"

var builtinScalars = map[string]bool{
	ScalarString: true, ScalarInt: true, ScalarFloat: true,
	ScalarBoolean: true, ScalarID: true, ScalarJSON: true,
}

// TypeRef is a reference to a type with list and non-null wrappers.
// A list has Elem set; otherwise Name is the named type.
type TypeRef struct {
	Name    string
	NonNull bool
	Elem    *TypeRef
}

// Named returns a nullable reference to the named type.
func Named(name string) TypeRef {
	return TypeRef{Name: name}
}

// NonNullNamed returns a non-null reference to the named type.
func NonNullNamed(name string) TypeRef {
	return TypeRef{Name: name, NonNull: true}
}

// ListOf returns a nullable list of elem.
func ListOf(elem TypeRef) TypeRef {
	return TypeRef{Elem: &elem}
}

// NonNullable returns a non-null copy of t.
func (t TypeRef) NonNullable() TypeRef {
	t.NonNull = true
	return t
}

// IsList reports whether t is a list type.
func (t TypeRef) IsList() bool {
	return t.Elem != nil
}

// NamedType returns the innermost named type.
func (t TypeRef) NamedType() string {
	for t.Elem != nil {
		t = *t.Elem
	}
	return t.Name
}

// String renders t in GraphQL notation, e.g. "[Country!]!".
func (t TypeRef) String() string {
	var s string
	if t.Elem != nil {
		s = "[" + t.Elem.String() + "]"
	} else {
		s = t.Name
	}
	if t.NonNull {
		s += "!"
	}
	return s
}

// Argument is an argument of a field, or a field of an input object.
type Argument struct {
	Name       string
	Type       TypeRef
	Default    any
	HasDefault bool
}

// Required reports whether a value must be supplied.
func (a Argument) Required() bool {
	return a.Type.NonNull && !a.HasDefault
}

// Field is an output field of an object or interface type, or a root field.
type Field struct {
	Name        string
	Type        TypeRef
	Args        []Argument
	Description string
}

// Arg returns the named argument.
func (f *Field) Arg(name string) (*Argument, bool) {
	for i := range f.Args {
		if f.Args[i].Name == name {
			return &f.Args[i], true
		}
	}
	return nil, false
}

// Type is a named type of a data source.
type Type struct {
	Name          string
	Kind          TypeKind
	Fields        []Field    // object and interface
	InputFields   []Argument // input object
	EnumValues    []string   // enum
	PossibleTypes []string   // interface and union
}

// Field returns the named output field.
func (t *Type) Field(name string) (*Field, bool) {
	for i := range t.Fields {
		if t.Fields[i].Name == name {
			return &t.Fields[i], true
		}
	}
	return nil, false
}

// InputField returns the named input field.
func (t *Type) InputField(name string) (*Argument, bool) {
	for i := range t.InputFields {
		if t.InputFields[i].Name == name {
			return &t.InputFields[i], true
		}
	}
	return nil, false
}

// Possible reports whether the named object type is a possible runtime type
// of t. An object type is only possible for itself.
func (t *Type) Possible(name string) bool {
	if t.Kind == KindObject {
		return t.Name == name
	}
	for _, p := range t.PossibleTypes {
		if p == name {
			return true
		}
	}
	return false
}

// Descriptor is the closed description of what a data source can do.
type Descriptor struct {
	Namespace Namespace
	Kind      SourceKind
	Roots     map[model.OperationKind][]Field
	Types     map[string]*Type

	// Extra holds protocol specific data, e.g. the parsed GraphQL schema.
	Extra any
}

// NewDescriptor returns an empty descriptor for the namespace.
func NewDescriptor(ns Namespace, kind SourceKind) *Descriptor {
	return &Descriptor{
		Namespace: ns,
		Kind:      kind,
		Roots:     make(map[model.OperationKind][]Field),
		Types:     make(map[string]*Type),
	}
}

// AddRoot adds a root field for the given operation kind.
func (d *Descriptor) AddRoot(kind model.OperationKind, f Field) {
	d.Roots[kind] = append(d.Roots[kind], f)
}

// AddType registers a named type, replacing any previous definition.
func (d *Descriptor) AddType(t *Type) {
	d.Types[t.Name] = t
}

// RootField returns the root field of the given kind.
func (d *Descriptor) RootField(kind model.OperationKind, name string) (*Field, bool) {
	fields := d.Roots[kind]
	for i := range fields {
		if fields[i].Name == name {
			return &fields[i], true
		}
	}
	return nil, false
}

// Type returns the named type; built-in scalars are always present.
func (d *Descriptor) Type(name string) (*Type, bool) {
	if t, ok := d.Types[name]; ok {
		return t, true
	}
	if builtinScalars[name] {
		return &Type{Name: name, Kind: KindScalar}, true
	}
	return nil, false
}

// RootNames returns the sorted root field names of a kind.
func (d *Descriptor) RootNames(kind model.OperationKind) []string {
	names := make([]string, 0, len(d.Roots[kind]))
	for _, f := range d.Roots[kind] {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	return names
}

// Validate checks that every referenced type is defined and that abstract
// types only list object types.
func (d *Descriptor) Validate() error {
	var errs []string
	check := func(where string, ref TypeRef) {
		if _, ok := d.Type(ref.NamedType()); !ok {
			errs = append(errs, fmt.Sprintf("%s: unknown type %q", where, ref.NamedType()))
		}
	}
	for kind, fields := range d.Roots {
		for _, f := range fields {
			check(fmt.Sprintf("%s.%s", kind, f.Name), f.Type)
			for _, a := range f.Args {
				check(fmt.Sprintf("%s.%s(%s)", kind, f.Name, a.Name), a.Type)
			}
		}
	}
	for _, t := range d.Types {
		for _, f := range t.Fields {
			check(t.Name+"."+f.Name, f.Type)
		}
		for _, a := range t.InputFields {
			check(t.Name+"."+a.Name, a.Type)
		}
		for _, p := range t.PossibleTypes {
			pt, ok := d.Types[p]
			if !ok || pt.Kind != KindObject {
				errs = append(errs, fmt.Sprintf("%s: possible type %q is not an object type", t.Name, p))
			}
		}
	}
	if len(errs) > 0 {
		sort.Strings(errs)
		return fmt.Errorf("graph: invalid descriptor for %q: %s", d.Namespace, strings.Join(errs, "; "))
	}
	return nil
}
