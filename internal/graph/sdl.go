package graph

import (
	"fmt"

	"github.com/dgraph-io/gqlparser/v2/ast"
	"github.com/dgraph-io/gqlparser/v2/gqlerror"
	"github.com/dgraph-io/gqlparser/v2/parser"
	"github.com/dgraph-io/gqlparser/v2/validator"
	_ "github.com/dgraph-io/gqlparser/v2/validator/rules"

	"github.com/pitabwire/opgraph/model"
)

// LoadSDL parses and validates a GraphQL schema document and converts it into
// a descriptor. The parsed schema is kept in Descriptor.Extra so compiled
// documents can be validated against it.
func LoadSDL(ns Namespace, sdl string) (*Descriptor, error) {
	doc, gqlErr := parser.ParseSchemas(validator.Prelude, &ast.Source{Name: string(ns), Input: sdl})
	if gqlErr != nil {
		return nil, fmt.Errorf("graph: parsing schema for %q: %w", ns, gqlErr)
	}
	schema, gqlErr := validator.ValidateSchemaDocument(doc)
	if gqlErr != nil {
		return nil, fmt.Errorf("graph: validating schema for %q: %w", ns, gqlErr)
	}
	return FromSchema(ns, schema), nil
}

// FromSchema converts a parsed GraphQL schema into a descriptor.
func FromSchema(ns Namespace, schema *ast.Schema) *Descriptor {
	d := NewDescriptor(ns, SourceGraphQL)
	d.Extra = schema

	roots := map[model.OperationKind]*ast.Definition{
		model.KindQuery:        schema.Query,
		model.KindMutation:     schema.Mutation,
		model.KindSubscription: schema.Subscription,
	}
	for kind, def := range roots {
		if def == nil {
			continue
		}
		for _, f := range def.Fields {
			if isIntrospection(f.Name) {
				continue
			}
			d.AddRoot(kind, convertField(f))
		}
	}

	for name, def := range schema.Types {
		if isIntrospection(name) || builtinScalars[name] {
			continue
		}
		if def == schema.Query || def == schema.Mutation || def == schema.Subscription {
			continue
		}
		t := &Type{Name: name}
		switch def.Kind {
		case ast.Scalar:
			t.Kind = KindScalar
		case ast.Enum:
			t.Kind = KindEnum
			for _, v := range def.EnumValues {
				t.EnumValues = append(t.EnumValues, v.Name)
			}
		case ast.Object, ast.Interface:
			t.Kind = KindObject
			if def.Kind == ast.Interface {
				t.Kind = KindInterface
			}
			for _, f := range def.Fields {
				if isIntrospection(f.Name) {
					continue
				}
				t.Fields = append(t.Fields, convertField(f))
			}
		case ast.Union:
			t.Kind = KindUnion
		case ast.InputObject:
			t.Kind = KindInputObject
			for _, f := range def.Fields {
				t.InputFields = append(t.InputFields, convertArgument(f.Name, f.Type, f.DefaultValue))
			}
		}
		if t.Kind.Abstract() {
			for _, p := range schema.GetPossibleTypes(def) {
				t.PossibleTypes = append(t.PossibleTypes, p.Name)
			}
		}
		d.AddType(t)
	}
	return d
}

// ValidateDocument checks a rendered operation document against the schema
// kept in the descriptor. Descriptors without a GraphQL schema accept any
// document. vars are the values sent alongside the document.
func ValidateDocument(d *Descriptor, document string, vars map[string]any) error {
	schema, ok := d.Extra.(*ast.Schema)
	if !ok || schema == nil {
		return nil
	}
	doc, gqlErr := parser.ParseQuery(&ast.Source{Input: document})
	if gqlErr != nil {
		return fmt.Errorf("graph: parsing document: %w", gqlErr)
	}
	if errs := validator.Validate(schema, doc, vars); len(errs) > 0 {
		return fmt.Errorf("graph: invalid document: %w", gqlerror.List(errs))
	}
	return nil
}

func convertField(f *ast.FieldDefinition) Field {
	out := Field{Name: f.Name, Type: convertType(f.Type), Description: f.Description}
	for _, a := range f.Arguments {
		out.Args = append(out.Args, convertArgument(a.Name, a.Type, a.DefaultValue))
	}
	return out
}

func convertArgument(name string, t *ast.Type, def *ast.Value) Argument {
	a := Argument{Name: name, Type: convertType(t)}
	if def != nil {
		if v, err := def.Value(nil); err == nil {
			a.Default = v
			a.HasDefault = true
		}
	}
	return a
}

func convertType(t *ast.Type) TypeRef {
	if t.Elem != nil {
		elem := convertType(t.Elem)
		return TypeRef{Elem: &elem, NonNull: t.NonNull}
	}
	return TypeRef{Name: t.NamedType, NonNull: t.NonNull}
}

func isIntrospection(name string) bool {
	return len(name) >= 2 && name[:2] == "__"
}
