package graph

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/dgraph-io/gqlparser/v2/ast"
	"github.com/dgraph-io/gqlparser/v2/formatter"

	"github.com/pitabwire/opgraph/model"
)

// Plan is a validated request ready for a data source: one root field with
// coerced arguments and a resolved selection.
type Plan struct {
	Namespace Namespace
	Kind      model.OperationKind
	Field     *Field
	Args      map[string]any
	Selection *Selection
	Headers   http.Header
}

// ArgNames returns the argument names present in the plan in sorted order.
func (p *Plan) ArgNames() []string {
	return sortedKeys(p.Args)
}

// Operation builds the plan as a GraphQL operation. Each argument is passed
// as a variable named "<argument>_<n>". When remoteField differs from the
// field name the upstream field is aliased back, so the response key is
// always the local field name.
func (p *Plan) Operation(remoteField string) (*ast.OperationDefinition, map[string]any) {
	if remoteField == "" {
		remoteField = p.Field.Name
	}
	root := &ast.Field{Name: remoteField}
	if remoteField != p.Field.Name {
		root.Alias = p.Field.Name
	}
	op := &ast.OperationDefinition{Operation: ast.Operation(p.Kind)}

	vars := make(map[string]any, len(p.Args))
	for i, name := range p.ArgNames() {
		a, ok := p.Field.Arg(name)
		if !ok {
			continue
		}
		varName := fmt.Sprintf("%s_%d", name, i)
		op.VariableDefinitions = append(op.VariableDefinitions, &ast.VariableDefinition{
			Variable: varName,
			Type:     astType(a.Type),
		})
		root.Arguments = append(root.Arguments, &ast.Argument{
			Name:  name,
			Value: &ast.Value{Kind: ast.Variable, Raw: varName},
		})
		vars[varName] = p.Args[name]
	}
	root.SelectionSet = selectionSet(p.Selection)
	op.SelectionSet = ast.SelectionSet{root}
	return op, vars
}

// Document renders Operation with the gqlparser formatter.
func (p *Plan) Document(remoteField string) (string, map[string]any) {
	op, vars := p.Operation(remoteField)
	var b strings.Builder
	formatter.NewFormatter(&b).FormatQueryDocument(&ast.QueryDocument{Operations: ast.OperationList{op}})
	return b.String(), vars
}

func astType(t TypeRef) *ast.Type {
	if t.Elem != nil {
		return &ast.Type{Elem: astType(*t.Elem), NonNull: t.NonNull}
	}
	return &ast.Type{NamedType: t.Name, NonNull: t.NonNull}
}

func selectionSet(sel *Selection) ast.SelectionSet {
	if sel.Empty() {
		return nil
	}
	var set ast.SelectionSet
	typename := false
	for _, f := range sel.Fields {
		if f.Name == TypenameField {
			typename = true
		}
		set = append(set, &ast.Field{Name: f.Name, SelectionSet: selectionSet(f.Sub)})
	}
	if len(sel.Fragments) == 0 {
		return set
	}
	// Projection needs the runtime type to pick a branch.
	if !typename {
		set = append(set, &ast.Field{Name: TypenameField})
	}
	frags := append([]*Fragment(nil), sel.Fragments...)
	sort.SliceStable(frags, func(i, j int) bool { return frags[i].TypeName < frags[j].TypeName })
	for _, frag := range frags {
		set = append(set, &ast.InlineFragment{
			TypeCondition: frag.TypeName,
			SelectionSet:  selectionSet(frag.Selection),
		})
	}
	return set
}
