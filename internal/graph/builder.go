package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"time"

	"github.com/pitabwire/opgraph/internal/observability"
	"github.com/pitabwire/opgraph/internal/stream"
	"github.com/pitabwire/opgraph/model"
)

// Builder is the entry point of the query builder. It is an immutable value:
// every method returns a new Builder or Request and leaves the receiver
// untouched, so partially built requests can be shared and reused.
type Builder struct {
	catalog *Catalog
	headers http.Header

	restricted bool
	allowed    []Namespace
}

// NewBuilder returns a builder over the catalog.
func NewBuilder(c *Catalog) Builder {
	return Builder{catalog: c}
}

// Catalog returns the catalog the builder reads from.
func (b Builder) Catalog() *Catalog {
	return b.catalog
}

// WithHeaders returns a builder whose requests carry the given headers in
// addition to any set before.
func (b Builder) WithHeaders(headers map[string]string) Builder {
	h := b.headers.Clone()
	if h == nil {
		h = make(http.Header, len(headers))
	}
	for k, v := range headers {
		h.Set(k, v)
	}
	b.headers = h
	return b
}

// Restrict returns a builder whose requests may only address the given
// namespaces. Requests for any other namespace fail validation with
// NAMESPACE_NOT_DECLARED, even when the catalog knows it.
func (b Builder) Restrict(ns ...Namespace) Builder {
	b.restricted = true
	b.allowed = slices.Clone(ns)
	return b
}

// From selects the data source to address.
func (b Builder) From(ns Namespace) Root {
	return Root{b: b, ns: ns}
}

// Root is a builder bound to a namespace.
type Root struct {
	b  Builder
	ns Namespace
}

// Query addresses a query root field.
func (r Root) Query(field string) Request {
	return Request{b: r.b, ns: r.ns, kind: model.KindQuery, field: field}
}

// Mutate addresses a mutation root field.
func (r Root) Mutate(field string) Request {
	return Request{b: r.b, ns: r.ns, kind: model.KindMutation, field: field}
}

// Subscribe addresses a subscription root field.
func (r Root) Subscribe(field string) Request {
	return Request{b: r.b, ns: r.ns, kind: model.KindSubscription, field: field}
}

type branch struct {
	typeName string
	paths    []string
}

// Request is one data-source request under construction.
type Request struct {
	b        Builder
	ns       Namespace
	kind     model.OperationKind
	field    string
	args     map[string]any
	paths    []string
	branches []branch
}

// Namespace returns the addressed namespace.
func (r Request) Namespace() Namespace {
	return r.ns
}

// Where sets arguments of the root field. Later calls override earlier
// values for the same argument.
func (r Request) Where(args map[string]any) Request {
	merged := make(map[string]any, len(r.args)+len(args))
	maps.Copy(merged, r.args)
	maps.Copy(merged, args)
	r.args = merged
	return r
}

// Select adds dotted field paths to the projection, e.g. "code",
// "continent.name".
func (r Request) Select(paths ...string) Request {
	r.paths = append(slices.Clone(r.paths), paths...)
	return r
}

// On adds paths that apply only when the root value's runtime type is
// typeName. The root field must have an interface or union type.
func (r Request) On(typeName string, paths ...string) Request {
	r.branches = append(slices.Clone(r.branches), branch{typeName: typeName, paths: slices.Clone(paths)})
	return r
}

// Compile validates the request against the namespace descriptor.
func (r Request) Compile() (*Plan, error) {
	fail := func(errs ...model.FieldError) error {
		e := model.NewValidationError(errs)
		e.Namespace = string(r.ns)
		return e
	}

	if r.b.restricted && !slices.Contains(r.b.allowed, r.ns) {
		return nil, fail(model.FieldError{
			Field:   "namespace",
			Code:    "NAMESPACE_NOT_DECLARED",
			Message: fmt.Sprintf("namespace %q is not declared in the operation's uses", r.ns),
		})
	}

	src, ok := r.b.catalog.Source(r.ns)
	if !ok {
		return nil, fail(model.FieldError{
			Field:   "namespace",
			Code:    "UNKNOWN_NAMESPACE",
			Message: fmt.Sprintf("namespace %q is not configured", r.ns),
		})
	}
	d := src.Descriptor()
	f, ok := d.RootField(r.kind, r.field)
	if !ok {
		return nil, fail(model.FieldError{
			Field:   r.field,
			Code:    "UNKNOWN_FIELD",
			Message: fmt.Sprintf("%s field %q not found in namespace %q", r.kind, r.field, r.ns),
		})
	}

	normalized, err := Normalize(r.args)
	if err != nil {
		return nil, fail(model.FieldError{Field: "where", Code: "INVALID_VALUE", Message: err.Error()})
	}
	rawArgs, _ := normalized.(map[string]any)
	args, errs := ValidateArgs(d, f, rawArgs)

	rootType, ok := d.Type(f.Type.NamedType())
	if !ok {
		return nil, fail(model.FieldError{Field: r.field, Code: "UNKNOWN_TYPE", Message: fmt.Sprintf("unknown type %q", f.Type.NamedType())})
	}

	var sel *Selection
	if rootType.Kind.Leaf() {
		if len(r.paths) > 0 || len(r.branches) > 0 {
			errs = append(errs, model.FieldError{
				Field:   r.field,
				Code:    "INVALID_SELECTION",
				Message: fmt.Sprintf("field %q of type %s has no sub-fields", r.field, f.Type),
			})
		}
	} else {
		sel = &Selection{}
		errs = append(errs, resolvePaths(d, rootType, sel, r.paths)...)
		errs = append(errs, r.resolveBranches(d, rootType, sel)...)
		if sel.Empty() {
			sel = DefaultSelection(d, rootType)
		}
	}
	if len(errs) > 0 {
		return nil, fail(errs...)
	}

	return &Plan{
		Namespace: r.ns,
		Kind:      r.kind,
		Field:     f,
		Args:      args,
		Selection: sel,
		Headers:   r.b.headers.Clone(),
	}, nil
}

func (r Request) resolveBranches(d *Descriptor, rootType *Type, sel *Selection) []model.FieldError {
	var errs []model.FieldError
	for _, br := range r.branches {
		bt, ok := d.Types[br.typeName]
		if !ok || !rootType.Kind.Abstract() || !rootType.Possible(br.typeName) {
			errs = append(errs, model.FieldError{
				Field:   "on " + br.typeName,
				Code:    "INVALID_FRAGMENT",
				Message: fmt.Sprintf("type %q is not a possible type of %s", br.typeName, rootType.Name),
			})
			continue
		}
		var frag *Fragment
		for _, existing := range sel.Fragments {
			if existing.TypeName == br.typeName {
				frag = existing
			}
		}
		if frag == nil {
			frag = &Fragment{TypeName: br.typeName, Selection: &Selection{}}
			sel.Fragments = append(sel.Fragments, frag)
		}
		paths := br.paths
		if len(paths) == 0 {
			paths = DefaultSelection(d, bt).Paths()
		}
		errs = append(errs, resolvePaths(d, bt, frag.Selection, paths)...)
	}
	return errs
}

// Exec sends a query or mutation and returns the projected root value.
// Failures from the source are DownstreamErrors tagged with the namespace.
func (r Request) Exec(ctx context.Context) (any, error) {
	if r.kind == model.KindSubscription {
		return nil, model.NewBadRequestError(fmt.Sprintf("subscription field %q must be consumed with Stream", r.field))
	}
	plan, err := r.Compile()
	if err != nil {
		return nil, err
	}
	src, _ := r.b.catalog.Source(r.ns)

	ctx, span := observability.StartSpan(ctx, "graph."+string(r.kind),
		observability.AttrNamespace.String(string(r.ns)),
		observability.AttrField.String(r.field),
	)
	start := time.Now()
	raw, err := src.Execute(ctx, plan)
	err = WrapDownstream(r.ns, err)
	r.b.catalog.observe(r.ns, r.kind, r.field, time.Since(start), err)
	observability.EndSpanWithError(span, err)
	if err != nil {
		return nil, err
	}
	return Project(raw, plan.Selection), nil
}

// Stream opens a subscription and returns a stream of projected values.
// Closing the returned stream closes the upstream subscription.
func (r Request) Stream(ctx context.Context, opts ...stream.Option) (*stream.Stream, error) {
	if r.kind != model.KindSubscription {
		return nil, model.NewBadRequestError(fmt.Sprintf("%s field %q must be sent with Exec", r.kind, r.field))
	}
	plan, err := r.Compile()
	if err != nil {
		return nil, err
	}
	src, _ := r.b.catalog.Source(r.ns)

	start := time.Now()
	upstream, err := src.Subscribe(ctx, plan)
	if err != nil {
		err = WrapDownstream(r.ns, err)
		r.b.catalog.observe(r.ns, r.kind, r.field, time.Since(start), err)
		return nil, err
	}

	opts = append(opts, stream.OnCleanup(upstream.Close))
	return stream.New(ctx, func(ctx context.Context, emit stream.Emit) error {
		var failure error
		defer func() {
			r.b.catalog.observe(r.ns, r.kind, r.field, time.Since(start), failure)
		}()
		for {
			m, ok := upstream.Next(ctx)
			if !ok {
				return nil
			}
			if m.Error != nil {
				failure = WrapDownstream(r.ns, m.Error)
				return failure
			}
			if err := emit(Project(m.Data, plan.Selection)); err != nil {
				return err
			}
		}
	}, opts...), nil
}

// ExecAs sends the request and decodes the projected value into T.
func ExecAs[T any](ctx context.Context, r Request) (T, error) {
	var out T
	v, err := r.Exec(ctx)
	if err != nil {
		return out, err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return out, fmt.Errorf("graph: encoding result: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("graph: decoding result into %T: %w", out, err)
	}
	return out, nil
}
