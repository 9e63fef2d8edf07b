package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"unicode"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/tidwall/gjson"

	"github.com/pitabwire/opgraph/internal/config"
	"github.com/pitabwire/opgraph/internal/graph"
	"github.com/pitabwire/opgraph/internal/stream"
	"github.com/pitabwire/opgraph/model"
)

// bodyArgument is the argument that carries a JSON request body.
const bodyArgument = "input"

// restOperation is one OpenAPI operation exposed as a root field.
type restOperation struct {
	method       string
	path         string
	params       []*openapi3.Parameter
	hasBody      bool
	responsePath string
}

// OpenAPI is a data source backed by a REST service described by an OpenAPI
// document. Every operation with an operationId becomes a root field: GET
// operations are queries, everything else is a mutation. Path, query and
// header parameters become arguments; a JSON request body becomes the
// "input" argument.
type OpenAPI struct {
	desc    *graph.Descriptor
	baseURL string
	ops     map[string]restOperation
	client  *http.Client
	guard   *Guard
	headers headerPolicy
}

// LoadOpenAPI loads and validates the OpenAPI document at path.
func LoadOpenAPI(ctx context.Context, path string) (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false
	doc, err := loader.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("datasource: loading %s: %w", path, err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("datasource: validating %s: %w", path, err)
	}
	return doc, nil
}

// NewOpenAPI builds a REST source from a loaded document. cfg.URL overrides
// the first server of the document.
func NewOpenAPI(ns graph.Namespace, cfg config.DataSourceConfig, doc *openapi3.T, opts Options) (*OpenAPI, error) {
	s := &OpenAPI{
		desc:    graph.NewDescriptor(ns, graph.SourceOpenAPI),
		baseURL: strings.TrimSuffix(cfg.URL, "/"),
		ops:     make(map[string]restOperation),
		client:  newHTTPClient(),
		guard:   NewGuard(ns, cfg, opts.logger(), opts.Metrics),
		headers: headerPolicy{static: cfg.Headers, forward: cfg.ForwardHeaders},
	}
	if s.baseURL == "" && len(doc.Servers) > 0 {
		s.baseURL = strings.TrimSuffix(doc.Servers[0].URL, "/")
	}
	if s.baseURL == "" {
		return nil, fmt.Errorf("datasource: %s: no url configured and no server in document", ns)
	}

	conv := &schemaConverter{d: s.desc, seen: make(map[*openapi3.Schema]string)}
	if doc.Components != nil {
		names := make([]string, 0, len(doc.Components.Schemas))
		for name := range doc.Components.Schemas {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if ref := doc.Components.Schemas[name]; ref != nil && ref.Value != nil {
				conv.seen[ref.Value] = typeName(name)
			}
		}
	}

	paths := doc.Paths.InMatchingOrder()
	sort.Strings(paths)
	for _, path := range paths {
		item := doc.Paths.Value(path)
		methods := make([]string, 0, 4)
		for m := range item.Operations() {
			methods = append(methods, m)
		}
		sort.Strings(methods)
		for _, method := range methods {
			op := item.Operations()[method]
			if op.OperationID == "" {
				continue
			}
			if _, dup := s.ops[op.OperationID]; dup {
				return nil, fmt.Errorf("datasource: %s: duplicate operationId %q", ns, op.OperationID)
			}
			field, rop := conv.operation(op, item.Parameters)
			rop.method = method
			rop.path = path
			rop.responsePath = cfg.ResponsePaths[op.OperationID]
			s.ops[field.Name] = rop

			kind := model.KindMutation
			if method == http.MethodGet {
				kind = model.KindQuery
			}
			s.desc.AddRoot(kind, field)
		}
	}
	if err := s.desc.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Descriptor implements graph.Source.
func (s *OpenAPI) Descriptor() *graph.Descriptor {
	return s.desc
}

// Guard returns the namespace guard.
func (s *OpenAPI) Guard() *Guard {
	return s.guard
}

// Check issues a GET against the base URL. Any answer below 500 means the
// backend is up; REST roots commonly have no resource of their own.
func (s *OpenAPI) Check(ctx context.Context) error {
	return s.guard.Do(ctx, func(ctx context.Context) error {
		resp, err := doHTTP(ctx, s.client, http.MethodGet, s.baseURL, s.headers.build(ctx, nil, false), nil)
		if err != nil {
			return err
		}
		if resp.status >= http.StatusInternalServerError {
			return model.NewDownstreamError(string(s.desc.Namespace), resp.status, upstreamMessage(resp.status, resp.body), nil)
		}
		return nil
	})
}

// Execute implements graph.Source.
func (s *OpenAPI) Execute(ctx context.Context, plan *graph.Plan) (any, error) {
	op, ok := s.ops[plan.Field.Name]
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("operation %q not found", plan.Field.Name))
	}

	reqURL, header, err := s.buildRequest(op, plan.Args)
	if err != nil {
		return nil, err
	}
	var body []byte
	if v, ok := plan.Args[bodyArgument]; ok && op.hasBody {
		if body, err = json.Marshal(v); err != nil {
			return nil, fmt.Errorf("datasource: encoding body: %w", err)
		}
	}

	var (
		out    any
		appErr error
	)
	err = s.guard.Do(ctx, func(ctx context.Context) error {
		h := s.headers.build(ctx, plan.Headers, body != nil)
		for k, vs := range header {
			h[k] = vs
		}
		resp, err := doHTTP(ctx, s.client, op.method, reqURL, h, body)
		if err != nil {
			return err
		}
		ns := string(s.desc.Namespace)
		switch {
		case resp.status >= 500:
			return model.NewDownstreamError(ns, resp.status, upstreamMessage(resp.status, resp.body), nil)
		case resp.status == http.StatusNotFound && op.method == http.MethodGet:
			// A missing resource resolves to null, like a nullable GraphQL field.
			return nil
		case resp.status >= 400:
			appErr = model.NewDownstreamError(ns, resp.status, upstreamMessage(resp.status, resp.body), nil)
			return nil
		}
		out, err = extract(resp.body, op.responsePath)
		if err != nil {
			return model.NewDownstreamError(ns, 0, "invalid JSON response", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if appErr != nil {
		return nil, appErr
	}
	return out, nil
}

// Subscribe implements graph.Source. REST services have no subscription
// root, so the builder never gets here with a valid plan.
func (s *OpenAPI) Subscribe(ctx context.Context, plan *graph.Plan) (*stream.Stream, error) {
	return nil, model.NewBadRequestError(fmt.Sprintf("namespace %q does not support subscriptions", s.desc.Namespace))
}

func (s *OpenAPI) buildRequest(op restOperation, args map[string]any) (string, http.Header, error) {
	path := op.path
	query := url.Values{}
	header := http.Header{}
	for _, p := range op.params {
		v, ok := args[p.Name]
		if !ok || v == nil {
			continue
		}
		switch p.In {
		case openapi3.ParameterInPath:
			path = strings.ReplaceAll(path, "{"+p.Name+"}", url.PathEscape(paramString(v)))
		case openapi3.ParameterInQuery:
			if list, ok := v.([]any); ok {
				for _, item := range list {
					query.Add(p.Name, paramString(item))
				}
				continue
			}
			query.Set(p.Name, paramString(v))
		case openapi3.ParameterInHeader:
			header.Set(sanitizeHeader(p.Name), sanitizeHeader(paramString(v)))
		}
	}
	if strings.Contains(path, "{") {
		return "", nil, model.NewBadRequestError(fmt.Sprintf("missing path parameter in %s", op.path))
	}
	u := s.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u, header, nil
}

func paramString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case map[string]any, []any:
		raw, _ := json.Marshal(t)
		return string(raw)
	}
	return fmt.Sprint(v)
}

// extract decodes body, narrowing to path (gjson syntax) when set.
func extract(body []byte, path string) (any, error) {
	if len(body) == 0 {
		return nil, nil
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("response is not JSON")
	}
	if path == "" {
		var v any
		err := json.Unmarshal(body, &v)
		return v, err
	}
	res := gjson.GetBytes(body, path)
	if !res.Exists() {
		return nil, nil
	}
	return res.Value(), nil
}

// --- schema conversion ---

type schemaConverter struct {
	d    *graph.Descriptor
	seen map[*openapi3.Schema]string
}

func (c *schemaConverter) operation(op *openapi3.Operation, shared openapi3.Parameters) (graph.Field, restOperation) {
	name := op.OperationID
	field := graph.Field{Name: name, Description: op.Summary}
	var rop restOperation

	for _, ref := range append(append(openapi3.Parameters{}, shared...), op.Parameters...) {
		p := ref.Value
		if p == nil || p.In == openapi3.ParameterInCookie {
			continue
		}
		t := graph.Named(graph.ScalarString)
		if p.Schema != nil && p.Schema.Value != nil {
			t = c.ref(p.Schema, typeName(name)+typeName(p.Name), true)
		}
		if p.Required {
			t = t.NonNullable()
		}
		field.Args = append(field.Args, graph.Argument{Name: p.Name, Type: t})
		rop.params = append(rop.params, p)
	}

	if op.RequestBody != nil && op.RequestBody.Value != nil {
		if mt := op.RequestBody.Value.Content.Get("application/json"); mt != nil && mt.Schema != nil {
			t := c.ref(mt.Schema, typeName(name)+"Input", true)
			if op.RequestBody.Value.Required {
				t = t.NonNullable()
			}
			field.Args = append(field.Args, graph.Argument{Name: bodyArgument, Type: t})
			rop.hasBody = true
		}
	}

	field.Type = graph.Named(graph.ScalarJSON)
	if schema := successSchema(op); schema != nil {
		field.Type = c.ref(schema, typeName(name)+"Result", false)
	}
	return field, rop
}

func successSchema(op *openapi3.Operation) *openapi3.SchemaRef {
	if op.Responses == nil {
		return nil
	}
	for _, code := range []string{"200", "201", "202", "default"} {
		r := op.Responses.Value(code)
		if r == nil || r.Value == nil {
			continue
		}
		if mt := r.Value.Content.Get("application/json"); mt != nil && mt.Schema != nil {
			return mt.Schema
		}
	}
	return nil
}

// ref converts a schema into a type reference, registering object types
// under their component name or the given fallback name.
func (c *schemaConverter) ref(sr *openapi3.SchemaRef, fallback string, input bool) graph.TypeRef {
	s := sr.Value
	if s == nil {
		return graph.Named(graph.ScalarJSON)
	}
	switch {
	case s.Type.Is(openapi3.TypeString):
		if s.Format == "uuid" {
			return graph.Named(graph.ScalarID)
		}
		return graph.Named(graph.ScalarString)
	case s.Type.Is(openapi3.TypeInteger):
		return graph.Named(graph.ScalarInt)
	case s.Type.Is(openapi3.TypeNumber):
		return graph.Named(graph.ScalarFloat)
	case s.Type.Is(openapi3.TypeBoolean):
		return graph.Named(graph.ScalarBoolean)
	case s.Type.Is(openapi3.TypeArray):
		if s.Items == nil {
			return graph.ListOf(graph.Named(graph.ScalarJSON))
		}
		return graph.ListOf(c.ref(s.Items, fallback+"Item", input))
	case s.Type.Is(openapi3.TypeObject) || len(s.Properties) > 0:
		if len(s.Properties) == 0 {
			return graph.Named(graph.ScalarJSON)
		}
		return graph.Named(c.object(s, fallback, input))
	}
	return graph.Named(graph.ScalarJSON)
}

func (c *schemaConverter) object(s *openapi3.Schema, fallback string, input bool) string {
	name, known := c.seen[s]
	if !known {
		name = fallback
	}
	if input && !strings.HasSuffix(name, "Input") {
		name += "Input"
	}
	if _, done := c.d.Types[name]; done {
		return name
	}

	t := &graph.Type{Name: name, Kind: graph.KindObject}
	if input {
		t.Kind = graph.KindInputObject
	}
	// Register before recursing so self references terminate.
	c.d.AddType(t)

	required := make(map[string]bool, len(s.Required))
	for _, r := range s.Required {
		required[r] = true
	}
	props := make([]string, 0, len(s.Properties))
	for p := range s.Properties {
		props = append(props, p)
	}
	sort.Strings(props)
	for _, p := range props {
		ref := c.ref(s.Properties[p], name+typeName(p), input)
		if required[p] {
			ref = ref.NonNullable()
		}
		if input {
			t.InputFields = append(t.InputFields, graph.Argument{Name: p, Type: ref})
		} else {
			f := graph.Field{Name: p, Type: ref}
			if v := s.Properties[p].Value; v != nil {
				f.Description = v.Description
			}
			t.Fields = append(t.Fields, f)
		}
	}
	return name
}

// typeName turns an identifier into an exported type name.
func typeName(s string) string {
	var b strings.Builder
	upper := true
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			upper = true
			continue
		}
		if upper {
			b.WriteRune(unicode.ToUpper(r))
			upper = false
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
