package datasource

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/pitabwire/opgraph/internal/config"
	"github.com/pitabwire/opgraph/internal/graph"
	"github.com/pitabwire/opgraph/model"
)

const petstoreSpec = `openapi: 3.0.3
info:
  title: Petstore
  version: "1.0"
servers:
  - url: http://petstore.invalid/v1
paths:
  /pets:
    get:
      operationId: listPets
      parameters:
        - name: limit
          in: query
          schema:
            type: integer
      responses:
        "200":
          description: ok
          content:
            application/json:
              schema:
                type: array
                items:
                  $ref: "#/components/schemas/Pet"
    post:
      operationId: createPet
      requestBody:
        required: true
        content:
          application/json:
            schema:
              $ref: "#/components/schemas/NewPet"
      responses:
        "201":
          description: created
          content:
            application/json:
              schema:
                $ref: "#/components/schemas/Pet"
  /pets/{petId}:
    get:
      operationId: showPetById
      parameters:
        - name: petId
          in: path
          required: true
          schema:
            type: string
        - name: X-Request-Tag
          in: header
          schema:
            type: string
      responses:
        "200":
          description: ok
          content:
            application/json:
              schema:
                $ref: "#/components/schemas/Pet"
components:
  schemas:
    Pet:
      type: object
      required: [id, name]
      properties:
        id:
          type: string
          format: uuid
        name:
          type: string
        tag:
          type: string
    NewPet:
      type: object
      required: [name]
      properties:
        name:
          type: string
        tag:
          type: string
`

type recordedRequest struct {
	method string
	path   string
	query  string
	header http.Header
	body   map[string]any
}

type requestLog struct {
	mu   sync.Mutex
	reqs []recordedRequest
}

func (l *requestLog) add(r recordedRequest) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reqs = append(l.reqs, r)
}

func (l *requestLog) all() []recordedRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]recordedRequest(nil), l.reqs...)
}

func newPetstore(t *testing.T, handler http.HandlerFunc) (graph.Builder, *OpenAPI, *requestLog) {
	t.Helper()
	seen := &requestLog{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recordedRequest{method: r.Method, path: r.URL.Path, query: r.URL.RawQuery, header: r.Header.Clone()}
		if r.Body != nil {
			json.NewDecoder(r.Body).Decode(&rec.body)
		}
		seen.add(rec)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	path := filepath.Join(t.TempDir(), "petstore.yaml")
	if err := os.WriteFile(path, []byte(petstoreSpec), 0o600); err != nil {
		t.Fatalf("writing openapi document: %v", err)
	}
	doc, err := LoadOpenAPI(context.Background(), path)
	if err != nil {
		t.Fatalf("LoadOpenAPI() error = %v", err)
	}
	src, err := NewOpenAPI("petstore", config.DataSourceConfig{
		URL:           srv.URL + "/v1",
		ResponsePaths: map[string]string{"listPets": "data.items"},
	}, doc, Options{})
	if err != nil {
		t.Fatalf("NewOpenAPI() error = %v", err)
	}
	cat, err := graph.NewCatalog([]graph.Source{src})
	if err != nil {
		t.Fatalf("NewCatalog() error = %v", err)
	}
	return graph.NewBuilder(cat), src, seen
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(body))
}

func TestNewOpenAPI_descriptor(t *testing.T) {
	_, src, _ := newPetstore(t, func(http.ResponseWriter, *http.Request) {})
	d := src.Descriptor()

	if got := strings.Join(d.RootNames(model.KindQuery), ","); got != "listPets,showPetById" {
		t.Errorf("queries = %s", got)
	}
	if got := strings.Join(d.RootNames(model.KindMutation), ","); got != "createPet" {
		t.Errorf("mutations = %s", got)
	}

	f, _ := d.RootField(model.KindQuery, "showPetById")
	if f.Type.String() != "Pet" {
		t.Errorf("showPetById type = %s, want Pet", f.Type)
	}
	if a, ok := f.Arg("petId"); !ok || !a.Required() {
		t.Errorf("petId argument missing or optional")
	}
	pet, ok := d.Type("Pet")
	if !ok {
		t.Fatal("type Pet not registered")
	}
	if id, _ := pet.Field("id"); id == nil || id.Type.String() != "ID!" {
		t.Errorf("Pet.id = %v, want ID!", id)
	}

	create, _ := d.RootField(model.KindMutation, "createPet")
	in, ok := create.Arg("input")
	if !ok || in.Type.String() != "NewPetInput!" {
		t.Errorf("createPet input = %v", in)
	}
	if nt, ok := d.Type("NewPetInput"); !ok || nt.Kind != graph.KindInputObject {
		t.Errorf("NewPetInput not registered as input object")
	}
}

func TestOpenAPI_getWithPathParameter(t *testing.T) {
	b, _, seen := newPetstore(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"id":"6f1c3d1e-8c1a-4d5e-9f00-000000000001","name":"Rex","tag":"dog"}`)
	})

	got, err := b.From("petstore").Query("showPetById").
		Where(map[string]any{"petId": "p 1", "X-Request-Tag": "t1"}).
		Select("name", "tag").
		Exec(context.Background())
	if err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	m := got.(map[string]any)
	if m["name"] != "Rex" || m["tag"] != "dog" || len(m) != 2 {
		t.Errorf("result = %#v", m)
	}

	req := seen.all()[0]
	if req.method != http.MethodGet || req.path != "/v1/pets/p 1" {
		t.Errorf("request = %s %s", req.method, req.path)
	}
	if req.header.Get("X-Request-Tag") != "t1" {
		t.Errorf("header parameter not sent")
	}
}

func TestOpenAPI_responsePath(t *testing.T) {
	b, _, seen := newPetstore(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"data":{"items":[{"id":"a","name":"Rex"},{"id":"b","name":"Tom"}]}}`)
	})

	got, err := b.From("petstore").Query("listPets").Where(map[string]any{"limit": 2}).Select("name").Exec(context.Background())
	if err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	list := got.([]any)
	if len(list) != 2 || list[1].(map[string]any)["name"] != "Tom" {
		t.Errorf("result = %#v", got)
	}
	if q := seen.all()[0].query; q != "limit=2" {
		t.Errorf("query = %q, want limit=2", q)
	}
}

func TestOpenAPI_postSendsBody(t *testing.T) {
	b, _, seen := newPetstore(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, `{"id":"new","name":"Rex"}`)
	})

	got, err := b.From("petstore").Mutate("createPet").
		Where(map[string]any{"input": map[string]any{"name": "Rex"}}).
		Exec(context.Background())
	if err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	if got.(map[string]any)["id"] != "new" {
		t.Errorf("default projection = %#v, want id", got)
	}

	req := seen.all()[0]
	if req.method != http.MethodPost || req.body["name"] != "Rex" {
		t.Errorf("request = %s body %v", req.method, req.body)
	}
	if ct := req.header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestOpenAPI_notFoundIsNull(t *testing.T) {
	b, _, _ := newPetstore(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, `{"message":"no such pet"}`)
	})

	got, err := b.From("petstore").Query("showPetById").Where(map[string]any{"petId": "x"}).Exec(context.Background())
	if err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	if got != nil {
		t.Errorf("result = %#v, want nil", got)
	}
}

func TestOpenAPI_clientErrorKeepsStatus(t *testing.T) {
	b, src, _ := newPetstore(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnprocessableEntity, `{"message":"name taken"}`)
	})

	_, err := b.From("petstore").Mutate("createPet").
		Where(map[string]any{"input": map[string]any{"name": "Rex"}}).
		Exec(context.Background())
	oe := model.AsOperationError(err)
	if oe == nil || oe.Code != model.ErrDownstream || oe.Status() != http.StatusUnprocessableEntity || oe.Namespace != "petstore" {
		t.Fatalf("error = %v, want DOWNSTREAM_ERROR 422 [petstore]", err)
	}
	if src.Guard().Breaker().State() != BreakerClosed {
		t.Error("client error opened the breaker")
	}
}

func TestOpenAPI_missingRequiredArgument(t *testing.T) {
	b, _, seen := newPetstore(t, func(w http.ResponseWriter, r *http.Request) {})

	_, err := b.From("petstore").Query("showPetById").Exec(context.Background())
	if !model.IsCode(err, model.ErrValidationError) {
		t.Fatalf("error = %v, want VALIDATION_ERROR", err)
	}
	if len(seen.all()) != 0 {
		t.Error("invalid request reached the backend")
	}
}

func TestOpenAPI_Check(t *testing.T) {
	var _ graph.HealthChecker = (*OpenAPI)(nil)

	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"root without resource", http.StatusNotFound, false},
		{"ok", http.StatusOK, false},
		{"backend failing", http.StatusServiceUnavailable, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, src, seen := newPetstore(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})
			err := src.Check(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Check() error = %v, wantErr %v", err, tt.wantErr)
			}
			reqs := seen.all()
			if len(reqs) != 1 || reqs[0].method != http.MethodGet || reqs[0].path != "/v1" {
				t.Errorf("requests = %+v, want GET /v1", reqs)
			}
		})
	}
}

func TestExtract(t *testing.T) {
	v, err := extract([]byte(`{"a":{"b":[1,2]}}`), "a.b.1")
	if err != nil || v != float64(2) {
		t.Errorf("extract() = %v, %v", v, err)
	}
	v, err = extract([]byte(`{"a":1}`), "missing")
	if err != nil || v != nil {
		t.Errorf("extract(missing) = %v, %v", v, err)
	}
	if _, err := extract([]byte(`<html>`), ""); err == nil {
		t.Error("extract(non-JSON) should fail")
	}
}

func TestTypeName(t *testing.T) {
	tests := map[string]string{
		"pet":          "Pet",
		"list_pets":    "ListPets",
		"show-pet-by":  "ShowPetBy",
		"X-Request-Id": "XRequestId",
	}
	for in, want := range tests {
		if got := typeName(in); got != want {
			t.Errorf("typeName(%q) = %q, want %q", in, got, want)
		}
	}
}
