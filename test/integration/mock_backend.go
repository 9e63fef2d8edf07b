package integration

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/gqlparser/v2/ast"
	"github.com/dgraph-io/gqlparser/v2/parser"
)

// MockGraphQL is a configurable GraphQL server that simulates an upstream
// data source. Responses are configured per root field and every request is
// recorded for later assertion.
type MockGraphQL struct {
	t      *testing.T
	server *httptest.Server

	mu         sync.RWMutex
	fields     map[string]*fieldConfig
	receivedBy map[string][]*RecordedRequest
}

// RecordedRequest captures a request received by the mock.
type RecordedRequest struct {
	Query      string
	Variables  map[string]any
	Headers    http.Header
	ReceivedAt time.Time
}

type fieldConfig struct {
	mu        sync.Mutex
	responses []*mockResponse
	current   int
}

type mockResponse struct {
	status    int
	data      any
	errors    []string
	delay     time.Duration
	connError bool
}

// FieldMock configures the responses of one root field.
type FieldMock struct {
	backend *MockGraphQL
	field   string
}

func newMockGraphQL(t *testing.T) *MockGraphQL {
	t.Helper()
	mb := &MockGraphQL{
		t:          t,
		fields:     make(map[string]*fieldConfig),
		receivedBy: make(map[string][]*RecordedRequest),
	}
	mb.server = httptest.NewServer(http.HandlerFunc(mb.serve))
	t.Cleanup(mb.server.Close)
	return mb
}

// URL returns the GraphQL endpoint.
func (mb *MockGraphQL) URL() string {
	return mb.server.URL
}

// Close stops the server so that further requests fail to connect.
func (mb *MockGraphQL) Close() {
	mb.server.Close()
}

// OnField returns a builder for the responses of the named root field.
func (mb *MockGraphQL) OnField(field string) *FieldMock {
	return &FieldMock{backend: mb, field: field}
}

// RespondWith answers with the given field value.
func (fm *FieldMock) RespondWith(data any) *FieldMock {
	fm.backend.addResponse(fm.field, &mockResponse{status: http.StatusOK, data: data})
	return fm
}

// RespondWithErrors answers 200 with GraphQL field errors.
func (fm *FieldMock) RespondWithErrors(messages ...string) *FieldMock {
	fm.backend.addResponse(fm.field, &mockResponse{status: http.StatusOK, errors: messages})
	return fm
}

// RespondWithStatus answers with a bare HTTP status.
func (fm *FieldMock) RespondWithStatus(status int) *FieldMock {
	fm.backend.addResponse(fm.field, &mockResponse{status: status})
	return fm
}

// RespondWithDelay answers with data after the delay.
func (fm *FieldMock) RespondWithDelay(delay time.Duration, data any) *FieldMock {
	fm.backend.addResponse(fm.field, &mockResponse{status: http.StatusOK, data: data, delay: delay})
	return fm
}

// RespondWithConnectionError drops the connection without answering.
func (fm *FieldMock) RespondWithConnectionError() *FieldMock {
	fm.backend.addResponse(fm.field, &mockResponse{connError: true})
	return fm
}

func (mb *MockGraphQL) addResponse(field string, resp *mockResponse) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	cfg, ok := mb.fields[field]
	if !ok {
		cfg = &fieldConfig{}
		mb.fields[field] = cfg
	}
	cfg.responses = append(cfg.responses, resp)
}

func (mb *MockGraphQL) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var req struct {
		Query     string         `json:"query"`
		Variables map[string]any `json:"variables"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}
	field := rootField(req.Query)

	mb.mu.Lock()
	mb.receivedBy[field] = append(mb.receivedBy[field], &RecordedRequest{
		Query:      req.Query,
		Variables:  req.Variables,
		Headers:    r.Header.Clone(),
		ReceivedAt: time.Now(),
	})
	mb.mu.Unlock()

	resp := mb.nextResponse(field)
	if resp == nil {
		writeGraphQL(w, http.StatusOK, map[string]any{"data": map[string]any{field: nil}})
		return
	}
	if resp.connError {
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, _ := hj.Hijack(); conn != nil {
				conn.Close()
			}
		}
		return
	}
	if resp.delay > 0 {
		select {
		case <-time.After(resp.delay):
		case <-r.Context().Done():
			return
		}
	}

	switch {
	case len(resp.errors) > 0:
		errs := make([]map[string]any, len(resp.errors))
		for i, msg := range resp.errors {
			errs[i] = map[string]any{"message": msg, "path": []string{field}}
		}
		writeGraphQL(w, resp.status, map[string]any{"data": map[string]any{field: nil}, "errors": errs})
	case resp.status >= 400:
		w.WriteHeader(resp.status)
	default:
		writeGraphQL(w, resp.status, map[string]any{"data": map[string]any{field: resp.data}})
	}
}

func writeGraphQL(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// rootField returns the name of the first root field of a document.
func rootField(query string) string {
	doc, gqlErr := parser.ParseQuery(&ast.Source{Input: query})
	if gqlErr != nil || len(doc.Operations) == 0 {
		return ""
	}
	for _, sel := range doc.Operations[0].SelectionSet {
		if f, ok := sel.(*ast.Field); ok {
			return f.Name
		}
	}
	return ""
}

func (mb *MockGraphQL) nextResponse(field string) *mockResponse {
	mb.mu.RLock()
	cfg, ok := mb.fields[field]
	mb.mu.RUnlock()
	if !ok {
		return nil
	}

	cfg.mu.Lock()
	defer cfg.mu.Unlock()
	if len(cfg.responses) == 0 {
		return nil
	}
	idx := cfg.current
	if idx >= len(cfg.responses) {
		// Repeat the last response for subsequent calls.
		idx = len(cfg.responses) - 1
	} else {
		cfg.current++
	}
	return cfg.responses[idx]
}

// AssertCalled verifies that the field was requested the expected number of
// times.
func (mb *MockGraphQL) AssertCalled(t *testing.T, field string, expected int) {
	t.Helper()
	if actual := len(mb.AllRequests(field)); actual != expected {
		t.Errorf("mock: field %q requested %d times, want %d", field, actual, expected)
	}
}

// LastRequest returns the last request for the field, or nil.
func (mb *MockGraphQL) LastRequest(field string) *RecordedRequest {
	reqs := mb.AllRequests(field)
	if len(reqs) == 0 {
		return nil
	}
	return reqs[len(reqs)-1]
}

// AllRequests returns every request recorded for the field.
func (mb *MockGraphQL) AllRequests(field string) []*RecordedRequest {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	reqs := mb.receivedBy[field]
	copied := make([]*RecordedRequest, len(reqs))
	copy(copied, reqs)
	return copied
}

// ResetField clears recorded requests and configured responses for a field.
func (mb *MockGraphQL) ResetField(field string) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	delete(mb.fields, field)
	delete(mb.receivedBy, field)
}
