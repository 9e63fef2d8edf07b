package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pitabwire/opgraph/model"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusOK, map[string]string{"hello": "world"})

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if xct := w.Header().Get("X-Content-Type-Options"); xct != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", xct)
	}

	var body map[string]string
	_ = json.NewDecoder(w.Body).Decode(&body)
	if body["hello"] != "world" {
		t.Errorf("body = %v", body)
	}
}

func TestWriteError_envelope(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, model.NewNotFoundError("operation not found"))

	if w.Code != 404 {
		t.Errorf("status = %d, want 404", w.Code)
	}

	var resp struct {
		Error model.OperationError `json:"error"`
	}
	_ = json.NewDecoder(w.Body).Decode(&resp)
	if resp.Error.Code != model.ErrNotFound {
		t.Errorf("code = %q, want NOT_FOUND", resp.Error.Code)
	}
	if resp.Error.StatusCode != 404 {
		t.Errorf("statusCode = %d, want 404", resp.Error.StatusCode)
	}
}

func TestWriteError_plainError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, errors.New("something went wrong"))

	if w.Code != 500 {
		t.Errorf("status = %d, want 500 for plain error", w.Code)
	}
}

func TestWriteResult_nullData(t *testing.T) {
	w := httptest.NewRecorder()
	WriteResult(w, model.Success(nil))

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if got := w.Body.String(); got != "{\"data\":null}\n" {
		t.Errorf("body = %q", got)
	}
}

func TestWriteError_statusCoverage(t *testing.T) {
	cases := []struct {
		err    *model.OperationError
		status int
	}{
		{model.NewBadRequestError("x"), 400},
		{model.NewAuthenticationError("x"), 401},
		{model.NewAuthorizationError("x"), 403},
		{model.NewNotFoundError("x"), 404},
		{model.NewConflictError("x"), 409},
		{model.NewValidationError(nil), 400},
		{model.NewRateLimitedError(""), 429},
		{model.NewInternalError("x"), 500},
		{model.NewBackendUnavailableError("countries"), 503},
		{model.NewBackendTimeoutError("countries"), 504},
		{model.NewCancelledError(nil), model.StatusClientClosedRequest},
	}
	for _, tc := range cases {
		t.Run(tc.err.Code, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, tc.err)
			if w.Code != tc.status {
				t.Errorf("status for %s = %d, want %d", tc.err.Code, w.Code, tc.status)
			}
		})
	}
}
