// Package transport exposes registered operations over HTTP: JSON for
// queries and mutations, event streams for subscriptions and live queries.
package transport

import (
	"encoding/json"
	"net/http"

	"github.com/pitabwire/opgraph/model"
)

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// WriteError renders err as {"error": {...}} with the status carried by the
// error. Errors that are not OperationErrors become a generic 500.
func WriteError(w http.ResponseWriter, err error) {
	oe := model.AsOperationError(err)
	WriteJSON(w, oe.Status(), model.Failure(oe))
}

// dataEnvelope keeps "data" present when the result is null.
type dataEnvelope struct {
	Data any `json:"data"`
}

// WriteResult renders an operation result: 200 with {"data": ...} on
// success, the error status with {"error": ...} otherwise.
func WriteResult(w http.ResponseWriter, res model.Result) {
	if res.Error != nil {
		WriteError(w, res.Error)
		return
	}
	WriteJSON(w, http.StatusOK, dataEnvelope{Data: res.Data})
}
