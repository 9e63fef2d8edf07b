package model

import (
	"encoding/json"
	"fmt"
)

// Result is the outcome of invoking an operation. Exactly one of Data and
// Error is meaningful; a nil Error means success even when Data is nil.
type Result struct {
	Data  any             `json:"data,omitempty"`
	Error *OperationError `json:"error,omitempty"`
}

// OK reports whether the result carries no error.
func (r Result) OK() bool {
	return r.Error == nil
}

// Success wraps data in a successful Result.
func Success(data any) Result {
	return Result{Data: data}
}

// Failure wraps err in a failed Result.
func Failure(err error) Result {
	return Result{Error: AsOperationError(err)}
}

// Decode re-encodes Data into out. It returns the result error if there is one.
func (r Result) Decode(out any) error {
	if r.Error != nil {
		return r.Error
	}
	raw, err := json.Marshal(r.Data)
	if err != nil {
		return fmt.Errorf("model: encoding result data: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("model: decoding result data: %w", err)
	}
	return nil
}

// OperationKind is the kind of an operation or data-source root field.
type OperationKind string

const (
	KindQuery        OperationKind = "query"
	KindMutation     OperationKind = "mutation"
	KindSubscription OperationKind = "subscription"
)

// ParseOperationKind parses a kind name.
func ParseOperationKind(s string) (OperationKind, error) {
	switch k := OperationKind(s); k {
	case KindQuery, KindMutation, KindSubscription:
		return k, nil
	}
	return "", fmt.Errorf("model: unknown operation kind %q", s)
}

// String implements fmt.Stringer.
func (k OperationKind) String() string {
	return string(k)
}
