package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/pitabwire/opgraph/internal/observability"
	"github.com/pitabwire/opgraph/internal/operation"
	"github.com/pitabwire/opgraph/internal/stream"
	"github.com/pitabwire/opgraph/model"
)

const maxBodyBytes = 1 << 20

// OperationHandler serves /operations/{name}. Queries are GET requests,
// mutations are POST requests and subscriptions accept either.
type OperationHandler struct {
	exec    *operation.Executor
	cache   *ResponseCache
	logger  *zap.Logger
	timeout time.Duration
}

// NewOperationHandler returns a handler over exec. cache may be nil.
// timeout bounds queries and mutations; streams are bounded by the client.
func NewOperationHandler(exec *operation.Executor, cache *ResponseCache, logger *zap.Logger, timeout time.Duration) *OperationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OperationHandler{exec: exec, cache: cache, logger: logger, timeout: timeout}
}

func (h *OperationHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := strings.Trim(chi.URLParam(r, "*"), "/")
	d, ok := h.exec.Registry().Get(name)
	if !ok || d.Internal() {
		WriteError(w, model.NewNotFoundError(fmt.Sprintf("operation %q not found", name)))
		return
	}
	if allow := allowedMethods(d.Kind()); !methodIn(r.Method, allow) {
		w.Header().Set("Allow", strings.Join(allow, ", "))
		WriteError(w, model.NewOperationError("METHOD_NOT_ALLOWED",
			fmt.Sprintf("%s %q does not accept %s", d.Kind(), name, r.Method), http.StatusMethodNotAllowed))
		return
	}

	input, err := readInput(r)
	if err != nil {
		WriteError(w, err)
		return
	}

	switch d.Kind() {
	case model.KindQuery:
		if r.URL.Query().Has(paramLive) && d.Live().Enable {
			h.live(w, r, d, input)
			return
		}
		h.query(w, r, d, input)
	case model.KindMutation:
		h.mutate(w, r, d, input)
	case model.KindSubscription:
		h.subscribe(w, r, d, input)
	}
}

func allowedMethods(kind model.OperationKind) []string {
	switch kind {
	case model.KindQuery:
		return []string{http.MethodGet, http.MethodHead}
	case model.KindMutation:
		return []string{http.MethodPost}
	default:
		return []string{http.MethodGet, http.MethodPost}
	}
}

func methodIn(method string, allowed []string) bool {
	for _, m := range allowed {
		if m == method {
			return true
		}
	}
	return false
}

// readInput builds the operation input. GET requests carry it either as a
// JSON object in wg_variables or as flat query parameters; parameter
// values that are valid JSON are decoded, all others stay strings. POST
// requests carry a JSON object as the body.
func readInput(r *http.Request) (map[string]any, error) {
	if r.Method == http.MethodPost {
		raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
		if err != nil {
			return nil, model.NewBadRequestError("reading request body").WithCause(err)
		}
		if len(raw) > maxBodyBytes {
			return nil, model.NewBadRequestError("request body too large")
		}
		if len(strings.TrimSpace(string(raw))) == 0 {
			return map[string]any{}, nil
		}
		return decodeObject(raw, "request body")
	}

	q := r.URL.Query()
	if q.Has(paramVariables) {
		return decodeObject([]byte(q.Get(paramVariables)), paramVariables)
	}
	input := make(map[string]any)
	for key, values := range q {
		if strings.HasPrefix(key, reservedPrefix) || len(values) == 0 {
			continue
		}
		v := values[0]
		if gjson.Valid(v) {
			input[key] = gjson.Parse(v).Value()
		} else {
			input[key] = v
		}
	}
	return input, nil
}

func decodeObject(raw []byte, source string) (map[string]any, error) {
	if !gjson.ValidBytes(raw) || !gjson.ParseBytes(raw).IsObject() {
		return nil, model.NewBadRequestError(source + " must be a JSON object")
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, model.NewBadRequestError(source + " must be a JSON object").WithCause(err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func (h *OperationHandler) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, h.timeout)
}

// deadline reports a run cut short by the server's own timeout as
// BACKEND_TIMEOUT rather than as a cancelled caller.
func deadline(ctx context.Context, r *http.Request, res model.Result) model.Result {
	if res.Error != nil && res.Error.Code == model.ErrCancelled &&
		r.Context().Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.Error = model.NewBackendTimeoutError(res.Error.Namespace).WithCause(ctx.Err())
	}
	return res
}

func (h *OperationHandler) query(w http.ResponseWriter, r *http.Request, d *operation.Definition, input map[string]any) {
	if hit, ok := h.cache.get(d, input); ok {
		h.writeQuery(w, r, d, hit.body, time.Since(hit.stored))
		return
	}

	ctx, cancel := h.withTimeout(r.Context())
	defer cancel()
	res := deadline(ctx, r, h.exec.Query(ctx, d.Name(), input))
	if res.Error != nil {
		WriteError(w, res.Error)
		return
	}
	body, err := json.Marshal(dataEnvelope{Data: res.Data})
	if err != nil {
		WriteError(w, model.NewInternalError("encoding response").WithCause(err))
		return
	}
	h.cache.set(d, input, body)
	h.writeQuery(w, r, d, body, 0)
}

func (h *OperationHandler) writeQuery(w http.ResponseWriter, r *http.Request, d *operation.Definition, body []byte, age time.Duration) {
	if d.Cache().Enable && setCacheHeaders(w, r, d, body, age) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(append(body, '\n'))
	}
}

func (h *OperationHandler) mutate(w http.ResponseWriter, r *http.Request, d *operation.Definition, input map[string]any) {
	ctx, cancel := h.withTimeout(r.Context())
	defer cancel()
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		ctx = operation.WithIdempotencyKey(ctx, key)
	}
	WriteResult(w, deadline(ctx, r, h.exec.Mutate(ctx, d.Name(), input)))
}

func (h *OperationHandler) subscribe(w http.ResponseWriter, r *http.Request, d *operation.Definition, input map[string]any) {
	ew, ok := newEventWriter(w, r)
	if !ok {
		WriteError(w, model.NewInternalError("streaming is not supported by the connection"))
		return
	}
	s, oe := h.exec.Subscribe(r.Context(), d.Name(), input, stream.Once(subscribeOnce(r)))
	if oe != nil {
		WriteError(w, oe)
		return
	}
	h.pump(r, ew, s)
}

// live re-runs a query every poll interval and sends the result whenever
// it differs from the last one sent. The first run happens before the
// response starts so errors keep their HTTP status.
func (h *OperationHandler) live(w http.ResponseWriter, r *http.Request, d *operation.Definition, input map[string]any) {
	ew, ok := newEventWriter(w, r)
	if !ok {
		WriteError(w, model.NewInternalError("streaming is not supported by the connection"))
		return
	}
	first := h.exec.Query(r.Context(), d.Name(), input)
	if first.Error != nil {
		WriteError(w, first.Error)
		return
	}

	interval := d.Live().Interval()
	log := observability.RequestLogger(r.Context(), h.logger).With(zap.String("operation", d.Name()))
	s := stream.New(r.Context(), func(ctx context.Context, emit stream.Emit) error {
		res := first
		var last uint64
		sent := false
		timer := time.NewTimer(interval)
		defer timer.Stop()
		for {
			if res.Error != nil {
				return res.Error
			}
			raw, err := json.Marshal(res.Data)
			if err != nil {
				return model.NewInternalError("encoding live result").WithCause(err)
			}
			if sum := xxhash.Sum64(raw); !sent || sum != last {
				if err := emit(res.Data); err != nil {
					return err
				}
				sent, last = true, sum
			}
			select {
			case <-ctx.Done():
				return nil
			case <-timer.C:
				timer.Reset(interval)
			}
			res = h.exec.Query(ctx, d.Name(), input)
			if res.Error != nil && errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
		}
	}, stream.WithName(d.Name()+"#live"), stream.WithLogger(log), stream.Once(subscribeOnce(r)))
	h.pump(r, ew, s)
}

// pump writes every message of s to the client and ends with the terminal
// error event or the completion event. The stream is closed when the
// client goes away.
func (h *OperationHandler) pump(r *http.Request, ew *eventWriter, s *stream.Stream) {
	defer s.Close()
	ew.start()
	for {
		m, ok := s.Next(r.Context())
		if !ok {
			break
		}
		if m.Error != nil {
			_ = ew.fail(m.Error)
			return
		}
		if err := ew.data(m.Data); err != nil {
			observability.RequestLogger(r.Context(), h.logger).Debug("client write failed", zap.Error(err))
			return
		}
	}
	if r.Context().Err() == nil {
		ew.done()
	}
}

// operationInfo describes a public operation in the listing.
type operationInfo struct {
	Name                   string `json:"name"`
	Kind                   string `json:"kind"`
	RequiresAuthentication bool   `json:"requiresAuthentication"`
	Cache                  bool   `json:"cache,omitempty"`
	Live                   bool   `json:"live,omitempty"`
	Hash                   string `json:"hash"`
}

// handleListOperations lists public operations with the registry checksum.
func handleListOperations(registry *operation.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		public := registry.Public()
		out := make([]operationInfo, 0, len(public))
		for _, d := range public {
			out = append(out, operationInfo{
				Name:                   d.Name(),
				Kind:                   d.Kind().String(),
				RequiresAuthentication: d.RequiresAuthentication(),
				Cache:                  d.Cache().Enable,
				Live:                   d.Live().Enable,
				Hash:                   d.Hash(),
			})
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"checksum":   registry.Checksum(),
			"operations": out,
		})
	}
}
