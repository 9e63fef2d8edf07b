package transport

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/pitabwire/opgraph/model"
)

// Query parameters understood by the operations endpoint.
const (
	paramVariables     = "wg_variables"
	paramLive          = "wg_live"
	paramSSE           = "wg_sse"
	paramSubscribeOnce = "wg_subscribe_once"
	reservedPrefix     = "wg_"

	headerSubscribeOnce = "X-WG-Subscribe-Once"
)

// useSSE reports whether the client asked for server-sent events.
func useSSE(r *http.Request) bool {
	return r.URL.Query().Has(paramSSE) || strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// subscribeOnce reports whether the stream should end after one message.
func subscribeOnce(r *http.Request) bool {
	if v := r.URL.Query().Get(paramSubscribeOnce); r.URL.Query().Has(paramSubscribeOnce) && v != "false" {
		return true
	}
	return strings.EqualFold(r.Header.Get(headerSubscribeOnce), "true")
}

// eventWriter frames stream messages. With SSE every message is a
// "data:" event, a terminal error is an "error" event and completion is a
// "done" event. Without SSE each message is a JSON object followed by a
// blank line.
type eventWriter struct {
	w   http.ResponseWriter
	f   http.Flusher
	sse bool
}

func newEventWriter(w http.ResponseWriter, r *http.Request) (*eventWriter, bool) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	return &eventWriter{w: w, f: f, sse: useSSE(r)}, true
}

func (e *eventWriter) start() {
	h := e.w.Header()
	if e.sse {
		h.Set("Content-Type", "text/event-stream")
	} else {
		h.Set("Content-Type", "application/json; charset=utf-8")
	}
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	e.w.WriteHeader(http.StatusOK)
	e.f.Flush()
}

func (e *eventWriter) data(v any) error {
	return e.write("", dataEnvelope{Data: v})
}

func (e *eventWriter) fail(oe *model.OperationError) error {
	return e.write("error", model.Failure(oe))
}

func (e *eventWriter) done() {
	if e.sse {
		_, _ = e.w.Write([]byte("event: done\n\n"))
		e.f.Flush()
	}
}

func (e *eventWriter) write(event string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var b strings.Builder
	if e.sse {
		if event != "" {
			b.WriteString("event: " + event + "\n")
		}
		b.WriteString("data: ")
	}
	b.Write(raw)
	b.WriteString("\n\n")
	if _, err := e.w.Write([]byte(b.String())); err != nil {
		return err
	}
	e.f.Flush()
	return nil
}
