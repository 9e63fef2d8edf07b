package datasource

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pitabwire/opgraph/internal/observability"
	"github.com/pitabwire/opgraph/model"
)

// maxResponseBytes caps how much of a backend answer is read.
const maxResponseBytes = 10 << 20

func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxConnsPerHost:     50,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

// headerPolicy decides which headers a source sends upstream.
type headerPolicy struct {
	static  map[string]string
	forward []string
}

// build assembles outbound headers. Later layers win: defaults, configured
// static headers, forwarded client headers, then per-request headers set
// with the query builder.
func (p headerPolicy) build(ctx context.Context, request http.Header, hasBody bool) http.Header {
	h := make(http.Header)
	h.Set("Accept", "application/json")
	if hasBody {
		h.Set("Content-Type", "application/json")
	}
	for k, v := range p.static {
		h.Set(sanitizeHeader(k), sanitizeHeader(v))
	}
	if rctx := model.RequestContextFrom(ctx); rctx != nil {
		if rctx.CorrelationID != "" {
			h.Set("X-Correlation-Id", sanitizeHeader(rctx.CorrelationID))
		}
		for _, name := range p.forward {
			if v := rctx.Header(name); v != "" {
				h.Set(name, sanitizeHeader(v))
			}
		}
	}
	for k, vs := range request {
		for i, v := range vs {
			if i == 0 {
				h.Set(sanitizeHeader(k), sanitizeHeader(v))
				continue
			}
			h.Add(sanitizeHeader(k), sanitizeHeader(v))
		}
	}
	observability.InjectTraceHeaders(ctx, h)
	return h
}

// sanitizeHeader strips newlines and carriage returns to prevent header injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}

type httpResponse struct {
	status int
	header http.Header
	body   []byte
}

// doHTTP performs one request and reads at most maxResponseBytes of the body.
func doHTTP(ctx context.Context, client *http.Client, method, url string, header http.Header, body []byte) (*httpResponse, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, fmt.Errorf("datasource: build request: %w", err)
	}
	req.Header = header

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("datasource: read response: %w", err)
	}
	return &httpResponse{status: resp.StatusCode, header: resp.Header, body: data}, nil
}

// upstreamMessage extracts a readable message from an error body.
func upstreamMessage(status int, body []byte) string {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return fmt.Sprintf("upstream returned %d: %s", status, msg)
}
