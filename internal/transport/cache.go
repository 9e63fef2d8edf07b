package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/ristretto/v2"

	"github.com/pitabwire/opgraph/internal/config"
	"github.com/pitabwire/opgraph/internal/observability"
	"github.com/pitabwire/opgraph/internal/operation"
)

// ETag returns the weak validator of a response body. The operation hash
// is mixed in so a redeploy that changes the operation invalidates it.
func ETag(operationHash string, body []byte) string {
	h := xxhash.New()
	_, _ = h.WriteString(operationHash)
	_, _ = h.Write(body)
	return fmt.Sprintf("W/\"%d\"", h.Sum64())
}

// setCacheHeaders sets Cache-Control, Age and, for GET requests, ETag. It
// reports whether the client's If-None-Match already matches, in which
// case the caller answers 304.
func setCacheHeaders(w http.ResponseWriter, r *http.Request, d *operation.Definition, body []byte, age time.Duration) bool {
	w.Header().Set("Cache-Control", d.Cache().CacheControl())
	w.Header().Set("Age", strconv.Itoa(int(age.Seconds())))
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}
	tag := ETag(d.Hash(), body)
	w.Header().Set("ETag", tag)
	return r.Header.Get("If-None-Match") == tag
}

type cachedResponse struct {
	body   []byte
	stored time.Time
}

// ResponseCache keeps rendered responses of public, cache-enabled queries
// for their max-age.
type ResponseCache struct {
	cache   *ristretto.Cache[uint64, cachedResponse]
	metrics *observability.Metrics
	now     func() time.Time
}

// NewResponseCache creates a cache bounded by cfg.MaxCost bytes.
func NewResponseCache(cfg config.ResponseCacheConfig, metrics *observability.Metrics) (*ResponseCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[uint64, cachedResponse]{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: creating response cache: %w", err)
	}
	return &ResponseCache{cache: c, metrics: metrics, now: time.Now}, nil
}

// Close stops the cache's background goroutines.
func (c *ResponseCache) Close() {
	c.cache.Close()
}

// cacheable reports whether responses of d may be shared between callers.
func cacheable(d *operation.Definition) bool {
	p := d.Cache()
	return p.Enable && p.Public && p.MaxAge > 0 && !d.RequiresAuthentication()
}

// responseKey identifies a response by operation contract and input.
func responseKey(d *operation.Definition, input map[string]any) uint64 {
	raw, _ := json.Marshal(input)
	h := xxhash.New()
	_, _ = h.WriteString(d.Name())
	_, _ = h.WriteString(d.Hash())
	_, _ = h.Write(raw)
	return h.Sum64()
}

func (c *ResponseCache) get(d *operation.Definition, input map[string]any) (cachedResponse, bool) {
	if c == nil || !cacheable(d) {
		return cachedResponse{}, false
	}
	resp, ok := c.cache.Get(responseKey(d, input))
	if c.metrics != nil {
		if ok {
			c.metrics.RecordResponseCacheHit(d.Name())
		} else {
			c.metrics.RecordResponseCacheMiss(d.Name())
		}
	}
	return resp, ok
}

func (c *ResponseCache) set(d *operation.Definition, input map[string]any, body []byte) {
	if c == nil || !cacheable(d) {
		return
	}
	c.cache.SetWithTTL(responseKey(d, input), cachedResponse{body: body, stored: c.now()}, int64(len(body)), d.Cache().TTL())
}

// wait blocks until buffered writes are applied.
func (c *ResponseCache) wait() {
	if c != nil {
		c.cache.Wait()
	}
}
