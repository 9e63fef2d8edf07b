package transport

import (
	"context"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/opgraph/internal/config"
	"github.com/pitabwire/opgraph/internal/observability"
	"github.com/pitabwire/opgraph/model"
)

// Context keys for middleware-injected values.
type correlationIDKey struct{}
type claimsKey struct{}

// CorrelationIDFrom extracts the correlation ID from the request context.
func CorrelationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey{}).(string)
	return id
}

// WithClaims stores verified JWT claims in the context.
func WithClaims(ctx context.Context, claims map[string]any) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// ClaimsFrom extracts JWT claims from the context.
func ClaimsFrom(ctx context.Context) map[string]any {
	claims, _ := ctx.Value(claimsKey{}).(map[string]any)
	return claims
}

// RoleMapper expands token roles into application roles.
type RoleMapper interface {
	Expand(roles []string) []string
}

// Recovery turns a handler panic into a logged INTERNAL_ERROR. If the
// handler already started the response only the log entry is written.
func Recovery(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Error("panic recovered",
					zap.Any("error", rec),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.String("correlation_id", CorrelationIDFrom(r.Context())),
					zap.Stack("stack"),
				)
				if ww.Status() == 0 {
					WriteError(ww, model.NewInternalError(""))
				}
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// CORS answers preflight requests and decorates responses for allowed
// origins. An "*" entry allows every origin; the origin is echoed back
// rather than sent as a literal wildcard.
func CORS(cfg config.CORSConfig) func(http.Handler) http.Handler {
	allowAll := slices.Contains(cfg.AllowedOrigins, "*")
	allowed := func(origin string) bool {
		return origin != "" && (allowAll || slices.Contains(cfg.AllowedOrigins, origin))
	}
	grant := http.Header{
		"Access-Control-Allow-Methods":  {strings.Join(cfg.AllowedMethods, ", ")},
		"Access-Control-Allow-Headers":  {strings.Join(cfg.AllowedHeaders, ", ")},
		"Access-Control-Max-Age":        {strconv.Itoa(cfg.MaxAge)},
		"Access-Control-Expose-Headers": {"X-Correlation-Id, ETag, Age"},
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			if origin := r.Header.Get("Origin"); allowed(origin) {
				h.Set("Access-Control-Allow-Origin", origin)
				for k, v := range grant {
					h[k] = v
				}
				h.Add("Vary", "Origin")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

const maxCorrelationIDLen = 128

// RequestID assigns each request a correlation ID. A caller-supplied
// X-Correlation-Id (or X-Request-Id) is kept when it is short printable
// ASCII; anything else is replaced by a fresh UUID.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Correlation-Id")
		if id == "" {
			id = r.Header.Get(middleware.RequestIDHeader)
		}
		if !validCorrelationID(id) {
			id = uuid.NewString()
		}
		w.Header().Set("X-Correlation-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationIDKey{}, id)))
	})
}

func validCorrelationID(id string) bool {
	if id == "" || len(id) > maxCorrelationIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}

// securityHeaders are set on every response. Cacheable operations replace
// Cache-Control.
var securityHeaders = [][2]string{
	{"Strict-Transport-Security", "max-age=31536000; includeSubDomains"},
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"X-XSS-Protection", "0"},
	{"Referrer-Policy", "strict-origin-when-cross-origin"},
	{"Cache-Control", "no-store"},
}

// SecurityHeaders applies the fixed response hardening headers.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, kv := range securityHeaders {
			w.Header().Set(kv[0], kv[1])
		}
		next.ServeHTTP(w, r)
	})
}

// BuildRequestContext constructs a model.RequestContext from the verified
// claims (if any) and the request headers. claimPaths maps subject_id,
// tenant_id, email and roles to claim names; dotted names reach into nested
// claims. Anonymous requests get a context without a subject.
func BuildRequestContext(claimPaths map[string]string, mapper RoleMapper) func(http.Handler) http.Handler {
	path := func(key, fallback string) string {
		if p := claimPaths[key]; p != "" {
			return p
		}
		return fallback
	}
	subjectPath := path("subject_id", "sub")
	tenantPath := path("tenant_id", "tenant_id")
	emailPath := path("email", "email")
	rolesPath := path("roles", "roles")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFrom(r.Context())
			rctx := &model.RequestContext{
				CorrelationID: CorrelationIDFrom(r.Context()),
				TraceID:       observability.TraceIDFromContext(r.Context()),
				Headers:       r.Header.Clone(),
			}
			if claims != nil {
				rctx.SubjectID = claimString(claims, subjectPath)
				rctx.TenantID = claimString(claims, tenantPath)
				rctx.Email = claimString(claims, emailPath)
				rctx.Roles = claimStringSlice(claims, rolesPath)
				rctx.Claims = claims
				if mapper != nil {
					rctx.Roles = mapper.Expand(rctx.Roles)
				}
			}
			ctx := model.WithRequestContext(r.Context(), rctx)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestLogging attaches logger to the request context and writes one
// "request" entry per request: info below 400, warn for 4xx, error for 5xx.
func RequestLogging(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := observability.WithLogger(r.Context(), logger)
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			level := zap.InfoLevel
			switch {
			case status >= http.StatusInternalServerError:
				level = zap.ErrorLevel
			case status >= http.StatusBadRequest:
				level = zap.WarnLevel
			}
			observability.RequestLogger(ctx, logger).Log(level, "request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

// claimValue resolves a dotted claim path.
func claimValue(claims map[string]any, path string) any {
	var cur any = claims
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

func claimString(claims map[string]any, path string) string {
	v, _ := claimValue(claims, path).(string)
	return v
}

func claimStringSlice(claims map[string]any, path string) []string {
	switch raw := claimValue(claims, path).(type) {
	case []any:
		result := make([]string, 0, len(raw))
		for _, v := range raw {
			if s, ok := v.(string); ok {
				result = append(result, s)
			}
		}
		return result
	case []string:
		return raw
	case string:
		if raw == "" {
			return nil
		}
		return strings.Fields(raw)
	}
	return nil
}
