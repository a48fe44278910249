package transport

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/tabula/internal/config"
	"github.com/pitabwire/tabula/internal/observability"
	"github.com/pitabwire/tabula/model"
)

type correlationIDKey struct{}

// CorrelationIDFrom extracts the correlation ID from the request context.
func CorrelationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey{}).(string)
	return id
}

// Recovery turns a panic in a downstream handler into a 500 envelope.
// http.ErrAbortHandler is re-raised so the server can abort the response.
func Recovery(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				observability.LoggerFrom(r.Context(), logger).Error("panic recovered",
					zap.Any("panic", rec),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.String("correlation_id", CorrelationIDFrom(r.Context())),
					zap.Stack("stack"),
				)
				WriteError(w, model.NewInternalError())
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// CORS answers preflight requests and decorates responses for the
// configured origins. Unknown origins get no CORS headers at all.
func CORS(cfg config.CORSConfig) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		allowed[o] = struct{}{}
	}
	preflight := map[string]string{
		"Access-Control-Allow-Methods":     strings.Join(cfg.AllowedMethods, ", "),
		"Access-Control-Allow-Headers":     strings.Join(cfg.AllowedHeaders, ", "),
		"Access-Control-Allow-Credentials": "true",
		"Access-Control-Max-Age":           strconv.Itoa(cfg.MaxAge),
		"Access-Control-Expose-Headers":    correlationHeader,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := w.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					for k, v := range preflight {
						h.Set(k, v)
					}
					h.Add("Vary", "Origin")
				}
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

const (
	correlationHeader = "X-Correlation-Id"
	maxCorrelationLen = 128
)

// RequestID propagates the caller's X-Correlation-Id, minting a UUID when
// it is missing or implausibly long, and echoes it on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(correlationHeader)
		if id == "" || len(id) > maxCorrelationLen {
			id = uuid.NewString()
		}
		w.Header().Set(correlationHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationIDKey{}, id)))
	})
}

var securityHeaders = [][2]string{
	{"Strict-Transport-Security", "max-age=31536000; includeSubDomains"},
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"X-XSS-Protection", "0"},
	{"Cache-Control", "no-store"},
	{"Referrer-Policy", "strict-origin-when-cross-origin"},
}

// SecurityHeaders sets the hardening headers on every response.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		for _, kv := range securityHeaders {
			h.Set(kv[0], kv[1])
		}
		next.ServeHTTP(w, r)
	})
}

// ContextLogger stores logger, tagged with the correlation id, in the
// request context for observability.RequestLogger.
func ContextLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if logger == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			l := logger.With(zap.String("correlation_id", CorrelationIDFrom(r.Context())))
			next.ServeHTTP(w, r.WithContext(observability.WithLogger(r.Context(), l)))
		})
	}
}

// ResolveCapabilities returns middleware that resolves the capabilities of
// the authenticated principal and attaches them to the context. A failed
// resolution leaves the principal with no capabilities.
func ResolveCapabilities(resolver model.CapabilityResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if resolver == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rctx := model.RequestContextFrom(r.Context())
			if rctx == nil {
				next.ServeHTTP(w, r)
				return
			}
			caps, err := resolver.Resolve(rctx)
			if err != nil {
				observability.RequestLogger(r.Context(), nil).Warn("capability resolution failed", zap.Error(err))
				caps = model.CapabilitySet{}
			}
			next.ServeHTTP(w, r.WithContext(model.WithCapabilities(r.Context(), caps)))
		})
	}
}

// SameOrigin rejects state-changing requests whose Origin is neither the
// request's own host nor one of allowed. Requests without an Origin header
// fall back to the Referer; requests with neither pass.
func SameOrigin(allowed []string) func(http.Handler) http.Handler {
	origins := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		origins[strings.TrimRight(o, "/")] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				if ref, err := url.Parse(r.Header.Get("Referer")); err == nil && ref.Host != "" {
					origin = ref.Scheme + "://" + ref.Host
				}
			}
			if origin != "" && !origins[origin] && !sameHost(origin, r.Host) {
				observability.LoggerFrom(r.Context(), nil).Warn("cross-origin request rejected",
					zap.String("origin", origin),
					zap.String("path", r.URL.Path),
				)
				WriteError(w, model.NewForbiddenError("Cross-origin requests are not permitted."))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func sameHost(origin, host string) bool {
	u, err := url.Parse(origin)
	return err == nil && u.Host != "" && strings.EqualFold(u.Host, host)
}

// MaxBody limits request bodies to n bytes.
func MaxBody(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if n <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, n)
			next.ServeHTTP(w, r)
		})
	}
}

// HandlerTimeout returns middleware that sets a context deadline on requests.
func HandlerTimeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if d <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestLogging writes one summary line per request through the context
// logger: error for 5xx, warn for 4xx, info otherwise.
func RequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		level := zapcore.InfoLevel
		switch {
		case status >= 500:
			level = zapcore.ErrorLevel
		case status >= 400:
			level = zapcore.WarnLevel
		}
		observability.LoggerFrom(r.Context(), nil).Log(level, "request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}
