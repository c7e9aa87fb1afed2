package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isdmx/testbox/logger"
)

// TraceHeader carries the distributed trace id.
const TraceHeader = "X-Trace-ID"

type traceKey struct{}

// traceID binds the caller's trace id, or a fresh one, to the request logger
// and echoes it in the response.
func traceID(base *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(TraceHeader)
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set(TraceHeader, id)
			next.ServeHTTP(w, r.WithContext(withTraceID(r.Context(), base, id)))
		})
	}
}

func withTraceID(ctx context.Context, base *zap.Logger, id string) context.Context {
	ctx = context.WithValue(ctx, traceKey{}, id)
	return logger.IntoContext(ctx, base.With(zap.String(logger.FieldTraceID, id)))
}

// TraceIDFrom returns the trace id bound to ctx, if any.
func TraceIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(traceKey{}).(string)
	return id
}

func loggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	return logger.FromContext(ctx, fallback)
}

// requestLogger logs one line per request with the request scoped logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		log := logger.FromContext(r.Context(), nil)
		if log == nil {
			return
		}
		log.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)))
	})
}
