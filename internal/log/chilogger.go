package log

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type annotationsKey struct{}

// annotations collects fields that handlers below Logger want on the request
// line, such as the authenticated user.
type annotations struct {
	mu     sync.Mutex
	fields []zap.Field
}

// Annotate adds fields to the line Logger writes for the current request.
// Outside Logger it does nothing.
func Annotate(ctx context.Context, fields ...zap.Field) {
	a, ok := ctx.Value(annotationsKey{}).(*annotations)
	if !ok {
		return
	}
	a.mu.Lock()
	a.fields = append(a.fields, fields...)
	a.mu.Unlock()
}

// Logger is a chi middleware writing one structured line per request. The
// line carries the matched route pattern, the job id when the route has one,
// and anything added through Annotate.
func Logger(l *zap.Logger, name string) func(next http.Handler) http.Handler {
	if l == nil {
		panic("log.Logger received a nil *zap.Logger")
	}

	logger := l.WithOptions(zap.AddCallerSkip(1)).Named(name)

	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			extra := &annotations{}
			r = r.WithContext(context.WithValue(r.Context(), annotationsKey{}, extra))

			defer func() {
				status := ww.Status()
				route := r.URL.Path
				fields := []zap.Field{
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", status),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("latency", time.Since(start)),
				}
				if rctx := chi.RouteContext(r.Context()); rctx != nil {
					if p := rctx.RoutePattern(); p != "" {
						route = p
					}
					if id := rctx.URLParam("jobID"); id != "" {
						fields = append(fields, zap.String("job_id", id))
					}
				}
				extra.mu.Lock()
				fields = append(fields, extra.fields...)
				extra.mu.Unlock()

				msg := r.Method + " " + route
				switch {
				case status >= 500:
					logger.Error(msg, fields...)
				case status >= 400:
					logger.Warn(msg, fields...)
				case isProbe(r.Method, r.URL.Path):
					logger.Debug(msg, fields...)
				default:
					logger.Info(msg, fields...)
				}
			}()

			next.ServeHTTP(ww, r)
		}
		return http.HandlerFunc(fn)
	}
}

func isProbe(method, path string) bool {
	return method == http.MethodGet && (path == "/healthz" || path == "/metrics")
}
