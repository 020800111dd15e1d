package middleware

import (
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"canvascache/pkg/logging/logging"
)

// LoggingContext puts a logger carrying the request's identity on the context,
// so cache and optimizer logs for one upload can be grouped.
func LoggingContext(baseLogger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fields := make([]zap.Field, 0, 6)
			fields = append(fields,
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
			)
			for _, f := range []struct{ key, val string }{
				{"request_id", chimw.GetReqID(r.Context())},
				{"remote_ip", r.RemoteAddr}, // rewritten by chimw.RealIP
				{"user_id", r.Header.Get("X-User-ID")},
				{"user_agent", r.UserAgent()},
			} {
				if f.val != "" {
					fields = append(fields, zap.String(f.key, f.val))
				}
			}

			ctx := logging.WithLogger(r.Context(), baseLogger.With(fields...))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
