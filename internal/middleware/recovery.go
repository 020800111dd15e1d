package middleware

import (
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"canvascache/pkg/logging/logging"
)

// Recoverer turns a handler panic into a logged 500. http.ErrAbortHandler is
// passed through so the server can drop the connection as intended.
func Recoverer() func(http.Handler) http.Handler {
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

				logging.L(r.Context()).Error("panic recovered",
					zap.Any("panic", rec),
					zap.ByteString("stack", debug.Stack()),
				)
				writeJSONError(w, http.StatusInternalServerError, "internal_server_error")
			}()

			next.ServeHTTP(w, r)
		})
	}
}
