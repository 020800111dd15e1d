package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"canvascache/pkg/logging/logging"
)

// Timeout cancels the request context after d and returns 504 if the handler
// has not finished by then. The handler's output is buffered, so nothing it
// wrote reaches the client after a timeout.
func Timeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()

			tw := &timeoutWriter{w: w, h: make(http.Header)}
			done := make(chan struct{})
			panicked := make(chan any, 1)
			go func() {
				defer func() {
					if p := recover(); p != nil {
						panicked <- p
					}
				}()
				next.ServeHTTP(tw, r.WithContext(ctx))
				close(done)
			}()

			select {
			case p := <-panicked:
				panic(p)
			case <-done:
				tw.flush()
			case <-ctx.Done():
				tw.mu.Lock()
				defer tw.mu.Unlock()
				tw.timedOut = true
				logging.L(ctx).Warn("request timeout", zap.Duration("timeout", d))
				writeJSONError(w, http.StatusGatewayTimeout, "gateway_timeout")
			}
		})
	}
}

// timeoutWriter buffers headers until the handler finishes or the deadline hits.
type timeoutWriter struct {
	w http.ResponseWriter
	h http.Header

	mu          sync.Mutex
	timedOut    bool
	wroteHeader bool
	code        int
	buf         []byte
}

func (tw *timeoutWriter) Header() http.Header { return tw.h }

func (tw *timeoutWriter) WriteHeader(code int) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut || tw.wroteHeader {
		return
	}
	tw.wroteHeader = true
	tw.code = code
}

func (tw *timeoutWriter) Write(p []byte) (int, error) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut {
		return 0, http.ErrHandlerTimeout
	}
	if !tw.wroteHeader {
		tw.wroteHeader = true
		tw.code = http.StatusOK
	}
	tw.buf = append(tw.buf, p...)
	return len(p), nil
}

func (tw *timeoutWriter) flush() {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	dst := tw.w.Header()
	for k, v := range tw.h {
		dst[k] = v
	}
	if !tw.wroteHeader {
		tw.code = http.StatusOK
	}
	tw.w.WriteHeader(tw.code)
	_, _ = tw.w.Write(tw.buf)
}
