package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/utafrali/cartsync/pkg/httputil"
	"github.com/utafrali/cartsync/pkg/logger"
)

// Recovery turns a handler panic into a 500 envelope carrying the request's
// correlation id. http.ErrAbortHandler is re-raised so net/http can abort
// the connection.
func Recovery(l *slog.Logger) func(http.Handler) http.Handler {
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

				ctx := r.Context()
				requestID := logger.CorrelationIDFromContext(ctx)
				if requestID == "" {
					requestID = w.Header().Get(CorrelationIDHeader)
				}
				logger.WithContext(ctx, l).ErrorContext(ctx, "panic recovered",
					slog.Any("panic", rec),
					slog.String("stack", string(debug.Stack())),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("request_id", requestID),
				)

				httputil.WriteJSON(w, http.StatusInternalServerError, httputil.Response{
					Error: &httputil.ErrorResponse{
						Code:      "INTERNAL_ERROR",
						Message:   "an internal error occurred",
						RequestID: requestID,
					},
				})
			}()

			next.ServeHTTP(w, r)
		})
	}
}
