package http

import (
	"net/http"
	"strings"

	apperrors "github.com/utafrali/cartsync/pkg/errors"
	"github.com/utafrali/cartsync/pkg/httputil"
	"github.com/utafrali/cartsync/pkg/logger"
	"github.com/utafrali/cartsync/pkg/middleware"
)

// maxSessionIDLen bounds the session id used in storage keys.
const maxSessionIDLen = 128

// SessionIDFromHeader reads the X-Session-ID header and stores it in the
// request context. Requests without one are rejected with 401.
func SessionIDFromHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sid := strings.TrimSpace(r.Header.Get(middleware.SessionIDHeader))
		if sid == "" {
			httputil.WriteError(w, r, apperrors.Unauthorized("X-Session-ID header is required"), nil)
			return
		}
		if len(sid) > maxSessionIDLen || strings.ContainsAny(sid, ": \t") {
			httputil.WriteError(w, r, apperrors.InvalidInput("X-Session-ID header is malformed"), nil)
			return
		}
		ctx := logger.WithSessionID(r.Context(), sid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ContentTypeJSON enforces that requests with a body have Content-Type: application/json.
func ContentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > 0 || r.Method == http.MethodPost || r.Method == http.MethodPut {
			ct := r.Header.Get("Content-Type")
			if ct != "" && !strings.HasPrefix(ct, "application/json") {
				httputil.WriteJSON(w, http.StatusUnsupportedMediaType, httputil.Response{
					Error: &httputil.ErrorResponse{
						Code:    "UNSUPPORTED_MEDIA_TYPE",
						Message: "Content-Type must be application/json",
					},
				})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
