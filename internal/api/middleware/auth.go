package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Fantasim/hdcustody/internal/config"
	"github.com/Fantasim/hdcustody/internal/httputil"
)

// OperatorAuth requires "Authorization: Bearer <token>" on every request.
// An empty token rejects everything, so operator routes stay closed until
// CUSTODY_OPERATOR_TOKEN is set.
func OperatorAuth(token string) func(http.Handler) http.Handler {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if len(want) == 0 || !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				slog.Warn("rejected operator request",
					"path", r.URL.Path,
					"remoteAddr", r.RemoteAddr,
					"tokenConfigured", len(want) > 0,
				)
				httputil.Error(w, http.StatusUnauthorized, config.ErrorUnauthorized, "operator token required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MaxBody caps request bodies at n bytes.
func MaxBody(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, n)
			}
			next.ServeHTTP(w, r)
		})
	}
}
