package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/venturelab/simcore/internal/api/response"
)

// Recovery converts handler panics into a 500 envelope so one bad admin
// request cannot take the worker process down with it.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				slog.Error("panic in admin handler",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path,
					"stack", string(debug.Stack()),
				)
				response.Error(w, http.StatusInternalServerError,
					"INTERNAL_ERROR", "An unexpected error occurred", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
