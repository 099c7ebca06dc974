package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/coparently/backend/internal/handler"
	"github.com/rs/zerolog"
)

// Recovery catches panics and returns a 500 error instead of crashing the server.
func Recovery(log zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.Error().
						Interface("panic", err).
						Bytes("stack", debug.Stack()).
						Msg("recovered from panic")
					handler.JSON(w, http.StatusInternalServerError, map[string]string{
						"error": "internal server error",
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
