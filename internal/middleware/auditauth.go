package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/coparently/backend/internal/handler"
)

// AuditSecretHeader carries the pre-shared credential for privileged batch
// operations.
const AuditSecretHeader = "X-Audit-Secret"

// AuditAuth gates privileged endpoints behind a pre-shared secret header.
// End-user tokens are never accepted here.
func AuditAuth(secret string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				handler.JSON(w, http.StatusForbidden, map[string]string{"error": "audit endpoint disabled"})
				return
			}
			provided := r.Header.Get(AuditSecretHeader)
			if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
				handler.JSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid audit credential"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
