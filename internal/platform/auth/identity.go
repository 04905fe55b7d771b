package auth

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/lumamart/orders/internal/platform/requestctx"
)

// defaultUserHeader carries the caller id injected by the edge gateway after
// it has authenticated the request. The service trusts this header only on
// routes behind the gateway; webhook and internal routes never read it.
const defaultUserHeader = "X-User-Id"

// Logger captures the minimal logging contract used by the auth package.
type Logger interface {
	Printf(format string, args ...any)
}

// RequireUser extracts the gateway-authenticated caller id and stores it on
// the request context. Requests without the header are rejected; the gateway
// strips the header from external traffic before injecting its own value.
func RequireUser(header string) func(http.Handler) http.Handler {
	name := strings.TrimSpace(header)
	if name == "" {
		name = defaultUserHeader
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := strings.TrimSpace(r.Header.Get(name))
			if userID == "" {
				respondAuthError(w, http.StatusUnauthorized, "unauthenticated", "caller identity missing")
				return
			}

			ctx := requestctx.WithUserID(r.Context(), userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func respondAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":   code,
		"message": message,
		"status":  status,
	})
}
