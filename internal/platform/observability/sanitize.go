package observability

import (
	"net/http"
	"unicode"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Log field values are clamped and stripped of control characters so a crafted
// order id or header cannot inject log lines.

func sanitize(value string, limit int) string {
	cleaned := make([]rune, 0, len(value))
	for _, r := range value {
		if unicode.IsControl(r) {
			continue
		}
		cleaned = append(cleaned, r)
	}
	if limit > 0 && len(cleaned) > limit {
		cleaned = cleaned[:limit]
	}
	return string(cleaned)
}

func sanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return sanitize(route, 180)
}

func sanitizeMethod(method string) string {
	return sanitize(method, 10)
}

func sanitizeID(id string) string {
	return sanitize(id, 64)
}

// resourceFields picks the order and callback identifiers out of the matched
// route so reconcile and lifecycle requests can be correlated in the logs.
func resourceFields(r *http.Request) []zap.Field {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return nil
	}
	var fields []zap.Field
	if orderID := rctx.URLParam("orderID"); orderID != "" {
		fields = append(fields, zap.String("order_id", sanitizeID(orderID)))
	}
	if provider := rctx.URLParam("provider"); provider != "" {
		fields = append(fields, zap.String("callback_provider", sanitizeID(provider)))
	}
	return fields
}
