package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lumamart/orders/internal/platform/httpx"
	"github.com/lumamart/orders/internal/services"
)

// InternalEventHandlers receives trusted service-to-service events: the coin
// ledger reports settled coin debits through the same reconciler path the PSP
// callbacks use. The /internal group is HMAC-guarded.
type InternalEventHandlers struct {
	reconciler services.ReconcilerService
}

// NewInternalEventHandlers constructs the internal event handler set.
func NewInternalEventHandlers(reconciler services.ReconcilerService) *InternalEventHandlers {
	return &InternalEventHandlers{reconciler: reconciler}
}

// Routes registers the /internal endpoints.
func (h *InternalEventHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/coin-ledger/events", h.coinLedgerEvent)
}

func (h *InternalEventHandlers) coinLedgerEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconciler == nil {
		httpx.WriteError(ctx, w, httpx.NewError("reconciler_unavailable", "reconciler unavailable", http.StatusServiceUnavailable))
		return
	}

	cmd, err := parsePaymentEventRequest(r, "coins")
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	result, err := h.reconciler.ApplyPaymentEvent(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeReconcileOutcome(w, result)
}
