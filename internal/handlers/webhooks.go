package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/lumamart/orders/internal/domain"
	"github.com/lumamart/orders/internal/platform/httpx"
	"github.com/lumamart/orders/internal/services"
)

const maxWebhookBodySize = 64 * 1024

// paymentEventRequest is the normalised callback payload delivered by the
// PSP gateway. Delivery is at-least-once; the reconciler absorbs duplicates.
type paymentEventRequest struct {
	EventID     string         `json:"event_id"`
	OrderNumber string         `json:"order_number"`
	PayStatus   string         `json:"pay_status"`
	PayMethod   string         `json:"pay_method"`
	PaidAt      string         `json:"paid_at"`
	PaymentRef  string         `json:"payment_ref"`
	Metadata    map[string]any `json:"metadata"`
}

// WebhookHandlers receives external settlement callbacks. HMAC verification
// and idempotency keying happen in group middleware, not here.
type WebhookHandlers struct {
	reconciler services.ReconcilerService
}

// NewWebhookHandlers constructs the webhook handler set.
func NewWebhookHandlers(reconciler services.ReconcilerService) *WebhookHandlers {
	return &WebhookHandlers{reconciler: reconciler}
}

// Routes registers the /webhooks endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments/{provider}", h.paymentCallback)
}

func (h *WebhookHandlers) paymentCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconciler == nil {
		httpx.WriteError(ctx, w, httpx.NewError("reconciler_unavailable", "reconciler unavailable", http.StatusServiceUnavailable))
		return
	}

	provider := strings.TrimSpace(chi.URLParam(r, "provider"))
	if provider == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "provider is required", http.StatusBadRequest))
		return
	}

	cmd, err := parsePaymentEventRequest(r, provider)
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

func parsePaymentEventRequest(r *http.Request, payMethodFallback string) (services.PaymentEventCommand, error) {
	var req paymentEventRequest
	if err := decodeJSONBody(r, maxWebhookBodySize, &req); err != nil {
		return services.PaymentEventCommand{}, err
	}

	number, err := parseOrderNumberParam(req.OrderNumber)
	if err != nil {
		return services.PaymentEventCommand{}, err
	}

	payStatus := domain.PayStatus(strings.ToLower(strings.TrimSpace(req.PayStatus)))
	if payStatus == "" {
		payStatus = domain.PayStatusPaid
	}

	payMethod := strings.TrimSpace(req.PayMethod)
	if payMethod == "" {
		payMethod = payMethodFallback
	}

	var payTime time.Time
	if raw := strings.TrimSpace(req.PaidAt); raw != "" {
		payTime, err = parseTimeParam(raw)
		if err != nil {
			return services.PaymentEventCommand{}, errors.New("paid_at must be a valid RFC3339 timestamp")
		}
	}

	return services.PaymentEventCommand{
		OrderNumber:    number,
		PayStatus:      payStatus,
		PayMethod:      payMethod,
		PayTime:        payTime,
		PaymentRef:     strings.TrimSpace(req.PaymentRef),
		IdempotencyKey: strings.TrimSpace(req.EventID),
		Metadata:       cloneMap(req.Metadata),
	}, nil
}

// writeReconcileOutcome maps reconcile results to callback responses. Only a
// conflict returns a retryable status; other rejections are final and answer
// 200 so the sender stops redelivering.
func writeReconcileOutcome(w http.ResponseWriter, result services.ReconcileResult) {
	status := http.StatusOK
	if result.Status == services.ReconcileRejected && result.Reason == services.ReasonConflict {
		status = http.StatusConflict
	}
	writeJSONResponse(w, status, map[string]any{
		"status": string(result.Status),
		"reason": strings.TrimSpace(result.Reason),
	})
}
