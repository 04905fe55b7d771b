package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/lumamart/orders/internal/platform/httpx"
	"github.com/lumamart/orders/internal/platform/pagination"
	"github.com/lumamart/orders/internal/platform/requestctx"
	"github.com/lumamart/orders/internal/services"
)

// AdminOrderHandlers exposes the operator surface: cross-user order queries,
// shipping, forced cancellation, refunds, reconcile audits, and manual sweeps.
type AdminOrderHandlers struct {
	orders  services.OrderService
	system  services.SystemService
	sweeper services.SweeperService
}

// NewAdminOrderHandlers constructs the admin handler set.
func NewAdminOrderHandlers(orders services.OrderService, system services.SystemService, sweeper services.SweeperService) *AdminOrderHandlers {
	return &AdminOrderHandlers{
		orders:  orders,
		system:  system,
		sweeper: sweeper,
	}
}

// Routes registers the /admin endpoints.
func (h *AdminOrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/orders", h.listOrders)
	r.Get("/orders/{orderID}", h.getOrder)
	r.Post("/orders/{orderID}:ship", h.shipOrder)
	r.Post("/orders/{orderID}:cancel", h.cancelOrder)
	r.Post("/orders/{orderID}:refund", h.refundOrder)
	r.Get("/reconcile-audits", h.listReconcileAudits)
	r.Post("/sweeps:run", h.runSweep)
}

func (h *AdminOrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	operatorID, ok := h.requireOperator(ctx, w)
	if !ok {
		return
	}

	filter, err := parseOrderListQuery(r, services.OrderListFilter{
		ActorID:  operatorID,
		Operator: true,
		UserID:   strings.TrimSpace(r.URL.Query().Get("user_id")),
	})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	page, err := h.orders.ListOrders(ctx, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildOrderListResponse(page))
}

func (h *AdminOrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	operatorID, ok := h.requireOperator(ctx, w)
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	query := services.OrderQuery{ActorID: operatorID, Operator: true}
	if number, err := parseOrderNumberParam(orderID); err == nil {
		query.OrderNumber = number
	} else if isDisplayOrderNumber(orderID) {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "use the bare decimal order number, not the display form", http.StatusBadRequest))
		return
	} else {
		query.OrderID = orderID
	}

	order, err := h.orders.GetOrder(ctx, query)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *AdminOrderHandlers) shipOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	operatorID, ok := h.requireOperator(ctx, w)
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.ShipOrder(ctx, services.ShipOrderCommand{
		OrderID:    orderID,
		OperatorID: operatorID,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *AdminOrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	_, ok := h.requireOperator(ctx, w)
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	var req cancelOrderRequest
	if err := decodeJSONBody(r, maxOrderBodySize, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeBodyError(ctx, w, err)
		return
	}

	cancelled, err := h.orders.CancelOrder(ctx, services.CancelOrderCommand{
		OrderID:  orderID,
		Operator: true,
		Reason:   strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{"cancelled": cancelled})
}

func (h *AdminOrderHandlers) refundOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	operatorID, ok := h.requireOperator(ctx, w)
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	var req refundOrderRequest
	if err := decodeJSONBody(r, maxOrderBodySize, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeBodyError(ctx, w, err)
		return
	}

	result, err := h.orders.RequestRefund(ctx, services.RefundOrderCommand{
		OrderID:  orderID,
		ActorID:  operatorID,
		Operator: true,
		Reason:   strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, reconcileStatusCode(result), buildReconcilePayload(result))
}

func (h *AdminOrderHandlers) listReconcileAudits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := h.requireOperator(ctx, w); !ok {
		return
	}
	if h.system == nil {
		httpx.WriteError(ctx, w, httpx.NewError("system_service_unavailable", "system service unavailable", http.StatusServiceUnavailable))
		return
	}

	page, err := pagination.FromRequest(r)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "page_size must be a positive integer", http.StatusBadRequest))
		return
	}
	pager := services.Pagination{
		PageSize:  page.Size,
		PageToken: page.Token,
	}

	auditPage, err := h.system.ListReconcileAudits(ctx, pager)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("audit_error", "failed to list reconcile audits", http.StatusInternalServerError))
		return
	}

	items := make([]reconcileAuditPayload, 0, len(auditPage.Items))
	for _, entry := range auditPage.Items {
		items = append(items, reconcileAuditPayload{
			ID:          entry.ID,
			OrderID:     entry.OrderID,
			OrderNumber: entry.OrderNumber,
			Reason:      entry.Reason,
			PayMethod:   entry.PayMethod,
			ReceivedAt:  formatTime(entry.ReceivedAt),
			Metadata:    cloneMap(entry.Metadata),
		})
	}

	writeJSONResponse(w, http.StatusOK, reconcileAuditListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(auditPage.NextPageToken),
	})
}

func (h *AdminOrderHandlers) runSweep(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := h.requireOperator(ctx, w); !ok {
		return
	}
	if h.sweeper == nil {
		httpx.WriteError(ctx, w, httpx.NewError("sweeper_unavailable", "sweeper not configured", http.StatusServiceUnavailable))
		return
	}

	report, err := h.sweeper.RunOnce(ctx)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("sweep_failed", "sweep pass failed", http.StatusInternalServerError))
		return
	}

	writeJSONResponse(w, http.StatusOK, sweepReportPayload{
		UnpaidScanned:    report.UnpaidScanned,
		UnpaidCancelled:  report.UnpaidCancelled,
		UnpaidConflicts:  report.UnpaidConflicts,
		ShippedScanned:   report.ShippedScanned,
		ShippedCompleted: report.ShippedCompleted,
		ShippedConflicts: report.ShippedConflicts,
		StartedAt:        formatTime(report.StartedAt),
		FinishedAt:       formatTime(report.FinishedAt),
	})
}

func (h *AdminOrderHandlers) requireOperator(ctx context.Context, w http.ResponseWriter) (string, bool) {
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return "", false
	}
	operatorID := strings.TrimSpace(requestctx.UserID(ctx))
	if operatorID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return "", false
	}
	return operatorID, true
}

type reconcileAuditListResponse struct {
	Items         []reconcileAuditPayload `json:"items"`
	NextPageToken string                  `json:"next_page_token,omitempty"`
}

type reconcileAuditPayload struct {
	ID          string         `json:"id"`
	OrderID     string         `json:"order_id"`
	OrderNumber uint64         `json:"order_number"`
	Reason      string         `json:"reason"`
	PayMethod   string         `json:"pay_method,omitempty"`
	ReceivedAt  string         `json:"received_at"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type sweepReportPayload struct {
	UnpaidScanned    int    `json:"unpaid_scanned"`
	UnpaidCancelled  int    `json:"unpaid_cancelled"`
	UnpaidConflicts  int    `json:"unpaid_conflicts"`
	ShippedScanned   int    `json:"shipped_scanned"`
	ShippedCompleted int    `json:"shipped_completed"`
	ShippedConflicts int    `json:"shipped_conflicts"`
	StartedAt        string `json:"started_at"`
	FinishedAt       string `json:"finished_at"`
}
