package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/lumamart/orders/internal/domain"
	"github.com/lumamart/orders/internal/platform/httpx"
	"github.com/lumamart/orders/internal/platform/pagination"
	"github.com/lumamart/orders/internal/platform/requestctx"
	"github.com/lumamart/orders/internal/services"
)

const maxOrderBodySize = 8 * 1024

type createOrderRequest struct {
	GoodsID     string         `json:"goods_id"`
	Quantity    int            `json:"quantity"`
	PaymentMode string         `json:"payment_mode"`
	PayMethod   string         `json:"pay_method"`
	Metadata    map[string]any `json:"metadata"`
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

type refundOrderRequest struct {
	Reason string `json:"reason"`
}

// OrderHandlers exposes the order lifecycle endpoints for authenticated users.
// The caller identity arrives via the gateway user header middleware.
type OrderHandlers struct {
	orders services.OrderService
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(orders services.OrderService) *OrderHandlers {
	return &OrderHandlers{orders: orders}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/", h.createOrder)
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Post("/{orderID}:cancel", h.cancelOrder)
	r.Post("/{orderID}:confirm-receipt", h.confirmReceipt)
	r.Post("/{orderID}:pay-coins", h.payWithCoins)
	r.Post("/{orderID}:refund", h.requestRefund)
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := h.requireCaller(ctx, w)
	if !ok {
		return
	}

	var req createOrderRequest
	if err := decodeJSONBody(r, maxOrderBodySize, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	order, err := h.orders.CreateOrder(ctx, services.CreateOrderCommand{
		UserID:      userID,
		GoodsID:     strings.TrimSpace(req.GoodsID),
		Quantity:    req.Quantity,
		PaymentMode: domain.PaymentMode(strings.ToLower(strings.TrimSpace(req.PaymentMode))),
		PayMethod:   strings.TrimSpace(req.PayMethod),
		Metadata:    cloneMap(req.Metadata),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := h.requireCaller(ctx, w)
	if !ok {
		return
	}

	filter, err := parseOrderListQuery(r, services.OrderListFilter{ActorID: userID})
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

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := h.requireCaller(ctx, w)
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	query := services.OrderQuery{ActorID: userID}
	// All-digit segments look up by order number, anything else by document
	// id. The ORD display form never round-trips into a lookup.
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

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := h.requireCaller(ctx, w)
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
		OrderID: orderID,
		ActorID: userID,
		Reason:  strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{"cancelled": cancelled})
}

func (h *OrderHandlers) confirmReceipt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := h.requireCaller(ctx, w)
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.ConfirmReceipt(ctx, services.ConfirmReceiptCommand{
		OrderID: orderID,
		ActorID: userID,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) payWithCoins(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := h.requireCaller(ctx, w)
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	result, err := h.orders.PayWithCoins(ctx, services.PayWithCoinsCommand{
		OrderID: orderID,
		ActorID: userID,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, reconcileStatusCode(result), buildReconcilePayload(result))
}

func (h *OrderHandlers) requestRefund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := h.requireCaller(ctx, w)
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
		OrderID: orderID,
		ActorID: userID,
		Reason:  strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, reconcileStatusCode(result), buildReconcilePayload(result))
}

func (h *OrderHandlers) requireCaller(ctx context.Context, w http.ResponseWriter) (string, bool) {
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return "", false
	}
	userID := strings.TrimSpace(requestctx.UserID(ctx))
	if userID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return "", false
	}
	return userID, true
}

func parseOrderListQuery(r *http.Request, base services.OrderListFilter) (services.OrderListFilter, error) {
	query := r.URL.Query()

	statuses, err := parseStatusValues(query["status"])
	if err != nil {
		return services.OrderListFilter{}, err
	}
	base.Status = statuses

	if raw := strings.TrimSpace(query.Get("created_after")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			return services.OrderListFilter{}, errors.New("created_after must be a valid RFC3339 timestamp")
		}
		base.From = &ts
	}
	if raw := strings.TrimSpace(query.Get("created_before")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			return services.OrderListFilter{}, errors.New("created_before must be a valid RFC3339 timestamp")
		}
		base.To = &ts
	}

	page, err := pagination.Parse(query)
	if err != nil {
		return services.OrderListFilter{}, errors.New("page_size must be a positive integer")
	}
	base.Pagination = services.Pagination{
		PageSize:  page.Size,
		PageToken: page.Token,
	}

	return base, nil
}

type orderListResponse struct {
	Items         []orderSummaryPayload `json:"items"`
	NextPageToken string                `json:"next_page_token,omitempty"`
}

type orderSummaryPayload struct {
	ID          string `json:"id"`
	OrderNumber string `json:"order_number"`
	GoodsID     string `json:"goods_id"`
	GoodsType   string `json:"goods_type"`
	Status      string `json:"status"`
	PayStatus   string `json:"pay_status"`
	PaymentMode string `json:"payment_mode"`
	Currency    string `json:"currency,omitempty"`
	FinalAmount int64  `json:"final_amount,omitempty"`
	CoinCost    int64  `json:"coin_cost,omitempty"`
	CreatedAt   string `json:"created_at"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderPayload struct {
	ID           string         `json:"id"`
	OrderNumber  string         `json:"order_number"`
	UserID       string         `json:"user_id"`
	GoodsID      string         `json:"goods_id"`
	GoodsType    string         `json:"goods_type"`
	Quantity     int            `json:"quantity"`
	PaymentMode  string         `json:"payment_mode"`
	UnitPrice    int64          `json:"unit_price,omitempty"`
	FinalAmount  int64          `json:"final_amount,omitempty"`
	Currency     string         `json:"currency,omitempty"`
	CoinCost     int64          `json:"coin_cost,omitempty"`
	Status       string         `json:"status"`
	PayStatus    string         `json:"pay_status"`
	PayMethod    string         `json:"pay_method,omitempty"`
	PayTime      string         `json:"pay_time,omitempty"`
	CancelReason *string        `json:"cancel_reason,omitempty"`
	RefundReason *string        `json:"refund_reason,omitempty"`
	RefundedAt   string         `json:"refunded_at,omitempty"`
	ShippedAt    string         `json:"shipped_at,omitempty"`
	CompletedAt  string         `json:"completed_at,omitempty"`
	CancelledAt  string         `json:"cancelled_at,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    string         `json:"created_at"`
	UpdatedAt    string         `json:"updated_at,omitempty"`
}

type reconcilePayload struct {
	Status string        `json:"status"`
	Reason string        `json:"reason,omitempty"`
	Order  *orderPayload `json:"order,omitempty"`
}

func buildOrderListResponse(page domain.CursorPage[services.Order]) orderListResponse {
	items := make([]orderSummaryPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildOrderSummary(order))
	}
	return orderListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	}
}

func buildOrderSummary(order services.Order) orderSummaryPayload {
	return orderSummaryPayload{
		ID:          strings.TrimSpace(order.ID),
		OrderNumber: order.DisplayNumber(),
		GoodsID:     strings.TrimSpace(order.GoodsID),
		GoodsType:   string(order.GoodsType),
		Status:      string(order.Status),
		PayStatus:   string(order.PayStatus),
		PaymentMode: string(order.PaymentMode),
		Currency:    strings.ToUpper(strings.TrimSpace(order.Currency)),
		FinalAmount: order.FinalAmount,
		CoinCost:    order.CoinCost,
		CreatedAt:   formatTime(order.CreateTime),
	}
}

func buildOrderPayload(order services.Order) orderPayload {
	return orderPayload{
		ID:           strings.TrimSpace(order.ID),
		OrderNumber:  order.DisplayNumber(),
		UserID:       strings.TrimSpace(order.UserID),
		GoodsID:      strings.TrimSpace(order.GoodsID),
		GoodsType:    string(order.GoodsType),
		Quantity:     order.Quantity,
		PaymentMode:  string(order.PaymentMode),
		UnitPrice:    order.UnitPrice,
		FinalAmount:  order.FinalAmount,
		Currency:     strings.ToUpper(strings.TrimSpace(order.Currency)),
		CoinCost:     order.CoinCost,
		Status:       string(order.Status),
		PayStatus:    string(order.PayStatus),
		PayMethod:    strings.TrimSpace(order.PayMethod),
		PayTime:      formatTime(pointerTime(order.PayTime)),
		CancelReason: cloneStringPointer(order.CancelReason),
		RefundReason: cloneStringPointer(order.RefundReason),
		RefundedAt:   formatTime(pointerTime(order.RefundedAt)),
		ShippedAt:    formatTime(pointerTime(order.ShippedAt)),
		CompletedAt:  formatTime(pointerTime(order.CompletedAt)),
		CancelledAt:  formatTime(pointerTime(order.CancelledAt)),
		Metadata:     cloneMap(order.Metadata),
		CreatedAt:    formatTime(order.CreateTime),
		UpdatedAt:    formatTime(order.UpdateTime),
	}
}

func buildReconcilePayload(result services.ReconcileResult) reconcilePayload {
	payload := reconcilePayload{
		Status: string(result.Status),
		Reason: strings.TrimSpace(result.Reason),
	}
	if result.Order.ID != "" {
		order := buildOrderPayload(result.Order)
		payload.Order = &order
	}
	return payload
}

func reconcileStatusCode(result services.ReconcileResult) int {
	if result.Status == services.ReconcileRejected {
		return http.StatusConflict
	}
	return http.StatusOK
}

func writeBodyError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
	case errors.Is(err, errEmptyBody):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body is required", http.StatusBadRequest))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	}
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "order does not belong to caller", http.StatusForbidden))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrGoodsUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("goods_unavailable", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrInsufficientBalance):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_balance", "coin balance too low", http.StatusPaymentRequired))
	case errors.Is(err, services.ErrSettlementDeclined):
		httpx.WriteError(ctx, w, httpx.NewError("settlement_declined", "payment provider declined the operation", http.StatusBadGateway))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}
