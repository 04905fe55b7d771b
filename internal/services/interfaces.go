package services

import (
	"context"
	"time"

	domain "github.com/lumamart/orders/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	SortOrder          = domain.SortOrder
	Order              = domain.Order
	OrderStatus        = domain.OrderStatus
	PayStatus          = domain.PayStatus
	GoodsType          = domain.GoodsType
	PaymentMode        = domain.PaymentMode
	StatusPair         = domain.StatusPair
	ReconcileAudit     = domain.ReconcileAudit
	SystemHealthReport = domain.SystemHealthReport
)

// OrderService is the lifecycle façade: order creation, queries, and the
// owner/operator-driven fulfillment transitions.
type OrderService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	GetOrder(ctx context.Context, query OrderQuery) (Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error)
	CancelOrder(ctx context.Context, cmd CancelOrderCommand) (bool, error)
	ShipOrder(ctx context.Context, cmd ShipOrderCommand) (Order, error)
	ConfirmReceipt(ctx context.Context, cmd ConfirmReceiptCommand) (Order, error)
	CompleteOrder(ctx context.Context, cmd CompleteOrderCommand) (Order, error)
	RequestRefund(ctx context.Context, cmd RefundOrderCommand) (ReconcileResult, error)
	PayWithCoins(ctx context.Context, cmd PayWithCoinsCommand) (ReconcileResult, error)
}

// ReconcilerService applies asynchronous settlement events to orders.
type ReconcilerService interface {
	ApplyPaymentEvent(ctx context.Context, cmd PaymentEventCommand) (ReconcileResult, error)
	ApplyRefund(ctx context.Context, cmd RefundCommand) (ReconcileResult, error)
	ListAudits(ctx context.Context, pager Pagination) (domain.CursorPage[ReconcileAudit], error)
}

// SweeperService runs the recurring timeout sweeps.
type SweeperService interface {
	Run(ctx context.Context)
	RunOnce(ctx context.Context) (SweepReport, error)
}

// SystemService aggregates utility endpoints (health checks, reconcile audits).
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
	ListReconcileAudits(ctx context.Context, pager Pagination) (domain.CursorPage[ReconcileAudit], error)
}

// WalletService is the coin-balance collaborator. RefundCoins returns the
// coins paid for an order and must credit at most once per order id, so
// redelivered refund requests racing each other cannot double-credit.
type WalletService interface {
	DebitCoins(ctx context.Context, userID string, amount int64) error
	CreditCoins(ctx context.Context, userID string, amount int64) error
	RefundCoins(ctx context.Context, userID string, amount int64, orderID string) error
}

// EntitlementService grants subscription windows and content access after settlement.
type EntitlementService interface {
	GrantSubscription(ctx context.Context, userID string, durationDays int, kind string) error
	GrantContentAccess(ctx context.Context, userID string, contentID string) error
}

// SettlementService is the cash-path payment provider. Refund and
// VerifyPayment take the provider payment reference captured at settlement
// time; VerifyPayment reports whether that reference is captured for at
// least the given amount.
type SettlementService interface {
	Charge(ctx context.Context, cmd ChargeCommand) (PaymentHandle, error)
	Refund(ctx context.Context, paymentRef string, amount int64, currency string) error
	VerifyPayment(ctx context.Context, paymentRef string, amount int64, currency string) (bool, error)
}

// GoodsCatalog is the read-only price/stock/type lookup collaborator.
type GoodsCatalog interface {
	GetGoods(ctx context.Context, goodsID string) (GoodsInfo, error)
}

// FulfillmentNotifier receives the ready-to-ship signal for physical goods.
type FulfillmentNotifier interface {
	NotifyReadyToShip(ctx context.Context, order Order) error
}

// SideEffectQueue re-queues post-payment side effects whose synchronous
// dispatch failed, for at-least-once background retry.
type SideEffectQueue interface {
	EnqueueSideEffect(ctx context.Context, msg SideEffectMessage) error
}

// GoodsInfo is the catalog snapshot consulted at order creation.
type GoodsInfo struct {
	ID               string
	Type             GoodsType
	UnitPrice        int64
	Currency         string
	CoinPrice        int64
	CoinGrant        int64
	Stock            int
	SubscriptionDays int
}

// ChargeCommand initiates a cash charge with the settlement provider.
type ChargeCommand struct {
	OrderNumber uint64
	UserID      string
	Amount      int64
	Currency    string
	Method      string
	Metadata    map[string]any
}

// PaymentHandle references an in-flight settlement on the provider side.
type PaymentHandle struct {
	Reference   string
	RedirectURL string
}

// SideEffectMessage describes a side effect queued for background retry.
type SideEffectMessage struct {
	OrderID     string
	OrderNumber uint64
	UserID      string
	GoodsID     string
	GoodsType   GoodsType
	Quantity    int
	CoinAmount  int64
	Attempt     int
	OccurredAt  time.Time
}

// CreateOrderCommand carries validated-at-the-edge inputs for order creation.
type CreateOrderCommand struct {
	UserID      string
	GoodsID     string
	Quantity    int
	PaymentMode PaymentMode
	PayMethod   string
	Metadata    map[string]any
}

// OrderQuery locates an order by surrogate id or order number on behalf of an actor.
type OrderQuery struct {
	OrderID     string
	OrderNumber uint64
	ActorID     string
	Operator    bool
}

// OrderListFilter narrows order listings.
type OrderListFilter struct {
	ActorID    string
	Operator   bool
	UserID     string
	Status     []OrderStatus
	From       *time.Time
	To         *time.Time
	Pagination Pagination
}

// CancelOrderCommand requests cancellation of an unpaid order.
type CancelOrderCommand struct {
	OrderID  string
	ActorID  string
	Operator bool
	Reason   string
}

// ShipOrderCommand marks a paid physical order as shipped. Operator only.
type ShipOrderCommand struct {
	OrderID    string
	OperatorID string
}

// ConfirmReceiptCommand confirms delivery of a shipped order.
type ConfirmReceiptCommand struct {
	OrderID  string
	ActorID  string
	Operator bool
}

// CompleteOrderCommand force-completes a shipped order (sweeper auto-completion).
type CompleteOrderCommand struct {
	OrderID string
	Reason  string
}

// RefundOrderCommand requests a refund on a settled order.
type RefundOrderCommand struct {
	OrderID  string
	ActorID  string
	Operator bool
	Reason   string
}

// PayWithCoinsCommand settles a coin-mode order against the buyer's wallet.
type PayWithCoinsCommand struct {
	OrderID string
	ActorID string
}

// PaymentEventCommand is an external payment callback, delivered at-least-once.
type PaymentEventCommand struct {
	OrderNumber    uint64
	PayStatus      PayStatus
	PayMethod      string
	PayTime        time.Time
	PaymentRef     string
	IdempotencyKey string
	Metadata       map[string]any
}

// RefundCommand reverses settlement for an order.
type RefundCommand struct {
	OrderID string
	Reason  string
	ActorID string
}

// ReconcileStatus classifies the outcome of applying a settlement event.
type ReconcileStatus string

const (
	// ReconcileApplied means the event mutated the order.
	ReconcileApplied ReconcileStatus = "applied"
	// ReconcileIgnored means the event was a duplicate; stored state already reflects it.
	ReconcileIgnored ReconcileStatus = "ignored"
	// ReconcileRejected means the event could not be applied; Reason carries the cause.
	ReconcileRejected ReconcileStatus = "rejected"
)

// ReconcileResult reports the outcome of a payment or refund application.
type ReconcileResult struct {
	Status ReconcileStatus
	Reason string
	Order  Order
}

// Applied reports whether the event mutated the order.
func (r ReconcileResult) Applied() bool { return r.Status == ReconcileApplied }

// SweepReport summarises a single sweeper pass.
type SweepReport struct {
	UnpaidScanned    int
	UnpaidCancelled  int
	UnpaidConflicts  int
	ShippedScanned   int
	ShippedCompleted int
	ShippedConflicts int
	StartedAt        time.Time
	FinishedAt       time.Time
}
