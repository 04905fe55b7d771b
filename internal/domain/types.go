package domain

import (
	"strconv"
	"time"
)

// Pagination describes cursor-based pagination inputs shared by list queries.
type Pagination struct {
	PageSize  int
	PageToken string
}

// SortOrder indicates ascending or descending ordering for list queries.
type SortOrder string

const (
	// SortAsc sorts results in ascending order.
	SortAsc SortOrder = "asc"
	// SortDesc sorts results in descending order.
	SortDesc SortOrder = "desc"
)

// RangeQuery bounds a filter between optional inclusive endpoints.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// GoodsType classifies what an order purchases.
type GoodsType string

const (
	// GoodsTypeCoin purchases platform coins credited to the buyer's wallet.
	GoodsTypeCoin GoodsType = "coin"
	// GoodsTypeContent unlocks a piece of paid content.
	GoodsTypeContent GoodsType = "content"
	// GoodsTypeSubscription grants a VIP subscription window.
	GoodsTypeSubscription GoodsType = "subscription"
	// GoodsTypePhysical is merchandise that must be shipped.
	GoodsTypePhysical GoodsType = "physical_goods"
)

// Virtual reports whether the goods type completes immediately on payment,
// bypassing the shipped state.
func (g GoodsType) Virtual() bool {
	switch g {
	case GoodsTypeCoin, GoodsTypeContent, GoodsTypeSubscription:
		return true
	default:
		return false
	}
}

// PaymentMode selects which pricing path an order uses.
type PaymentMode string

const (
	// PaymentModeCash settles through an external PSP in real currency.
	PaymentModeCash PaymentMode = "cash"
	// PaymentModeCoin settles against the buyer's coin wallet.
	PaymentModeCoin PaymentMode = "coin"
)

// OrderStatus is the fulfillment lifecycle state of an order.
type OrderStatus string

const (
	// OrderStatusPending awaits payment.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusPaid is settled but not yet fulfilled (physical goods only).
	OrderStatusPaid OrderStatus = "paid"
	// OrderStatusShipped is in transit awaiting receipt confirmation.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusCompleted is the successful terminal state.
	OrderStatusCompleted OrderStatus = "completed"
	// OrderStatusCancelled is the unsuccessful terminal state.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Terminal reports whether no further fulfillment transition is possible.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled
}

// PayStatus is the settlement axis, independent of fulfillment status.
// A completed order can still move to refunded here while its fulfillment
// status stays completed.
type PayStatus string

const (
	// PayStatusUnpaid means no settlement has been recorded.
	PayStatusUnpaid PayStatus = "unpaid"
	// PayStatusPaid means funds (cash or coins) have settled.
	PayStatusPaid PayStatus = "paid"
	// PayStatusRefunded is terminal for settlement.
	PayStatusRefunded PayStatus = "refunded"
)

// OrderNumberPrefix is prepended to the decimal order number for display.
// The prefix is presentation only and never parsed back by internal logic.
const OrderNumberPrefix = "ORD"

// Order is the central entity driven through the payment/fulfillment state
// machine. Status and PayStatus are mutated only through validated,
// conditionally-applied transitions.
type Order struct {
	ID          string
	OrderNumber uint64
	UserID      string
	GoodsID     string
	GoodsType   GoodsType
	Quantity    int

	PaymentMode PaymentMode
	// Cash path, in the smallest currency unit. Zero on the coin path.
	UnitPrice   int64
	FinalAmount int64
	Currency    string
	// Coin path. Zero on the cash path.
	CoinCost int64

	Status    OrderStatus
	PayStatus PayStatus

	// PayMethod and PayTime are written exactly once, when PayStatus first
	// becomes paid, and never overwritten afterwards.
	PayMethod string
	PayTime   *time.Time
	// PSP payment intent reference for cash orders, used for refunds.
	PaymentIntentRef *string

	CancelReason *string
	RefundReason *string
	RefundedAt   *time.Time
	ShippedAt    *time.Time
	CompletedAt  *time.Time
	CancelledAt  *time.Time

	Metadata map[string]any

	CreateTime time.Time
	UpdateTime time.Time
}

// DisplayNumber renders the externally visible order number.
func (o Order) DisplayNumber() string {
	return OrderNumberPrefix + strconv.FormatUint(o.OrderNumber, 10)
}

// StatusPair snapshots both lifecycle axes, used as the expected-value guard
// for conditional store updates.
type StatusPair struct {
	Status    OrderStatus
	PayStatus PayStatus
}

// ReconcileAudit records a payment callback that was rejected and needs
// manual inspection, e.g. a PAID notification racing a timeout cancellation.
type ReconcileAudit struct {
	ID          string
	OrderID     string
	OrderNumber uint64
	Reason      string
	PayMethod   string
	ReceivedAt  time.Time
	Metadata    map[string]any
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}
