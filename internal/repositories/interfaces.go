package repositories

import (
	"context"
	"time"

	domain "github.com/lumamart/orders/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// OrderUpdate carries the fields a conditional transition writes alongside the
// new status pair. Nil pointers leave the stored value untouched; PayMethod
// and PayTime are only ever written by the transition that first settles the
// order, preserving their write-once invariant.
type OrderUpdate struct {
	PayMethod        *string
	PayTime          *time.Time
	PaymentIntentRef *string
	CancelReason     *string
	RefundReason     *string
	RefundedAt       *time.Time
	ShippedAt        *time.Time
	CompletedAt      *time.Time
	CancelledAt      *time.Time
	UpdateTime       time.Time
}

// OrderRepository persists orders and provides the conditional-update
// primitive the reconciler and sweeper serialise on.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindByOrderNumber(ctx context.Context, orderNumber uint64) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)

	// UpdateStatus applies the transition only if the stored status pair still
	// equals expected; a mismatch surfaces as a RepositoryError with
	// IsConflict so racing transitions lose gracefully instead of clobbering
	// each other.
	UpdateStatus(ctx context.Context, orderID string, expected domain.StatusPair, next domain.StatusPair, update OrderUpdate) (domain.Order, error)

	// BatchUpdateStatus applies the same conditional transition to every id
	// in the list, one transaction per order. Conflicting or missing
	// documents are reported in the result instead of aborting the batch.
	BatchUpdateStatus(ctx context.Context, orderIDs []string, expected domain.StatusPair, next domain.StatusPair, update OrderUpdate) (BatchUpdateResult, error)

	// ListSweepCandidates returns ids of orders in the given status whose
	// reference timestamp is older than the cutoff, bounded by limit.
	ListSweepCandidates(ctx context.Context, query SweepQuery) ([]string, error)
}

// BatchUpdateResult reports per-order outcomes of a batch status update.
type BatchUpdateResult struct {
	Updated   []string
	Conflicts []string
	Missing   []string
}

// SweepQuery selects stale orders for the timeout sweeper.
type SweepQuery struct {
	Status domain.OrderStatus
	// ByUpdateTime scans on updateTime instead of createTime (shipped
	// auto-completion vs unpaid timeout).
	ByUpdateTime bool
	Cutoff       time.Time
	Limit        int
}

// OrderListFilter narrows order listings for users and admins.
type OrderListFilter struct {
	UserID     string
	Status     []domain.OrderStatus
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

// ReconcileAuditRepository stores rejected payment callbacks for manual inspection.
type ReconcileAuditRepository interface {
	Append(ctx context.Context, entry domain.ReconcileAudit) error
	List(ctx context.Context, pager domain.Pagination) (domain.CursorPage[domain.ReconcileAudit], error)
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
