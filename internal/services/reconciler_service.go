package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/lumamart/orders/internal/domain"
	"github.com/lumamart/orders/internal/repositories"
)

const (
	auditIDPrefix = "rca_"

	reconcileEventApplied      = "reconcile.payment.applied"
	reconcileEventIgnored      = "reconcile.payment.ignored"
	reconcileEventRejected     = "reconcile.payment.rejected"
	reconcileEventRefunded     = "reconcile.refund.applied"
	reconcileEventEffectFailed = "reconcile.side_effect.failed"

	// ReasonConflict marks a rejection caused by losing the conditional update
	// twice in a row. Transport layers may retry the whole callback.
	ReasonConflict = "conflict"
	// ReasonLatePayment marks a PAID callback racing a cancellation. Persisted
	// for manual inspection; must never silently grant entitlements.
	ReasonLatePayment = "late_payment_on_terminal_order"
	// ReasonInvalidState marks events the state machine cannot accept.
	ReasonInvalidState = "invalid_state"
	// ReasonUnverifiedPayment marks a cash callback whose payment reference
	// the provider does not report as captured for the order's amount.
	ReasonUnverifiedPayment = "unverified_payment"
)

// ErrSettlementDeclined indicates the payment provider rejected a charge or
// refund. Local state is unchanged; the caller decides how to proceed.
var ErrSettlementDeclined = errors.New("reconcile: settlement declined")

// ReconcilerDeps bundles collaborators for the payment reconciler.
type ReconcilerDeps struct {
	Orders      repositories.OrderRepository
	Audits      repositories.ReconcileAuditRepository
	Catalog     GoodsCatalog
	Wallet      WalletService
	Entitlement EntitlementService
	Fulfillment FulfillmentNotifier
	Settlement  SettlementService
	Queue       SideEffectQueue
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type reconcilerService struct {
	orders      repositories.OrderRepository
	audits      repositories.ReconcileAuditRepository
	catalog     GoodsCatalog
	wallet      WalletService
	entitlement EntitlementService
	fulfillment FulfillmentNotifier
	settlement  SettlementService
	queue       SideEffectQueue
	clock       func() time.Time
	newID       func() string
	logger      func(context.Context, string, map[string]any)
}

var _ ReconcilerService = (*reconcilerService)(nil)

// NewReconcilerService builds the reconciler that applies at-least-once
// settlement callbacks to orders.
func NewReconcilerService(deps ReconcilerDeps) (ReconcilerService, error) {
	if deps.Orders == nil {
		return nil, errors.New("reconciler: order repository is required")
	}
	if deps.Audits == nil {
		return nil, errors.New("reconciler: audit repository is required")
	}
	if deps.Catalog == nil {
		return nil, errors.New("reconciler: goods catalog is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &reconcilerService{
		orders:      deps.Orders,
		audits:      deps.Audits,
		catalog:     deps.Catalog,
		wallet:      deps.Wallet,
		entitlement: deps.Entitlement,
		fulfillment: deps.Fulfillment,
		settlement:  deps.Settlement,
		queue:       deps.Queue,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// ApplyPaymentEvent reconciles an external PAID notification. Duplicate
// deliveries are Ignored, payments racing a cancellation are Rejected and
// audited, and a conditional-update conflict is retried exactly once.
func (s *reconcilerService) ApplyPaymentEvent(ctx context.Context, cmd PaymentEventCommand) (ReconcileResult, error) {
	if cmd.OrderNumber == 0 {
		return ReconcileResult{}, fmt.Errorf("%w: order number is required", ErrOrderInvalidInput)
	}
	if cmd.PayStatus != domain.PayStatusPaid {
		return ReconcileResult{}, fmt.Errorf("%w: unsupported pay status %q", ErrOrderInvalidInput, cmd.PayStatus)
	}

	order, err := s.orders.FindByOrderNumber(ctx, cmd.OrderNumber)
	if err != nil {
		return ReconcileResult{}, mapRepositoryError(err, ErrOrderNotFound, ErrOrderConflict)
	}

	for attempt := 0; ; attempt++ {
		current := domain.StatusPair{Status: order.Status, PayStatus: order.PayStatus}
		next, terr := Transition(order.GoodsType, current, EventPay)
		if terr != nil {
			return s.classifyPaymentRejection(ctx, order, cmd, terr)
		}

		if attempt == 0 {
			rejected, verr := s.verifyCashEvent(ctx, order, cmd)
			if verr != nil {
				return ReconcileResult{}, verr
			}
			if rejected != nil {
				return *rejected, nil
			}
		}

		now := s.clock()
		payTime := cmd.PayTime
		if payTime.IsZero() {
			payTime = now
		}

		update := repositories.OrderUpdate{
			PayMethod:  valuePtr(strings.TrimSpace(cmd.PayMethod)),
			PayTime:    valuePtr(payTime.UTC()),
			UpdateTime: now,
		}
		if ref := strings.TrimSpace(cmd.PaymentRef); ref != "" {
			update.PaymentIntentRef = valuePtr(ref)
		}
		if next.Status == domain.OrderStatusCompleted {
			update.CompletedAt = &now
		}

		updated, uerr := s.orders.UpdateStatus(ctx, order.ID, current, next, update)
		if uerr == nil {
			s.logger(ctx, reconcileEventApplied, map[string]any{
				"orderId":     updated.ID,
				"orderNumber": updated.DisplayNumber(),
				"status":      string(updated.Status),
				"payMethod":   update.PayMethod,
			})
			s.dispatchSideEffect(ctx, updated)
			return ReconcileResult{Status: ReconcileApplied, Order: updated}, nil
		}

		if !isConflict(uerr) {
			return ReconcileResult{}, mapRepositoryError(uerr, ErrOrderNotFound, ErrOrderConflict)
		}
		if attempt >= 1 {
			s.logger(ctx, reconcileEventRejected, map[string]any{
				"orderId": order.ID,
				"reason":  ReasonConflict,
			})
			return ReconcileResult{Status: ReconcileRejected, Reason: ReasonConflict, Order: order}, nil
		}

		order, err = s.orders.FindByID(ctx, order.ID)
		if err != nil {
			return ReconcileResult{}, mapRepositoryError(err, ErrOrderNotFound, ErrOrderConflict)
		}
	}
}

// ApplyRefund reverses settlement. The provider-side refund happens first;
// only after it succeeds does payStatus flip to refunded, so a declined
// refund leaves the order untouched.
func (s *reconcilerService) ApplyRefund(ctx context.Context, cmd RefundCommand) (ReconcileResult, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return ReconcileResult{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return ReconcileResult{}, mapRepositoryError(err, ErrOrderNotFound, ErrOrderConflict)
	}

	current := domain.StatusPair{Status: order.Status, PayStatus: order.PayStatus}
	next, terr := Transition(order.GoodsType, current, EventRefund)
	if terr != nil {
		switch {
		case errors.Is(terr, ErrTransitionAlreadySettled):
			return ReconcileResult{Status: ReconcileIgnored, Reason: "already refunded", Order: order}, nil
		case errors.Is(terr, ErrTransitionAlreadyTerminal):
			return ReconcileResult{Status: ReconcileRejected, Reason: ReasonInvalidState, Order: order}, nil
		default:
			return ReconcileResult{Status: ReconcileRejected, Reason: ReasonInvalidState, Order: order}, nil
		}
	}

	if err := s.reverseSettlement(ctx, order); err != nil {
		return ReconcileResult{}, err
	}

	for attempt := 0; ; attempt++ {
		now := s.clock()
		update := repositories.OrderUpdate{
			RefundReason: optionalString(strings.TrimSpace(cmd.Reason)),
			RefundedAt:   &now,
			UpdateTime:   now,
		}
		if next.Status == domain.OrderStatusCancelled && order.Status != domain.OrderStatusCancelled {
			update.CancelledAt = &now
			update.CancelReason = optionalString("refund approved")
		}

		updated, uerr := s.orders.UpdateStatus(ctx, order.ID, current, next, update)
		if uerr == nil {
			s.logger(ctx, reconcileEventRefunded, map[string]any{
				"orderId":     updated.ID,
				"orderNumber": updated.DisplayNumber(),
				"reason":      strings.TrimSpace(cmd.Reason),
			})
			return ReconcileResult{Status: ReconcileApplied, Order: updated}, nil
		}

		if !isConflict(uerr) || attempt >= 1 {
			// Settlement already reversed; a stuck write here needs an operator.
			s.logger(ctx, reconcileEventRejected, map[string]any{
				"orderId": order.ID,
				"reason":  ReasonConflict,
				"stage":   "refund_write",
			})
			return ReconcileResult{}, mapRepositoryError(uerr, ErrOrderNotFound, ErrOrderConflict)
		}

		order, err = s.orders.FindByID(ctx, order.ID)
		if err != nil {
			return ReconcileResult{}, mapRepositoryError(err, ErrOrderNotFound, ErrOrderConflict)
		}
		current = domain.StatusPair{Status: order.Status, PayStatus: order.PayStatus}
		next, terr = Transition(order.GoodsType, current, EventRefund)
		if terr != nil {
			if errors.Is(terr, ErrTransitionAlreadySettled) {
				return ReconcileResult{Status: ReconcileIgnored, Reason: "already refunded", Order: order}, nil
			}
			return ReconcileResult{Status: ReconcileRejected, Reason: ReasonInvalidState, Order: order}, nil
		}
	}
}

func (s *reconcilerService) ListAudits(ctx context.Context, pager Pagination) (domain.CursorPage[ReconcileAudit], error) {
	return s.audits.List(ctx, pager)
}

func (s *reconcilerService) classifyPaymentRejection(ctx context.Context, order Order, cmd PaymentEventCommand, terr error) (ReconcileResult, error) {
	switch {
	case errors.Is(terr, ErrTransitionAlreadySettled):
		// At-least-once delivery: the duplicate is success, not an error.
		s.logger(ctx, reconcileEventIgnored, map[string]any{
			"orderId":     order.ID,
			"orderNumber": order.DisplayNumber(),
		})
		return ReconcileResult{Status: ReconcileIgnored, Reason: "already settled", Order: order}, nil

	case errors.Is(terr, ErrTransitionAlreadyTerminal):
		s.recordAudit(ctx, order, cmd, ReasonLatePayment)
		s.logger(ctx, reconcileEventRejected, map[string]any{
			"orderId":     order.ID,
			"orderNumber": order.DisplayNumber(),
			"reason":      ReasonLatePayment,
		})
		return ReconcileResult{Status: ReconcileRejected, Reason: ReasonLatePayment, Order: order}, nil

	default:
		s.logger(ctx, reconcileEventRejected, map[string]any{
			"orderId": order.ID,
			"reason":  ReasonInvalidState,
			"error":   terr.Error(),
		})
		return ReconcileResult{Status: ReconcileRejected, Reason: ReasonInvalidState, Order: order}, nil
	}
}

// verifyCashEvent cross-checks a cash callback's payment reference with the
// provider before the state write. References the provider does not report as
// captured are rejected and audited, never applied.
func (s *reconcilerService) verifyCashEvent(ctx context.Context, order Order, cmd PaymentEventCommand) (*ReconcileResult, error) {
	if order.PaymentMode != domain.PaymentModeCash || s.settlement == nil {
		return nil, nil
	}
	ref := strings.TrimSpace(cmd.PaymentRef)
	if ref == "" {
		return nil, nil
	}

	ok, err := s.settlement.VerifyPayment(ctx, ref, order.FinalAmount, order.Currency)
	if err != nil {
		// Transport failure, not a verdict. Surface it so the sender retries.
		return nil, fmt.Errorf("reconcile: verify payment %s: %w", ref, err)
	}
	if ok {
		return nil, nil
	}

	s.recordAudit(ctx, order, cmd, ReasonUnverifiedPayment)
	s.logger(ctx, reconcileEventRejected, map[string]any{
		"orderId":     order.ID,
		"orderNumber": order.DisplayNumber(),
		"paymentRef":  ref,
		"reason":      ReasonUnverifiedPayment,
	})
	return &ReconcileResult{Status: ReconcileRejected, Reason: ReasonUnverifiedPayment, Order: order}, nil
}

func (s *reconcilerService) recordAudit(ctx context.Context, order Order, cmd PaymentEventCommand, reason string) {
	entry := domain.ReconcileAudit{
		ID:          auditIDPrefix + s.newID(),
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		Reason:      reason,
		PayMethod:   strings.TrimSpace(cmd.PayMethod),
		ReceivedAt:  s.clock(),
		Metadata:    cloneMap(cmd.Metadata),
	}
	if err := s.audits.Append(ctx, entry); err != nil {
		s.logger(ctx, reconcileEventRejected, map[string]any{
			"orderId": order.ID,
			"error":   "audit append failed: " + err.Error(),
		})
	}
}

// dispatchSideEffect issues the goods-type-specific grant exactly once per
// applied payment. A failure never rolls the settled payment back; the grant
// is queued for background retry instead.
func (s *reconcilerService) dispatchSideEffect(ctx context.Context, order Order) {
	err := s.grant(ctx, order)
	if err == nil {
		return
	}

	s.logger(ctx, reconcileEventEffectFailed, map[string]any{
		"orderId":   order.ID,
		"goodsType": string(order.GoodsType),
		"error":     err.Error(),
	})

	if s.queue == nil {
		return
	}
	msg := SideEffectMessage{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		GoodsID:     order.GoodsID,
		GoodsType:   order.GoodsType,
		Quantity:    order.Quantity,
		Attempt:     1,
		OccurredAt:  s.clock(),
	}
	if qerr := s.queue.EnqueueSideEffect(ctx, msg); qerr != nil {
		s.logger(ctx, reconcileEventEffectFailed, map[string]any{
			"orderId": order.ID,
			"error":   "enqueue failed: " + qerr.Error(),
		})
	}
}

func (s *reconcilerService) grant(ctx context.Context, order Order) error {
	switch order.GoodsType {
	case domain.GoodsTypeCoin:
		if s.wallet == nil {
			return errors.New("reconciler: wallet not configured")
		}
		goods, err := s.catalog.GetGoods(ctx, order.GoodsID)
		if err != nil {
			return err
		}
		return s.wallet.CreditCoins(ctx, order.UserID, goods.CoinGrant*int64(order.Quantity))

	case domain.GoodsTypeSubscription:
		if s.entitlement == nil {
			return errors.New("reconciler: entitlement service not configured")
		}
		goods, err := s.catalog.GetGoods(ctx, order.GoodsID)
		if err != nil {
			return err
		}
		return s.entitlement.GrantSubscription(ctx, order.UserID, goods.SubscriptionDays*order.Quantity, order.GoodsID)

	case domain.GoodsTypeContent:
		if s.entitlement == nil {
			return errors.New("reconciler: entitlement service not configured")
		}
		return s.entitlement.GrantContentAccess(ctx, order.UserID, order.GoodsID)

	case domain.GoodsTypePhysical:
		if s.fulfillment == nil {
			return errors.New("reconciler: fulfillment notifier not configured")
		}
		return s.fulfillment.NotifyReadyToShip(ctx, order)

	default:
		return fmt.Errorf("reconciler: unknown goods type %q", order.GoodsType)
	}
}

func (s *reconcilerService) reverseSettlement(ctx context.Context, order Order) error {
	switch order.PaymentMode {
	case domain.PaymentModeCash:
		if s.settlement == nil {
			return errors.New("reconciler: settlement service not configured")
		}
		ref := ""
		if order.PaymentIntentRef != nil {
			ref = strings.TrimSpace(*order.PaymentIntentRef)
		}
		if ref == "" {
			return fmt.Errorf("%w: order %s has no payment reference", ErrSettlementDeclined, order.ID)
		}
		if err := s.settlement.Refund(ctx, ref, order.FinalAmount, order.Currency); err != nil {
			return fmt.Errorf("%w: %v", ErrSettlementDeclined, err)
		}
		return nil

	case domain.PaymentModeCoin:
		if s.wallet == nil {
			return errors.New("reconciler: wallet not configured")
		}
		// Keyed by order id so a redelivered refund cannot credit twice.
		if err := s.wallet.RefundCoins(ctx, order.UserID, order.CoinCost, order.ID); err != nil {
			return fmt.Errorf("%w: %v", ErrSettlementDeclined, err)
		}
		return nil

	default:
		return fmt.Errorf("reconciler: unknown payment mode %q", order.PaymentMode)
	}
}
