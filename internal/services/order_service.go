package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/lumamart/orders/internal/domain"
	"github.com/lumamart/orders/internal/repositories"
)

const (
	orderIDPrefix = "ord_"

	orderEventCreated     = "order.created"
	orderEventCancelled   = "order.cancelled"
	orderEventShipped     = "order.shipped"
	orderEventCompleted   = "order.completed"
	orderEventCoinPayment = "order.coin.payment"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderForbidden indicates the actor does not own the order and is not an operator.
	ErrOrderForbidden = errors.New("order: forbidden")
	// ErrOrderInvalidState indicates the requested transition is not legal from the current state.
	ErrOrderInvalidState = errors.New("order: invalid status transition")
	// ErrOrderConflict indicates an optimistic-concurrency collision that survived the single retry.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrGoodsUnavailable indicates the goods cannot be ordered (unknown id or no stock).
	ErrGoodsUnavailable = errors.New("order: goods unavailable")
	// ErrInsufficientBalance indicates the wallet declined a coin debit.
	ErrInsufficientBalance = errors.New("order: insufficient coin balance")
)

// OrderNumberGenerator produces the external order number. Partitioned
// instances never collide; a clock regression is fatal for the instance.
type OrderNumberGenerator interface {
	Next() (uint64, error)
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	Numbers     OrderNumberGenerator
	Catalog     GoodsCatalog
	Wallet      WalletService
	Settlement  SettlementService
	Reconciler  ReconcilerService
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders     repositories.OrderRepository
	numbers    OrderNumberGenerator
	catalog    GoodsCatalog
	wallet     WalletService
	settlement SettlementService
	reconciler ReconcilerService
	clock      func() time.Time
	newID      func() string
	logger     func(context.Context, string, map[string]any)
}

var _ OrderService = (*orderService)(nil)

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Numbers == nil {
		return nil, errors.New("order service: order number generator is required")
	}
	if deps.Catalog == nil {
		return nil, errors.New("order service: goods catalog is required")
	}
	if deps.Reconciler == nil {
		return nil, errors.New("order service: reconciler is required")
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

	return &orderService{
		orders:     deps.Orders,
		numbers:    deps.Numbers,
		catalog:    deps.Catalog,
		wallet:     deps.Wallet,
		settlement: deps.Settlement,
		reconciler: deps.Reconciler,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *orderService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return Order{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	goodsID := strings.TrimSpace(cmd.GoodsID)
	if goodsID == "" {
		return Order{}, fmt.Errorf("%w: goods id is required", ErrOrderInvalidInput)
	}
	if cmd.Quantity <= 0 {
		return Order{}, fmt.Errorf("%w: quantity must be positive", ErrOrderInvalidInput)
	}
	if cmd.PaymentMode != domain.PaymentModeCash && cmd.PaymentMode != domain.PaymentModeCoin {
		return Order{}, fmt.Errorf("%w: unknown payment mode %q", ErrOrderInvalidInput, cmd.PaymentMode)
	}

	goods, err := s.catalog.GetGoods(ctx, goodsID)
	if err != nil {
		return Order{}, fmt.Errorf("%w: %v", ErrGoodsUnavailable, err)
	}
	if !goods.Type.Virtual() && goods.Stock < cmd.Quantity {
		return Order{}, fmt.Errorf("%w: insufficient stock for %s", ErrGoodsUnavailable, goodsID)
	}

	if cmd.PaymentMode == domain.PaymentModeCoin && goods.CoinPrice <= 0 {
		return Order{}, fmt.Errorf("%w: goods %s is not purchasable with coins", ErrOrderInvalidInput, goodsID)
	}
	if cmd.PaymentMode == domain.PaymentModeCash && goods.UnitPrice <= 0 {
		return Order{}, fmt.Errorf("%w: goods %s has no cash price", ErrOrderInvalidInput, goodsID)
	}
	// Coin purchases of coins would be circular.
	if cmd.PaymentMode == domain.PaymentModeCoin && goods.Type == domain.GoodsTypeCoin {
		return Order{}, fmt.Errorf("%w: coin packs cannot be bought with coins", ErrOrderInvalidInput)
	}

	number, err := s.numbers.Next()
	if err != nil {
		return Order{}, err
	}

	now := s.clock()
	order := Order{
		ID:          orderIDPrefix + s.newID(),
		OrderNumber: number,
		UserID:      userID,
		GoodsID:     goodsID,
		GoodsType:   goods.Type,
		Quantity:    cmd.Quantity,
		PaymentMode: cmd.PaymentMode,
		Status:      domain.OrderStatusPending,
		PayStatus:   domain.PayStatusUnpaid,
		Metadata:    cloneMap(cmd.Metadata),
		CreateTime:  now,
		UpdateTime:  now,
	}

	switch cmd.PaymentMode {
	case domain.PaymentModeCash:
		order.UnitPrice = goods.UnitPrice
		order.FinalAmount = goods.UnitPrice * int64(cmd.Quantity)
		order.Currency = goods.Currency
	case domain.PaymentModeCoin:
		order.CoinCost = goods.CoinPrice * int64(cmd.Quantity)
	}

	if cmd.PaymentMode == domain.PaymentModeCash && s.settlement != nil {
		handle, err := s.settlement.Charge(ctx, ChargeCommand{
			OrderNumber: order.OrderNumber,
			UserID:      userID,
			Amount:      order.FinalAmount,
			Currency:    order.Currency,
			Method:      strings.TrimSpace(cmd.PayMethod),
			Metadata:    map[string]any{"orderId": order.ID},
		})
		if err != nil {
			return Order{}, err
		}
		if ref := strings.TrimSpace(handle.Reference); ref != "" {
			order.PaymentIntentRef = valuePtr(ref)
		}
		if handle.RedirectURL != "" {
			order.Metadata = ensureMap(order.Metadata)
			order.Metadata["paymentRedirectUrl"] = handle.RedirectURL
		}
	}

	if err := s.orders.Insert(ctx, order); err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	s.logger(ctx, orderEventCreated, map[string]any{
		"orderId":     order.ID,
		"orderNumber": order.DisplayNumber(),
		"goodsType":   string(order.GoodsType),
		"paymentMode": string(order.PaymentMode),
	})

	return order, nil
}

func (s *orderService) GetOrder(ctx context.Context, query OrderQuery) (Order, error) {
	var (
		order Order
		err   error
	)

	switch {
	case strings.TrimSpace(query.OrderID) != "":
		order, err = s.orders.FindByID(ctx, strings.TrimSpace(query.OrderID))
	case query.OrderNumber != 0:
		order, err = s.orders.FindByOrderNumber(ctx, query.OrderNumber)
	default:
		return Order{}, fmt.Errorf("%w: order id or order number is required", ErrOrderInvalidInput)
	}
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	if err := authorize(order, query.ActorID, query.Operator); err != nil {
		return Order{}, err
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	userID := strings.TrimSpace(filter.UserID)
	if !filter.Operator {
		// Non-operators only see their own orders regardless of the filter.
		userID = strings.TrimSpace(filter.ActorID)
		if userID == "" {
			return domain.CursorPage[Order]{}, fmt.Errorf("%w: actor id is required", ErrOrderInvalidInput)
		}
	}

	repoFilter := repositories.OrderListFilter{
		UserID:     userID,
		Status:     filter.Status,
		Pagination: filter.Pagination,
	}
	repoFilter.DateRange.From = filter.From
	repoFilter.DateRange.To = filter.To

	page, err := s.orders.List(ctx, repoFilter)
	if err != nil {
		return domain.CursorPage[Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

// CancelOrder drives a pending order to cancelled. Cancelling an order that is
// already terminal returns false without error so caller retries stay idempotent.
func (s *orderService) CancelOrder(ctx context.Context, cmd CancelOrderCommand) (bool, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return false, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return false, s.mapRepositoryError(err)
	}
	if err := authorize(order, cmd.ActorID, cmd.Operator); err != nil {
		return false, err
	}

	for attempt := 0; ; attempt++ {
		if order.Status.Terminal() {
			return false, nil
		}

		current := domain.StatusPair{Status: order.Status, PayStatus: order.PayStatus}
		next, err := Transition(order.GoodsType, current, EventCancel)
		if err != nil {
			if errors.Is(err, ErrTransitionAlreadyTerminal) {
				return false, nil
			}
			return false, fmt.Errorf("%w: %v", ErrOrderInvalidState, err)
		}

		now := s.clock()
		updated, err := s.orders.UpdateStatus(ctx, order.ID, current, next, repositories.OrderUpdate{
			CancelReason: optionalString(strings.TrimSpace(cmd.Reason)),
			CancelledAt:  &now,
			UpdateTime:   now,
		})
		if err == nil {
			s.logger(ctx, orderEventCancelled, map[string]any{
				"orderId":     updated.ID,
				"orderNumber": updated.DisplayNumber(),
				"reason":      strings.TrimSpace(cmd.Reason),
			})
			return true, nil
		}

		if !isConflict(err) || attempt >= 1 {
			return false, s.mapRepositoryError(err)
		}

		// Lost a race, usually against a payment callback. Re-read and decide again.
		order, err = s.orders.FindByID(ctx, order.ID)
		if err != nil {
			return false, s.mapRepositoryError(err)
		}
	}
}

func (s *orderService) ShipOrder(ctx context.Context, cmd ShipOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if strings.TrimSpace(cmd.OperatorID) == "" {
		return Order{}, fmt.Errorf("%w: shipping requires an operator", ErrOrderForbidden)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	now := s.clock()
	return s.applyTransition(ctx, order, EventShip, repositories.OrderUpdate{
		ShippedAt:  &now,
		UpdateTime: now,
	}, orderEventShipped)
}

func (s *orderService) ConfirmReceipt(ctx context.Context, cmd ConfirmReceiptCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if err := authorize(order, cmd.ActorID, cmd.Operator); err != nil {
		return Order{}, err
	}

	now := s.clock()
	return s.applyTransition(ctx, order, EventConfirmReceipt, repositories.OrderUpdate{
		CompletedAt: &now,
		UpdateTime:  now,
	}, orderEventCompleted)
}

// CompleteOrder is the sweeper's auto-completion path for shipped orders whose
// receipt was never confirmed. No ownership check: it runs as the system.
func (s *orderService) CompleteOrder(ctx context.Context, cmd CompleteOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	now := s.clock()
	return s.applyTransition(ctx, order, EventConfirmReceipt, repositories.OrderUpdate{
		CompletedAt: &now,
		UpdateTime:  now,
	}, orderEventCompleted)
}

func (s *orderService) RequestRefund(ctx context.Context, cmd RefundOrderCommand) (ReconcileResult, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return ReconcileResult{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return ReconcileResult{}, s.mapRepositoryError(err)
	}
	if err := authorize(order, cmd.ActorID, cmd.Operator); err != nil {
		return ReconcileResult{}, err
	}

	return s.reconciler.ApplyRefund(ctx, RefundCommand{
		OrderID: order.ID,
		Reason:  strings.TrimSpace(cmd.Reason),
		ActorID: strings.TrimSpace(cmd.ActorID),
	})
}

// PayWithCoins settles a coin-mode order: debit the wallet, then feed the
// settlement through the same reconciler path a cash callback takes. If the
// reconciler cannot apply the payment the debit is compensated.
func (s *orderService) PayWithCoins(ctx context.Context, cmd PayWithCoinsCommand) (ReconcileResult, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return ReconcileResult{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if s.wallet == nil {
		return ReconcileResult{}, errors.New("order service: wallet not configured")
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return ReconcileResult{}, s.mapRepositoryError(err)
	}
	if err := authorize(order, cmd.ActorID, false); err != nil {
		return ReconcileResult{}, err
	}
	if order.PaymentMode != domain.PaymentModeCoin {
		return ReconcileResult{}, fmt.Errorf("%w: order %s is not a coin order", ErrOrderInvalidInput, order.ID)
	}
	if order.PayStatus == domain.PayStatusPaid {
		return ReconcileResult{Status: ReconcileIgnored, Reason: "already paid", Order: order}, nil
	}

	if err := s.wallet.DebitCoins(ctx, order.UserID, order.CoinCost); err != nil {
		return ReconcileResult{}, fmt.Errorf("%w: %v", ErrInsufficientBalance, err)
	}

	result, err := s.reconciler.ApplyPaymentEvent(ctx, PaymentEventCommand{
		OrderNumber: order.OrderNumber,
		PayStatus:   domain.PayStatusPaid,
		PayMethod:   "coins",
		PayTime:     s.clock(),
	})
	if err != nil || !result.Applied() {
		// The debit already happened; hand the coins back before reporting.
		if creditErr := s.wallet.CreditCoins(ctx, order.UserID, order.CoinCost); creditErr != nil {
			s.logger(ctx, orderEventCoinPayment, map[string]any{
				"orderId": order.ID,
				"error":   "debit compensation failed: " + creditErr.Error(),
			})
		}
	}
	if err != nil {
		return ReconcileResult{}, err
	}
	return result, nil
}

func (s *orderService) applyTransition(ctx context.Context, order Order, event TransitionEvent, update repositories.OrderUpdate, logEvent string) (Order, error) {
	for attempt := 0; ; attempt++ {
		current := domain.StatusPair{Status: order.Status, PayStatus: order.PayStatus}
		next, err := Transition(order.GoodsType, current, event)
		if err != nil {
			return Order{}, fmt.Errorf("%w: %v", ErrOrderInvalidState, err)
		}

		updated, err := s.orders.UpdateStatus(ctx, order.ID, current, next, update)
		if err == nil {
			s.logger(ctx, logEvent, map[string]any{
				"orderId":     updated.ID,
				"orderNumber": updated.DisplayNumber(),
				"status":      string(updated.Status),
			})
			return updated, nil
		}

		if !isConflict(err) || attempt >= 1 {
			return Order{}, s.mapRepositoryError(err)
		}

		order, err = s.orders.FindByID(ctx, order.ID)
		if err != nil {
			return Order{}, s.mapRepositoryError(err)
		}
	}
}

func (s *orderService) mapRepositoryError(err error) error {
	return mapRepositoryError(err, ErrOrderNotFound, ErrOrderConflict)
}

func authorize(order Order, actorID string, operator bool) error {
	if operator {
		return nil
	}
	actor := strings.TrimSpace(actorID)
	if actor == "" || actor != order.UserID {
		return fmt.Errorf("%w: order %s does not belong to caller", ErrOrderForbidden, order.ID)
	}
	return nil
}

func mapRepositoryError(err error, notFound, conflict error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", notFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", conflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}

	return err
}

func isConflict(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

func cloneMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	return maps.Clone(src)
}

func ensureMap(src map[string]any) map[string]any {
	if src == nil {
		return map[string]any{}
	}
	return src
}

func valuePtr[T any](v T) *T {
	return &v
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	ref := v
	return &ref
}
