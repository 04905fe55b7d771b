package services

import (
	"context"
	"errors"
	"time"

	domain "github.com/lumamart/orders/internal/domain"
	"github.com/lumamart/orders/internal/repositories"
)

// stubRepoError satisfies repositories.RepositoryError for error-path tests.
type stubRepoError struct {
	msg         string
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e *stubRepoError) Error() string       { return e.msg }
func (e *stubRepoError) IsNotFound() bool    { return e.notFound }
func (e *stubRepoError) IsConflict() bool    { return e.conflict }
func (e *stubRepoError) IsUnavailable() bool { return e.unavailable }

func notFoundErr() error    { return &stubRepoError{msg: "not found", notFound: true} }
func conflictErr() error    { return &stubRepoError{msg: "conflict", conflict: true} }
func unavailableErr() error { return &stubRepoError{msg: "unavailable", unavailable: true} }

type stubOrderRepo struct {
	insertFn              func(ctx context.Context, order domain.Order) error
	findByIDFn            func(ctx context.Context, orderID string) (domain.Order, error)
	findByOrderNumberFn   func(ctx context.Context, orderNumber uint64) (domain.Order, error)
	listFn                func(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error)
	updateStatusFn        func(ctx context.Context, orderID string, expected domain.StatusPair, next domain.StatusPair, update repositories.OrderUpdate) (domain.Order, error)
	batchUpdateStatusFn   func(ctx context.Context, orderIDs []string, expected domain.StatusPair, next domain.StatusPair, update repositories.OrderUpdate) (repositories.BatchUpdateResult, error)
	listSweepCandidatesFn func(ctx context.Context, query repositories.SweepQuery) ([]string, error)
}

var _ repositories.OrderRepository = (*stubOrderRepo)(nil)

func (s *stubOrderRepo) Insert(ctx context.Context, order domain.Order) error {
	if s.insertFn == nil {
		return nil
	}
	return s.insertFn(ctx, order)
}

func (s *stubOrderRepo) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if s.findByIDFn == nil {
		return domain.Order{}, notFoundErr()
	}
	return s.findByIDFn(ctx, orderID)
}

func (s *stubOrderRepo) FindByOrderNumber(ctx context.Context, orderNumber uint64) (domain.Order, error) {
	if s.findByOrderNumberFn == nil {
		return domain.Order{}, notFoundErr()
	}
	return s.findByOrderNumberFn(ctx, orderNumber)
}

func (s *stubOrderRepo) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if s.listFn == nil {
		return domain.CursorPage[domain.Order]{}, nil
	}
	return s.listFn(ctx, filter)
}

func (s *stubOrderRepo) UpdateStatus(ctx context.Context, orderID string, expected domain.StatusPair, next domain.StatusPair, update repositories.OrderUpdate) (domain.Order, error) {
	if s.updateStatusFn == nil {
		return domain.Order{}, errors.New("unexpected UpdateStatus call")
	}
	return s.updateStatusFn(ctx, orderID, expected, next, update)
}

func (s *stubOrderRepo) BatchUpdateStatus(ctx context.Context, orderIDs []string, expected domain.StatusPair, next domain.StatusPair, update repositories.OrderUpdate) (repositories.BatchUpdateResult, error) {
	if s.batchUpdateStatusFn == nil {
		return repositories.BatchUpdateResult{}, errors.New("unexpected BatchUpdateStatus call")
	}
	return s.batchUpdateStatusFn(ctx, orderIDs, expected, next, update)
}

func (s *stubOrderRepo) ListSweepCandidates(ctx context.Context, query repositories.SweepQuery) ([]string, error) {
	if s.listSweepCandidatesFn == nil {
		return nil, nil
	}
	return s.listSweepCandidatesFn(ctx, query)
}

type stubAuditRepo struct {
	appendFn func(ctx context.Context, entry domain.ReconcileAudit) error
	listFn   func(ctx context.Context, pager domain.Pagination) (domain.CursorPage[domain.ReconcileAudit], error)

	appended []domain.ReconcileAudit
}

var _ repositories.ReconcileAuditRepository = (*stubAuditRepo)(nil)

func (s *stubAuditRepo) Append(ctx context.Context, entry domain.ReconcileAudit) error {
	s.appended = append(s.appended, entry)
	if s.appendFn == nil {
		return nil
	}
	return s.appendFn(ctx, entry)
}

func (s *stubAuditRepo) List(ctx context.Context, pager domain.Pagination) (domain.CursorPage[domain.ReconcileAudit], error) {
	if s.listFn == nil {
		return domain.CursorPage[domain.ReconcileAudit]{Items: s.appended}, nil
	}
	return s.listFn(ctx, pager)
}

type stubCatalog struct {
	getGoodsFn func(ctx context.Context, goodsID string) (GoodsInfo, error)
}

func (s *stubCatalog) GetGoods(ctx context.Context, goodsID string) (GoodsInfo, error) {
	if s.getGoodsFn == nil {
		return GoodsInfo{}, errors.New("unexpected GetGoods call")
	}
	return s.getGoodsFn(ctx, goodsID)
}

type stubWallet struct {
	debitFn  func(ctx context.Context, userID string, amount int64) error
	creditFn func(ctx context.Context, userID string, amount int64) error
	refundFn func(ctx context.Context, userID string, amount int64, orderID string) error

	debits   []int64
	credits  []int64
	refunds  []int64
	refunded map[string]bool
}

func (s *stubWallet) DebitCoins(ctx context.Context, userID string, amount int64) error {
	s.debits = append(s.debits, amount)
	if s.debitFn == nil {
		return nil
	}
	return s.debitFn(ctx, userID, amount)
}

func (s *stubWallet) CreditCoins(ctx context.Context, userID string, amount int64) error {
	s.credits = append(s.credits, amount)
	if s.creditFn == nil {
		return nil
	}
	return s.creditFn(ctx, userID, amount)
}

// RefundCoins mirrors the repository contract: at most one credit per order id.
func (s *stubWallet) RefundCoins(ctx context.Context, userID string, amount int64, orderID string) error {
	if s.refunded == nil {
		s.refunded = map[string]bool{}
	}
	if !s.refunded[orderID] {
		s.refunded[orderID] = true
		s.refunds = append(s.refunds, amount)
	}
	if s.refundFn == nil {
		return nil
	}
	return s.refundFn(ctx, userID, amount, orderID)
}

type stubEntitlements struct {
	grantSubscriptionFn func(ctx context.Context, userID string, durationDays int, kind string) error
	grantContentFn      func(ctx context.Context, userID string, contentID string) error

	subscriptions []int
	contents      []string
}

func (s *stubEntitlements) GrantSubscription(ctx context.Context, userID string, durationDays int, kind string) error {
	s.subscriptions = append(s.subscriptions, durationDays)
	if s.grantSubscriptionFn == nil {
		return nil
	}
	return s.grantSubscriptionFn(ctx, userID, durationDays, kind)
}

func (s *stubEntitlements) GrantContentAccess(ctx context.Context, userID string, contentID string) error {
	s.contents = append(s.contents, contentID)
	if s.grantContentFn == nil {
		return nil
	}
	return s.grantContentFn(ctx, userID, contentID)
}

type stubSettlement struct {
	chargeFn func(ctx context.Context, cmd ChargeCommand) (PaymentHandle, error)
	refundFn func(ctx context.Context, paymentRef string, amount int64, currency string) error
	verifyFn func(ctx context.Context, paymentRef string, amount int64, currency string) (bool, error)

	refunds  []string
	verified []string
}

func (s *stubSettlement) Charge(ctx context.Context, cmd ChargeCommand) (PaymentHandle, error) {
	if s.chargeFn == nil {
		return PaymentHandle{}, nil
	}
	return s.chargeFn(ctx, cmd)
}

func (s *stubSettlement) Refund(ctx context.Context, paymentRef string, amount int64, currency string) error {
	s.refunds = append(s.refunds, paymentRef)
	if s.refundFn == nil {
		return nil
	}
	return s.refundFn(ctx, paymentRef, amount, currency)
}

func (s *stubSettlement) VerifyPayment(ctx context.Context, paymentRef string, amount int64, currency string) (bool, error) {
	s.verified = append(s.verified, paymentRef)
	if s.verifyFn == nil {
		return true, nil
	}
	return s.verifyFn(ctx, paymentRef, amount, currency)
}

type stubFulfillment struct {
	notifyFn func(ctx context.Context, order Order) error

	notified []string
}

func (s *stubFulfillment) NotifyReadyToShip(ctx context.Context, order Order) error {
	s.notified = append(s.notified, order.ID)
	if s.notifyFn == nil {
		return nil
	}
	return s.notifyFn(ctx, order)
}

type stubQueue struct {
	enqueueFn func(ctx context.Context, msg SideEffectMessage) error

	messages []SideEffectMessage
}

func (s *stubQueue) EnqueueSideEffect(ctx context.Context, msg SideEffectMessage) error {
	s.messages = append(s.messages, msg)
	if s.enqueueFn == nil {
		return nil
	}
	return s.enqueueFn(ctx, msg)
}

type stubReconciler struct {
	applyPaymentFn func(ctx context.Context, cmd PaymentEventCommand) (ReconcileResult, error)
	applyRefundFn  func(ctx context.Context, cmd RefundCommand) (ReconcileResult, error)
	listAuditsFn   func(ctx context.Context, pager Pagination) (domain.CursorPage[ReconcileAudit], error)
}

var _ ReconcilerService = (*stubReconciler)(nil)

func (s *stubReconciler) ApplyPaymentEvent(ctx context.Context, cmd PaymentEventCommand) (ReconcileResult, error) {
	if s.applyPaymentFn == nil {
		return ReconcileResult{Status: ReconcileApplied}, nil
	}
	return s.applyPaymentFn(ctx, cmd)
}

func (s *stubReconciler) ApplyRefund(ctx context.Context, cmd RefundCommand) (ReconcileResult, error) {
	if s.applyRefundFn == nil {
		return ReconcileResult{Status: ReconcileApplied}, nil
	}
	return s.applyRefundFn(ctx, cmd)
}

func (s *stubReconciler) ListAudits(ctx context.Context, pager Pagination) (domain.CursorPage[ReconcileAudit], error) {
	if s.listAuditsFn == nil {
		return domain.CursorPage[ReconcileAudit]{}, nil
	}
	return s.listAuditsFn(ctx, pager)
}

type stubNumbers struct {
	nextFn func() (uint64, error)
	next   uint64
}

func (s *stubNumbers) Next() (uint64, error) {
	if s.nextFn != nil {
		return s.nextFn()
	}
	s.next++
	return 7_000_000 + s.next, nil
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func testOrder(mutators ...func(*domain.Order)) domain.Order {
	ref := "pi_test"
	order := domain.Order{
		ID:               "ord_01TESTORDER",
		OrderNumber:      7120394,
		UserID:           "usr_alice",
		GoodsID:          "goods_premium",
		GoodsType:        domain.GoodsTypeContent,
		Quantity:         1,
		PaymentMode:      domain.PaymentModeCash,
		UnitPrice:        1500,
		FinalAmount:      1500,
		Currency:         "usd",
		PaymentIntentRef: &ref,
		Status:           domain.OrderStatusPending,
		PayStatus:        domain.PayStatusUnpaid,
		CreateTime:       time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC),
		UpdateTime:       time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC),
	}
	for _, m := range mutators {
		m(&order)
	}
	return order
}
