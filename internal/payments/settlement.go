package payments

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	domain "github.com/lumamart/orders/internal/domain"
	"github.com/lumamart/orders/internal/services"
)

// SettlementConfig configures the lifecycle-facing settlement adapter.
type SettlementConfig struct {
	Manager    *Manager
	SuccessURL string
	CancelURL  string
	// Provider pins a PSP; empty falls back to the manager's routing.
	Provider string
}

// Settlement adapts the provider manager to the order lifecycle's settlement
// contract: a charge opens a checkout session, a refund reverses the captured
// payment intent, and a verification cross-checks a callback reference.
type Settlement struct {
	manager    *Manager
	successURL string
	cancelURL  string
	provider   string
}

var _ services.SettlementService = (*Settlement)(nil)

// NewSettlement builds the settlement adapter.
func NewSettlement(cfg SettlementConfig) (*Settlement, error) {
	if cfg.Manager == nil {
		return nil, errors.New("payments: manager is required")
	}
	return &Settlement{
		manager:    cfg.Manager,
		successURL: strings.TrimSpace(cfg.SuccessURL),
		cancelURL:  strings.TrimSpace(cfg.CancelURL),
		provider:   strings.TrimSpace(cfg.Provider),
	}, nil
}

// Charge opens a checkout session for the order. The returned reference is
// the PSP payment intent used later for refunds.
func (s *Settlement) Charge(ctx context.Context, cmd services.ChargeCommand) (services.PaymentHandle, error) {
	if cmd.Amount <= 0 {
		return services.PaymentHandle{}, fmt.Errorf("payments: charge amount must be positive, got %d", cmd.Amount)
	}

	orderNumber := strconv.FormatUint(cmd.OrderNumber, 10)
	metadata := map[string]string{
		"orderNumber": orderNumber,
		"userId":      cmd.UserID,
	}
	for key, value := range cmd.Metadata {
		if str, ok := value.(string); ok {
			metadata[key] = str
		}
	}

	session, err := s.manager.CreateCheckoutSession(ctx, PaymentContext{
		PreferredProvider: s.provider,
		Currency:          cmd.Currency,
	}, CheckoutSessionRequest{
		OrderNumber:    orderNumber,
		Description:    "Order " + domain.OrderNumberPrefix + orderNumber,
		Amount:         cmd.Amount,
		Currency:       cmd.Currency,
		CustomerID:     cmd.UserID,
		SuccessURL:     s.successURL,
		CancelURL:      s.cancelURL,
		Metadata:       metadata,
		IdempotencyKey: "order-" + orderNumber,
	})
	if err != nil {
		return services.PaymentHandle{}, fmt.Errorf("payments: create checkout session: %w", err)
	}

	reference := strings.TrimSpace(session.IntentID)
	if reference == "" {
		reference = strings.TrimSpace(session.ID)
	}

	return services.PaymentHandle{
		Reference:   reference,
		RedirectURL: strings.TrimSpace(session.RedirectURL),
	}, nil
}

// Refund reverses a captured payment by its provider reference.
func (s *Settlement) Refund(ctx context.Context, paymentRef string, amount int64, currency string) error {
	paymentRef = strings.TrimSpace(paymentRef)
	if paymentRef == "" {
		return errors.New("payments: payment reference is required")
	}

	refundAmount := amount
	_, err := s.manager.Refund(ctx, PaymentContext{
		PreferredProvider: s.provider,
		Currency:          currency,
	}, RefundRequest{
		IntentID:       paymentRef,
		Amount:         &refundAmount,
		IdempotencyKey: "refund-" + paymentRef,
	})
	if err != nil {
		return fmt.Errorf("payments: refund %s: %w", paymentRef, err)
	}
	return nil
}

// VerifyPayment looks the referenced intent up at the PSP before a callback
// is trusted. The intent must be captured for at least the expected amount in
// the expected currency.
func (s *Settlement) VerifyPayment(ctx context.Context, paymentRef string, amount int64, currency string) (bool, error) {
	paymentRef = strings.TrimSpace(paymentRef)
	if paymentRef == "" {
		return false, errors.New("payments: payment reference is required")
	}

	details, err := s.manager.LookupPayment(ctx, PaymentContext{
		PreferredProvider: s.provider,
		Currency:          currency,
	}, LookupRequest{IntentID: paymentRef})
	if err != nil {
		return false, fmt.Errorf("payments: lookup %s: %w", paymentRef, err)
	}

	if details.Status != StatusSucceeded {
		return false, nil
	}
	if amount > 0 && details.Amount < amount {
		return false, nil
	}
	if currency != "" && details.Currency != "" && !strings.EqualFold(details.Currency, currency) {
		return false, nil
	}
	return true, nil
}
