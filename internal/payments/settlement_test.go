package payments

import (
	"context"
	"errors"
	"testing"

	"github.com/lumamart/orders/internal/services"
)

type recordingProvider struct {
	fakeProvider

	lastCheckout CheckoutSessionRequest
	lastRefund   RefundRequest
	lastLookup   LookupRequest
}

func (r *recordingProvider) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error) {
	r.lastCheckout = req
	return r.fakeProvider.CreateCheckoutSession(ctx, req)
}

func (r *recordingProvider) Refund(ctx context.Context, req RefundRequest) (PaymentDetails, error) {
	r.lastRefund = req
	return r.fakeProvider.Refund(ctx, req)
}

func (r *recordingProvider) LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error) {
	r.lastLookup = req
	return r.fakeProvider.LookupPayment(ctx, req)
}

func newTestSettlement(t *testing.T, provider Provider) *Settlement {
	t.Helper()
	mgr, err := NewManager(map[string]Provider{"stripe": provider})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	settlement, err := NewSettlement(SettlementConfig{
		Manager:    mgr,
		SuccessURL: "https://shop.example/orders/done",
		CancelURL:  "https://shop.example/orders/cancelled",
	})
	if err != nil {
		t.Fatalf("new settlement: %v", err)
	}
	return settlement
}

func TestSettlementChargeOpensCheckoutSession(t *testing.T) {
	provider := &recordingProvider{
		fakeProvider: fakeProvider{session: CheckoutSession{
			ID:          "cs_test_1",
			IntentID:    "pi_789",
			RedirectURL: "https://pay.example/cs_test_1",
		}},
	}
	settlement := newTestSettlement(t, provider)

	handle, err := settlement.Charge(context.Background(), services.ChargeCommand{
		OrderNumber: 8123456,
		UserID:      "usr_alice",
		Amount:      3000,
		Currency:    "usd",
		Metadata:    map[string]any{"campaign": "spring", "attempt": 2},
	})
	if err != nil {
		t.Fatalf("charge: %v", err)
	}

	if handle.Reference != "pi_789" {
		t.Fatalf("expected intent reference, got %q", handle.Reference)
	}
	if handle.RedirectURL != "https://pay.example/cs_test_1" {
		t.Fatalf("unexpected redirect url %q", handle.RedirectURL)
	}

	req := provider.lastCheckout
	if req.Amount != 3000 || req.Currency != "usd" {
		t.Fatalf("unexpected checkout amount %d %s", req.Amount, req.Currency)
	}
	if req.CustomerID != "usr_alice" {
		t.Fatalf("unexpected customer %q", req.CustomerID)
	}
	if req.SuccessURL != "https://shop.example/orders/done" {
		t.Fatalf("unexpected success url %q", req.SuccessURL)
	}
	if req.IdempotencyKey != "order-8123456" {
		t.Fatalf("unexpected idempotency key %q", req.IdempotencyKey)
	}
	if req.Metadata["orderNumber"] != "8123456" || req.Metadata["userId"] != "usr_alice" {
		t.Fatalf("order metadata missing: %v", req.Metadata)
	}
	if req.Metadata["campaign"] != "spring" {
		t.Fatalf("expected string metadata to pass through: %v", req.Metadata)
	}
	if _, ok := req.Metadata["attempt"]; ok {
		t.Fatalf("expected non-string metadata to be dropped: %v", req.Metadata)
	}
	if req.OrderNumber != "8123456" {
		t.Fatalf("unexpected order number %q", req.OrderNumber)
	}
	if req.Description != "Order ORD8123456" {
		t.Fatalf("unexpected description %q", req.Description)
	}
}

func TestSettlementChargeFallsBackToSessionID(t *testing.T) {
	provider := &recordingProvider{
		fakeProvider: fakeProvider{session: CheckoutSession{ID: "cs_only"}},
	}
	settlement := newTestSettlement(t, provider)

	handle, err := settlement.Charge(context.Background(), services.ChargeCommand{
		OrderNumber: 8123457,
		UserID:      "usr_bob",
		Amount:      500,
		Currency:    "usd",
	})
	if err != nil {
		t.Fatalf("charge: %v", err)
	}
	if handle.Reference != "cs_only" {
		t.Fatalf("expected session id fallback, got %q", handle.Reference)
	}
}

func TestSettlementChargeRejectsNonPositiveAmount(t *testing.T) {
	settlement := newTestSettlement(t, &recordingProvider{})

	if _, err := settlement.Charge(context.Background(), services.ChargeCommand{
		OrderNumber: 8123458,
		UserID:      "usr_alice",
		Amount:      0,
		Currency:    "usd",
	}); err == nil {
		t.Fatalf("expected error for zero amount")
	}
}

func TestSettlementRefundReversesIntent(t *testing.T) {
	provider := &recordingProvider{
		fakeProvider: fakeProvider{payment: PaymentDetails{Status: StatusRefunded}},
	}
	settlement := newTestSettlement(t, provider)

	if err := settlement.Refund(context.Background(), "pi_789", 3000, "usd"); err != nil {
		t.Fatalf("refund: %v", err)
	}

	req := provider.lastRefund
	if req.IntentID != "pi_789" {
		t.Fatalf("unexpected intent %q", req.IntentID)
	}
	if req.Amount == nil || *req.Amount != 3000 {
		t.Fatalf("unexpected refund amount %v", req.Amount)
	}
	if req.IdempotencyKey != "refund-pi_789" {
		t.Fatalf("unexpected idempotency key %q", req.IdempotencyKey)
	}
}

func TestSettlementRefundRequiresReference(t *testing.T) {
	settlement := newTestSettlement(t, &recordingProvider{})

	if err := settlement.Refund(context.Background(), "  ", 3000, "usd"); err == nil {
		t.Fatalf("expected error for blank payment reference")
	}
}

func TestSettlementRefundPropagatesProviderError(t *testing.T) {
	providerErr := errors.New("card declined")
	provider := &recordingProvider{fakeProvider: fakeProvider{err: providerErr}}
	settlement := newTestSettlement(t, provider)

	err := settlement.Refund(context.Background(), "pi_789", 3000, "usd")
	if !errors.Is(err, providerErr) {
		t.Fatalf("expected provider error, got %v", err)
	}
}

func TestSettlementVerifyPayment(t *testing.T) {
	cases := []struct {
		name    string
		details PaymentDetails
		want    bool
	}{
		{
			name:    "captured intent verifies",
			details: PaymentDetails{IntentID: "pi_789", Status: StatusSucceeded, Amount: 3000, Currency: "USD"},
			want:    true,
		},
		{
			name:    "pending intent does not",
			details: PaymentDetails{IntentID: "pi_789", Status: StatusPending, Amount: 3000, Currency: "USD"},
			want:    false,
		},
		{
			name:    "short amount does not",
			details: PaymentDetails{IntentID: "pi_789", Status: StatusSucceeded, Amount: 1000, Currency: "USD"},
			want:    false,
		},
		{
			name:    "currency mismatch does not",
			details: PaymentDetails{IntentID: "pi_789", Status: StatusSucceeded, Amount: 3000, Currency: "EUR"},
			want:    false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			provider := &recordingProvider{fakeProvider: fakeProvider{payment: tc.details}}
			settlement := newTestSettlement(t, provider)

			ok, err := settlement.VerifyPayment(context.Background(), "pi_789", 3000, "usd")
			if err != nil {
				t.Fatalf("verify: %v", err)
			}
			if ok != tc.want {
				t.Fatalf("expected verified=%v, got %v", tc.want, ok)
			}
			if provider.lastLookup.IntentID != "pi_789" {
				t.Fatalf("unexpected lookup %+v", provider.lastLookup)
			}
		})
	}
}

func TestSettlementVerifyPaymentPropagatesLookupError(t *testing.T) {
	lookupErr := errors.New("psp unreachable")
	provider := &recordingProvider{fakeProvider: fakeProvider{err: lookupErr}}
	settlement := newTestSettlement(t, provider)

	if _, err := settlement.VerifyPayment(context.Background(), "pi_789", 3000, "usd"); !errors.Is(err, lookupErr) {
		t.Fatalf("expected lookup error, got %v", err)
	}
}

func TestNewSettlementRequiresManager(t *testing.T) {
	if _, err := NewSettlement(SettlementConfig{}); err == nil {
		t.Fatalf("expected error when manager missing")
	}
}
