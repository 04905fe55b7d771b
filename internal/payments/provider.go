// Package payments hosts the PSP adapters behind a provider-agnostic routing
// manager. Orders always settle as a whole, so the adapter surface is
// deliberately narrow: open a checkout session for an order, refund a captured
// intent, and look an intent up when a callback needs verification.
package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the normalised payment state shared across providers.
type Status string

const (
	// StatusPending means the PSP is still waiting on the customer.
	StatusPending Status = "pending"
	// StatusSucceeded means the PSP captured the funds.
	StatusSucceeded Status = "succeeded"
	// StatusFailed means the PSP gave up on the payment.
	StatusFailed Status = "failed"
	// StatusRefunded means the captured funds went back in full.
	StatusRefunded Status = "refunded"
)

// ErrUnsupportedProvider is returned when no registered provider matches the
// routing hints.
var ErrUnsupportedProvider = errors.New("payments: unsupported provider")

// CheckoutSessionRequest describes the order being sent to hosted checkout.
// OrderNumber is the bare decimal form used in metadata and idempotency keys;
// Description is what the customer sees on the payment page.
type CheckoutSessionRequest struct {
	OrderNumber    string
	Description    string
	Amount         int64
	Currency       string
	CustomerID     string
	SuccessURL     string
	CancelURL      string
	Metadata       map[string]string
	IdempotencyKey string
}

// CheckoutSession is the provider session handed back to the order flow.
type CheckoutSession struct {
	ID           string
	Provider     string
	ClientSecret string
	RedirectURL  string
	IntentID     string
	ExpiresAt    time.Time
}

// RefundRequest reverses a captured payment intent.
type RefundRequest struct {
	IntentID       string
	Amount         *int64
	Reason         string
	IdempotencyKey string
}

// LookupRequest fetches the current provider-side state of an intent.
type LookupRequest struct {
	IntentID string
}

// PaymentDetails is the normalised view of a provider payment, enough for the
// reconciler to decide whether a callback reference is trustworthy.
type PaymentDetails struct {
	Provider   string
	IntentID   string
	Status     Status
	Amount     int64
	Currency   string
	RefundedAt *time.Time
}

// Provider is the contract each PSP adapter implements.
type Provider interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error)
	Refund(ctx context.Context, req RefundRequest) (PaymentDetails, error)
	LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error)
}

// Manager routes calls to a registered provider using the caller's hints.
type Manager struct {
	providers       map[string]Provider
	defaultProvider string
	currencyRoutes  map[string]string
}

// ManagerOption configures optional Manager behaviour.
type ManagerOption func(*Manager)

// WithDefaultProvider overrides the provider used when no hint matches.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) {
		m.defaultProvider = provider
	}
}

// WithCurrencyRoutes maps currencies to providers for static routing.
func WithCurrencyRoutes(routes map[string]string) ManagerOption {
	return func(m *Manager) {
		if len(routes) == 0 {
			return
		}
		if m.currencyRoutes == nil {
			m.currencyRoutes = make(map[string]string, len(routes))
		}
		for currency, provider := range routes {
			m.currencyRoutes[strings.ToUpper(strings.TrimSpace(currency))] = strings.TrimSpace(provider)
		}
	}
}

// NewManager constructs a Manager over the supplied providers. When Stripe is
// among them it becomes the default route.
func NewManager(providers map[string]Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	registered := make(map[string]Provider, len(providers))
	for name, provider := range providers {
		key := strings.TrimSpace(strings.ToLower(name))
		if key == "" || provider == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", name)
		}
		registered[key] = provider
	}
	m := &Manager{providers: registered}
	if _, ok := registered["stripe"]; ok {
		m.defaultProvider = "stripe"
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// PaymentContext carries the hints used to pick a provider.
type PaymentContext struct {
	PreferredProvider string
	Currency          string
}

func (m *Manager) resolveProvider(ctx PaymentContext) (string, Provider, error) {
	if m == nil || len(m.providers) == 0 {
		return "", nil, errors.New("payments: no providers registered")
	}
	if key := strings.TrimSpace(strings.ToLower(ctx.PreferredProvider)); key != "" {
		if p, ok := m.providers[key]; ok {
			return key, p, nil
		}
	}
	if currency := strings.ToUpper(strings.TrimSpace(ctx.Currency)); currency != "" {
		if routed, ok := m.currencyRoutes[currency]; ok {
			key := strings.TrimSpace(strings.ToLower(routed))
			if p, ok := m.providers[key]; ok {
				return key, p, nil
			}
		}
	}
	if key := strings.TrimSpace(strings.ToLower(m.defaultProvider)); key != "" {
		if p, ok := m.providers[key]; ok {
			return key, p, nil
		}
	}
	if len(m.providers) == 1 {
		for key, p := range m.providers {
			return key, p, nil
		}
	}
	return "", nil, ErrUnsupportedProvider
}

// CreateCheckoutSession delegates to the resolved provider and stamps the
// provider key on the returned session.
func (m *Manager) CreateCheckoutSession(ctx context.Context, paymentCtx PaymentContext, req CheckoutSessionRequest) (CheckoutSession, error) {
	key, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return CheckoutSession{}, err
	}
	session, err := provider.CreateCheckoutSession(ctx, req)
	if err != nil {
		return CheckoutSession{}, err
	}
	session.Provider = key
	return session, nil
}

// Refund delegates to the resolved provider.
func (m *Manager) Refund(ctx context.Context, paymentCtx PaymentContext, req RefundRequest) (PaymentDetails, error) {
	_, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return PaymentDetails{}, err
	}
	return provider.Refund(ctx, req)
}

// LookupPayment delegates to the resolved provider.
func (m *Manager) LookupPayment(ctx context.Context, paymentCtx PaymentContext, req LookupRequest) (PaymentDetails, error) {
	_, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return PaymentDetails{}, err
	}
	return provider.LookupPayment(ctx, req)
}
