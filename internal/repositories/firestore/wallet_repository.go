package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "github.com/lumamart/orders/internal/platform/firestore"
	"github.com/lumamart/orders/internal/services"
)

const (
	walletsCollection       = "wallets"
	walletRefundsCollection = "walletRefunds"
)

// ErrWalletInsufficientBalance is returned when a debit would drive the coin
// balance negative. The order service translates it at its boundary.
var ErrWalletInsufficientBalance = errors.New("wallet: insufficient balance")

// WalletRepository keeps per-user coin balances. Debits and credits run in
// transactions so concurrent settlements never lose an update.
type WalletRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.Collection[walletDocument]
	ledger   *pfirestore.Collection[walletRefundEntry]
	clock    func() time.Time
}

var _ services.WalletService = (*WalletRepository)(nil)

// NewWalletRepository constructs a Firestore-backed coin wallet.
func NewWalletRepository(provider *pfirestore.Provider) (*WalletRepository, error) {
	if provider == nil {
		return nil, errors.New("wallet repository: firestore provider is required")
	}
	base := pfirestore.NewCollection[walletDocument](provider, walletsCollection)
	ledger := pfirestore.NewCollection[walletRefundEntry](provider, walletRefundsCollection)
	return &WalletRepository{
		provider: provider,
		base:     base,
		ledger:   ledger,
		clock:    time.Now,
	}, nil
}

// DebitCoins removes coins from the user's balance, failing when the balance
// does not cover the amount. A missing wallet counts as a zero balance.
func (r *WalletRepository) DebitCoins(ctx context.Context, userID string, amount int64) error {
	if r == nil || r.provider == nil {
		return errors.New("wallet repository not initialised")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return errors.New("wallet repository: user id is required")
	}
	if amount <= 0 {
		return fmt.Errorf("wallet repository: debit amount must be positive, got %d", amount)
	}

	docRef, err := r.base.Doc(ctx, userID)
	if err != nil {
		return err
	}

	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := readWallet(tx, docRef)
		if err != nil {
			return err
		}
		if doc.Balance < amount {
			return fmt.Errorf("%w: user %s has %d, needs %d", ErrWalletInsufficientBalance, userID, doc.Balance, amount)
		}
		doc.Balance -= amount
		doc.UpdatedAt = r.clock().UTC()
		return tx.Set(docRef, doc)
	})
	if err != nil {
		if errors.Is(err, ErrWalletInsufficientBalance) {
			return err
		}
		return pfirestore.WrapError("wallets.debit", err)
	}
	return nil
}

// CreditCoins adds coins to the user's balance, creating the wallet on first use.
func (r *WalletRepository) CreditCoins(ctx context.Context, userID string, amount int64) error {
	if r == nil || r.provider == nil {
		return errors.New("wallet repository not initialised")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return errors.New("wallet repository: user id is required")
	}
	if amount <= 0 {
		return fmt.Errorf("wallet repository: credit amount must be positive, got %d", amount)
	}

	docRef, err := r.base.Doc(ctx, userID)
	if err != nil {
		return err
	}

	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := readWallet(tx, docRef)
		if err != nil {
			return err
		}
		doc.Balance += amount
		doc.UpdatedAt = r.clock().UTC()
		return tx.Set(docRef, doc)
	})
	if err != nil {
		return pfirestore.WrapError("wallets.credit", err)
	}
	return nil
}

// RefundCoins returns the coins paid for an order. The credit and a ledger
// entry keyed by the order id commit in one transaction; a second call for
// the same order finds the entry and leaves the balance alone.
func (r *WalletRepository) RefundCoins(ctx context.Context, userID string, amount int64, orderID string) error {
	if r == nil || r.provider == nil {
		return errors.New("wallet repository not initialised")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return errors.New("wallet repository: user id is required")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return errors.New("wallet repository: order id is required")
	}
	if amount <= 0 {
		return fmt.Errorf("wallet repository: refund amount must be positive, got %d", amount)
	}

	docRef, err := r.base.Doc(ctx, userID)
	if err != nil {
		return err
	}
	entryRef, err := r.ledger.Doc(ctx, "refund-"+orderID)
	if err != nil {
		return err
	}

	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if _, err := tx.Get(entryRef); err == nil {
			// Already credited for this order.
			return nil
		} else if status.Code(err) != codes.NotFound {
			return err
		}

		doc, err := readWallet(tx, docRef)
		if err != nil {
			return err
		}
		doc.Balance += amount
		doc.UpdatedAt = r.clock().UTC()
		if err := tx.Set(docRef, doc); err != nil {
			return err
		}
		return tx.Create(entryRef, walletRefundEntry{
			UserID:    userID,
			OrderID:   orderID,
			Amount:    amount,
			CreatedAt: r.clock().UTC(),
		})
	})
	if err != nil {
		return pfirestore.WrapError("wallets.refund", err)
	}
	return nil
}

type walletDocument struct {
	Balance   int64     `firestore:"balance"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

type walletRefundEntry struct {
	UserID    string    `firestore:"userId"`
	OrderID   string    `firestore:"orderId"`
	Amount    int64     `firestore:"amount"`
	CreatedAt time.Time `firestore:"createdAt"`
}

func readWallet(tx *firestore.Transaction, docRef *firestore.DocumentRef) (walletDocument, error) {
	snap, err := tx.Get(docRef)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return walletDocument{}, nil
		}
		return walletDocument{}, err
	}
	var doc walletDocument
	if err := snap.DataTo(&doc); err != nil {
		return walletDocument{}, fmt.Errorf("decode wallet %s: %w", docRef.ID, err)
	}
	return doc, nil
}
