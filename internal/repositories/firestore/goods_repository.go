package firestore

import (
	"context"
	"errors"
	"strings"

	domain "github.com/lumamart/orders/internal/domain"
	pfirestore "github.com/lumamart/orders/internal/platform/firestore"
	"github.com/lumamart/orders/internal/services"
)

const goodsCollection = "goods"

// GoodsRepository is the read-only catalog lookup consulted at order creation
// and when dispatching post-payment grants.
type GoodsRepository struct {
	base *pfirestore.Collection[goodsDocument]
}

var _ services.GoodsCatalog = (*GoodsRepository)(nil)

// NewGoodsRepository constructs a Firestore-backed goods catalog.
func NewGoodsRepository(provider *pfirestore.Provider) (*GoodsRepository, error) {
	if provider == nil {
		return nil, errors.New("goods repository: firestore provider is required")
	}
	base := pfirestore.NewCollection[goodsDocument](provider, goodsCollection)
	return &GoodsRepository{base: base}, nil
}

// GetGoods fetches the catalog snapshot for a single goods id.
func (r *GoodsRepository) GetGoods(ctx context.Context, goodsID string) (services.GoodsInfo, error) {
	if r == nil || r.base == nil {
		return services.GoodsInfo{}, errors.New("goods repository not initialised")
	}
	goodsID = strings.TrimSpace(goodsID)
	if goodsID == "" {
		return services.GoodsInfo{}, errors.New("goods repository: goods id is required")
	}
	doc, err := r.base.Get(ctx, goodsID)
	if err != nil {
		return services.GoodsInfo{}, err
	}
	return decodeGoodsDocument(doc.ID, doc.Data), nil
}

type goodsDocument struct {
	Type             string `firestore:"type"`
	UnitPrice        int64  `firestore:"unitPrice"`
	Currency         string `firestore:"currency"`
	CoinPrice        int64  `firestore:"coinPrice"`
	CoinGrant        int64  `firestore:"coinGrant"`
	Stock            int    `firestore:"stock"`
	SubscriptionDays int    `firestore:"subscriptionDays"`
}

func decodeGoodsDocument(id string, doc goodsDocument) services.GoodsInfo {
	return services.GoodsInfo{
		ID:               strings.TrimSpace(id),
		Type:             domain.GoodsType(strings.TrimSpace(doc.Type)),
		UnitPrice:        doc.UnitPrice,
		Currency:         strings.TrimSpace(doc.Currency),
		CoinPrice:        doc.CoinPrice,
		CoinGrant:        doc.CoinGrant,
		Stock:            doc.Stock,
		SubscriptionDays: doc.SubscriptionDays,
	}
}
