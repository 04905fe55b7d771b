package firestore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/lumamart/orders/internal/domain"
	pfirestore "github.com/lumamart/orders/internal/platform/firestore"
	"github.com/lumamart/orders/internal/repositories"
)

const ordersCollection = "orders"

// OrderRepository persists orders and implements the conditional status
// update the reconciler and sweeper serialise on.
type OrderRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.Collection[orderDocument]
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository: firestore provider is required")
	}
	base := pfirestore.NewCollection[orderDocument](provider, ordersCollection)
	return &OrderRepository{provider: provider, base: base}, nil
}

// Insert stores a new order document. The ID must be unique.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(order.ID)
	if orderID == "" {
		return errors.New("order repository: order id is required")
	}
	if order.OrderNumber == 0 {
		return errors.New("order repository: order number is required")
	}
	docRef, err := r.base.Doc(ctx, orderID)
	if err != nil {
		return err
	}
	if _, err := docRef.Create(ctx, encodeOrderDocument(order)); err != nil {
		return pfirestore.WrapError("orders.insert", err)
	}
	return nil
}

// FindByID fetches a single order.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order repository: order id is required")
	}
	doc, err := r.base.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return decodeOrderDocument(doc.ID, doc.Data), nil
}

// FindByOrderNumber looks an order up by its externally visible number.
func (r *OrderRepository) FindByOrderNumber(ctx context.Context, orderNumber uint64) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	if orderNumber == 0 {
		return domain.Order{}, errors.New("order repository: order number is required")
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("orderNumber", "==", int64(orderNumber)).Limit(1)
	})
	if err != nil {
		return domain.Order{}, err
	}
	if len(docs) == 0 {
		return domain.Order{}, pfirestore.WrapError("orders.find_by_number",
			status.Errorf(codes.NotFound, "order %d not found", orderNumber))
	}
	return decodeOrderDocument(docs[0].ID, docs[0].Data), nil
}

// List returns orders matching the filter ordered by most recent creation.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository not initialised")
	}

	limit := filter.Pagination.PageSize
	if limit < 0 {
		limit = 0
	}
	fetchLimit := limit
	if limit > 0 {
		fetchLimit = limit + 1
	}

	var startAfter []any
	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		tokenTime, tokenID, err := decodeOrderListToken(token)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, fmt.Errorf("order repository: invalid page token: %w", err)
		}
		startAfter = []any{tokenTime, tokenID}
	}

	statusFilters := normaliseOrderStatuses(filter.Status)
	userID := strings.TrimSpace(filter.UserID)

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		if userID != "" {
			q = q.Where("userId", "==", userID)
		}
		if len(statusFilters) == 1 {
			q = q.Where("status", "==", statusFilters[0])
		} else if len(statusFilters) > 1 {
			// Firestore in clause supports up to 10 values.
			if len(statusFilters) > 10 {
				statusFilters = statusFilters[:10]
			}
			q = q.Where("status", "in", statusFilters)
		}
		if filter.DateRange.From != nil && !filter.DateRange.From.IsZero() {
			q = q.Where("createdAt", ">=", filter.DateRange.From.UTC())
		}
		if filter.DateRange.To != nil && !filter.DateRange.To.IsZero() {
			q = q.Where("createdAt", "<", filter.DateRange.To.UTC())
		}

		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if len(startAfter) == 2 {
			q = q.StartAfter(startAfter...)
		}
		if fetchLimit > 0 {
			q = q.Limit(fetchLimit)
		}
		return q
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	valueDocs := docs
	nextToken := ""
	if limit > 0 && len(valueDocs) == fetchLimit {
		last := valueDocs[len(valueDocs)-1]
		tokenTime := last.Data.CreatedAt
		if tokenTime.IsZero() {
			tokenTime = last.CreateTime
		}
		nextToken = encodeOrderListToken(tokenTime, last.ID)
		valueDocs = valueDocs[:len(valueDocs)-1]
	}

	items := make([]domain.Order, 0, len(valueDocs))
	for _, doc := range valueDocs {
		items = append(items, decodeOrderDocument(doc.ID, doc.Data))
	}

	return domain.CursorPage[domain.Order]{
		Items:         items,
		NextPageToken: nextToken,
	}, nil
}

// UpdateStatus applies the transition inside a transaction only if the stored
// status pair still equals expected. A mismatch surfaces as a conflict so
// racing transitions lose gracefully instead of clobbering each other.
func (r *OrderRepository) UpdateStatus(ctx context.Context, orderID string, expected domain.StatusPair, next domain.StatusPair, update repositories.OrderUpdate) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order repository: order id is required")
	}

	docRef, err := r.base.Doc(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}

	var result domain.Order
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(docRef)
		if err != nil {
			return err
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode order %s: %w", orderID, err)
		}
		if doc.Status != string(expected.Status) || doc.PayStatus != string(expected.PayStatus) {
			return status.Errorf(codes.FailedPrecondition,
				"order %s is %s/%s, expected %s/%s",
				orderID, doc.Status, doc.PayStatus, expected.Status, expected.PayStatus)
		}

		if err := tx.Update(docRef, buildStatusUpdates(next, update)); err != nil {
			return err
		}

		result = applyStatusUpdate(decodeOrderDocument(orderID, doc), next, update)
		return nil
	})
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.update_status", err)
	}
	return result, nil
}

// BatchUpdateStatus applies the conditional transition to every order in the
// id list. Each order runs in its own transaction, so a conflict or a missing
// document is recorded in the result and the rest of the batch proceeds;
// infrastructure failures abort the remainder.
func (r *OrderRepository) BatchUpdateStatus(ctx context.Context, orderIDs []string, expected domain.StatusPair, next domain.StatusPair, update repositories.OrderUpdate) (repositories.BatchUpdateResult, error) {
	if r == nil || r.provider == nil {
		return repositories.BatchUpdateResult{}, errors.New("order repository not initialised")
	}

	var result repositories.BatchUpdateResult
	for _, raw := range orderIDs {
		orderID := strings.TrimSpace(raw)
		if orderID == "" {
			continue
		}
		_, err := r.UpdateStatus(ctx, orderID, expected, next, update)
		if err == nil {
			result.Updated = append(result.Updated, orderID)
			continue
		}
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) {
			if repoErr.IsConflict() {
				result.Conflicts = append(result.Conflicts, orderID)
				continue
			}
			if repoErr.IsNotFound() {
				result.Missing = append(result.Missing, orderID)
				continue
			}
		}
		return result, err
	}
	return result, nil
}

// ListSweepCandidates returns ids of orders in the given status whose
// reference timestamp is older than the cutoff.
func (r *OrderRepository) ListSweepCandidates(ctx context.Context, query repositories.SweepQuery) ([]string, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("order repository not initialised")
	}
	if query.Cutoff.IsZero() {
		return nil, errors.New("order repository: sweep cutoff is required")
	}
	limit := query.Limit
	if limit <= 0 {
		limit = 100
	}
	timeField := "createdAt"
	if query.ByUpdateTime {
		timeField = "updatedAt"
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.
			Where("status", "==", string(query.Status)).
			Where(timeField, "<", query.Cutoff.UTC()).
			OrderBy(timeField, firestore.Asc).
			Limit(limit)
	})
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		ids = append(ids, doc.ID)
	}
	return ids, nil
}

type orderDocument struct {
	OrderNumber      int64          `firestore:"orderNumber"`
	UserID           string         `firestore:"userId"`
	GoodsID          string         `firestore:"goodsId"`
	GoodsType        string         `firestore:"goodsType"`
	Quantity         int            `firestore:"qty"`
	PaymentMode      string         `firestore:"paymentMode"`
	UnitPrice        int64          `firestore:"unitPrice"`
	FinalAmount      int64          `firestore:"finalAmount"`
	Currency         string         `firestore:"currency"`
	CoinCost         int64          `firestore:"coinCost"`
	Status           string         `firestore:"status"`
	PayStatus        string         `firestore:"payStatus"`
	PayMethod        string         `firestore:"payMethod,omitempty"`
	PayTime          *time.Time     `firestore:"payTime,omitempty"`
	PaymentIntentRef string         `firestore:"paymentIntentRef,omitempty"`
	CancelReason     string         `firestore:"cancelReason,omitempty"`
	RefundReason     string         `firestore:"refundReason,omitempty"`
	RefundedAt       *time.Time     `firestore:"refundedAt,omitempty"`
	ShippedAt        *time.Time     `firestore:"shippedAt,omitempty"`
	CompletedAt      *time.Time     `firestore:"completedAt,omitempty"`
	CancelledAt      *time.Time     `firestore:"cancelledAt,omitempty"`
	Metadata         map[string]any `firestore:"metadata,omitempty"`
	CreatedAt        time.Time      `firestore:"createdAt"`
	UpdatedAt        time.Time      `firestore:"updatedAt"`
}

func encodeOrderDocument(order domain.Order) orderDocument {
	return orderDocument{
		OrderNumber:      int64(order.OrderNumber),
		UserID:           strings.TrimSpace(order.UserID),
		GoodsID:          strings.TrimSpace(order.GoodsID),
		GoodsType:        string(order.GoodsType),
		Quantity:         order.Quantity,
		PaymentMode:      string(order.PaymentMode),
		UnitPrice:        order.UnitPrice,
		FinalAmount:      order.FinalAmount,
		Currency:         strings.ToLower(strings.TrimSpace(order.Currency)),
		CoinCost:         order.CoinCost,
		Status:           string(order.Status),
		PayStatus:        string(order.PayStatus),
		PayMethod:        strings.TrimSpace(order.PayMethod),
		PayTime:          normalizeTimePointer(order.PayTime),
		PaymentIntentRef: stringValue(order.PaymentIntentRef),
		CancelReason:     stringValue(order.CancelReason),
		RefundReason:     stringValue(order.RefundReason),
		RefundedAt:       normalizeTimePointer(order.RefundedAt),
		ShippedAt:        normalizeTimePointer(order.ShippedAt),
		CompletedAt:      normalizeTimePointer(order.CompletedAt),
		CancelledAt:      normalizeTimePointer(order.CancelledAt),
		Metadata:         cloneMetadata(order.Metadata),
		CreatedAt:        order.CreateTime.UTC(),
		UpdatedAt:        order.UpdateTime.UTC(),
	}
}

func decodeOrderDocument(id string, doc orderDocument) domain.Order {
	return domain.Order{
		ID:               strings.TrimSpace(id),
		OrderNumber:      uint64(doc.OrderNumber),
		UserID:           strings.TrimSpace(doc.UserID),
		GoodsID:          strings.TrimSpace(doc.GoodsID),
		GoodsType:        domain.GoodsType(doc.GoodsType),
		Quantity:         doc.Quantity,
		PaymentMode:      domain.PaymentMode(doc.PaymentMode),
		UnitPrice:        doc.UnitPrice,
		FinalAmount:      doc.FinalAmount,
		Currency:         strings.TrimSpace(doc.Currency),
		CoinCost:         doc.CoinCost,
		Status:           domain.OrderStatus(doc.Status),
		PayStatus:        domain.PayStatus(doc.PayStatus),
		PayMethod:        strings.TrimSpace(doc.PayMethod),
		PayTime:          normalizeTimePointer(doc.PayTime),
		PaymentIntentRef: optionalString(doc.PaymentIntentRef),
		CancelReason:     optionalString(doc.CancelReason),
		RefundReason:     optionalString(doc.RefundReason),
		RefundedAt:       normalizeTimePointer(doc.RefundedAt),
		ShippedAt:        normalizeTimePointer(doc.ShippedAt),
		CompletedAt:      normalizeTimePointer(doc.CompletedAt),
		CancelledAt:      normalizeTimePointer(doc.CancelledAt),
		Metadata:         cloneMetadata(doc.Metadata),
		CreateTime:       doc.CreatedAt,
		UpdateTime:       doc.UpdatedAt,
	}
}

func buildStatusUpdates(next domain.StatusPair, update repositories.OrderUpdate) []firestore.Update {
	updates := []firestore.Update{
		{Path: "status", Value: string(next.Status)},
		{Path: "payStatus", Value: string(next.PayStatus)},
		{Path: "updatedAt", Value: update.UpdateTime.UTC()},
	}
	if update.PayMethod != nil {
		updates = append(updates, firestore.Update{Path: "payMethod", Value: strings.TrimSpace(*update.PayMethod)})
	}
	if update.PayTime != nil {
		updates = append(updates, firestore.Update{Path: "payTime", Value: update.PayTime.UTC()})
	}
	if update.PaymentIntentRef != nil {
		updates = append(updates, firestore.Update{Path: "paymentIntentRef", Value: strings.TrimSpace(*update.PaymentIntentRef)})
	}
	if update.CancelReason != nil {
		updates = append(updates, firestore.Update{Path: "cancelReason", Value: strings.TrimSpace(*update.CancelReason)})
	}
	if update.RefundReason != nil {
		updates = append(updates, firestore.Update{Path: "refundReason", Value: strings.TrimSpace(*update.RefundReason)})
	}
	if update.RefundedAt != nil {
		updates = append(updates, firestore.Update{Path: "refundedAt", Value: update.RefundedAt.UTC()})
	}
	if update.ShippedAt != nil {
		updates = append(updates, firestore.Update{Path: "shippedAt", Value: update.ShippedAt.UTC()})
	}
	if update.CompletedAt != nil {
		updates = append(updates, firestore.Update{Path: "completedAt", Value: update.CompletedAt.UTC()})
	}
	if update.CancelledAt != nil {
		updates = append(updates, firestore.Update{Path: "cancelledAt", Value: update.CancelledAt.UTC()})
	}
	return updates
}

func applyStatusUpdate(order domain.Order, next domain.StatusPair, update repositories.OrderUpdate) domain.Order {
	order.Status = next.Status
	order.PayStatus = next.PayStatus
	order.UpdateTime = update.UpdateTime.UTC()
	if update.PayMethod != nil {
		order.PayMethod = strings.TrimSpace(*update.PayMethod)
	}
	if update.PayTime != nil {
		order.PayTime = normalizeTimePointer(update.PayTime)
	}
	if update.PaymentIntentRef != nil {
		order.PaymentIntentRef = optionalString(*update.PaymentIntentRef)
	}
	if update.CancelReason != nil {
		order.CancelReason = optionalString(*update.CancelReason)
	}
	if update.RefundReason != nil {
		order.RefundReason = optionalString(*update.RefundReason)
	}
	if update.RefundedAt != nil {
		order.RefundedAt = normalizeTimePointer(update.RefundedAt)
	}
	if update.ShippedAt != nil {
		order.ShippedAt = normalizeTimePointer(update.ShippedAt)
	}
	if update.CompletedAt != nil {
		order.CompletedAt = normalizeTimePointer(update.CompletedAt)
	}
	if update.CancelledAt != nil {
		order.CancelledAt = normalizeTimePointer(update.CancelledAt)
	}
	return order
}

func normaliseOrderStatuses(statuses []domain.OrderStatus) []string {
	if len(statuses) == 0 {
		return nil
	}
	normalized := make([]string, 0, len(statuses))
	seen := make(map[string]struct{})
	for _, value := range statuses {
		trimmed := strings.ToLower(strings.TrimSpace(string(value)))
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		normalized = append(normalized, trimmed)
	}
	return normalized
}

func encodeOrderListToken(createdAt time.Time, docID string) string {
	payload := fmt.Sprintf("%s|%s", createdAt.UTC().Format(time.RFC3339Nano), docID)
	return base64.RawURLEncoding.EncodeToString([]byte(payload))
}

func decodeOrderListToken(token string) (time.Time, string, error) {
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return time.Time{}, "", err
	}
	parts := strings.SplitN(string(data), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", errors.New("invalid token structure")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", err
	}
	return ts, parts[1], nil
}

func cloneMetadata(src map[string]any) map[string]any {
	if len(src) == 0 {
		return nil
	}
	return maps.Clone(src)
}

func normalizeTimePointer(value *time.Time) *time.Time {
	if value == nil || value.IsZero() {
		return nil
	}
	ts := value.UTC()
	return &ts
}

func stringValue(value *string) string {
	if value == nil {
		return ""
	}
	return strings.TrimSpace(*value)
}

func optionalString(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
