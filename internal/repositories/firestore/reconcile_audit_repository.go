package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/lumamart/orders/internal/domain"
	pfirestore "github.com/lumamart/orders/internal/platform/firestore"
	"github.com/lumamart/orders/internal/repositories"
)

const reconcileAuditsCollection = "reconcileAudits"

// ReconcileAuditRepository stores rejected payment callbacks for manual review.
type ReconcileAuditRepository struct {
	base *pfirestore.Collection[reconcileAuditDocument]
}

var _ repositories.ReconcileAuditRepository = (*ReconcileAuditRepository)(nil)

// NewReconcileAuditRepository constructs a Firestore-backed audit repository.
func NewReconcileAuditRepository(provider *pfirestore.Provider) (*ReconcileAuditRepository, error) {
	if provider == nil {
		return nil, errors.New("reconcile audit repository: firestore provider is required")
	}
	base := pfirestore.NewCollection[reconcileAuditDocument](provider, reconcileAuditsCollection)
	return &ReconcileAuditRepository{base: base}, nil
}

// Append stores a new audit entry. Entries are immutable once written.
func (r *ReconcileAuditRepository) Append(ctx context.Context, entry domain.ReconcileAudit) error {
	if r == nil || r.base == nil {
		return errors.New("reconcile audit repository not initialised")
	}
	entryID := strings.TrimSpace(entry.ID)
	if entryID == "" {
		return errors.New("reconcile audit repository: entry id is required")
	}
	docRef, err := r.base.Doc(ctx, entryID)
	if err != nil {
		return err
	}
	if _, err := docRef.Create(ctx, encodeReconcileAuditDocument(entry)); err != nil {
		return pfirestore.WrapError("reconcile_audits.append", err)
	}
	return nil
}

// List returns audit entries ordered by most recent receipt.
func (r *ReconcileAuditRepository) List(ctx context.Context, pager domain.Pagination) (domain.CursorPage[domain.ReconcileAudit], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.ReconcileAudit]{}, errors.New("reconcile audit repository not initialised")
	}

	limit := pager.PageSize
	if limit < 0 {
		limit = 0
	}
	fetchLimit := limit
	if limit > 0 {
		fetchLimit = limit + 1
	}

	var startAfter []any
	if token := strings.TrimSpace(pager.PageToken); token != "" {
		tokenTime, tokenID, err := decodeOrderListToken(token)
		if err != nil {
			return domain.CursorPage[domain.ReconcileAudit]{}, fmt.Errorf("reconcile audit repository: invalid page token: %w", err)
		}
		startAfter = []any{tokenTime, tokenID}
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.OrderBy("receivedAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if len(startAfter) == 2 {
			q = q.StartAfter(startAfter...)
		}
		if fetchLimit > 0 {
			q = q.Limit(fetchLimit)
		}
		return q
	})
	if err != nil {
		return domain.CursorPage[domain.ReconcileAudit]{}, err
	}

	valueDocs := docs
	nextToken := ""
	if limit > 0 && len(valueDocs) == fetchLimit {
		last := valueDocs[len(valueDocs)-1]
		tokenTime := last.Data.ReceivedAt
		if tokenTime.IsZero() {
			tokenTime = last.CreateTime
		}
		nextToken = encodeOrderListToken(tokenTime, last.ID)
		valueDocs = valueDocs[:len(valueDocs)-1]
	}

	items := make([]domain.ReconcileAudit, 0, len(valueDocs))
	for _, doc := range valueDocs {
		items = append(items, decodeReconcileAuditDocument(doc.ID, doc.Data))
	}

	return domain.CursorPage[domain.ReconcileAudit]{
		Items:         items,
		NextPageToken: nextToken,
	}, nil
}

type reconcileAuditDocument struct {
	OrderID     string         `firestore:"orderId"`
	OrderNumber int64          `firestore:"orderNumber"`
	Reason      string         `firestore:"reason"`
	PayMethod   string         `firestore:"payMethod,omitempty"`
	ReceivedAt  time.Time      `firestore:"receivedAt"`
	Metadata    map[string]any `firestore:"metadata,omitempty"`
}

func encodeReconcileAuditDocument(entry domain.ReconcileAudit) reconcileAuditDocument {
	return reconcileAuditDocument{
		OrderID:     strings.TrimSpace(entry.OrderID),
		OrderNumber: int64(entry.OrderNumber),
		Reason:      strings.TrimSpace(entry.Reason),
		PayMethod:   strings.TrimSpace(entry.PayMethod),
		ReceivedAt:  entry.ReceivedAt.UTC(),
		Metadata:    cloneMetadata(entry.Metadata),
	}
}

func decodeReconcileAuditDocument(id string, doc reconcileAuditDocument) domain.ReconcileAudit {
	return domain.ReconcileAudit{
		ID:          strings.TrimSpace(id),
		OrderID:     strings.TrimSpace(doc.OrderID),
		OrderNumber: uint64(doc.OrderNumber),
		Reason:      strings.TrimSpace(doc.Reason),
		PayMethod:   strings.TrimSpace(doc.PayMethod),
		ReceivedAt:  doc.ReceivedAt,
		Metadata:    cloneMetadata(doc.Metadata),
	}
}
