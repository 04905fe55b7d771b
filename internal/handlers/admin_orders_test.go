package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/lumamart/orders/internal/domain"
	"github.com/lumamart/orders/internal/platform/requestctx"
	"github.com/lumamart/orders/internal/services"
)

type stubSweeperService struct {
	runOnceFn func(ctx context.Context) (services.SweepReport, error)
}

var _ services.SweeperService = (*stubSweeperService)(nil)

func (s *stubSweeperService) Run(context.Context) {}

func (s *stubSweeperService) RunOnce(ctx context.Context) (services.SweepReport, error) {
	if s.runOnceFn == nil {
		return services.SweepReport{}, nil
	}
	return s.runOnceFn(ctx)
}

type stubSystemService struct {
	auditsFn func(ctx context.Context, pager services.Pagination) (domain.CursorPage[services.ReconcileAudit], error)
}

var _ services.SystemService = (*stubSystemService)(nil)

func (s *stubSystemService) HealthReport(context.Context) (services.SystemHealthReport, error) {
	return services.SystemHealthReport{Status: domain.HealthStatusOK}, nil
}

func (s *stubSystemService) ListReconcileAudits(ctx context.Context, pager services.Pagination) (domain.CursorPage[services.ReconcileAudit], error) {
	if s.auditsFn == nil {
		return domain.CursorPage[services.ReconcileAudit]{}, nil
	}
	return s.auditsFn(ctx, pager)
}

func newAdminTestRouter(orders services.OrderService, system services.SystemService, sweeper services.SweeperService) chi.Router {
	r := chi.NewRouter()
	r.Route("/admin", NewAdminOrderHandlers(orders, system, sweeper).Routes)
	return r
}

func doAdminRequest(t *testing.T, router chi.Router, method, target, operatorID, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if operatorID != "" {
		req = req.WithContext(requestctx.WithUserID(req.Context(), operatorID))
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestAdminListOrdersFiltersByUser(t *testing.T) {
	var gotFilter services.OrderListFilter
	orders := &stubOrderService{
		listFn: func(_ context.Context, filter services.OrderListFilter) (domain.CursorPage[services.Order], error) {
			gotFilter = filter
			return domain.CursorPage[services.Order]{}, nil
		},
	}
	router := newAdminTestRouter(orders, &stubSystemService{}, &stubSweeperService{})

	rr := doAdminRequest(t, router, http.MethodGet, "/admin/orders?user_id=usr_bob&status=shipped", "op_carol", "")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if !gotFilter.Operator {
		t.Fatal("expected operator flag set")
	}
	if gotFilter.UserID != "usr_bob" || gotFilter.ActorID != "op_carol" {
		t.Fatalf("unexpected filter %+v", gotFilter)
	}
	if len(gotFilter.Status) != 1 || gotFilter.Status[0] != domain.OrderStatusShipped {
		t.Fatalf("unexpected status filter %v", gotFilter.Status)
	}
}

func TestAdminShipOrderReturnsShippedOrder(t *testing.T) {
	var gotCmd services.ShipOrderCommand
	orders := &stubOrderService{
		shipFn: func(_ context.Context, cmd services.ShipOrderCommand) (services.Order, error) {
			gotCmd = cmd
			shipped := time.Date(2025, 3, 2, 9, 0, 0, 0, time.UTC)
			return services.Order{
				ID:          cmd.OrderID,
				OrderNumber: 8123456,
				Status:      domain.OrderStatusShipped,
				PayStatus:   domain.PayStatusPaid,
				ShippedAt:   &shipped,
			}, nil
		},
	}
	router := newAdminTestRouter(orders, &stubSystemService{}, &stubSweeperService{})

	rr := doAdminRequest(t, router, http.MethodPost, "/admin/orders/ord_01SHIP:ship", "op_carol", "")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if gotCmd.OrderID != "ord_01SHIP" || gotCmd.OperatorID != "op_carol" {
		t.Fatalf("unexpected command %+v", gotCmd)
	}
	var resp orderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Order.Status != string(domain.OrderStatusShipped) || resp.Order.ShippedAt == "" {
		t.Fatalf("unexpected order %+v", resp.Order)
	}
}

func TestAdminShipOrderRequiresOperatorIdentity(t *testing.T) {
	router := newAdminTestRouter(&stubOrderService{}, &stubSystemService{}, &stubSweeperService{})

	rr := doAdminRequest(t, router, http.MethodPost, "/admin/orders/ord_01SHIP:ship", "", "")

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestAdminCancelOrderSetsOperatorFlag(t *testing.T) {
	var gotCmd services.CancelOrderCommand
	orders := &stubOrderService{
		cancelFn: func(_ context.Context, cmd services.CancelOrderCommand) (bool, error) {
			gotCmd = cmd
			return true, nil
		},
	}
	router := newAdminTestRouter(orders, &stubSystemService{}, &stubSweeperService{})

	rr := doAdminRequest(t, router, http.MethodPost, "/admin/orders/ord_01FORCE:cancel", "op_carol", `{"reason":"fraud review"}`)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !gotCmd.Operator || gotCmd.Reason != "fraud review" {
		t.Fatalf("unexpected command %+v", gotCmd)
	}
}

func TestAdminRefundPassesOperatorContext(t *testing.T) {
	var gotCmd services.RefundOrderCommand
	orders := &stubOrderService{
		refundFn: func(_ context.Context, cmd services.RefundOrderCommand) (services.ReconcileResult, error) {
			gotCmd = cmd
			return services.ReconcileResult{Status: services.ReconcileApplied}, nil
		},
	}
	router := newAdminTestRouter(orders, &stubSystemService{}, &stubSweeperService{})

	rr := doAdminRequest(t, router, http.MethodPost, "/admin/orders/ord_01REF:refund", "op_carol", `{"reason":"support escalation"}`)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !gotCmd.Operator || gotCmd.ActorID != "op_carol" {
		t.Fatalf("unexpected command %+v", gotCmd)
	}
}

func TestAdminListReconcileAudits(t *testing.T) {
	received := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	system := &stubSystemService{
		auditsFn: func(_ context.Context, pager services.Pagination) (domain.CursorPage[services.ReconcileAudit], error) {
			if pager.PageSize != 5 {
				t.Fatalf("unexpected page size %d", pager.PageSize)
			}
			return domain.CursorPage[services.ReconcileAudit]{
				Items: []services.ReconcileAudit{{
					ID:          "aud_1",
					OrderID:     "ord_01LATE",
					OrderNumber: 7120394,
					Reason:      "late_payment_on_terminal_order",
					PayMethod:   "card",
					ReceivedAt:  received,
				}},
				NextPageToken: "aud-next",
			}, nil
		},
	}
	router := newAdminTestRouter(&stubOrderService{}, system, &stubSweeperService{})

	rr := doAdminRequest(t, router, http.MethodGet, "/admin/reconcile-audits?page_size=5", "op_carol", "")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp reconcileAuditListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Items) != 1 || resp.Items[0].Reason != "late_payment_on_terminal_order" {
		t.Fatalf("unexpected audit list %+v", resp)
	}
	if resp.NextPageToken != "aud-next" {
		t.Fatalf("unexpected next token %q", resp.NextPageToken)
	}
}

func TestAdminRunSweepReportsCounts(t *testing.T) {
	sweeper := &stubSweeperService{
		runOnceFn: func(context.Context) (services.SweepReport, error) {
			return services.SweepReport{
				UnpaidScanned:    3,
				UnpaidCancelled:  2,
				UnpaidConflicts:  1,
				ShippedScanned:   1,
				ShippedCompleted: 1,
				StartedAt:        time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
				FinishedAt:       time.Date(2025, 3, 1, 12, 0, 1, 0, time.UTC),
			}, nil
		},
	}
	router := newAdminTestRouter(&stubOrderService{}, &stubSystemService{}, sweeper)

	rr := doAdminRequest(t, router, http.MethodPost, "/admin/sweeps:run", "op_carol", "")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp sweepReportPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.UnpaidCancelled != 2 || resp.ShippedCompleted != 1 {
		t.Fatalf("unexpected report %+v", resp)
	}
}

func TestAdminRunSweepFailureMapsToServerError(t *testing.T) {
	sweeper := &stubSweeperService{
		runOnceFn: func(context.Context) (services.SweepReport, error) {
			return services.SweepReport{}, errors.New("firestore unavailable")
		},
	}
	router := newAdminTestRouter(&stubOrderService{}, &stubSystemService{}, sweeper)

	rr := doAdminRequest(t, router, http.MethodPost, "/admin/sweeps:run", "op_carol", "")

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
}
