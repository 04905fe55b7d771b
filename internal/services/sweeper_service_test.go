package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/lumamart/orders/internal/domain"
	"github.com/lumamart/orders/internal/repositories"
)

// stubLifecycle covers only the two operations the sweeper drives.
type stubLifecycle struct {
	OrderService

	cancelFn   func(ctx context.Context, cmd CancelOrderCommand) (bool, error)
	completeFn func(ctx context.Context, cmd CompleteOrderCommand) (Order, error)
}

func (s *stubLifecycle) CancelOrder(ctx context.Context, cmd CancelOrderCommand) (bool, error) {
	if s.cancelFn == nil {
		return false, errors.New("unexpected CancelOrder call")
	}
	return s.cancelFn(ctx, cmd)
}

func (s *stubLifecycle) CompleteOrder(ctx context.Context, cmd CompleteOrderCommand) (Order, error) {
	if s.completeFn == nil {
		return Order{}, errors.New("unexpected CompleteOrder call")
	}
	return s.completeFn(ctx, cmd)
}

func newSweeper(t *testing.T, orders *stubOrderRepo, lifecycle *stubLifecycle, now time.Time) SweeperService {
	t.Helper()
	svc, err := NewSweeperService(SweeperDeps{
		Orders:              orders,
		Lifecycle:           lifecycle,
		Interval:            time.Minute,
		UnpaidTimeout:       30 * time.Minute,
		ShippedAutoComplete: 7 * 24 * time.Hour,
		BatchSize:           50,
		Clock:               fixedClock(now),
	})
	if err != nil {
		t.Fatalf("NewSweeperService: %v", err)
	}
	return svc
}

func TestRunOnceCancelsStaleUnpaidOrders(t *testing.T) {
	now := time.Date(2026, time.March, 3, 12, 0, 0, 0, time.UTC)

	var queries []repositories.SweepQuery
	orders := &stubOrderRepo{
		listSweepCandidatesFn: func(ctx context.Context, query repositories.SweepQuery) ([]string, error) {
			queries = append(queries, query)
			if query.Status == domain.OrderStatusPending {
				return []string{"ord_a", "ord_b", "ord_c"}, nil
			}
			return nil, nil
		},
	}

	var cancelled []string
	lifecycle := &stubLifecycle{
		cancelFn: func(ctx context.Context, cmd CancelOrderCommand) (bool, error) {
			cancelled = append(cancelled, cmd.OrderID)
			if cmd.Reason != sweepCancelReason {
				t.Fatalf("unexpected cancel reason %q", cmd.Reason)
			}
			if !cmd.Operator {
				t.Fatal("sweeper must cancel as operator")
			}
			// ord_b was paid in the meantime: terminal no-op, not an error.
			return cmd.OrderID != "ord_b", nil
		},
	}

	report, err := newSweeper(t, orders, lifecycle, now).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(cancelled) != 3 {
		t.Fatalf("expected 3 cancel attempts, got %v", cancelled)
	}
	if report.UnpaidScanned != 3 || report.UnpaidCancelled != 2 || report.UnpaidConflicts != 0 {
		t.Fatalf("unexpected report %+v", report)
	}

	if len(queries) != 2 {
		t.Fatalf("expected two sweep queries, got %d", len(queries))
	}
	unpaid := queries[0]
	if unpaid.ByUpdateTime {
		t.Fatal("unpaid sweep scans on createTime")
	}
	if want := now.Add(-30 * time.Minute); !unpaid.Cutoff.Equal(want) {
		t.Fatalf("unpaid cutoff %v, want %v", unpaid.Cutoff, want)
	}
	shipped := queries[1]
	if shipped.Status != domain.OrderStatusShipped || !shipped.ByUpdateTime {
		t.Fatalf("unexpected shipped query %+v", shipped)
	}
	if want := now.Add(-7 * 24 * time.Hour); !shipped.Cutoff.Equal(want) {
		t.Fatalf("shipped cutoff %v, want %v", shipped.Cutoff, want)
	}
}

func TestRunOnceAutoCompletesShippedOrders(t *testing.T) {
	now := time.Date(2026, time.March, 3, 12, 0, 0, 0, time.UTC)
	orders := &stubOrderRepo{
		listSweepCandidatesFn: func(ctx context.Context, query repositories.SweepQuery) ([]string, error) {
			if query.Status == domain.OrderStatusShipped {
				return []string{"ord_x", "ord_y"}, nil
			}
			return nil, nil
		},
	}

	var completed []string
	lifecycle := &stubLifecycle{
		completeFn: func(ctx context.Context, cmd CompleteOrderCommand) (Order, error) {
			completed = append(completed, cmd.OrderID)
			if cmd.Reason != sweepCompleteReason {
				t.Fatalf("unexpected completion reason %q", cmd.Reason)
			}
			return testOrder(), nil
		},
	}

	report, err := newSweeper(t, orders, lifecycle, now).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(completed) != 2 {
		t.Fatalf("expected 2 completions, got %v", completed)
	}
	if report.ShippedScanned != 2 || report.ShippedCompleted != 2 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestRunOnceIsolatesPerOrderFailures(t *testing.T) {
	now := time.Date(2026, time.March, 3, 12, 0, 0, 0, time.UTC)
	orders := &stubOrderRepo{
		listSweepCandidatesFn: func(ctx context.Context, query repositories.SweepQuery) ([]string, error) {
			if query.Status == domain.OrderStatusPending {
				return []string{"ord_conflict", "ord_ok"}, nil
			}
			return []string{"ord_confirmed", "ord_done"}, nil
		},
	}

	lifecycle := &stubLifecycle{
		cancelFn: func(ctx context.Context, cmd CancelOrderCommand) (bool, error) {
			if cmd.OrderID == "ord_conflict" {
				return false, ErrOrderConflict
			}
			return true, nil
		},
		completeFn: func(ctx context.Context, cmd CompleteOrderCommand) (Order, error) {
			if cmd.OrderID == "ord_confirmed" {
				// Receipt confirmed between listing and completion.
				return Order{}, ErrOrderInvalidState
			}
			return testOrder(), nil
		},
	}

	report, err := newSweeper(t, orders, lifecycle, now).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.UnpaidCancelled != 1 || report.UnpaidConflicts != 1 {
		t.Fatalf("unexpected unpaid counts %+v", report)
	}
	if report.ShippedCompleted != 1 || report.ShippedConflicts != 0 {
		t.Fatalf("unexpected shipped counts %+v", report)
	}
}

func TestRunOnceStopsOnListFailure(t *testing.T) {
	now := time.Date(2026, time.March, 3, 12, 0, 0, 0, time.UTC)
	orders := &stubOrderRepo{
		listSweepCandidatesFn: func(ctx context.Context, query repositories.SweepQuery) ([]string, error) {
			return nil, unavailableErr()
		},
	}

	_, err := newSweeper(t, orders, &stubLifecycle{}, now).RunOnce(context.Background())
	if err == nil {
		t.Fatal("expected error when candidate listing fails")
	}
}

func TestRunStopsWhenContextCancelled(t *testing.T) {
	orders := &stubOrderRepo{
		listSweepCandidatesFn: func(ctx context.Context, query repositories.SweepQuery) ([]string, error) {
			return nil, nil
		},
	}
	svc, err := NewSweeperService(SweeperDeps{
		Orders:              orders,
		Lifecycle:           &stubLifecycle{},
		Interval:            time.Millisecond,
		UnpaidTimeout:       time.Minute,
		ShippedAutoComplete: time.Minute,
	})
	if err != nil {
		t.Fatalf("NewSweeperService: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
