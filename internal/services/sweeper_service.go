package services

import (
	"context"
	"errors"
	"time"

	domain "github.com/lumamart/orders/internal/domain"
	"github.com/lumamart/orders/internal/repositories"
)

const (
	sweepEventPass    = "sweep.pass"
	sweepEventFailure = "sweep.order.failed"

	sweepCancelReason   = "payment timeout"
	sweepCompleteReason = "auto-completed after shipping window"
)

// SweeperDeps bundles collaborators for the timeout sweeper.
type SweeperDeps struct {
	Orders    repositories.OrderRepository
	Lifecycle OrderService

	// Interval is the pause between passes when Run drives the loop.
	Interval time.Duration
	// UnpaidTimeout cancels pending orders older than this.
	UnpaidTimeout time.Duration
	// ShippedAutoComplete completes shipped orders idle longer than this.
	ShippedAutoComplete time.Duration
	// BatchSize bounds how many orders one pass touches per sweep.
	BatchSize int

	Clock  func() time.Time
	Logger func(ctx context.Context, event string, fields map[string]any)
}

type sweeperService struct {
	orders    repositories.OrderRepository
	lifecycle OrderService

	interval      time.Duration
	unpaidTimeout time.Duration
	autoComplete  time.Duration
	batchSize     int

	clock  func() time.Time
	logger func(context.Context, string, map[string]any)
}

var _ SweeperService = (*sweeperService)(nil)

// NewSweeperService builds the background sweeper that cancels stale unpaid
// orders and auto-completes shipped orders whose receipt was never confirmed.
func NewSweeperService(deps SweeperDeps) (SweeperService, error) {
	if deps.Orders == nil {
		return nil, errors.New("sweeper: order repository is required")
	}
	if deps.Lifecycle == nil {
		return nil, errors.New("sweeper: order service is required")
	}
	if deps.UnpaidTimeout <= 0 {
		return nil, errors.New("sweeper: unpaid timeout must be positive")
	}
	if deps.ShippedAutoComplete <= 0 {
		return nil, errors.New("sweeper: shipped auto-complete window must be positive")
	}

	interval := deps.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	batch := deps.BatchSize
	if batch <= 0 {
		batch = 100
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &sweeperService{
		orders:        deps.Orders,
		lifecycle:     deps.Lifecycle,
		interval:      interval,
		unpaidTimeout: deps.UnpaidTimeout,
		autoComplete:  deps.ShippedAutoComplete,
		batchSize:     batch,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Run executes sweep passes on the configured interval until ctx is cancelled.
// Pass failures are logged and the loop keeps going.
func (s *sweeperService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := s.RunOnce(ctx)
			if err != nil {
				s.logger(ctx, sweepEventFailure, map[string]any{"error": err.Error()})
				continue
			}
			s.logger(ctx, sweepEventPass, map[string]any{
				"unpaidCancelled":  report.UnpaidCancelled,
				"shippedCompleted": report.ShippedCompleted,
				"conflicts":        report.UnpaidConflicts + report.ShippedConflicts,
			})
		}
	}
}

// RunOnce performs both sweeps and reports what it touched. A conflict on one
// order, typically a payment callback winning the race, never aborts the pass.
func (s *sweeperService) RunOnce(ctx context.Context) (SweepReport, error) {
	report := SweepReport{StartedAt: s.clock()}

	if err := s.sweepUnpaid(ctx, &report); err != nil {
		return report, err
	}
	if err := s.sweepShipped(ctx, &report); err != nil {
		return report, err
	}

	report.FinishedAt = s.clock()
	return report, nil
}

func (s *sweeperService) sweepUnpaid(ctx context.Context, report *SweepReport) error {
	ids, err := s.orders.ListSweepCandidates(ctx, repositories.SweepQuery{
		Status: domain.OrderStatusPending,
		Cutoff: s.clock().Add(-s.unpaidTimeout),
		Limit:  s.batchSize,
	})
	if err != nil {
		return mapRepositoryError(err, ErrOrderNotFound, ErrOrderConflict)
	}

	report.UnpaidScanned = len(ids)
	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		cancelled, err := s.lifecycle.CancelOrder(ctx, CancelOrderCommand{
			OrderID:  id,
			Operator: true,
			Reason:   sweepCancelReason,
		})
		switch {
		case err == nil && cancelled:
			report.UnpaidCancelled++
		case err == nil:
			// Already terminal; a payment or manual cancel got there first.
		case errors.Is(err, ErrOrderConflict):
			report.UnpaidConflicts++
			s.logger(ctx, sweepEventFailure, map[string]any{"orderId": id, "error": err.Error()})
		default:
			s.logger(ctx, sweepEventFailure, map[string]any{"orderId": id, "error": err.Error()})
		}
	}
	return nil
}

func (s *sweeperService) sweepShipped(ctx context.Context, report *SweepReport) error {
	ids, err := s.orders.ListSweepCandidates(ctx, repositories.SweepQuery{
		Status:       domain.OrderStatusShipped,
		ByUpdateTime: true,
		Cutoff:       s.clock().Add(-s.autoComplete),
		Limit:        s.batchSize,
	})
	if err != nil {
		return mapRepositoryError(err, ErrOrderNotFound, ErrOrderConflict)
	}

	report.ShippedScanned = len(ids)
	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		_, err := s.lifecycle.CompleteOrder(ctx, CompleteOrderCommand{
			OrderID: id,
			Reason:  sweepCompleteReason,
		})
		switch {
		case err == nil:
			report.ShippedCompleted++
		case errors.Is(err, ErrOrderConflict):
			report.ShippedConflicts++
			s.logger(ctx, sweepEventFailure, map[string]any{"orderId": id, "error": err.Error()})
		case errors.Is(err, ErrOrderInvalidState):
			// Receipt confirmed between listing and completion; nothing to do.
		default:
			s.logger(ctx, sweepEventFailure, map[string]any{"orderId": id, "error": err.Error()})
		}
	}
	return nil
}
