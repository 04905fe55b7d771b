package services

import (
	"errors"
	"fmt"

	domain "github.com/lumamart/orders/internal/domain"
)

// TransitionEvent is an input to the order state machine.
type TransitionEvent string

const (
	// EventPay records successful settlement (cash callback or coin debit).
	EventPay TransitionEvent = "pay"
	// EventCancel cancels an order that has not settled.
	EventCancel TransitionEvent = "cancel"
	// EventShip marks a paid physical order as handed to the carrier.
	EventShip TransitionEvent = "ship"
	// EventConfirmReceipt confirms delivery, completing fulfillment.
	EventConfirmReceipt TransitionEvent = "confirm_receipt"
	// EventRefund reverses settlement after the provider accepted the refund.
	EventRefund TransitionEvent = "refund"
)

var (
	// ErrTransitionAlreadyTerminal rejects events against cancelled orders and
	// non-refund events against completed ones.
	ErrTransitionAlreadyTerminal = errors.New("order state: already terminal")
	// ErrTransitionInvalidEvent rejects events the current state does not accept.
	ErrTransitionInvalidEvent = errors.New("order state: invalid event for state")
	// ErrTransitionAlreadySettled rejects a payment event when settlement has
	// already been recorded. Callers treat it as an idempotent duplicate.
	ErrTransitionAlreadySettled = errors.New("order state: payment already settled")
)

// Transition computes the next status pair for an order, or rejects the event.
// Pure: no I/O, no clock. The goods type decides whether payment collapses
// straight to completed (virtual goods) or stops at paid awaiting shipment.
//
// Status axis: pending -> {paid, cancelled}; paid -> {shipped, cancelled};
// shipped -> completed; completed and cancelled are terminal. The payStatus
// axis moves unpaid -> paid -> refunded independently; a completed order can
// still move to refunded on payStatus while its status stays completed.
func Transition(goods domain.GoodsType, current domain.StatusPair, event TransitionEvent) (domain.StatusPair, error) {
	switch event {
	case EventPay:
		return transitionPay(goods, current)
	case EventCancel:
		return transitionCancel(current)
	case EventShip:
		return transitionShip(goods, current)
	case EventConfirmReceipt:
		return transitionConfirmReceipt(current)
	case EventRefund:
		return transitionRefund(current)
	default:
		return domain.StatusPair{}, fmt.Errorf("%w: unknown event %q", ErrTransitionInvalidEvent, event)
	}
}

func transitionPay(goods domain.GoodsType, current domain.StatusPair) (domain.StatusPair, error) {
	if current.PayStatus == domain.PayStatusPaid || current.PayStatus == domain.PayStatusRefunded {
		return domain.StatusPair{}, fmt.Errorf("%w: payStatus=%s", ErrTransitionAlreadySettled, current.PayStatus)
	}
	if current.Status != domain.OrderStatusPending {
		if current.Status.Terminal() {
			return domain.StatusPair{}, fmt.Errorf("%w: status=%s", ErrTransitionAlreadyTerminal, current.Status)
		}
		return domain.StatusPair{}, fmt.Errorf("%w: pay on status=%s", ErrTransitionInvalidEvent, current.Status)
	}

	if goods.Virtual() {
		// No fulfillment step: settlement completes the order in one move.
		return domain.StatusPair{Status: domain.OrderStatusCompleted, PayStatus: domain.PayStatusPaid}, nil
	}
	return domain.StatusPair{Status: domain.OrderStatusPaid, PayStatus: domain.PayStatusPaid}, nil
}

func transitionCancel(current domain.StatusPair) (domain.StatusPair, error) {
	switch current.Status {
	case domain.OrderStatusPending:
		return domain.StatusPair{Status: domain.OrderStatusCancelled, PayStatus: current.PayStatus}, nil
	case domain.OrderStatusCompleted, domain.OrderStatusCancelled:
		return domain.StatusPair{}, fmt.Errorf("%w: status=%s", ErrTransitionAlreadyTerminal, current.Status)
	default:
		// Paid or shipped orders leave only through the refund path.
		return domain.StatusPair{}, fmt.Errorf("%w: cancel on status=%s", ErrTransitionInvalidEvent, current.Status)
	}
}

func transitionShip(goods domain.GoodsType, current domain.StatusPair) (domain.StatusPair, error) {
	if goods.Virtual() {
		return domain.StatusPair{}, fmt.Errorf("%w: virtual goods do not ship", ErrTransitionInvalidEvent)
	}
	if current.Status.Terminal() {
		return domain.StatusPair{}, fmt.Errorf("%w: status=%s", ErrTransitionAlreadyTerminal, current.Status)
	}
	if current.Status != domain.OrderStatusPaid || current.PayStatus != domain.PayStatusPaid {
		return domain.StatusPair{}, fmt.Errorf("%w: ship on status=%s payStatus=%s", ErrTransitionInvalidEvent, current.Status, current.PayStatus)
	}
	return domain.StatusPair{Status: domain.OrderStatusShipped, PayStatus: current.PayStatus}, nil
}

func transitionConfirmReceipt(current domain.StatusPair) (domain.StatusPair, error) {
	if current.Status.Terminal() {
		return domain.StatusPair{}, fmt.Errorf("%w: status=%s", ErrTransitionAlreadyTerminal, current.Status)
	}
	if current.Status != domain.OrderStatusShipped {
		return domain.StatusPair{}, fmt.Errorf("%w: confirm receipt on status=%s", ErrTransitionInvalidEvent, current.Status)
	}
	return domain.StatusPair{Status: domain.OrderStatusCompleted, PayStatus: current.PayStatus}, nil
}

func transitionRefund(current domain.StatusPair) (domain.StatusPair, error) {
	if current.PayStatus != domain.PayStatusPaid {
		if current.PayStatus == domain.PayStatusRefunded {
			return domain.StatusPair{}, fmt.Errorf("%w: already refunded", ErrTransitionAlreadySettled)
		}
		return domain.StatusPair{}, fmt.Errorf("%w: refund on payStatus=%s", ErrTransitionInvalidEvent, current.PayStatus)
	}

	switch current.Status {
	case domain.OrderStatusPaid:
		// Pre-fulfillment refund also cancels the order.
		return domain.StatusPair{Status: domain.OrderStatusCancelled, PayStatus: domain.PayStatusRefunded}, nil
	case domain.OrderStatusCompleted:
		// Post-fulfillment refund: settlement reverses, fulfillment stands.
		return domain.StatusPair{Status: domain.OrderStatusCompleted, PayStatus: domain.PayStatusRefunded}, nil
	case domain.OrderStatusCancelled:
		return domain.StatusPair{}, fmt.Errorf("%w: status=%s", ErrTransitionAlreadyTerminal, current.Status)
	default:
		return domain.StatusPair{}, fmt.Errorf("%w: refund on status=%s", ErrTransitionInvalidEvent, current.Status)
	}
}
