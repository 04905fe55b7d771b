package services

import (
	"errors"
	"testing"

	domain "github.com/lumamart/orders/internal/domain"
)

func pair(status domain.OrderStatus, pay domain.PayStatus) domain.StatusPair {
	return domain.StatusPair{Status: status, PayStatus: pay}
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		name    string
		goods   domain.GoodsType
		current domain.StatusPair
		event   TransitionEvent
		want    domain.StatusPair
		wantErr error
	}{
		{
			name:    "pay virtual collapses to completed",
			goods:   domain.GoodsTypeContent,
			current: pair(domain.OrderStatusPending, domain.PayStatusUnpaid),
			event:   EventPay,
			want:    pair(domain.OrderStatusCompleted, domain.PayStatusPaid),
		},
		{
			name:    "pay coin goods collapses to completed",
			goods:   domain.GoodsTypeCoin,
			current: pair(domain.OrderStatusPending, domain.PayStatusUnpaid),
			event:   EventPay,
			want:    pair(domain.OrderStatusCompleted, domain.PayStatusPaid),
		},
		{
			name:    "pay subscription collapses to completed",
			goods:   domain.GoodsTypeSubscription,
			current: pair(domain.OrderStatusPending, domain.PayStatusUnpaid),
			event:   EventPay,
			want:    pair(domain.OrderStatusCompleted, domain.PayStatusPaid),
		},
		{
			name:    "pay physical stops at paid",
			goods:   domain.GoodsTypePhysical,
			current: pair(domain.OrderStatusPending, domain.PayStatusUnpaid),
			event:   EventPay,
			want:    pair(domain.OrderStatusPaid, domain.PayStatusPaid),
		},
		{
			name:    "duplicate pay is already settled",
			goods:   domain.GoodsTypePhysical,
			current: pair(domain.OrderStatusPaid, domain.PayStatusPaid),
			event:   EventPay,
			wantErr: ErrTransitionAlreadySettled,
		},
		{
			name:    "pay on cancelled is terminal",
			goods:   domain.GoodsTypeContent,
			current: pair(domain.OrderStatusCancelled, domain.PayStatusUnpaid),
			event:   EventPay,
			wantErr: ErrTransitionAlreadyTerminal,
		},
		{
			name:    "pay on refunded is already settled",
			goods:   domain.GoodsTypePhysical,
			current: pair(domain.OrderStatusCancelled, domain.PayStatusRefunded),
			event:   EventPay,
			wantErr: ErrTransitionAlreadySettled,
		},
		{
			name:    "cancel pending",
			goods:   domain.GoodsTypePhysical,
			current: pair(domain.OrderStatusPending, domain.PayStatusUnpaid),
			event:   EventCancel,
			want:    pair(domain.OrderStatusCancelled, domain.PayStatusUnpaid),
		},
		{
			name:    "cancel paid rejected",
			goods:   domain.GoodsTypePhysical,
			current: pair(domain.OrderStatusPaid, domain.PayStatusPaid),
			event:   EventCancel,
			wantErr: ErrTransitionInvalidEvent,
		},
		{
			name:    "cancel shipped rejected",
			goods:   domain.GoodsTypePhysical,
			current: pair(domain.OrderStatusShipped, domain.PayStatusPaid),
			event:   EventCancel,
			wantErr: ErrTransitionInvalidEvent,
		},
		{
			name:    "cancel cancelled is terminal",
			goods:   domain.GoodsTypePhysical,
			current: pair(domain.OrderStatusCancelled, domain.PayStatusUnpaid),
			event:   EventCancel,
			wantErr: ErrTransitionAlreadyTerminal,
		},
		{
			name:    "cancel completed is terminal",
			goods:   domain.GoodsTypeContent,
			current: pair(domain.OrderStatusCompleted, domain.PayStatusPaid),
			event:   EventCancel,
			wantErr: ErrTransitionAlreadyTerminal,
		},
		{
			name:    "ship paid physical",
			goods:   domain.GoodsTypePhysical,
			current: pair(domain.OrderStatusPaid, domain.PayStatusPaid),
			event:   EventShip,
			want:    pair(domain.OrderStatusShipped, domain.PayStatusPaid),
		},
		{
			name:    "ship virtual rejected",
			goods:   domain.GoodsTypeSubscription,
			current: pair(domain.OrderStatusPaid, domain.PayStatusPaid),
			event:   EventShip,
			wantErr: ErrTransitionInvalidEvent,
		},
		{
			name:    "ship pending rejected",
			goods:   domain.GoodsTypePhysical,
			current: pair(domain.OrderStatusPending, domain.PayStatusUnpaid),
			event:   EventShip,
			wantErr: ErrTransitionInvalidEvent,
		},
		{
			name:    "ship cancelled is terminal",
			goods:   domain.GoodsTypePhysical,
			current: pair(domain.OrderStatusCancelled, domain.PayStatusUnpaid),
			event:   EventShip,
			wantErr: ErrTransitionAlreadyTerminal,
		},
		{
			name:    "confirm receipt shipped",
			goods:   domain.GoodsTypePhysical,
			current: pair(domain.OrderStatusShipped, domain.PayStatusPaid),
			event:   EventConfirmReceipt,
			want:    pair(domain.OrderStatusCompleted, domain.PayStatusPaid),
		},
		{
			name:    "confirm receipt before shipping rejected",
			goods:   domain.GoodsTypePhysical,
			current: pair(domain.OrderStatusPaid, domain.PayStatusPaid),
			event:   EventConfirmReceipt,
			wantErr: ErrTransitionInvalidEvent,
		},
		{
			name:    "confirm receipt completed is terminal",
			goods:   domain.GoodsTypePhysical,
			current: pair(domain.OrderStatusCompleted, domain.PayStatusPaid),
			event:   EventConfirmReceipt,
			wantErr: ErrTransitionAlreadyTerminal,
		},
		{
			name:    "refund paid pre-fulfillment cancels",
			goods:   domain.GoodsTypePhysical,
			current: pair(domain.OrderStatusPaid, domain.PayStatusPaid),
			event:   EventRefund,
			want:    pair(domain.OrderStatusCancelled, domain.PayStatusRefunded),
		},
		{
			name:    "refund completed keeps status",
			goods:   domain.GoodsTypeContent,
			current: pair(domain.OrderStatusCompleted, domain.PayStatusPaid),
			event:   EventRefund,
			want:    pair(domain.OrderStatusCompleted, domain.PayStatusRefunded),
		},
		{
			name:    "refund shipped rejected",
			goods:   domain.GoodsTypePhysical,
			current: pair(domain.OrderStatusShipped, domain.PayStatusPaid),
			event:   EventRefund,
			wantErr: ErrTransitionInvalidEvent,
		},
		{
			name:    "refund unpaid rejected",
			goods:   domain.GoodsTypePhysical,
			current: pair(domain.OrderStatusPending, domain.PayStatusUnpaid),
			event:   EventRefund,
			wantErr: ErrTransitionInvalidEvent,
		},
		{
			name:    "refund twice is already settled",
			goods:   domain.GoodsTypeContent,
			current: pair(domain.OrderStatusCompleted, domain.PayStatusRefunded),
			event:   EventRefund,
			wantErr: ErrTransitionAlreadySettled,
		},
		{
			name:    "unknown event rejected",
			goods:   domain.GoodsTypeContent,
			current: pair(domain.OrderStatusPending, domain.PayStatusUnpaid),
			event:   TransitionEvent("bogus"),
			wantErr: ErrTransitionInvalidEvent,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			next, err := Transition(tc.goods, tc.current, tc.event)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if next != tc.want {
				t.Fatalf("expected %+v got %+v", tc.want, next)
			}
		})
	}
}

func TestTransitionIsPure(t *testing.T) {
	current := pair(domain.OrderStatusPending, domain.PayStatusUnpaid)
	first, err := Transition(domain.GoodsTypePhysical, current, EventPay)
	if err != nil {
		t.Fatalf("first transition: %v", err)
	}
	second, err := Transition(domain.GoodsTypePhysical, current, EventPay)
	if err != nil {
		t.Fatalf("second transition: %v", err)
	}
	if first != second {
		t.Fatalf("transition not deterministic: %+v vs %+v", first, second)
	}
	if current != pair(domain.OrderStatusPending, domain.PayStatusUnpaid) {
		t.Fatalf("input mutated: %+v", current)
	}
}
