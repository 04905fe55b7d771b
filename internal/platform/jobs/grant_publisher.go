package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/lumamart/orders/internal/services"
)

const (
	grantKindSubscription = "subscription"
	grantKindContent      = "content"
	grantKindShipment     = "ready_to_ship"
)

// grantMessage is the payload consumed by the entitlement and fulfillment workers.
type grantMessage struct {
	Kind         string    `json:"kind"`
	UserID       string    `json:"userId"`
	ContentID    string    `json:"contentId,omitempty"`
	DurationDays int       `json:"durationDays,omitempty"`
	GoodsID      string    `json:"goodsId,omitempty"`
	OrderID      string    `json:"orderId,omitempty"`
	OrderNumber  uint64    `json:"orderNumber,omitempty"`
	IssuedAt     time.Time `json:"issuedAt"`
}

// PubSubGrantPublisher hands post-payment grants to the downstream workers:
// entitlement windows and content unlocks on one topic, ready-to-ship signals
// on another. Publishing is synchronous so a failed hand-off surfaces to the
// reconciler, which re-queues it on the side-effect topic.
type PubSubGrantPublisher struct {
	entitlements *pubsub.Topic
	fulfillment  *pubsub.Topic
	marshal      func(any) ([]byte, error)
	clock        func() time.Time
}

var (
	_ services.EntitlementService  = (*PubSubGrantPublisher)(nil)
	_ services.FulfillmentNotifier = (*PubSubGrantPublisher)(nil)
)

// NewPubSubGrantPublisher constructs the grant publisher.
func NewPubSubGrantPublisher(entitlements, fulfillment *pubsub.Topic) (*PubSubGrantPublisher, error) {
	if entitlements == nil {
		return nil, errors.New("pubsub grant publisher: entitlements topic is required")
	}
	if fulfillment == nil {
		return nil, errors.New("pubsub grant publisher: fulfillment topic is required")
	}
	return &PubSubGrantPublisher{
		entitlements: entitlements,
		fulfillment:  fulfillment,
		marshal:      json.Marshal,
		clock:        time.Now,
	}, nil
}

// GrantSubscription publishes a subscription-window grant.
func (p *PubSubGrantPublisher) GrantSubscription(ctx context.Context, userID string, durationDays int, kind string) error {
	return p.publish(ctx, p.entitlements, grantMessage{
		Kind:         grantKindSubscription,
		UserID:       userID,
		DurationDays: durationDays,
		GoodsID:      kind,
		IssuedAt:     p.clock().UTC(),
	})
}

// GrantContentAccess publishes a content unlock.
func (p *PubSubGrantPublisher) GrantContentAccess(ctx context.Context, userID string, contentID string) error {
	return p.publish(ctx, p.entitlements, grantMessage{
		Kind:      grantKindContent,
		UserID:    userID,
		ContentID: contentID,
		IssuedAt:  p.clock().UTC(),
	})
}

// NotifyReadyToShip signals the warehouse that a paid physical order awaits shipment.
func (p *PubSubGrantPublisher) NotifyReadyToShip(ctx context.Context, order services.Order) error {
	return p.publish(ctx, p.fulfillment, grantMessage{
		Kind:        grantKindShipment,
		UserID:      order.UserID,
		GoodsID:     order.GoodsID,
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		IssuedAt:    p.clock().UTC(),
	})
}

func (p *PubSubGrantPublisher) publish(ctx context.Context, topic *pubsub.Topic, msg grantMessage) error {
	if p == nil || topic == nil {
		return errors.New("pubsub grant publisher: not initialised")
	}

	data, err := p.marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal grant: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "kind", msg.Kind)
	setAttr(attrs, "userId", msg.UserID)
	setAttr(attrs, "orderId", msg.OrderID)
	if msg.OrderNumber != 0 {
		attrs["orderNumber"] = strconv.FormatUint(msg.OrderNumber, 10)
	}

	result := topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish grant %s: %w", msg.Kind, err)
	}
	return nil
}
