package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/lumamart/orders/internal/services"
)

// PubSubSideEffectPublisher re-queues failed post-payment side effects on a
// Pub/Sub topic for at-least-once background retry.
type PubSubSideEffectPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

var _ services.SideEffectQueue = (*PubSubSideEffectPublisher)(nil)

// NewPubSubSideEffectPublisher constructs a Pub/Sub backed side-effect queue.
func NewPubSubSideEffectPublisher(topic *pubsub.Topic) (*PubSubSideEffectPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub side-effect publisher: topic is required")
	}
	return &PubSubSideEffectPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// EnqueueSideEffect publishes the message on the configured topic. Attributes
// carry the routing keys so subscribers can filter without decoding the body.
func (p *PubSubSideEffectPublisher) EnqueueSideEffect(ctx context.Context, msg services.SideEffectMessage) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub side-effect publisher: not initialised")
	}

	data, err := p.marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal side effect: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "orderId", msg.OrderID)
	setAttr(attrs, "userId", msg.UserID)
	setAttr(attrs, "goodsId", msg.GoodsID)
	setAttr(attrs, "goodsType", string(msg.GoodsType))
	if msg.OrderNumber != 0 {
		attrs["orderNumber"] = strconv.FormatUint(msg.OrderNumber, 10)
	}
	attrs["attempt"] = strconv.Itoa(msg.Attempt)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish side effect: %w", err)
	}
	return nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
