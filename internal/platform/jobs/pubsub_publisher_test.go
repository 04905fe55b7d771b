package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/lumamart/orders/internal/domain"
	"github.com/lumamart/orders/internal/services"
)

func TestPubSubSideEffectPublisherPublishesMessage(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	defer func() {
		_ = client.Close()
	}()

	topic, err := client.CreateTopic(ctx, "order-side-effects")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}

	publisher, err := NewPubSubSideEffectPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubSideEffectPublisher: %v", err)
	}

	msg := services.SideEffectMessage{
		OrderID:     "ord_01TESTORDER",
		OrderNumber: 7120394,
		UserID:      "usr_alice",
		GoodsID:     "goods_premium",
		GoodsType:   domain.GoodsTypeSubscription,
		Quantity:    2,
		Attempt:     1,
		OccurredAt:  time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC),
	}

	if err := publisher.EnqueueSideEffect(ctx, msg); err != nil {
		t.Fatalf("EnqueueSideEffect: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	var payload services.SideEffectMessage
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.OrderID != msg.OrderID || payload.OrderNumber != msg.OrderNumber {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if attr := messages[0].Attributes["orderNumber"]; attr != "7120394" {
		t.Fatalf("expected order number attribute, got %q", attr)
	}
	if attr := messages[0].Attributes["goodsType"]; attr != string(domain.GoodsTypeSubscription) {
		t.Fatalf("expected goods type attribute, got %q", attr)
	}
	if attr := messages[0].Attributes["attempt"]; attr != "1" {
		t.Fatalf("expected attempt attribute, got %q", attr)
	}
}

func TestNewPubSubSideEffectPublisherRequiresTopic(t *testing.T) {
	if _, err := NewPubSubSideEffectPublisher(nil); err == nil {
		t.Fatalf("expected error for nil topic")
	}
}
