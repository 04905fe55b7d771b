package jobs

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/lumamart/orders/internal/services"
)

func newGrantPublisherFixture(t *testing.T) (*PubSubGrantPublisher, *pstest.Server) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { srv.Close() })

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	entitlements, err := client.CreateTopic(ctx, "entitlement-grants")
	if err != nil {
		t.Fatalf("CreateTopic entitlements: %v", err)
	}
	fulfillment, err := client.CreateTopic(ctx, "fulfillment-requests")
	if err != nil {
		t.Fatalf("CreateTopic fulfillment: %v", err)
	}

	publisher, err := NewPubSubGrantPublisher(entitlements, fulfillment)
	if err != nil {
		t.Fatalf("NewPubSubGrantPublisher: %v", err)
	}
	return publisher, srv
}

func TestGrantPublisherPublishesSubscriptionGrant(t *testing.T) {
	publisher, srv := newGrantPublisherFixture(t)

	if err := publisher.GrantSubscription(context.Background(), "usr_alice", 30, "goods_vip"); err != nil {
		t.Fatalf("GrantSubscription: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	var payload grantMessage
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Kind != grantKindSubscription || payload.DurationDays != 30 {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if attr := messages[0].Attributes["kind"]; attr != grantKindSubscription {
		t.Fatalf("expected kind attribute, got %q", attr)
	}
}

func TestGrantPublisherPublishesShipmentSignal(t *testing.T) {
	publisher, srv := newGrantPublisherFixture(t)

	err := publisher.NotifyReadyToShip(context.Background(), services.Order{
		ID:          "ord_01TESTORDER",
		OrderNumber: 7120394,
		UserID:      "usr_alice",
		GoodsID:     "goods_tee",
	})
	if err != nil {
		t.Fatalf("NotifyReadyToShip: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	var payload grantMessage
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Kind != grantKindShipment || payload.OrderNumber != 7120394 {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if attr := messages[0].Attributes["orderNumber"]; attr != "7120394" {
		t.Fatalf("expected order number attribute, got %q", attr)
	}
}

func TestNewPubSubGrantPublisherRequiresTopics(t *testing.T) {
	if _, err := NewPubSubGrantPublisher(nil, nil); err == nil {
		t.Fatalf("expected error for missing topics")
	}
}
