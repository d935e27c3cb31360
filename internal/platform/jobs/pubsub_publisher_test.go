package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/shopspring/decimal"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/services"
)

func TestPubSubOrderNotifierPublishesMessage(t *testing.T) {
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

	topic, err := client.CreateTopic(ctx, "order-events")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	defer topic.Stop()

	notifier, err := NewPubSubOrderNotifier(topic)
	if err != nil {
		t.Fatalf("NewPubSubOrderNotifier: %v", err)
	}

	placedAt := time.Date(2025, 5, 6, 9, 0, 0, 0, time.UTC)
	err = notifier.NotifyOrderPlaced(ctx, services.OrderNotification{
		OrderID:       "ord_123",
		UserID:        "u-1",
		Email:         "buyer@example.com",
		Tier:          domain.OrderTierRetail,
		PaymentMethod: domain.PaymentMethodCOD,
		Total:         decimal.RequireFromString("1230"),
		Lines:         1,
		PlacedAt:      placedAt,
	})
	if err != nil {
		t.Fatalf("NotifyOrderPlaced: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	var payload orderPlacedMessage
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.OrderID != "ord_123" || payload.Total != "1230.00" || payload.Event != "order.placed" {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if !payload.PlacedAt.Equal(placedAt) {
		t.Fatalf("unexpected placedAt %s", payload.PlacedAt)
	}
	if attr := messages[0].Attributes["orderId"]; attr != "ord_123" {
		t.Fatalf("expected order id attribute, got %q", attr)
	}
	if _, ok := messages[0].Attributes["email"]; ok {
		t.Fatalf("email must not be exposed as an attribute")
	}
}

func TestNewPubSubOrderNotifierRequiresTopic(t *testing.T) {
	if _, err := NewPubSubOrderNotifier(nil); err == nil {
		t.Fatalf("expected error without topic")
	}
}
