package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/storefront/api/internal/services"
)

const orderPlacedEvent = "order.placed"

// PubSubOrderNotifier publishes order-placed events to a Pub/Sub topic for downstream consumers
// such as the email worker.
type PubSubOrderNotifier struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

type orderPlacedMessage struct {
	Event         string    `json:"event"`
	OrderID       string    `json:"orderId"`
	UserID        string    `json:"userId"`
	Email         string    `json:"email,omitempty"`
	CustomerName  string    `json:"customerName,omitempty"`
	Tier          string    `json:"tier"`
	PaymentMethod string    `json:"paymentMethod"`
	Total         string    `json:"total"`
	Lines         int       `json:"lines"`
	PlacedAt      time.Time `json:"placedAt"`
}

// NewPubSubOrderNotifier constructs a Pub/Sub backed order notifier.
func NewPubSubOrderNotifier(topic *pubsub.Topic) (*PubSubOrderNotifier, error) {
	if topic == nil {
		return nil, errors.New("pubsub order notifier: topic is required")
	}
	return &PubSubOrderNotifier{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// NotifyOrderPlaced publishes the notification and waits for the server acknowledgement.
func (p *PubSubOrderNotifier) NotifyOrderPlaced(ctx context.Context, n services.OrderNotification) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub order notifier: not initialised")
	}

	data, err := p.marshal(orderPlacedMessage{
		Event:         orderPlacedEvent,
		OrderID:       n.OrderID,
		UserID:        n.UserID,
		Email:         n.Email,
		CustomerName:  n.CustomerName,
		Tier:          string(n.Tier),
		PaymentMethod: string(n.PaymentMethod),
		Total:         n.Total.StringFixed(2),
		Lines:         n.Lines,
		PlacedAt:      n.PlacedAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal order notification: %w", err)
	}

	attrs := map[string]string{"event": orderPlacedEvent}
	setAttr(attrs, "orderId", n.OrderID)
	setAttr(attrs, "tier", string(n.Tier))

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish order notification: %w", err)
	}
	return nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
