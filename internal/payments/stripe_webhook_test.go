package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"
)

const testWebhookSecret = "whsec_test"

func signStripePayload(secret string, payload []byte, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "." + string(payload)))
	return fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func paymentEvent(eventType string) []byte {
	return []byte(`{"id":"evt_1","object":"event","api_version":"2020-08-27","type":"` + eventType + `","data":{"object":{` +
		`"id":"pi_1","object":"payment_intent","amount":116200,"currency":"inr","status":"succeeded",` +
		`"latest_charge":"ch_1","metadata":{"order_id":"ord_1"}}}}`)
}

func TestStripeWebhookParsesSucceededIntent(t *testing.T) {
	hook, err := NewStripeWebhook(testWebhookSecret)
	if err != nil {
		t.Fatalf("NewStripeWebhook: %v", err)
	}
	payload := paymentEvent("payment_intent.succeeded")

	order, err := hook.Parse(payload, signStripePayload(testWebhookSecret, payload, time.Now()))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if order.ID != "pi_1" || order.AmountMinor != 116200 || order.Currency != "inr" {
		t.Fatalf("unexpected order %+v", order)
	}
	if !order.Paid || order.PaymentID != "ch_1" || order.OrderRef() != "ord_1" {
		t.Fatalf("expected settled order bound to ord_1, got %+v", order)
	}
}

func TestStripeWebhookRejectsBadSignatures(t *testing.T) {
	hook, _ := NewStripeWebhook(testWebhookSecret)
	payload := paymentEvent("payment_intent.succeeded")

	cases := map[string]string{
		"other secret": signStripePayload("whsec_other", payload, time.Now()),
		"stale":        signStripePayload(testWebhookSecret, payload, time.Now().Add(-time.Hour)),
		"missing":      "",
	}
	for name, header := range cases {
		if _, err := hook.Parse(payload, header); !errors.Is(err, ErrWebhookSignature) {
			t.Fatalf("%s: expected signature error, got %v", name, err)
		}
	}
}

func TestStripeWebhookIgnoresOtherEvents(t *testing.T) {
	hook, _ := NewStripeWebhook(testWebhookSecret)
	payload := paymentEvent("payment_intent.created")

	if _, err := hook.Parse(payload, signStripePayload(testWebhookSecret, payload, time.Now())); !errors.Is(err, ErrEventIgnored) {
		t.Fatalf("expected ignored event, got %v", err)
	}
}

func TestNewStripeWebhookRequiresSecret(t *testing.T) {
	if _, err := NewStripeWebhook(" "); err == nil {
		t.Fatalf("expected error without secret")
	}
}
