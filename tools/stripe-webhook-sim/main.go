package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79/webhook"
)

func main() {
	var (
		baseURL       = flag.String("base-url", getenv("BASE_URL", "http://localhost:8085"), "reservation service base url")
		evtType       = flag.String("type", getenv("STRIPE_EVENT_TYPE", "checkout.session.completed"), "stripe event type")
		reservationID = flag.String("reservation-id", getenv("RESERVATION_ID", ""), "reservation_id metadata")
		secret        = flag.String("secret", getenv("STRIPE_WEBHOOK_SECRET", ""), "stripe webhook signing secret (whsec_...)")
	)
	flag.Parse()

	if strings.TrimSpace(*secret) == "" {
		fatal("STRIPE_WEBHOOK_SECRET is required")
	}
	if strings.TrimSpace(*reservationID) == "" {
		fatal("RESERVATION_ID is required")
	}

	now := time.Now().UTC()
	eventID := fmt.Sprintf("evt_test_%d", now.UnixNano())

	payload, err := buildEventJSON(eventID, *evtType, now, *reservationID)
	if err != nil {
		fatal(err.Error())
	}

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    *secret,
		Timestamp: now,
		Scheme:    "v1",
	})

	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(*baseURL, "/")+"/api/v1/payments/stripe/webhook", bytes.NewReader(payload))
	if err != nil {
		fatal(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", signed.Header)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatal(err.Error())
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	fmt.Printf("status=%d body=%s\n", resp.StatusCode, strings.TrimSpace(string(body)))
}

func buildEventJSON(eventID, eventType string, t time.Time, reservationID string) ([]byte, error) {
	event := map[string]any{
		"id":          eventID,
		"object":      "event",
		"created":     t.Unix(),
		"type":        eventType,
		"api_version": "2020-08-27",
	}
	metadata := map[string]any{"reservation_id": reservationID}
	switch eventType {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		event["data"] = map[string]any{
			"object": map[string]any{
				"id":             fmt.Sprintf("cs_test_%d", t.UnixNano()),
				"object":         "checkout.session",
				"payment_status": "paid",
				"payment_intent": fmt.Sprintf("pi_test_%d", t.UnixNano()),
				"metadata":       metadata,
			},
		}
	case "payment_intent.succeeded":
		event["data"] = map[string]any{
			"object": map[string]any{
				"id":       fmt.Sprintf("pi_test_%d", t.UnixNano()),
				"object":   "payment_intent",
				"status":   "succeeded",
				"metadata": metadata,
			},
		}
	default:
		return nil, fmt.Errorf("unsupported event type: %s", eventType)
	}
	return json.Marshal(event)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(2)
}
