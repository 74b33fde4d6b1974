package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MaxsuelsSouza/piscina.pwa-sub000/libs/kafkax"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/model"
	"github.com/segmentio/kafka-go"
	"github.com/stripe/stripe-go/v79/webhook"
)

type fakeConfirmer struct {
	mu    sync.Mutex
	calls []string
	refs  []string
	err   error
}

func (f *fakeConfirmer) MarkPaid(_ context.Context, id, ref string) (model.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, id)
	f.refs = append(f.refs, ref)
	if f.err != nil {
		return model.Reservation{}, f.err
	}
	return model.Reservation{ID: id, Status: model.StatusConfirmed, PaymentRef: ref}, nil
}

type fakeInbox struct {
	seen map[string]bool
	err  error
}

func (f *fakeInbox) Record(_ context.Context, eventID, _ string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	if f.seen[eventID] {
		return false, nil
	}
	f.seen[eventID] = true
	return true, nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func paidMessage(t *testing.T, eventID, reservationID, ref string) kafka.Message {
	t.Helper()
	body, err := json.Marshal(PaidEvent{ReservationID: reservationID, PaymentRef: ref})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return kafka.Message{
		Topic:   DefaultPaidTopic,
		Value:   body,
		Headers: kafkax.MetaHeaders(kafkax.EventMeta{EventID: eventID, EventType: DefaultPaidTopic}),
	}
}

func TestConsumerHandleDeduplicates(t *testing.T) {
	conf := &fakeConfirmer{}
	c := NewConsumer(nil, &fakeInbox{}, conf, discard())

	msg := paidMessage(t, "evt-1", "r-1", "pi_1")
	for i := 0; i < 2; i++ {
		if err := c.Handle(context.Background(), msg); err != nil {
			t.Fatalf("handle #%d: %v", i, err)
		}
	}
	if len(conf.calls) != 1 {
		t.Fatalf("expected one MarkPaid call, got %d", len(conf.calls))
	}
	if conf.refs[0] != "pi_1" {
		t.Fatalf("expected payment ref pi_1, got %q", conf.refs[0])
	}
}

func TestConsumerHandleDropsBadAndSettled(t *testing.T) {
	tests := []struct {
		name    string
		msg     func(t *testing.T) kafka.Message
		confErr error
		calls   int
	}{
		{
			name: "invalid json",
			msg: func(t *testing.T) kafka.Message {
				m := paidMessage(t, "evt-2", "r-1", "")
				m.Value = []byte("{")
				return m
			},
		},
		{
			name: "missing reservation id",
			msg:  func(t *testing.T) kafka.Message { return paidMessage(t, "evt-3", " ", "pi") },
		},
		{
			name:    "not pending",
			msg:     func(t *testing.T) kafka.Message { return paidMessage(t, "evt-4", "r-1", "pi") },
			confErr: model.ErrNotPending,
			calls:   1,
		},
		{
			name:    "not found",
			msg:     func(t *testing.T) kafka.Message { return paidMessage(t, "evt-5", "r-x", "pi") },
			confErr: model.ErrNotFound,
			calls:   1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conf := &fakeConfirmer{err: tt.confErr}
			c := NewConsumer(nil, &fakeInbox{}, conf, discard())
			if err := c.Handle(context.Background(), tt.msg(t)); err != nil {
				t.Fatalf("expected event to be dropped, got %v", err)
			}
			if len(conf.calls) != tt.calls {
				t.Fatalf("expected %d calls, got %d", tt.calls, len(conf.calls))
			}
		})
	}
}

func TestConsumerHandleSurfacesTransientErrors(t *testing.T) {
	boom := errors.New("db down")

	c := NewConsumer(nil, &fakeInbox{err: boom}, &fakeConfirmer{}, discard())
	if err := c.Handle(context.Background(), paidMessage(t, "evt-6", "r-1", "")); !errors.Is(err, boom) {
		t.Fatalf("expected inbox error, got %v", err)
	}

	c = NewConsumer(nil, &fakeInbox{}, &fakeConfirmer{err: boom}, discard())
	if err := c.Handle(context.Background(), paidMessage(t, "evt-7", "r-1", "")); !errors.Is(err, boom) {
		t.Fatalf("expected confirmer error, got %v", err)
	}
}

const testSecret = "whsec_test"

func signedRequest(t *testing.T, payload map[string]any) *http.Request {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   body,
		Secret:    testSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/webhooks/stripe", bytes.NewReader(body))
	req.Header.Set("Stripe-Signature", signed.Header)
	return req
}

func stripeEvent(eventType string, object map[string]any) map[string]any {
	return map[string]any{
		"id":          "evt_test_1",
		"object":      "event",
		"created":     time.Now().Unix(),
		"type":        eventType,
		"api_version": "2020-08-27",
		"data":        map[string]any{"object": object},
	}
}

func TestStripeWebhook(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]any
		confErr error
		status  int
		calls   int
		ref     string
	}{
		{
			name: "checkout session paid",
			payload: stripeEvent("checkout.session.completed", map[string]any{
				"id":             "cs_test_1",
				"object":         "checkout.session",
				"payment_status": "paid",
				"payment_intent": "pi_test_1",
				"metadata":       map[string]any{MetadataReservationID: "r-1"},
			}),
			status: http.StatusOK,
			calls:  1,
			ref:    "pi_test_1",
		},
		{
			name: "checkout session unpaid",
			payload: stripeEvent("checkout.session.completed", map[string]any{
				"id":             "cs_test_2",
				"object":         "checkout.session",
				"payment_status": "unpaid",
				"metadata":       map[string]any{MetadataReservationID: "r-1"},
			}),
			status: http.StatusOK,
		},
		{
			name: "payment intent succeeded",
			payload: stripeEvent("payment_intent.succeeded", map[string]any{
				"id":       "pi_test_3",
				"object":   "payment_intent",
				"metadata": map[string]any{MetadataReservationID: "r-3"},
			}),
			status: http.StatusOK,
			calls:  1,
			ref:    "pi_test_3",
		},
		{
			name: "missing metadata",
			payload: stripeEvent("payment_intent.succeeded", map[string]any{
				"id":     "pi_test_4",
				"object": "payment_intent",
			}),
			status: http.StatusOK,
		},
		{
			name:    "unrelated event",
			payload: stripeEvent("customer.created", map[string]any{"id": "cus_1", "object": "customer"}),
			status:  http.StatusOK,
		},
		{
			name: "reservation no longer pending",
			payload: stripeEvent("payment_intent.succeeded", map[string]any{
				"id":       "pi_test_5",
				"object":   "payment_intent",
				"metadata": map[string]any{MetadataReservationID: "r-5"},
			}),
			confErr: model.ErrNotPending,
			status:  http.StatusOK,
			calls:   1,
			ref:     "pi_test_5",
		},
		{
			name: "store failure",
			payload: stripeEvent("payment_intent.succeeded", map[string]any{
				"id":       "pi_test_6",
				"object":   "payment_intent",
				"metadata": map[string]any{MetadataReservationID: "r-6"},
			}),
			confErr: errors.New("db down"),
			status:  http.StatusInternalServerError,
			calls:   1,
			ref:     "pi_test_6",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conf := &fakeConfirmer{err: tt.confErr}
			h := NewStripeWebhook(testSecret, 0, conf, discard())

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, signedRequest(t, tt.payload))

			if rec.Code != tt.status {
				t.Fatalf("expected status %d, got %d (%s)", tt.status, rec.Code, rec.Body.String())
			}
			if len(conf.calls) != tt.calls {
				t.Fatalf("expected %d MarkPaid calls, got %d", tt.calls, len(conf.calls))
			}
			if tt.calls > 0 && conf.refs[0] != tt.ref {
				t.Fatalf("expected payment ref %q, got %q", tt.ref, conf.refs[0])
			}
		})
	}
}

func TestStripeWebhookRejectsBadRequests(t *testing.T) {
	conf := &fakeConfirmer{}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte("{}")))
	NewStripeWebhook(testSecret, 0, conf, discard()).ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing signature: expected 400, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = signedRequest(t, stripeEvent("payment_intent.succeeded", map[string]any{"id": "pi"}))
	NewStripeWebhook("whsec_other", 0, conf, discard()).ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("wrong secret: expected 400, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = signedRequest(t, stripeEvent("payment_intent.succeeded", map[string]any{"id": "pi"}))
	NewStripeWebhook("", 0, conf, discard()).ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unconfigured: expected 503, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	NewStripeWebhook(testSecret, 0, conf, discard()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET: expected 405, got %d", rec.Code)
	}
	if len(conf.calls) != 0 {
		t.Fatalf("expected no MarkPaid calls, got %d", len(conf.calls))
	}
}
