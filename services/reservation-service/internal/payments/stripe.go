package payments

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MaxsuelsSouza/piscina.pwa-sub000/libs/httpx"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

// MetadataReservationID is the Stripe metadata key that links a payment to a reservation.
const MetadataReservationID = "reservation_id"

// StripeWebhook confirms reservations from signed Stripe events. The signature is the
// authentication. MarkPaid is idempotent, so Stripe redeliveries are harmless.
type StripeWebhook struct {
	secret    string
	tolerance time.Duration
	confirmer Confirmer
	logger    *slog.Logger
}

func NewStripeWebhook(secret string, tolerance time.Duration, confirmer Confirmer, logger *slog.Logger) *StripeWebhook {
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &StripeWebhook{secret: strings.TrimSpace(secret), tolerance: tolerance, confirmer: confirmer, logger: logger}
}

func (h *StripeWebhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	if h.secret == "" {
		httpx.WriteError(w, http.StatusServiceUnavailable, "not_configured", "stripe webhook not configured")
		return
	}
	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		httpx.WriteError(w, http.StatusBadRequest, "missing_signature", "missing Stripe-Signature header")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "failed to read request body")
		return
	}
	evt, err := webhook.ConstructEventWithOptions(body, sigHeader, h.secret, webhook.ConstructEventOptions{
		Tolerance:                h.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_signature", "invalid signature")
		return
	}

	ctx := r.Context()
	evtType := string(evt.Type)
	h.logger.InfoContext(ctx, "payment provider event received",
		"provider", "stripe",
		"provider_event_id", evt.ID,
		"event_type", evtType,
	)

	reservationID, paymentRef, ok := h.extract(evt)
	if !ok {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	res, err := h.confirmer.MarkPaid(ctx, reservationID, paymentRef)
	switch {
	case err == nil:
		h.logger.InfoContext(ctx, "reservation paid",
			"provider_event_id", evt.ID,
			"reservation_id", res.ID,
			"payment_ref", res.PaymentRef,
		)
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "confirmed", "reservation_id": res.ID})
	case Settled(err):
		h.logger.WarnContext(ctx, "payment for unconfirmable reservation",
			"provider_event_id", evt.ID,
			"reservation_id", reservationID,
			"err", err,
		)
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "unconfirmable"})
	default:
		h.logger.ErrorContext(ctx, "stripe payment confirmation failed", "provider_event_id", evt.ID, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "internal_error", "failed to apply payment")
	}
}

// extract pulls the reservation id and payment reference out of the event types that mean
// "paid". Other events are acknowledged and ignored.
func (h *StripeWebhook) extract(evt stripe.Event) (string, string, bool) {
	switch evt.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(evt.Data.Raw, &session); err != nil {
			h.logger.Error("stripe: invalid checkout session payload", "err", err)
			return "", "", false
		}
		if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
			return "", "", false
		}
		ref := session.ID
		if session.PaymentIntent != nil && session.PaymentIntent.ID != "" {
			ref = session.PaymentIntent.ID
		}
		return h.reservationID(session.Metadata, ref)

	case "payment_intent.succeeded":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(evt.Data.Raw, &pi); err != nil {
			h.logger.Error("stripe: invalid payment intent payload", "err", err)
			return "", "", false
		}
		return h.reservationID(pi.Metadata, pi.ID)
	}
	return "", "", false
}

func (h *StripeWebhook) reservationID(metadata map[string]string, ref string) (string, string, bool) {
	id := strings.TrimSpace(metadata[MetadataReservationID])
	if id == "" {
		h.logger.Warn("stripe: missing reservation_id metadata", "payment_ref", ref)
		return "", "", false
	}
	return id, ref, true
}
