package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MaxsuelsSouza/piscina.pwa-sub000/libs/httpx"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/changefeed"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/model"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/reservation"
	"github.com/go-playground/validator/v10"
)

type Config struct {
	// OperatorSecret enables the HS256 operator gate. Empty leaves operator routes open.
	OperatorSecret string
	// StreamHeartbeat is the SSE keep-alive interval.
	StreamHeartbeat time.Duration

	// Operator login. Token issuance is disabled unless the secret and both credentials are set.
	OperatorUsername     string
	OperatorPasswordHash string
	OperatorTokenTTL     time.Duration
}

type Handler struct {
	svc      *reservation.Service
	changes  changefeed.Subscriber
	logger   *slog.Logger
	validate *validator.Validate
	cfg      Config

	closing   chan struct{}
	closeOnce sync.Once
}

func New(svc *reservation.Service, changes changefeed.Subscriber, logger *slog.Logger, cfg Config) *Handler {
	if cfg.StreamHeartbeat <= 0 {
		cfg.StreamHeartbeat = 25 * time.Second
	}
	if cfg.OperatorTokenTTL <= 0 {
		cfg.OperatorTokenTTL = 12 * time.Hour
	}
	return &Handler{
		svc:      svc,
		changes:  changes,
		logger:   logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		cfg:      cfg,
		closing:  make(chan struct{}),
	}
}

// CloseStreams ends every open change stream. http.Server.Shutdown does not cancel
// in-flight requests, so register it with RegisterOnShutdown.
func (h *Handler) CloseStreams() {
	h.closeOnce.Do(func() { close(h.closing) })
}

// Register mounts every route on mux. webhook may be nil.
func (h *Handler) Register(mux *http.ServeMux, webhook http.Handler) {
	mux.HandleFunc("/api/v1/public/slots", h.Slots)
	mux.HandleFunc("/api/v1/public/days", h.Days)
	mux.HandleFunc("/api/v1/public/resource", h.Resource)
	mux.HandleFunc("/api/v1/public/reservation", h.Reservation)
	mux.HandleFunc("/api/v1/public/book", h.Book)
	mux.HandleFunc("/api/v1/public/book-days", h.BookDays)
	mux.HandleFunc("/api/v1/public/cancel", h.PublicCancel)
	mux.HandleFunc("/api/v1/public/blocked-dates", h.PublicBlockedDates)

	mux.HandleFunc("/api/v1/operators/token", h.OperatorToken)
	mux.Handle("/api/v1/reservations", h.operator(h.List))
	mux.Handle("/api/v1/reservations/confirm", h.operator(h.Confirm))
	mux.Handle("/api/v1/reservations/cancel", h.operator(h.Cancel))
	mux.Handle("/api/v1/reservations/payment-ref", h.operator(h.PaymentRef))
	mux.Handle("/api/v1/resources", h.operator(h.PutResource))
	mux.Handle("/api/v1/resources/blocked-dates", h.operator(h.BlockedDates))

	mux.HandleFunc("/api/v1/reservations/changes", h.Changes)
	if webhook != nil {
		mux.Handle("/api/v1/payments/stripe/webhook", webhook)
	}
}

// writeDomainError maps service errors to HTTP responses. Anything unrecognised is logged
// and answered with a generic 500.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, model.ErrSlotTaken):
		httpx.WriteError(w, http.StatusConflict, "slot_taken", err.Error())
	case errors.Is(err, model.ErrNotPending):
		httpx.WriteError(w, http.StatusConflict, "not_pending", err.Error())
	case errors.Is(err, model.ErrIdempotencyConflict):
		httpx.WriteError(w, http.StatusConflict, "idempotency_conflict", err.Error())
	case errors.Is(err, model.ErrResourceClosed):
		httpx.WriteError(w, http.StatusUnprocessableEntity, "resource_closed", err.Error())
	case errors.Is(err, model.ErrInPast):
		httpx.WriteError(w, http.StatusUnprocessableEntity, "in_past", err.Error())
	case errors.Is(err, model.ErrInvalidInterval):
		httpx.WriteError(w, http.StatusBadRequest, "invalid_interval", err.Error())
	case errors.Is(err, model.ErrTooManyDates):
		httpx.WriteError(w, http.StatusBadRequest, "too_many_dates", err.Error())
	case errors.Is(err, model.ErrInvalidResource):
		httpx.WriteError(w, http.StatusBadRequest, "invalid_resource", err.Error())
	case errors.Is(err, model.ErrUnknownOffering):
		httpx.WriteError(w, http.StatusBadRequest, "unknown_offering", err.Error())
	case errors.Is(err, model.ErrWrongResourceKind):
		httpx.WriteError(w, http.StatusBadRequest, "wrong_resource_kind", err.Error())
	case errors.Is(err, model.ErrPaymentRefRequired):
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, model.ErrNotFound):
		httpx.WriteError(w, http.StatusNotFound, "not_found", "not found")
	default:
		h.logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", httpx.RequestIDFromContext(r.Context()),
			"err", err,
		)
		httpx.WriteError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

// decode reads a JSON body into dst and runs its validate tags.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return false
	}
	return h.check(w, dst)
}

func (h *Handler) check(w http.ResponseWriter, v any) bool {
	if err := h.validate.Struct(v); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s: %s=%s", fe.Field(), fe.Tag(), fe.Param()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

func allowMethod(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	return false
}

func query(r *http.Request, key string) string {
	return strings.TrimSpace(r.URL.Query().Get(key))
}
