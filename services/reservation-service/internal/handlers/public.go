package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/MaxsuelsSouza/piscina.pwa-sub000/libs/httpx"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/interval"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/model"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/reservation"
)

// defaultDaysWindow is the calendar span returned by Days when "to" is omitted.
const defaultDaysWindow = 31

type slotsQuery struct {
	ResourceID      string `validate:"required"`
	Date            string `validate:"required,datetime=2006-01-02"`
	OfferingID      string
	DurationMinutes int `validate:"omitempty,min=1,max=1440"`
}

type slotsResponse struct {
	ResourceID string   `json:"resource_id"`
	Date       string   `json:"date"`
	Slots      []string `json:"slots"`
}

func (h *Handler) Slots(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	q := slotsQuery{
		ResourceID: query(r, "resource_id"),
		Date:       query(r, "date"),
		OfferingID: query(r, "offering_id"),
	}
	if raw := query(r, "duration_minutes"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "duration_minutes must be an integer")
			return
		}
		q.DurationMinutes = n
	}
	if !h.check(w, q) {
		return
	}

	slots, err := h.svc.AvailableSlots(r.Context(), reservation.SlotQuery{
		ResourceID:      q.ResourceID,
		Date:            q.Date,
		OfferingID:      q.OfferingID,
		DurationMinutes: q.DurationMinutes,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, slotsResponse{ResourceID: q.ResourceID, Date: q.Date, Slots: slots})
}

type daysQuery struct {
	ResourceID string `validate:"required"`
	From       string `validate:"omitempty,datetime=2006-01-02"`
	To         string `validate:"omitempty,datetime=2006-01-02"`
}

type daysResponse struct {
	ResourceID string   `json:"resource_id"`
	From       string   `json:"from"`
	To         string   `json:"to"`
	Days       []string `json:"days"`
}

// Days lists the selectable dates of a whole-day resource. "from" defaults to today and
// "to" to a month after "from".
func (h *Handler) Days(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	q := daysQuery{ResourceID: query(r, "resource_id"), From: query(r, "from"), To: query(r, "to")}
	if !h.check(w, q) {
		return
	}
	if q.From == "" {
		q.From = h.svc.Now().Format(interval.DateLayout)
	}
	if q.To == "" {
		from, err := interval.ParseDate(q.From, h.svc.Location())
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		q.To = from.AddDate(0, 0, defaultDaysWindow-1).Format(interval.DateLayout)
	}

	days, err := h.svc.SelectableDays(r.Context(), q.ResourceID, q.From, q.To)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, daysResponse{ResourceID: q.ResourceID, From: q.From, To: q.To, Days: days})
}

func (h *Handler) Resource(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	id := query(r, "resource_id")
	if id == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "resource_id required")
		return
	}
	res, err := h.svc.GetResource(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, viewResource(res, true))
}

func (h *Handler) Reservation(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	id := query(r, "reservation_id")
	if id == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "reservation_id required")
		return
	}
	res, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, viewReservation(res, h.svc.Now(), false))
}

type customerRequest struct {
	CustomerName  string `json:"customer_name" validate:"required,max=200"`
	CustomerEmail string `json:"customer_email" validate:"omitempty,email,max=320"`
	CustomerPhone string `json:"customer_phone" validate:"omitempty,max=40"`
}

func (c customerRequest) contact() model.Contact {
	return model.Contact{
		Name:  strings.TrimSpace(c.CustomerName),
		Email: strings.TrimSpace(c.CustomerEmail),
		Phone: strings.TrimSpace(c.CustomerPhone),
	}
}

type bookRequest struct {
	ResourceID      string `json:"resource_id" validate:"required"`
	Date            string `json:"date" validate:"required,datetime=2006-01-02"`
	Start           string `json:"start" validate:"required"`
	OfferingID      string `json:"offering_id"`
	DurationMinutes int    `json:"duration_minutes" validate:"omitempty,min=1,max=1440"`
	customerRequest
}

// Book holds a slot. The optional Idempotency-Key header makes retries return the
// original reservation.
func (h *Handler) Book(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req bookRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.svc.Create(r.Context(), reservation.CreateInput{
		ResourceID:      strings.TrimSpace(req.ResourceID),
		Date:            req.Date,
		Start:           strings.TrimSpace(req.Start),
		OfferingID:      req.OfferingID,
		DurationMinutes: req.DurationMinutes,
		Contact:         req.contact(),
		IdempotencyKey:  r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, viewReservation(res, h.svc.Now(), false))
}

type bookDaysRequest struct {
	ResourceID string   `json:"resource_id" validate:"required"`
	Dates      []string `json:"dates" validate:"required,min=1,dive,datetime=2006-01-02"`
	customerRequest
}

type bookDaysResponse struct {
	Reservations []reservationView `json:"reservations"`
}

func (h *Handler) BookDays(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req bookDaysRequest
	if !h.decode(w, r, &req) {
		return
	}

	created, err := h.svc.CreateWholeDay(r.Context(), reservation.WholeDayInput{
		ResourceID:     strings.TrimSpace(req.ResourceID),
		Dates:          req.Dates,
		Contact:        req.contact(),
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, bookDaysResponse{Reservations: viewReservations(created, h.svc.Now(), false)})
}

type cancelRequest struct {
	ReservationID string `json:"reservation_id" validate:"required"`
	Reason        string `json:"reason" validate:"max=500"`
}

// PublicCancel lets the requester withdraw a reservation. Knowing the reservation id is the
// credential.
func (h *Handler) PublicCancel(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req cancelRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.Cancel(r.Context(), strings.TrimSpace(req.ReservationID), req.Reason)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, viewReservation(res, h.svc.Now(), false))
}

type blockedDatesResponse struct {
	ResourceID   string            `json:"resource_id"`
	BlockedDates []blockedDateView `json:"blocked_dates"`
}

func (h *Handler) PublicBlockedDates(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	h.listBlockedDates(w, r)
}

func (h *Handler) listBlockedDates(w http.ResponseWriter, r *http.Request) {
	q := daysQuery{ResourceID: query(r, "resource_id"), From: query(r, "from"), To: query(r, "to")}
	if !h.check(w, q) {
		return
	}
	blocked, err := h.svc.ListBlockedDates(r.Context(), q.ResourceID, q.From, q.To)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, blockedDatesResponse{ResourceID: q.ResourceID, BlockedDates: viewBlockedDates(blocked)})
}
