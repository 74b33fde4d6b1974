package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/MaxsuelsSouza/piscina.pwa-sub000/libs/auth"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/libs/httpx"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/model"
)

type claimsKey struct{}

// operator gates next behind an owner/operator bearer token when a secret is configured.
func (h *Handler) operator(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.OperatorSecret == "" {
			next(w, r)
			return
		}
		token, ok := auth.BearerToken(r.Header.Get("Authorization"))
		if !ok {
			httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		claims, err := auth.ParseAndVerifyHS256(token, h.cfg.OperatorSecret)
		if err != nil {
			httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		if claims.Role != auth.RoleOwner && claims.Role != auth.RoleOperator {
			httpx.WriteError(w, http.StatusForbidden, "forbidden", "operator role required")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

// canManage enforces the token's resource scope. Requests without claims passed an open gate.
func (h *Handler) canManage(w http.ResponseWriter, r *http.Request, resourceID string) bool {
	claims, ok := r.Context().Value(claimsKey{}).(*auth.Claims)
	if !ok || claims.CanManage(resourceID) {
		return true
	}
	httpx.WriteError(w, http.StatusForbidden, "forbidden", "resource not in token scope")
	return false
}

type listResponse struct {
	ResourceID   string            `json:"resource_id"`
	Date         string            `json:"date"`
	Reservations []reservationView `json:"reservations"`
}

// List returns every reservation of a resource on a date, cancelled and expired included.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	q := daysQuery{ResourceID: query(r, "resource_id"), From: query(r, "date")}
	if q.From == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "date required")
		return
	}
	if !h.check(w, q) || !h.canManage(w, r, q.ResourceID) {
		return
	}
	rs, err := h.svc.List(r.Context(), q.ResourceID, q.From)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, listResponse{
		ResourceID:   q.ResourceID,
		Date:         q.From,
		Reservations: viewReservations(rs, h.svc.Now(), true),
	})
}

type reservationRequest struct {
	ReservationID string `json:"reservation_id" validate:"required"`
}

func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req reservationRequest
	if !h.decode(w, r, &req) || !h.ownsReservation(w, r, req.ReservationID) {
		return
	}
	res, err := h.svc.Confirm(r.Context(), strings.TrimSpace(req.ReservationID))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, viewReservation(res, h.svc.Now(), true))
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req cancelRequest
	if !h.decode(w, r, &req) || !h.ownsReservation(w, r, req.ReservationID) {
		return
	}
	res, err := h.svc.Cancel(r.Context(), strings.TrimSpace(req.ReservationID), req.Reason)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, viewReservation(res, h.svc.Now(), true))
}

type paymentRefRequest struct {
	ReservationID string `json:"reservation_id" validate:"required"`
	PaymentRef    string `json:"payment_ref" validate:"required,max=200"`
}

func (h *Handler) PaymentRef(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req paymentRefRequest
	if !h.decode(w, r, &req) || !h.ownsReservation(w, r, req.ReservationID) {
		return
	}
	res, err := h.svc.AttachPaymentRef(r.Context(), strings.TrimSpace(req.ReservationID), strings.TrimSpace(req.PaymentRef))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, viewReservation(res, h.svc.Now(), true))
}

// ownsReservation checks the token scope against the reservation's resource.
func (h *Handler) ownsReservation(w http.ResponseWriter, r *http.Request, id string) bool {
	if _, ok := r.Context().Value(claimsKey{}).(*auth.Claims); !ok {
		return true
	}
	res, err := h.svc.Get(r.Context(), strings.TrimSpace(id))
	if err != nil {
		h.writeDomainError(w, r, err)
		return false
	}
	return h.canManage(w, r, res.ResourceID)
}

type resourceRequest struct {
	ID        string               `json:"id" validate:"required,max=100"`
	Name      string               `json:"name" validate:"max=200"`
	Kind      string               `json:"kind" validate:"required,oneof=slot whole_day"`
	Active    *bool                `json:"active"`
	Schedule  model.WeeklySchedule `json:"schedule"`
	Offerings []model.Offering     `json:"offerings"`
}

// PutResource creates or replaces a resource. Omitting "active" creates it active.
func (h *Handler) PutResource(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPut) {
		return
	}
	var req resourceRequest
	if !h.decode(w, r, &req) || !h.canManage(w, r, strings.TrimSpace(req.ID)) {
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	res, err := h.svc.UpsertResource(r.Context(), model.Resource{
		ID:        strings.TrimSpace(req.ID),
		Name:      strings.TrimSpace(req.Name),
		Kind:      model.ResourceKind(req.Kind),
		Active:    active,
		Schedule:  req.Schedule,
		Offerings: req.Offerings,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, viewResource(res, false))
}

type blockDateRequest struct {
	ResourceID string `json:"resource_id" validate:"required"`
	Date       string `json:"date" validate:"required,datetime=2006-01-02"`
	Reason     string `json:"reason" validate:"max=500"`
}

// BlockedDates lists (GET), adds (POST) or removes (DELETE, by query) blocked dates.
func (h *Handler) BlockedDates(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet, http.MethodPost, http.MethodDelete) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		if h.canManage(w, r, query(r, "resource_id")) {
			h.listBlockedDates(w, r)
		}

	case http.MethodPost:
		var req blockDateRequest
		if !h.decode(w, r, &req) || !h.canManage(w, r, req.ResourceID) {
			return
		}
		b, err := h.svc.BlockDate(r.Context(), strings.TrimSpace(req.ResourceID), req.Date, req.Reason)
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, blockedDateView{ResourceID: b.ResourceID, Date: b.Date, Reason: b.Reason})

	case http.MethodDelete:
		req := blockDateRequest{ResourceID: query(r, "resource_id"), Date: query(r, "date")}
		if !h.check(w, req) || !h.canManage(w, r, req.ResourceID) {
			return
		}
		if err := h.svc.UnblockDate(r.Context(), req.ResourceID, req.Date); err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
