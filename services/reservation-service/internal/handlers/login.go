package handlers

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/MaxsuelsSouza/piscina.pwa-sub000/libs/auth"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/libs/httpx"
	"golang.org/x/crypto/bcrypt"
)

type tokenRequest struct {
	Username string `json:"username" validate:"required,max=200"`
	Password string `json:"password" validate:"required,max=72"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// HashPassword returns the bcrypt hash to configure as the operator password hash.
func HashPassword(raw string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// OperatorToken exchanges the configured operator credentials for an owner token.
func (h *Handler) OperatorToken(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if h.cfg.OperatorSecret == "" || h.cfg.OperatorUsername == "" || h.cfg.OperatorPasswordHash == "" {
		httpx.WriteError(w, http.StatusServiceUnavailable, "not_configured", "operator login not configured")
		return
	}
	var req tokenRequest
	if !h.decode(w, r, &req) {
		return
	}

	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(h.cfg.OperatorUsername)) == 1
	passErr := bcrypt.CompareHashAndPassword([]byte(h.cfg.OperatorPasswordHash), []byte(req.Password))
	if !userOK || passErr != nil {
		h.logger.WarnContext(r.Context(), "operator login rejected",
			"request_id", httpx.RequestIDFromContext(r.Context()),
		)
		httpx.WriteError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
		return
	}

	now := time.Now()
	token, err := auth.SignHS256(auth.Claims{
		Sub:  req.Username,
		Role: auth.RoleOwner,
		Iat:  now.Unix(),
		Exp:  now.Add(h.cfg.OperatorTokenTTL).Unix(),
	}, h.cfg.OperatorSecret)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, tokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(h.cfg.OperatorTokenTTL / time.Second),
	})
}
