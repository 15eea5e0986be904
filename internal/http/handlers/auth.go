package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/signalix/driver/internal/auth"
	"github.com/signalix/driver/internal/middleware"
	"github.com/signalix/driver/internal/model"
)

// Authenticator is the part of auth.AuthService the handlers use
type Authenticator interface {
	DevLogin(ctx context.Context, phone string) (model.Driver, model.TokenPair, error)
	RefreshTokens(ctx context.Context, refreshToken string) (model.TokenPair, error)
	Logout(ctx context.Context, refreshToken string) error
}

// AuthHandler handles authentication endpoints
type AuthHandler struct {
	authService Authenticator
	log         *slog.Logger
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(authService Authenticator, log *slog.Logger) *AuthHandler {
	if log == nil {
		log = slog.Default()
	}
	return &AuthHandler{authService: authService, log: log}
}

// devLoginRequest is the request body for POST /auth/dev-login
type devLoginRequest struct {
	PhoneNumber string `json:"phoneNumber"`
}

// tokenPairResponse is returned by dev-login and refresh-token
type tokenPairResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	TokenType    string `json:"tokenType"`
}

// driverResponse is the driver object in API responses
type driverResponse struct {
	ID          string `json:"id"`
	PhoneNumber string `json:"phoneNumber"`
}

// refreshRequest is the request body for /auth/refresh-token and /auth/logout
type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// HandleDevLogin handles POST /auth/dev-login
func (h *AuthHandler) HandleDevLogin(w http.ResponseWriter, r *http.Request) {
	var req devLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	driver, pair, err := h.authService.DevLogin(r.Context(), req.PhoneNumber)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidPhone) {
			respondWithError(w, http.StatusBadRequest, "phoneNumber is required")
			return
		}
		h.log.Error("dev_login_failed", slog.String("phone", maskPhone(req.PhoneNumber)), slog.String("err", err.Error()))
		respondWithError(w, http.StatusInternalServerError, "login failed")
		return
	}

	h.log.Info("dev_login", slog.String("driver_id", driver.ID.String()), slog.String("phone", maskPhone(driver.PhoneNumber)))
	respondJSON(w, http.StatusOK, tokenPairResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "bearer",
	})
}

// HandleRefresh handles POST /auth/refresh-token
func (h *AuthHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	token, ok := decodeRefreshToken(w, r)
	if !ok {
		return
	}
	pair, err := h.authService.RefreshTokens(r.Context(), token)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrRefreshTokenReuseDetected):
			respondWithError(w, http.StatusUnauthorized, "refresh_token_reuse_detected")
		case errors.Is(err, auth.ErrInvalidRefreshToken):
			respondWithError(w, http.StatusUnauthorized, "invalid or expired refresh token")
		default:
			h.log.Error("refresh_failed", slog.String("err", err.Error()))
			respondWithError(w, http.StatusInternalServerError, "refresh failed")
		}
		return
	}
	respondJSON(w, http.StatusOK, tokenPairResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "bearer",
	})
}

// HandleLogout handles POST /auth/logout
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	token, ok := decodeRefreshToken(w, r)
	if !ok {
		return
	}
	if err := h.authService.Logout(r.Context(), token); err != nil {
		if errors.Is(err, auth.ErrInvalidRefreshToken) {
			respondWithError(w, http.StatusUnauthorized, "invalid or expired refresh token")
			return
		}
		h.log.Error("logout_failed", slog.String("err", err.Error()))
		respondWithError(w, http.StatusInternalServerError, "logout failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// HandleMe handles GET /me (protected). Returns the authenticated driver.
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	driver, ok := middleware.GetDriver(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	respondJSON(w, http.StatusOK, driverResponse{
		ID:          driver.ID.String(),
		PhoneNumber: driver.PhoneNumber,
	})
}

func decodeRefreshToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return "", false
	}
	token := strings.TrimSpace(req.RefreshToken)
	if token == "" {
		respondWithError(w, http.StatusBadRequest, "refreshToken is required")
		return "", false
	}
	return token, true
}

// maskPhone masks a phone number for logging (e.g., +49******89)
func maskPhone(phone string) string {
	phone = strings.TrimSpace(phone)
	if len(phone) <= 4 {
		return "****"
	}
	return phone[:2] + strings.Repeat("*", len(phone)-4) + phone[len(phone)-2:]
}
