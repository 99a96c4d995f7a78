// SPDX-License-Identifier: MIT

package service

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/claimgate/claimgate/internal/auth"
	"github.com/claimgate/claimgate/internal/log"
	"github.com/claimgate/claimgate/internal/wire"
)

type credentialsRequest struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	Autopilot bool   `json:"autopilot,omitempty"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresAt    string `json:"expires_at"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Service) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password required")
		return
	}

	user, err := s.auth.Register(r.Context(), req.Username, req.Password, req.Autopilot)
	if err != nil {
		writeError(w, http.StatusConflict, "user already exists")
		return
	}

	logger := log.WithComponent("auth")
	logger.Info().Str("user", user.Name).Bool("autopilot", user.Autopilot).Msg("user registered")
	writeJSON(w, http.StatusCreated, map[string]any{"id": user.ID, "name": user.Name})
}

func (s *Service) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	access, refresh, err := s.auth.Login(r.Context(), req.Username, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  access.Key,
		RefreshToken: refresh.Key,
		ExpiresAt:    wire.EncodeTime(access.ExpiresAt),
	})
}

func (s *Service) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "refresh_token required")
		return
	}

	access, err := s.auth.Refresh(r.Context(), req.RefreshToken)
	switch {
	case errors.Is(err, auth.ErrTokenExpired):
		writeError(w, http.StatusUnauthorized, "refresh token expired")
	case errors.Is(err, auth.ErrTokenInvalid):
		writeError(w, http.StatusUnauthorized, "refresh token invalid")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "refresh failed")
	default:
		writeJSON(w, http.StatusOK, tokenResponse{
			AccessToken: access.Key,
			ExpiresAt:   wire.EncodeTime(access.ExpiresAt),
		})
	}
}
