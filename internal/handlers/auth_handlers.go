package handlers

import (
	"net/http"

	"coderoom/internal/auth"
	"coderoom/internal/models"
)

type AuthHandlers struct {
	authService *auth.Service
}

func NewAuthHandlers(authService *auth.Service) *AuthHandlers {
	return &AuthHandlers{
		authService: authService,
	}
}

func (h *AuthHandlers) Register(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	if !decode(w, r, &req) {
		return
	}

	response, err := h.authService.Register(r.Context(), &req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, response)
}

func (h *AuthHandlers) Login(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if !decode(w, r, &req) {
		return
	}

	response, err := h.authService.Login(r.Context(), &req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, response)
}

func (h *AuthHandlers) Me(w http.ResponseWriter, r *http.Request) {
	user, err := h.authService.GetUserFromToken(r.Context(), bearerToken(r))
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, user)
}
