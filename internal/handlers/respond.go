package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"coderoom/internal/auth"
	"coderoom/internal/models"
	"coderoom/internal/room"
	"coderoom/internal/services"
	"coderoom/pkg/logger"
)

type identityKey struct{}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Error encoding response: %v", err)
	}
}

func statusFor(err error) int {
	var invalid validator.ValidationErrors
	switch {
	case errors.Is(err, services.ErrValidation), errors.As(err, &invalid):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, room.ErrInvalidInvite), errors.Is(err, room.ErrBanned), errors.Is(err, room.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, room.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, room.ErrFull), errors.Is(err, room.ErrStale),
		errors.Is(err, room.ErrNotConnected), errors.Is(err, auth.ErrEmailTaken):
		return http.StatusConflict
	case errors.Is(err, room.ErrClosed), errors.Is(err, room.ErrCorrupted):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Error("%s %s: %v", r.Method, r.URL.Path, err)
		writeJSON(w, status, errorResponse{Error: "internal server error"})
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request"})
		return false
	}
	return true
}

// bearerToken reads the Authorization header, falling back to the token
// query parameter browsers must use for websockets.
func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

// RequireIdentity rejects requests without a valid token and stores the
// caller's identity in the request context.
func RequireIdentity(identities services.Identity) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing token"})
				return
			}
			identity, err := identities.Resolve(r.Context(), token)
			if err != nil {
				writeError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, identity)))
		})
	}
}

func identityFrom(r *http.Request) models.Identity {
	identity, _ := r.Context().Value(identityKey{}).(models.Identity)
	return identity
}
