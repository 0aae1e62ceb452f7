package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"coderoom/internal/auth"
	"coderoom/internal/services"
	ws "coderoom/internal/websocket"
)

const requestTimeout = 15 * time.Second

// NewRouter wires every HTTP and websocket route of the service.
func NewRouter(authService *auth.Service, roomService *services.RoomService, matchmaker *services.Matchmaker, hub *ws.Hub) http.Handler {
	authHandlers := NewAuthHandlers(authService)
	roomHandlers := NewRoomHandlers(roomService, matchmaker)
	wsHandlers := NewWebSocketHandlers(authService, roomService, hub)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":      "ok",
			"live_rooms":  roomService.LiveCount(),
			"connections": hub.Count(),
		})
	})

	// Sockets outlive any request timeout.
	r.Get("/ws", wsHandlers.HandleWebSocket)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))

		r.Post("/register", authHandlers.Register)
		r.Post("/login", authHandlers.Login)
		r.Get("/me", authHandlers.Me)

		r.Group(func(r chi.Router) {
			r.Use(RequireIdentity(authService))
			roomHandlers.RegisterRoutes(r)
		})
	})

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
