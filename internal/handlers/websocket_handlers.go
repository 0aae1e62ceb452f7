package handlers

import (
	"net/http"

	"github.com/gorilla/websocket"

	"coderoom/internal/services"
	ws "coderoom/internal/websocket"
	"coderoom/pkg/logger"
)

type WebSocketHandlers struct {
	identities  services.Identity
	roomService *services.RoomService
	hub         *ws.Hub
	upgrader    websocket.Upgrader
}

func NewWebSocketHandlers(identities services.Identity, roomService *services.RoomService, hub *ws.Hub) *WebSocketHandlers {
	return &WebSocketHandlers{
		identities:  identities,
		roomService: roomService,
		hub:         hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// HandleWebSocket binds a socket to a room connection. Query parameters:
// room (required), conn (a connection admitted over HTTP) and invite.
// Admission errors are answered as plain HTTP before the upgrade.
func (h *WebSocketHandlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing token"})
		return
	}
	identity, err := h.identities.Resolve(r.Context(), token)
	if err != nil {
		writeError(w, r, err)
		return
	}

	query := r.URL.Query()
	roomID := query.Get("room")
	if roomID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "room is required"})
		return
	}

	sess, err := h.roomService.Connect(r.Context(), identity, roomID, query.Get("conn"), query.Get("invite"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("Upgrade error: %v", err)
		h.roomService.Detach(sess)
		return
	}

	ws.NewClient(conn, sess, identity, h.roomService, h.hub).Run()
}
