package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"coderoom/internal/models"
	"coderoom/internal/services"
)

type RoomHandlers struct {
	roomService *services.RoomService
	matchmaker  *services.Matchmaker
}

func NewRoomHandlers(roomService *services.RoomService, matchmaker *services.Matchmaker) *RoomHandlers {
	return &RoomHandlers{
		roomService: roomService,
		matchmaker:  matchmaker,
	}
}

func (h *RoomHandlers) RegisterRoutes(r chi.Router) {
	r.Get("/rooms", h.ListRooms)
	r.Post("/rooms", h.CreateRoom)
	r.Post("/rooms/quick-join", h.QuickJoin)
	r.Post("/invites/{code}/join", h.JoinByInvite)
	r.Route("/rooms/{id}", func(r chi.Router) {
		r.Get("/", h.GetRoom)
		r.Get("/participants", h.ListParticipants)
		r.Get("/presence", h.Presence)
		r.Post("/join", h.JoinRoom)
		r.Delete("/connections/{conn}", h.LeaveRoom)
		r.Post("/kick", h.Kick)
		r.Post("/unban", h.Unban)
		r.Post("/reports", h.Report)
		r.Post("/voice", h.Voice)
	})
}

func (h *RoomHandlers) CreateRoom(w http.ResponseWriter, r *http.Request) {
	var req models.CreateRoomRequest
	if !decode(w, r, &req) {
		return
	}

	created, err := h.roomService.Create(r.Context(), identityFrom(r), &req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (h *RoomHandlers) ListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := h.roomService.ListRooms(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, rooms)
}

func (h *RoomHandlers) GetRoom(w http.ResponseWriter, r *http.Request) {
	view, err := h.roomService.GetRoom(r.Context(), identityFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, view)
}

func (h *RoomHandlers) ListParticipants(w http.ResponseWriter, r *http.Request) {
	participants, err := h.roomService.ListActive(r.Context(), identityFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, participants)
}

func (h *RoomHandlers) Presence(w http.ResponseWriter, r *http.Request) {
	presence, err := h.roomService.Presence(r.Context(), identityFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, presence)
}

func (h *RoomHandlers) JoinRoom(w http.ResponseWriter, r *http.Request) {
	// The body is optional for public rooms.
	var req models.JoinRoomRequest
	if err := decodeOptional(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request"})
		return
	}

	roomID := chi.URLParam(r, "id")
	sess, err := h.roomService.Join(r.Context(), identityFrom(r), roomID, req.InviteCode)
	if err != nil {
		writeError(w, r, err)
		return
	}
	view, err := h.roomService.GetRoom(r.Context(), identityFrom(r), roomID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, models.JoinResponse{Room: view.Room, ConnectionID: sess.Participant.ConnectionID})
}

func (h *RoomHandlers) JoinByInvite(w http.ResponseWriter, r *http.Request) {
	joined, sess, err := h.roomService.JoinByInvite(r.Context(), identityFrom(r), chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, models.JoinResponse{Room: joined.Public(), ConnectionID: sess.Participant.ConnectionID})
}

func (h *RoomHandlers) QuickJoin(w http.ResponseWriter, r *http.Request) {
	result, err := h.matchmaker.QuickJoin(r.Context(), identityFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, models.JoinResponse{
		Room:         result.Room,
		ConnectionID: result.Session.Participant.ConnectionID,
		Created:      result.Created,
	})
}

func (h *RoomHandlers) LeaveRoom(w http.ResponseWriter, r *http.Request) {
	err := h.roomService.Leave(r.Context(), identityFrom(r), chi.URLParam(r, "id"), chi.URLParam(r, "conn"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *RoomHandlers) Kick(w http.ResponseWriter, r *http.Request) {
	var req models.KickRequest
	if !decode(w, r, &req) {
		return
	}

	kicked, err := h.roomService.Kick(r.Context(), identityFrom(r), chi.URLParam(r, "id"), &req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, kicked)
}

func (h *RoomHandlers) Unban(w http.ResponseWriter, r *http.Request) {
	var req models.UnbanRequest
	if !decode(w, r, &req) {
		return
	}

	if err := h.roomService.Unban(r.Context(), identityFrom(r), chi.URLParam(r, "id"), &req); err != nil {
		writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *RoomHandlers) Report(w http.ResponseWriter, r *http.Request) {
	var req models.ReportRequest
	if !decode(w, r, &req) {
		return
	}

	report, err := h.roomService.Report(r.Context(), identityFrom(r), chi.URLParam(r, "id"), &req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, report)
}

func (h *RoomHandlers) Voice(w http.ResponseWriter, r *http.Request) {
	session, err := h.roomService.VoiceToken(r.Context(), identityFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, session)
}

func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
