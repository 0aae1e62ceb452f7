package models

import "time"

type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// Room is the persisted metadata of a collaborative session.
type Room struct {
	ID            string     `json:"room_id"`
	Title         string     `json:"title"`
	Language      string     `json:"language"`
	Visibility    Visibility `json:"visibility"`
	InviteCode    string     `json:"invite_code,omitempty"`
	Capacity      int        `json:"max_users"`
	CreatedBy     string     `json:"created_by"`
	CreatedByName string     `json:"created_by_name"`
	CreatedAt     time.Time  `json:"created_at"`
}

func (r *Room) IsPublic() bool {
	return r.Visibility == VisibilityPublic
}

// Public returns a copy safe to show to users who do not hold the invite code.
func (r Room) Public() Room {
	r.InviteCode = ""
	return r
}

// RoomView is a room as listed in the lobby, with its live occupancy.
type RoomView struct {
	Room
	ActiveCount int      `json:"active_count"`
	VoiceUsers  []string `json:"voice_users,omitempty"`
}

// Participant is one admitted connection.
type Participant struct {
	ConnectionID string    `json:"connection_id"`
	UserID       string    `json:"user_id"`
	DisplayName  string    `json:"display_name"`
	JoinedAt     time.Time `json:"joined_at"`
}

// PresenceEntry is the public view of a participant.
type PresenceEntry struct {
	ConnectionID string `json:"connection_id"`
	DisplayName  string `json:"display_name"`
}

type CreateRoomRequest struct {
	Title      string     `json:"title" validate:"required,min=3,max=100"`
	Language   string     `json:"language" validate:"omitempty,oneof=javascript python java cpp go rust"`
	Visibility Visibility `json:"visibility" validate:"omitempty,oneof=public private"`
	Capacity   int        `json:"max_users" validate:"omitempty,gte=2,lte=20"`
}

type JoinRoomRequest struct {
	InviteCode string `json:"invite_code,omitempty"`
}

type KickRequest struct {
	ConnectionID string `json:"connection_id" validate:"required"`
}

type UnbanRequest struct {
	UserID string `json:"user_id" validate:"required"`
}

type ReportRequest struct {
	ReportedUserID string `json:"reported_user_id" validate:"required"`
	Reason         string `json:"reason" validate:"required,max=500"`
}

// JoinResponse tells the client which connection to attach its websocket to.
type JoinResponse struct {
	Room         Room   `json:"room"`
	ConnectionID string `json:"connection_id"`
	Created      bool   `json:"created"`
}

// Kick is a moderation record: the user may not rejoin the room before ExpiresAt.
type Kick struct {
	RoomID    string    `json:"room_id"`
	UserID    string    `json:"user_id"`
	KickedBy  string    `json:"kicked_by"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Report struct {
	ID             string    `json:"id"`
	RoomID         string    `json:"room_id"`
	ReporterID     string    `json:"reporter_id"`
	ReportedUserID string    `json:"reported_user_id"`
	Reason         string    `json:"reason"`
	CreatedAt      time.Time `json:"created_at"`
}

// VoiceSession is a short-lived credential to join the room's voice call.
type VoiceSession struct {
	RoomID    string    `json:"room_id"`
	Token     string    `json:"token"`
	URL       string    `json:"room_url"`
	ExpiresAt time.Time `json:"expires_at"`
}
