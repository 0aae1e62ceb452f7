package room

import "errors"

var (
	ErrNotFound      = errors.New("room not found")
	ErrFull          = errors.New("room is full")
	ErrInvalidInvite = errors.New("invalid invite code")
	ErrBanned        = errors.New("user is banned from this room")
	ErrForbidden     = errors.New("forbidden")
	ErrNotConnected  = errors.New("connection is not part of this room")
	ErrClosed        = errors.New("room is closed")
	// ErrStale is only returned under the strict document policy.
	ErrStale     = errors.New("stale document revision")
	ErrCorrupted = errors.New("room state corrupted")
)
