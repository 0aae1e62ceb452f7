package database

import (
	"context"
	"errors"
	"time"

	"coderoom/internal/models"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("record already exists")
)

type UserRepository interface {
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByID(ctx context.Context, id string) (*models.User, error)
}

type RoomRepository interface {
	CreateRoom(ctx context.Context, room *models.Room) error
	GetRoomByID(ctx context.Context, id string) (*models.Room, error)
	GetRoomByInviteCode(ctx context.Context, code string) (*models.Room, error)
	ListPublicRooms(ctx context.Context) ([]*models.Room, error)
}

type ModerationRepository interface {
	RecordKick(ctx context.Context, kick *models.Kick) error
	// IsKicked reports whether an unexpired kick holds the user out of the room.
	IsKicked(ctx context.Context, roomID, userID string, now time.Time) (bool, error)
	ClearKick(ctx context.Context, roomID, userID string) error
	DeleteExpiredKicks(ctx context.Context, now time.Time) (int, error)
	RecordReport(ctx context.Context, report *models.Report) error
}

type Database interface {
	UserRepository
	RoomRepository
	ModerationRepository
	Close() error
}
