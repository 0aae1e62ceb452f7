package services

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/samber/lo"

	"coderoom/internal/models"
	"coderoom/internal/room"
	"coderoom/pkg/logger"
)

type QuickJoinResult struct {
	Room    models.Room
	Created bool
	Session *room.Session
}

// Matchmaker places a user in the emptiest live public room, or opens a new one.
type Matchmaker struct {
	rooms *RoomService
}

func NewMatchmaker(rooms *RoomService) *Matchmaker {
	return &Matchmaker{rooms: rooms}
}

type candidate struct {
	meta     models.Room
	active   int
	capacity int
}

// lessUtilized compares active/capacity ratios without floating point.
func lessUtilized(a, b candidate) bool {
	return a.active*b.capacity < b.active*a.capacity
}

func (m *Matchmaker) candidates() []candidate {
	live := lo.FilterMap(m.rooms.liveRooms(), func(r *room.Room, _ int) (candidate, bool) {
		meta := r.Metadata()
		if !meta.IsPublic() || r.Closed() {
			return candidate{}, false
		}
		active, capacity := r.Occupancy()
		return candidate{meta: meta, active: active, capacity: capacity}, active < capacity
	})
	sort.SliceStable(live, func(i, j int) bool {
		a, b := live[i], live[j]
		if lessUtilized(a, b) {
			return true
		}
		if lessUtilized(b, a) {
			return false
		}
		return a.meta.CreatedAt.Before(b.meta.CreatedAt)
	})
	return live
}

// QuickJoin tries candidates in order; losing a race for the last seat moves
// on to the next one.
func (m *Matchmaker) QuickJoin(ctx context.Context, identity models.Identity) (*QuickJoinResult, error) {
	for _, c := range m.candidates() {
		_, sess, err := m.rooms.join(ctx, identity, c.meta.ID, "", false)
		switch {
		case err == nil:
			logger.Info("Quick join placed %s in room %s", identity.UserID, c.meta.ID)
			return &QuickJoinResult{Room: c.meta.Public(), Session: sess}, nil
		case errors.Is(err, room.ErrFull), errors.Is(err, room.ErrBanned),
			errors.Is(err, room.ErrClosed), errors.Is(err, room.ErrNotFound):
			continue
		default:
			return nil, err
		}
	}

	meta, err := m.rooms.Create(ctx, identity, &models.CreateRoomRequest{
		Title:      fmt.Sprintf("%s's Room", identity.DisplayName),
		Visibility: models.VisibilityPublic,
	})
	if err != nil {
		return nil, err
	}
	_, sess, err := m.rooms.join(ctx, identity, meta.ID, "", false)
	if err != nil {
		return nil, err
	}
	logger.Info("Quick join opened room %s for %s", meta.ID, identity.UserID)
	return &QuickJoinResult{Room: *meta, Created: true, Session: sess}, nil
}
