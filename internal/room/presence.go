package room

import (
	"github.com/samber/lo"

	"coderoom/internal/models"
)

func presenceEntry(p models.Participant) models.PresenceEntry {
	return models.PresenceEntry{ConnectionID: p.ConnectionID, DisplayName: p.DisplayName}
}

func presenceSnapshot(reg *Registry) []models.PresenceEntry {
	return lo.Map(reg.ListActive(), func(p models.Participant, _ int) models.PresenceEntry {
		return presenceEntry(p)
	})
}

// announceJoin tells every member but the joiner about the new connection.
// The joiner learns about itself from its snapshot instead.
func announceJoin(reg *Registry, roomID string, joined models.Participant) {
	entry := presenceEntry(joined)
	for _, m := range reg.Members() {
		if m.Participant.ConnectionID == joined.ConnectionID {
			continue
		}
		m.Outbox.Push(models.Frame{
			Type:        models.FramePresenceJoin,
			RoomID:      roomID,
			Participant: &entry,
		})
	}
}

// announceLeave must run after the connection is removed from reg, so the
// leaver never receives its own leave.
func announceLeave(reg *Registry, roomID string, left models.Participant, reason string) {
	entry := presenceEntry(left)
	for _, m := range reg.Members() {
		m.Outbox.Push(models.Frame{
			Type:        models.FramePresenceLeave,
			RoomID:      roomID,
			Participant: &entry,
			Reason:      reason,
		})
	}
}
