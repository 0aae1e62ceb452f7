package room

import (
	"coderoom/internal/models"
)

// Broadcaster fans ephemeral events out to the other members of a room and
// keeps a small replay buffer of recent chat for newcomers.
type Broadcaster struct {
	replay     []models.Event
	replaySize int
}

func NewBroadcaster(replaySize int) *Broadcaster {
	return &Broadcaster{replaySize: replaySize}
}

// Publish enqueues the event for every member except the sender. Per-sender
// order holds because the room serializes publishes and outboxes are FIFO.
func (b *Broadcaster) Publish(reg *Registry, ev models.Event) {
	frame := models.Frame{Type: models.FrameEvent, RoomID: ev.RoomID, Event: &ev}
	for _, m := range reg.Members() {
		if m.Participant.ConnectionID == ev.ConnectionID {
			continue
		}
		m.Outbox.Push(frame)
	}
	if ev.Type == models.EventChat {
		b.remember(ev)
	}
}

func (b *Broadcaster) remember(ev models.Event) {
	if b.replaySize <= 0 {
		return
	}
	b.replay = append(b.replay, ev)
	if over := len(b.replay) - b.replaySize; over > 0 {
		b.replay = append(b.replay[:0:0], b.replay[over:]...)
	}
}

// Replay pushes the buffered chat history to one outbox.
func (b *Broadcaster) Replay(out *Outbox) {
	for i := range b.replay {
		ev := b.replay[i]
		out.Push(models.Frame{Type: models.FrameEvent, RoomID: ev.RoomID, Event: &ev})
	}
}
