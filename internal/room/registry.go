package room

import (
	"github.com/samber/lo"

	"coderoom/internal/models"
)

// Member is a participant together with its delivery stream.
type Member struct {
	Participant models.Participant
	Outbox      *Outbox
	Attached    bool
	// detachToken identifies the pending reconnect grace timer, zero when none.
	detachToken uint64
}

// Registry tracks the live connections of one room in admission order.
// It is not safe for concurrent use; the owning Room serializes access.
type Registry struct {
	capacity int
	order    []string
	members  map[string]*Member
}

func NewRegistry(capacity int) *Registry {
	return &Registry{
		capacity: capacity,
		members:  make(map[string]*Member),
	}
}

// Admit registers a connection. Admitting an already registered connection id
// is an idempotent success and returns admitted=false.
func (r *Registry) Admit(m *Member) (admitted bool, err error) {
	if _, ok := r.members[m.Participant.ConnectionID]; ok {
		return false, nil
	}
	if len(r.order) >= r.capacity {
		return false, ErrFull
	}
	r.members[m.Participant.ConnectionID] = m
	r.order = append(r.order, m.Participant.ConnectionID)
	return true, nil
}

// Remove is a no-op for unknown connection ids.
func (r *Registry) Remove(connectionID string) (*Member, bool) {
	m, ok := r.members[connectionID]
	if !ok {
		return nil, false
	}
	delete(r.members, connectionID)
	r.order = lo.Without(r.order, connectionID)
	return m, true
}

func (r *Registry) Get(connectionID string) (*Member, bool) {
	m, ok := r.members[connectionID]
	return m, ok
}

func (r *Registry) Members() []*Member {
	return lo.Map(r.order, func(id string, _ int) *Member {
		return r.members[id]
	})
}

func (r *Registry) ListActive() []models.Participant {
	return lo.Map(r.order, func(id string, _ int) models.Participant {
		return r.members[id].Participant
	})
}

func (r *Registry) ByUser(userID string) []*Member {
	return lo.Filter(r.Members(), func(m *Member, _ int) bool {
		return m.Participant.UserID == userID
	})
}

func (r *Registry) Count() int {
	return len(r.order)
}

func (r *Registry) Capacity() int {
	return r.capacity
}
