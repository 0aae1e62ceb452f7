package room

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"coderoom/internal/models"
)

func member(connectionID, userID string) *Member {
	return &Member{
		Participant: models.Participant{ConnectionID: connectionID, UserID: userID, DisplayName: userID},
		Outbox:      NewOutbox(8),
	}
}

func TestRegistry_Admit_Until_Capacity(t *testing.T) {
	req := require.New(t)
	reg := NewRegistry(2)

	// Given two admitted connections
	admitted, err := reg.Admit(member("c1", "alice"))
	req.NoError(err)
	req.True(admitted)
	admitted, err = reg.Admit(member("c2", "bob"))
	req.NoError(err)
	req.True(admitted)

	// When a third connection is admitted
	_, err = reg.Admit(member("c3", "clara"))

	// Then the room is full
	req.ErrorIs(err, ErrFull)
	req.Equal(2, reg.Count())
}

func TestRegistry_Admit_Same_Connection_Is_Idempotent(t *testing.T) {
	req := require.New(t)
	reg := NewRegistry(1)
	_, err := reg.Admit(member("c1", "alice"))
	req.NoError(err)

	// When the same connection is admitted again at full capacity
	admitted, err := reg.Admit(member("c1", "alice"))

	// Then it is neither an error nor a second entry
	req.NoError(err)
	req.False(admitted)
	req.Equal(1, reg.Count())
}

func TestRegistry_ListActive_Keeps_Insertion_Order(t *testing.T) {
	req := require.New(t)
	reg := NewRegistry(10)
	ids := []string{"c3", "c1", "c2"}
	for _, id := range ids {
		_, err := reg.Admit(member(id, "u-"+id))
		req.NoError(err)
	}
	_, ok := reg.Remove("c1")
	req.True(ok)
	_, err := reg.Admit(member("c1", "u-c1"))
	req.NoError(err)

	active := reg.ListActive()
	req.Equal([]string{"c3", "c2", "c1"}, []string{active[0].ConnectionID, active[1].ConnectionID, active[2].ConnectionID})
}

func TestRegistry_Remove_Unknown_Is_NoOp(t *testing.T) {
	req := require.New(t)
	reg := NewRegistry(2)
	_, err := reg.Admit(member("c1", "alice"))
	req.NoError(err)

	_, ok := reg.Remove("missing")
	req.False(ok)
	_, ok = reg.Remove("c1")
	req.True(ok)
	_, ok = reg.Remove("c1")
	req.False(ok)
	req.Zero(reg.Count())
}

func TestRegistry_Random_Admit_Remove_Never_Exceeds_Capacity(t *testing.T) {
	req := require.New(t)
	reg := NewRegistry(3)
	removed := make(map[string]bool)
	var live []string
	for i := 0; i < 200; i++ {
		if i%3 == 2 && len(live) > 0 {
			id := live[0]
			live = live[1:]
			reg.Remove(id)
			removed[id] = true
		} else {
			id := fmt.Sprintf("%d-%s", i, uuid.NewString())
			if admitted, err := reg.Admit(member(id, id)); err == nil && admitted {
				live = append(live, id)
			}
		}
		active := reg.ListActive()
		req.LessOrEqual(len(active), 3)
		for _, p := range active {
			req.False(removed[p.ConnectionID], "removed connection %s still listed", p.ConnectionID)
		}
	}
}
