package game

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moonvale/server/internal/models"
	"github.com/moonvale/server/internal/timer"
)

func TestDispatcherAdvancesExpiredPhases(t *testing.T) {
	f := newFixture(t, "host", "anna", "ben", "cleo", "dita")
	require.NoError(t, f.room.Start(context.Background(), f.userID("host")))
	require.Equal(t, models.PhaseRoleAssignment, f.phase())

	reg := NewRegistry(f.room.deps)
	reg.rooms[f.room.ID()] = f.room
	d := NewDispatcher(f.timers, reg)

	// Force the scheduled deadline into the past.
	require.NoError(t, f.timers.Cancel(context.Background(), f.room.ID()))
	require.NoError(t, f.timers.Schedule(context.Background(), timer.Entry{
		RoomID:   f.room.ID(),
		Phase:    models.PhaseRoleAssignment,
		Deadline: time.Now().Add(-time.Second),
	}))

	d.tick(context.Background())
	assert.Equal(t, models.PhaseNight, f.phase())
}

func TestDispatcherIgnoresUnknownRooms(t *testing.T) {
	reg, _, q := newTestRegistry(t)
	d := NewDispatcher(q, reg)

	require.NoError(t, q.Schedule(context.Background(), timer.Entry{
		RoomID:   uuid.New(),
		Phase:    models.PhaseNight,
		Deadline: time.Now().Add(-time.Second),
	}))

	d.tick(context.Background())
	assert.Equal(t, 0, q.Len(), "entries for dead rooms are dropped")
}

func TestDispatcherDropsStaleEntries(t *testing.T) {
	f := newFixture(t, "host", "anna", "ben", "cleo", "dita")
	f.forceGame(1, models.PhaseDayDiscussion, map[string]models.Role{
		"host": models.RoleWerewolf,
	})

	reg := NewRegistry(f.room.deps)
	reg.rooms[f.room.ID()] = f.room
	d := NewDispatcher(f.timers, reg)

	require.NoError(t, f.timers.Schedule(context.Background(), timer.Entry{
		RoomID:   f.room.ID(),
		Phase:    models.PhaseNight,
		Deadline: time.Now().Add(-time.Second),
	}))

	d.tick(context.Background())
	assert.Equal(t, models.PhaseDayDiscussion, f.phase(), "a stale entry must not advance")
}
