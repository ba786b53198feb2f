package game

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moonvale/server/internal/gameerr"
	"github.com/moonvale/server/internal/models"
)

func TestJoinAssignsSequentialPositions(t *testing.T) {
	f := newFixture(t, "host", "anna", "ben")

	assert.Equal(t, 1, f.player("host").Position)
	assert.Equal(t, 2, f.player("anna").Position)
	assert.Equal(t, 3, f.player("ben").Position)
}

func TestJoinRejectsDuplicatesAndOverflow(t *testing.T) {
	f := newFixture(t, "host", "anna")
	ctx := context.Background()

	_, err := f.room.Join(ctx, f.userID("anna"), "anna")
	require.ErrorIs(t, err, gameerr.ErrConflict)

	f.room.mu.Lock()
	f.room.model.MaxPlayers = 2
	f.room.mu.Unlock()
	_, err = f.room.Join(ctx, uuid.New(), "late")
	require.ErrorIs(t, err, gameerr.ErrConflict)
}

func TestLeaveInLobbyFreesSlot(t *testing.T) {
	f := newFixture(t, "host", "anna", "ben")
	ctx := context.Background()

	require.NoError(t, f.room.Leave(ctx, f.userID("anna")))
	assert.False(t, f.room.HasUser(f.userID("anna")))

	// The freed position is handed to the next joiner.
	newcomer := uuid.New()
	p, err := f.room.Join(ctx, newcomer, "cleo")
	require.NoError(t, err)
	assert.Equal(t, 2, p.Position)
}

func TestHostSuccessionOnLeave(t *testing.T) {
	f := newFixture(t, "host", "anna", "ben")
	ctx := context.Background()

	require.NoError(t, f.room.Leave(ctx, f.userID("host")))

	f.room.mu.Lock()
	newHost := f.room.model.HostUserID
	f.room.mu.Unlock()
	assert.Equal(t, f.userID("anna"), newHost, "lowest remaining position inherits")
}

func TestLastLeaverCancelsLobby(t *testing.T) {
	f := newFixture(t, "host")
	require.NoError(t, f.room.Leave(context.Background(), f.userID("host")))
	assert.Equal(t, models.RoomCancelled, f.state())
}

func TestLeaveInGameMarksDisconnected(t *testing.T) {
	f := newFixture(t, "host", "anna", "ben", "cleo", "dita")
	f.forceGame(1, models.PhaseNight, map[string]models.Role{
		"host": models.RoleWerewolf,
	})

	require.NoError(t, f.room.Leave(context.Background(), f.userID("anna")))

	anna := f.player("anna")
	assert.Equal(t, models.PlayerDisconnected, anna.State)
	assert.True(t, anna.Alive(), "disconnected players still count for every rule")
}

func TestReconnectRestoresAliveState(t *testing.T) {
	f := newFixture(t, "host", "anna", "ben", "cleo", "dita")
	f.forceGame(1, models.PhaseNight, map[string]models.Role{
		"host": models.RoleWerewolf,
	})
	ctx := context.Background()

	require.NoError(t, f.room.Leave(ctx, f.userID("anna")))
	require.NoError(t, f.room.Reconnect(ctx, f.userID("anna")))
	assert.Equal(t, models.PlayerAlive, f.player("anna").State)
}

func TestStartChecksHostAndMinimum(t *testing.T) {
	f := newFixture(t, "host", "anna", "ben")
	ctx := context.Background()

	err := f.room.Start(ctx, f.userID("anna"))
	require.ErrorIs(t, err, gameerr.ErrUnauthorized)

	err = f.room.Start(ctx, f.userID("host"))
	require.ErrorIs(t, err, gameerr.ErrPrecondition, "below min_players")
}

func TestStartDealsRolesAndSchedulesTimer(t *testing.T) {
	f := newFixture(t, "host", "anna", "ben", "cleo", "dita")
	require.NoError(t, f.room.Start(context.Background(), f.userID("host")))

	assert.Equal(t, models.PhaseRoleAssignment, f.phase())
	assert.Equal(t, models.RoomStarting, f.state())
	assert.Equal(t, 1, f.timers.Len())

	f.room.mu.Lock()
	defer f.room.mu.Unlock()
	wolves := 0
	for _, p := range f.room.players {
		require.NotEmpty(t, p.Role)
		if isWerewolfTeam(p.Role) {
			wolves++
		}
	}
	assert.Equal(t, 1, wolves, "5-player deal carries one wolf")
}

func TestStartTwiceRejected(t *testing.T) {
	f := newFixture(t, "host", "anna", "ben", "cleo", "dita")
	ctx := context.Background()
	require.NoError(t, f.room.Start(ctx, f.userID("host")))
	err := f.room.Start(ctx, f.userID("host"))
	require.ErrorIs(t, err, gameerr.ErrPrecondition)
}

func TestPhaseCycleAndDayCounter(t *testing.T) {
	f := newFixture(t, "host", "anna", "ben", "cleo", "dita")
	require.NoError(t, f.room.Start(context.Background(), f.userID("host")))

	f.advance()
	assert.Equal(t, models.PhaseNight, f.phase())
	assert.Equal(t, models.RoomNight, f.state())
	assert.Equal(t, 1, f.day())

	f.advance()
	assert.Equal(t, models.PhaseDayDiscussion, f.phase())
	assert.Equal(t, models.RoomDay, f.state())

	f.advance()
	assert.Equal(t, models.PhaseDayVoting, f.phase())
	assert.Equal(t, models.RoomVoting, f.state())

	f.advance()
	assert.Equal(t, models.PhaseNight, f.phase())
	assert.Equal(t, 2, f.day(), "day increments on each night entry")
}

func TestStaleTimerEntryDropped(t *testing.T) {
	f := newFixture(t, "host", "anna", "ben", "cleo", "dita")
	f.forceGame(1, models.PhaseDayDiscussion, map[string]models.Role{
		"host": models.RoleWerewolf,
	})

	// An entry for an already-finished phase is a no-op.
	require.NoError(t, f.room.AdvancePhase(context.Background(), models.PhaseNight))
	assert.Equal(t, models.PhaseDayDiscussion, f.phase())
}

func TestPhaseEndsAtMatchesRoomDurations(t *testing.T) {
	f := newFixture(t, "host", "anna", "ben", "cleo", "dita")
	f.forceGame(1, models.PhaseRoleAssignment, map[string]models.Role{
		"host": models.RoleWerewolf,
	})

	before := time.Now()
	f.advance() // role assignment expires into night

	f.room.mu.Lock()
	endsAt := f.room.model.PhaseEndsAt
	night := f.room.model.NightDuration
	f.room.mu.Unlock()

	require.NotNil(t, endsAt)
	expected := before.Add(time.Duration(night) * time.Second)
	assert.WithinDuration(t, expected, *endsAt, 2*time.Second)
}

func TestSnapshotHidesUnrevealedRoles(t *testing.T) {
	f := newFixture(t, "host", "anna", "ben", "cleo", "dita")
	f.forceGame(1, models.PhaseNight, map[string]models.Role{
		"host": models.RoleWerewolf,
		"anna": models.RoleSeer,
	})

	snap := f.room.Snapshot(f.userID("anna"))
	require.NotNil(t, snap.MyRole)
	assert.Equal(t, models.RoleSeer, *snap.MyRole)

	for _, p := range snap.Players {
		switch p.UserID {
		case f.userID("anna"):
			require.NotNil(t, p.Role)
		default:
			assert.Nil(t, p.Role, "%s's role must stay hidden", p.Username)
		}
	}
}

func TestSnapshotRevealsTheDead(t *testing.T) {
	f := newFixture(t, "host", "anna", "ben", "cleo", "dita")
	f.forceGame(2, models.PhaseNight, map[string]models.Role{
		"host": models.RoleWerewolf,
	})
	f.kill("ben", models.CauseWerewolfAttack)

	snap := f.room.Snapshot(f.userID("anna"))
	assert.Equal(t, 4, snap.AliveCount)
	assert.Len(t, snap.DeadPlayers, 1)
	for _, p := range snap.Players {
		if p.UserID == f.userID("ben") {
			require.NotNil(t, p.Role, "death reveals the role")
		}
	}
}

func TestGameEndRevealsAllRoles(t *testing.T) {
	f := newFixture(t, "wolf", "anna", "ben", "cleo", "dita")
	f.forceGame(3, models.PhaseDayVoting, map[string]models.Role{
		"wolf": models.RoleWerewolf,
	})

	for _, name := range []string{"anna", "ben", "cleo"} {
		f.vote(name, "wolf")
	}
	f.advance()

	assert.Equal(t, models.RoomEnded, f.state())
	assert.Equal(t, models.PhaseGameEnd, f.phase())
	require.NotNil(t, f.winner())
	assert.Equal(t, models.TeamVillagers, *f.winner())
	assert.Len(t, f.events(models.EventGameEnded), 1)

	snap := f.room.Snapshot(f.userID("anna"))
	for _, p := range snap.Players {
		assert.NotNil(t, p.Role, "game end reveals every role")
	}
}

func TestChannelsForGrantsByPhase(t *testing.T) {
	f := newFixture(t, "wolf", "anna", "ben", "cleo", "dita")
	f.forceGame(1, models.PhaseDayVoting, map[string]models.Role{
		"wolf": models.RoleWerewolf,
	})
	f.advance() // into night

	assert.Contains(t, f.room.ChannelsFor(f.userID("wolf")), models.ChannelWerewolf)
	assert.Equal(t, []string{models.ChannelMain}, f.room.ChannelsFor(f.userID("anna")))
	assert.True(t, f.room.OnWerewolfTeam(f.userID("wolf")))
	assert.False(t, f.room.OnWerewolfTeam(f.userID("anna")))
}

func TestCancelIsTerminalAndIdempotent(t *testing.T) {
	f := newFixture(t, "host", "anna")
	ctx := context.Background()

	require.NoError(t, f.room.Cancel(ctx, "abandoned"))
	assert.Equal(t, models.RoomCancelled, f.state())
	require.NoError(t, f.room.Cancel(ctx, "again"))
}
