package game

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/moonvale/server/internal/bus"
	"github.com/moonvale/server/internal/config"
	"github.com/moonvale/server/internal/models"
	"github.com/moonvale/server/internal/store"
	"github.com/moonvale/server/internal/timer"
)

// fixture wires a room against the in-memory backends.
type fixture struct {
	t      *testing.T
	store  *store.Memory
	bus    *bus.Memory
	timers *timer.MemoryQueue
	room   *Room
	users  map[string]uuid.UUID
}

func testGameConfig() config.GameConfig {
	return config.GameConfig{
		LittleGirlCatchProb:  0, // deterministic unless a test opts in
		HunterRevengeSeconds: 30,
		DisconnectGraceSecs:  60,
	}
}

func newFixture(t *testing.T, usernames ...string) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{
		t:      t,
		store:  store.NewMemory(),
		bus:    bus.NewMemory(),
		timers: timer.NewMemoryQueue(),
		users:  make(map[string]uuid.UUID),
	}
	deps := Deps{Store: f.store, Bus: f.bus, Timers: f.timers, Game: testGameConfig()}

	settings := config.RoomSettings{Name: "test room"}
	require.NoError(t, config.ValidateRoomSettings(&settings))

	hostID := uuid.New()
	f.users[usernames[0]] = hostID

	model := &models.Room{
		ID:            uuid.New(),
		Code:          "TESTAA",
		Name:          settings.Name,
		HostUserID:    hostID,
		State:         models.RoomWaiting,
		Phase:         models.PhaseLobby,
		NightDuration: settings.NightDuration,
		DayDuration:   settings.DayDuration,
		VoteDuration:  settings.VoteDuration,
		MinPlayers:    settings.MinPlayers,
		MaxPlayers:    settings.MaxPlayers,
	}
	require.NoError(t, f.store.CreateRoom(ctx, model))

	f.room = newRoom(deps, model, nil)
	for _, name := range usernames {
		id, ok := f.users[name]
		if !ok {
			id = uuid.New()
			f.users[name] = id
		}
		_, err := f.room.Join(ctx, id, name)
		require.NoError(t, err)
	}
	return f
}

func (f *fixture) userID(username string) uuid.UUID {
	id, ok := f.users[username]
	require.True(f.t, ok, "unknown user %s", username)
	return id
}

func (f *fixture) player(username string) *models.Player {
	f.room.mu.Lock()
	defer f.room.mu.Unlock()
	p := f.room.playerByUser(f.users[username])
	require.NotNil(f.t, p, "no player for %s", username)
	return p
}

func (f *fixture) playerID(username string) uuid.UUID {
	return f.player(username).ID
}

// forceGame drops the room into a mid-game state with fixed roles.
// Usernames missing from roles become plain villagers.
func (f *fixture) forceGame(day int, phase models.GamePhase, roles map[string]models.Role) {
	ctx := context.Background()
	f.room.mu.Lock()
	defer f.room.mu.Unlock()

	f.room.model.Phase = phase
	f.room.model.State = models.StateForPhase(phase)
	f.room.model.DayNumber = day
	require.NoError(f.t, f.store.UpdateRoom(ctx, f.room.model))

	for _, p := range f.room.players {
		role, ok := roles[p.Username]
		if !ok {
			role = models.RoleVillager
		}
		p.Role = role
		require.NoError(f.t, f.store.UpdatePlayer(ctx, p))
		for _, ab := range initialAbilities(p.ID, role) {
			ab := ab
			require.NoError(f.t, f.store.UpsertAbility(ctx, &ab))
		}
	}
}

// advance expires the current phase.
func (f *fixture) advance() {
	f.room.mu.Lock()
	phase := f.room.model.Phase
	f.room.mu.Unlock()
	require.NoError(f.t, f.room.AdvancePhase(context.Background(), phase))
}

func (f *fixture) nightAction(username string, action models.ActionType, target uuid.UUID) error {
	return f.room.SubmitNightAction(context.Background(), f.userID(username), models.NightActionRequest{
		Action:   action,
		TargetID: &target,
	})
}

func (f *fixture) phase() models.GamePhase {
	f.room.mu.Lock()
	defer f.room.mu.Unlock()
	return f.room.model.Phase
}

func (f *fixture) state() models.RoomState {
	f.room.mu.Lock()
	defer f.room.mu.Unlock()
	return f.room.model.State
}

func (f *fixture) day() int {
	f.room.mu.Lock()
	defer f.room.mu.Unlock()
	return f.room.model.DayNumber
}

func (f *fixture) winner() *models.Team {
	f.room.mu.Lock()
	defer f.room.mu.Unlock()
	return f.room.model.WinningTeam
}

// events lists the room's audit log entries of one type.
func (f *fixture) events(eventType string) []*models.GameEvent {
	var out []*models.GameEvent
	for _, e := range f.store.Events(f.room.ID()) {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

// setLovers links two players directly, bypassing cupid.
func (f *fixture) setLovers(a, b string) {
	ctx := context.Background()
	f.room.mu.Lock()
	defer f.room.mu.Unlock()
	pa := f.room.playerByUser(f.users[a])
	pb := f.room.playerByUser(f.users[b])
	pa.LoverID = &pb.ID
	pb.LoverID = &pa.ID
	require.NoError(f.t, f.store.UpdatePlayer(ctx, pa))
	require.NoError(f.t, f.store.UpdatePlayer(ctx, pb))
}

// kill routes a death through the pipeline inside a room transaction.
func (f *fixture) kill(username string, cause models.DeathCause) {
	ctx := context.Background()
	f.room.mu.Lock()
	defer f.room.mu.Unlock()
	victim := f.idByUsernameLocked(username)
	var st *txState
	err := f.room.inTx(ctx, func(s *txState) error {
		st = s
		return s.deaths.Kill(ctx, s, victim, cause)
	})
	require.NoError(f.t, err)
	f.room.armRevenge(st)
}

func (f *fixture) idByUsernameLocked(username string) uuid.UUID {
	for id, p := range f.room.players {
		if p.Username == username {
			return id
		}
	}
	f.t.Fatalf("no player %s", username)
	return uuid.Nil
}
