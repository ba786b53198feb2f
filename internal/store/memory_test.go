package store

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

func testRoom() *models.Room {
	return &models.Room{
		ID:        uuid.New(),
		Code:      "ABC123",
		Name:      "village",
		State:     models.RoomWaiting,
		Phase:     models.PhaseLobby,
		CreatedAt: time.Now(),
	}
}

func TestRoomCodeUniqueAmongActive(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	first := testRoom()
	require.NoError(t, m.CreateRoom(ctx, first))

	dup := testRoom()
	err := m.CreateRoom(ctx, dup)
	require.ErrorIs(t, err, gameerr.ErrConflict)

	// Terminal rooms release their code.
	first.State = models.RoomEnded
	require.NoError(t, m.UpdateRoom(ctx, first))
	require.NoError(t, m.CreateRoom(ctx, dup))
}

func TestFindRoomByCodeSkipsTerminal(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	room := testRoom()
	require.NoError(t, m.CreateRoom(ctx, room))

	found, err := m.FindRoomByCode(ctx, room.Code)
	require.NoError(t, err)
	assert.Equal(t, room.ID, found.ID)

	room.State = models.RoomCancelled
	require.NoError(t, m.UpdateRoom(ctx, room))
	_, err = m.FindRoomByCode(ctx, room.Code)
	require.ErrorIs(t, err, gameerr.ErrNotFound)
}

func TestActionUpsertOverwritesByKey(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	roomID, performerID := uuid.New(), uuid.New()
	target1, target2 := uuid.New(), uuid.New()

	a := &models.GameAction{
		RoomID:      roomID,
		PerformerID: performerID,
		ActionType:  models.ActionWerewolfVote,
		DayNumber:   1,
		Phase:       models.PhaseNight,
		TargetID:    &target1,
	}
	require.NoError(t, m.UpsertAction(ctx, a))

	b := *a
	b.TargetID = &target2
	require.NoError(t, m.UpsertAction(ctx, &b))

	actions, err := m.FindActions(ctx, ActionFilter{RoomID: roomID})
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, target2, *actions[0].TargetID)
}

func TestActionFilterZeroValuesMatchAll(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	roomID := uuid.New()

	for day := 1; day <= 2; day++ {
		require.NoError(t, m.UpsertAction(ctx, &models.GameAction{
			RoomID:      roomID,
			PerformerID: uuid.New(),
			ActionType:  models.ActionWerewolfVote,
			DayNumber:   day,
			Phase:       models.PhaseNight,
		}))
	}

	all, err := m.FindActions(ctx, ActionFilter{RoomID: roomID})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	dayOne, err := m.FindActions(ctx, ActionFilter{RoomID: roomID, DayNumber: 1})
	require.NoError(t, err)
	assert.Len(t, dayOne, 1)
}

func TestDeleteActionsByFilter(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	roomID := uuid.New()

	require.NoError(t, m.UpsertAction(ctx, &models.GameAction{
		RoomID: roomID, PerformerID: uuid.New(),
		ActionType: models.ActionDayVote, DayNumber: 1, Phase: models.PhaseDayVoting,
	}))
	require.NoError(t, m.UpsertAction(ctx, &models.GameAction{
		RoomID: roomID, PerformerID: uuid.New(),
		ActionType: models.ActionWerewolfVote, DayNumber: 1, Phase: models.PhaseNight,
	}))

	require.NoError(t, m.DeleteActions(ctx, ActionFilter{
		RoomID: roomID, ActionType: models.ActionDayVote,
	}))

	left, err := m.FindActions(ctx, ActionFilter{RoomID: roomID})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, models.ActionWerewolfVote, left[0].ActionType)
}

func TestAbilityRoundTripCopiesMetadata(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	playerID := uuid.New()

	meta := map[string]string{models.MetaTargetID: uuid.New().String()}
	require.NoError(t, m.UpsertAbility(ctx, &models.Ability{
		PlayerID: playerID,
		Type:     models.AbilityHeirTarget,
		Metadata: meta,
	}))

	meta[models.MetaTargetID] = "mutated"

	ab, err := m.FindAbility(ctx, playerID, models.AbilityHeirTarget)
	require.NoError(t, err)
	assert.NotEqual(t, "mutated", ab.Metadata[models.MetaTargetID],
		"stored metadata must not alias the caller's map")
}

func TestPlayerUniquePerRoomUser(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	roomID, userID := uuid.New(), uuid.New()

	require.NoError(t, m.CreatePlayer(ctx, &models.Player{
		ID: uuid.New(), RoomID: roomID, UserID: userID, State: models.PlayerAlive,
	}))
	err := m.CreatePlayer(ctx, &models.Player{
		ID: uuid.New(), RoomID: roomID, UserID: userID, State: models.PlayerAlive,
	})
	require.ErrorIs(t, err, gameerr.ErrConflict)

	// The same user may sit in a different room.
	require.NoError(t, m.CreatePlayer(ctx, &models.Player{
		ID: uuid.New(), RoomID: uuid.New(), UserID: userID, State: models.PlayerAlive,
	}))
}

func TestListPlayersSortsByPosition(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	roomID := uuid.New()

	for _, pos := range []int{3, 1, 2} {
		require.NoError(t, m.CreatePlayer(ctx, &models.Player{
			ID: uuid.New(), RoomID: roomID, UserID: uuid.New(),
			Position: pos, State: models.PlayerAlive,
		}))
	}

	players, err := m.ListPlayers(ctx, roomID)
	require.NoError(t, err)
	require.Len(t, players, 3)
	for i, p := range players {
		assert.Equal(t, i+1, p.Position)
	}
}

func TestUserUniqueness(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.CreateUser(ctx, &models.User{
		ID: uuid.New(), Username: "anna", Email: "anna@example.com",
	}))

	err := m.CreateUser(ctx, &models.User{
		ID: uuid.New(), Username: "other", Email: "anna@example.com",
	})
	require.ErrorIs(t, err, gameerr.ErrConflict)

	err = m.CreateUser(ctx, &models.User{
		ID: uuid.New(), Username: "anna", Email: "fresh@example.com",
	})
	require.ErrorIs(t, err, gameerr.ErrConflict)
}

func TestWithRoomTransactionSerializesPerRoom(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	roomID := uuid.New()

	entered := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = m.WithRoomTransaction(ctx, roomID, func(tx Store) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	done := make(chan struct{})
	go func() {
		_ = m.WithRoomTransaction(ctx, roomID, func(tx Store) error { return nil })
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second transaction ran while the first held the room lock")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second transaction never ran")
	}
}
