package game

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moonvale/server/internal/gameerr"
	"github.com/moonvale/server/internal/models"
)

func TestLoverGriefChain(t *testing.T) {
	f := newFixture(t, "wolf", "anna", "ben", "cleo", "dita", "emma")
	f.forceGame(2, models.PhaseNight, map[string]models.Role{
		"wolf": models.RoleWerewolf,
	})
	f.setLovers("anna", "ben")

	require.NoError(t, f.nightAction("wolf", models.ActionWerewolfVote, f.playerID("anna")))
	f.advance()

	anna, ben := f.player("anna"), f.player("ben")
	assert.Equal(t, models.PlayerDead, anna.State)
	assert.Equal(t, models.PlayerDead, ben.State)
	require.NotNil(t, ben.DeathCause)
	assert.Equal(t, models.CauseGrief, *ben.DeathCause)
}

func TestGriefRunsBothDirections(t *testing.T) {
	f := newFixture(t, "wolf", "anna", "ben", "cleo", "dita", "emma")
	f.forceGame(2, models.PhaseDayVoting, map[string]models.Role{
		"wolf": models.RoleWerewolf,
	})
	f.setLovers("anna", "ben")

	// ben dies first this time.
	f.vote("anna", "ben")
	f.vote("cleo", "ben")
	f.vote("dita", "ben")
	f.advance()

	assert.Equal(t, models.PlayerDead, f.player("ben").State)
	assert.Equal(t, models.PlayerDead, f.player("anna").State)
}

func TestHunterRevengeWindow(t *testing.T) {
	f := newFixture(t, "wolf", "hunter", "anna", "ben", "cleo", "dita")
	f.forceGame(2, models.PhaseDayVoting, map[string]models.Role{
		"wolf":   models.RoleWerewolf,
		"hunter": models.RoleHunter,
	})

	f.kill("hunter", models.CauseVotedOut)
	require.NotNil(t, f.room.revenge)

	ctx := context.Background()
	err := f.room.HunterShoot(ctx, f.userID("hunter"), f.playerID("wolf"))
	require.NoError(t, err)

	wolf := f.player("wolf")
	assert.Equal(t, models.PlayerDead, wolf.State)
	require.NotNil(t, wolf.DeathCause)
	assert.Equal(t, models.CauseHunterRevenge, *wolf.DeathCause)

	// The shot killed the last wolf.
	assert.Equal(t, models.RoomEnded, f.state())

	err = f.room.HunterShoot(ctx, f.userID("hunter"), f.playerID("anna"))
	require.ErrorIs(t, err, gameerr.ErrPrecondition)
}

func TestHunterShootWithoutWindowRejected(t *testing.T) {
	f := newFixture(t, "wolf", "hunter", "anna", "ben", "cleo")
	f.forceGame(2, models.PhaseDayDiscussion, map[string]models.Role{
		"wolf":   models.RoleWerewolf,
		"hunter": models.RoleHunter,
	})

	err := f.room.HunterShoot(context.Background(), f.userID("hunter"), f.playerID("wolf"))
	require.ErrorIs(t, err, gameerr.ErrPrecondition)
}

func TestHeirInheritsRoleAndAbilities(t *testing.T) {
	f := newFixture(t, "wolf", "heir", "witch", "anna", "ben", "cleo")
	f.forceGame(2, models.PhaseNight, map[string]models.Role{
		"wolf":  models.RoleWerewolf,
		"heir":  models.RoleHeir,
		"witch": models.RoleWitch,
	})
	require.NoError(t, f.store.UpsertAbility(context.Background(), &models.Ability{
		PlayerID: f.playerID("heir"),
		Type:     models.AbilityHeirTarget,
		Metadata: map[string]string{models.MetaTargetID: f.playerID("witch").String()},
	}))

	require.NoError(t, f.nightAction("wolf", models.ActionWerewolfVote, f.playerID("witch")))
	f.advance()

	heir := f.player("heir")
	assert.Equal(t, models.RoleWitch, heir.Role)

	// Fresh potions, not the dead witch's remainders.
	ab, err := f.store.FindAbility(context.Background(), heir.ID, models.AbilityHealPotion)
	require.NoError(t, err)
	assert.Equal(t, 1, ab.UsesLeft)
}

func TestPlundererStealsFirstDeathRoleOnly(t *testing.T) {
	f := newFixture(t, "wolf", "plunderer", "seer", "anna", "ben", "cleo")
	f.forceGame(2, models.PhaseNight, map[string]models.Role{
		"wolf":      models.RoleWerewolf,
		"plunderer": models.RolePlunderer,
		"seer":      models.RoleSeer,
	})

	f.kill("seer", models.CauseWerewolfAttack)
	assert.Equal(t, models.RoleSeer, f.player("plunderer").Role)

	// A later death changes nothing.
	f.kill("anna", models.CauseWitchPoison)
	assert.Equal(t, models.RoleSeer, f.player("plunderer").Role)
}

func TestKillIsIdempotentPerPlayer(t *testing.T) {
	f := newFixture(t, "wolf", "anna", "ben", "cleo", "dita")
	f.forceGame(2, models.PhaseNight, map[string]models.Role{
		"wolf": models.RoleWerewolf,
	})

	f.kill("anna", models.CauseWitchPoison)
	f.kill("anna", models.CauseWerewolfAttack)

	anna := f.player("anna")
	assert.Equal(t, models.PlayerDead, anna.State)
	require.NotNil(t, anna.DeathCause)
	assert.Equal(t, models.CauseWitchPoison, *anna.DeathCause, "the first cause sticks")
	assert.Len(t, f.events(models.EventPlayerDied), 1)
}

func TestDeadPlayerMovesToDeadChannel(t *testing.T) {
	f := newFixture(t, "wolf", "anna", "ben", "cleo", "dita")
	f.forceGame(2, models.PhaseNight, map[string]models.Role{
		"wolf": models.RoleWerewolf,
	})

	f.kill("anna", models.CauseWerewolfAttack)
	assert.Equal(t, []string{models.ChannelDead}, f.player("anna").ChatChannels)
}

func TestRidingHoodNotifiedWhenProtectorDies(t *testing.T) {
	f := newFixture(t, "wolf", "red", "hunter", "anna", "ben", "cleo")
	f.forceGame(2, models.PhaseNight, map[string]models.Role{
		"wolf":   models.RoleWerewolf,
		"red":    models.RoleRedRidingHood,
		"hunter": models.RoleHunter,
	})

	f.kill("hunter", models.CauseWitchPoison)

	// protection_lost goes to the player topic only, so assert via the
	// red riding hood now being killable.
	require.NoError(t, f.nightAction("wolf", models.ActionWerewolfVote, f.playerID("red")))
	f.advance()
	assert.Equal(t, models.PlayerDead, f.player("red").State)
}

func TestDictatorCoupSuccess(t *testing.T) {
	f := newFixture(t, "wolf", "dictator", "anna", "ben", "cleo", "dita")
	f.forceGame(2, models.PhaseDayDiscussion, map[string]models.Role{
		"wolf":     models.RoleWerewolf,
		"dictator": models.RoleDictator,
	})

	ctx := context.Background()
	require.NoError(t, f.room.DictatorCoup(ctx, f.userID("dictator"), f.playerID("wolf")))

	assert.Equal(t, models.PlayerDead, f.player("wolf").State)

	// The last wolf died, so the game is over; the mayor grant still
	// happened inside the same transaction.
	ab, err := f.store.FindAbility(ctx, f.playerID("dictator"), models.AbilityMayorVote)
	require.NoError(t, err)
	assert.Equal(t, models.AbilityMayorVote, ab.Type)
	assert.Equal(t, models.RoomEnded, f.state())
}

func TestDictatorCoupFailureKillsDictator(t *testing.T) {
	f := newFixture(t, "wolf", "dictator", "anna", "ben", "cleo", "dita")
	f.forceGame(2, models.PhaseDayDiscussion, map[string]models.Role{
		"wolf":     models.RoleWerewolf,
		"dictator": models.RoleDictator,
	})

	ctx := context.Background()
	require.NoError(t, f.room.DictatorCoup(ctx, f.userID("dictator"), f.playerID("anna")))

	dictator := f.player("dictator")
	assert.Equal(t, models.PlayerDead, dictator.State)
	require.NotNil(t, dictator.DeathCause)
	assert.Equal(t, models.CauseFailedCoup, *dictator.DeathCause)
	assert.Equal(t, models.PlayerAlive, f.player("anna").State)

	// One shot only.
	err := f.room.DictatorCoup(ctx, f.userID("dictator"), f.playerID("wolf"))
	require.Error(t, err)
}

func TestDictatorCoupOnlyInDaylight(t *testing.T) {
	f := newFixture(t, "wolf", "dictator", "anna", "ben", "cleo", "dita")
	f.forceGame(2, models.PhaseNight, map[string]models.Role{
		"wolf":     models.RoleWerewolf,
		"dictator": models.RoleDictator,
	})

	err := f.room.DictatorCoup(context.Background(), f.userID("dictator"), f.playerID("wolf"))
	require.ErrorIs(t, err, gameerr.ErrPrecondition)
}
