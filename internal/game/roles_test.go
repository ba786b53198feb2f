package game

import (
	"math/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moonvale/server/internal/models"
)

func TestRolePoolSizes(t *testing.T) {
	for n := 5; n <= 15; n++ {
		pool := rolePoolFor(n)
		require.Len(t, pool, n, "pool for %d players", n)

		wolves := 0
		for _, role := range pool {
			if isWerewolfTeam(role) || role == models.RoleWhiteWolf {
				wolves++
			}
		}
		assert.GreaterOrEqual(t, wolves, 1, "%d players need at least one wolf", n)
	}
}

func TestShuffledPoolKeepsComposition(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	base := rolePoolFor(9)
	shuffled := shuffledPool(rng, 9)
	assert.ElementsMatch(t, base, shuffled)
}

func TestTeamAssignments(t *testing.T) {
	assert.Equal(t, models.TeamWerewolves, TeamOf(models.RoleWerewolf))
	assert.Equal(t, models.TeamWerewolves, TeamOf(models.RoleBlackWolf))
	assert.Equal(t, models.TeamWerewolves, TeamOf(models.RoleWolfRidingHood))
	assert.Equal(t, models.TeamSolo, TeamOf(models.RoleWhiteWolf))
	assert.Equal(t, models.TeamSolo, TeamOf(models.RoleMercenary))
	assert.Equal(t, models.TeamVillagers, TeamOf(models.RoleSeer))
	assert.Equal(t, models.TeamVillagers, TeamOf(models.RolePlunderer))

	assert.False(t, isWerewolfTeam(models.RoleWhiteWolf),
		"the white wolf hunts alone")
}

func TestRolePermissions(t *testing.T) {
	assert.True(t, roleMayPerform(models.RoleWerewolf, models.ActionWerewolfVote))
	assert.True(t, roleMayPerform(models.RoleWhiteWolf, models.ActionWerewolfVote))
	assert.True(t, roleMayPerform(models.RoleWitch, models.ActionWitchHeal))
	assert.False(t, roleMayPerform(models.RoleVillager, models.ActionWerewolfVote))
	assert.False(t, roleMayPerform(models.RoleSeer, models.ActionTalkativeSeer))
	assert.False(t, roleMayPerform(models.RoleWerewolf, models.ActionWhiteWolfDevour))
}

func TestInitialAbilities(t *testing.T) {
	id := uuid.New()
	witch := initialAbilities(id, models.RoleWitch)
	require.Len(t, witch, 2)

	white := initialAbilities(id, models.RoleWhiteWolf)
	require.Len(t, white, 1)
	assert.Equal(t, 3, white[0].UsesLeft)
	assert.Equal(t, 2, white[0].CooldownDays)

	assert.Empty(t, initialAbilities(id, models.RoleVillager))
	assert.Empty(t, initialAbilities(id, models.RoleGuard),
		"the guard's limit is per-night, not a consumable")
}
