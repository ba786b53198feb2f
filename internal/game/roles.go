package game

import (
	"math/rand"

	"github.com/google/uuid"

	"github.com/moonvale/server/internal/models"
)

// roleSpec describes a role's team and what it can do at night.
type roleSpec struct {
	team        models.Team
	nightAction bool // receives night_ability_available
	firstNight  bool // prompted with first_night_action on night 1
}

var roleTable = map[models.Role]roleSpec{
	models.RoleWerewolf:       {team: models.TeamWerewolves, nightAction: true},
	models.RoleBlackWolf:      {team: models.TeamWerewolves, nightAction: true},
	models.RoleWolfRidingHood: {team: models.TeamWerewolves, nightAction: true},
	models.RoleWhiteWolf:      {team: models.TeamSolo, nightAction: true},
	models.RoleMercenary:      {team: models.TeamSolo},
	models.RoleVillager:       {team: models.TeamVillagers},
	models.RoleSeer:           {team: models.TeamVillagers, nightAction: true},
	models.RoleTalkativeSeer:  {team: models.TeamVillagers, nightAction: true},
	models.RoleWitch:          {team: models.TeamVillagers, nightAction: true},
	models.RoleHunter:         {team: models.TeamVillagers},
	models.RoleGuard:          {team: models.TeamVillagers, nightAction: true},
	models.RoleCupid:          {team: models.TeamVillagers, firstNight: true},
	models.RoleHeir:           {team: models.TeamVillagers, firstNight: true},
	models.RoleLittleGirl:     {team: models.TeamVillagers},
	models.RoleRedRidingHood:  {team: models.TeamVillagers},
	models.RoleBlueRidingHood: {team: models.TeamVillagers},
	models.RoleDictator:       {team: models.TeamVillagers},
}

// TeamOf returns the team a role fights for. The Mercenary counts as
// SOLO until its day-1 resolution turns it into a plain villager.
func TeamOf(role models.Role) models.Team {
	if spec, ok := roleTable[role]; ok {
		return spec.team
	}
	return models.TeamVillagers
}

func isWerewolfTeam(role models.Role) bool {
	return TeamOf(role) == models.TeamWerewolves
}

// actionRoles maps every night action to the roles allowed to submit
// it. Werewolf voting is open to the whole wolf team.
var actionRoles = map[models.ActionType][]models.Role{
	models.ActionGuardProtect: {models.RoleGuard},
	models.ActionCupidLink:    {models.RoleCupid},
	models.ActionHeirChoose:   {models.RoleHeir},
	models.ActionWerewolfVote: {models.RoleWerewolf, models.RoleBlackWolf,
		models.RoleWhiteWolf, models.RoleWolfRidingHood},
	models.ActionWhiteWolfDevour:  {models.RoleWhiteWolf},
	models.ActionBlackWolfConvert: {models.RoleBlackWolf},
	models.ActionWitchHeal:        {models.RoleWitch},
	models.ActionWitchPoison:      {models.RoleWitch},
	models.ActionSeerInvestigate:  {models.RoleSeer},
	models.ActionTalkativeSeer:    {models.RoleTalkativeSeer},
}

func roleMayPerform(role models.Role, action models.ActionType) bool {
	for _, r := range actionRoles[action] {
		if r == role {
			return true
		}
	}
	return false
}

// initialAbilities returns the consumables a freshly-assigned role
// starts with. Roles without consumables (guard, seers) return nil;
// their limits are enforced per night on submit.
func initialAbilities(playerID uuid.UUID, role models.Role) []models.Ability {
	switch role {
	case models.RoleWitch:
		return []models.Ability{
			{PlayerID: playerID, Type: models.AbilityHealPotion, UsesLeft: 1, MaxUses: 1},
			{PlayerID: playerID, Type: models.AbilityPoisonPotion, UsesLeft: 1, MaxUses: 1},
		}
	case models.RoleWhiteWolf:
		return []models.Ability{
			{PlayerID: playerID, Type: models.AbilityDevour, UsesLeft: 3, MaxUses: 3, CooldownDays: 2},
		}
	case models.RoleBlackWolf:
		return []models.Ability{
			{PlayerID: playerID, Type: models.AbilityConvert, UsesLeft: 1, MaxUses: 1},
		}
	case models.RoleHunter:
		return []models.Ability{
			{PlayerID: playerID, Type: models.AbilityHunterShot, UsesLeft: 1, MaxUses: 1},
		}
	case models.RoleCupid:
		return []models.Ability{
			{PlayerID: playerID, Type: models.AbilityCupidLink, UsesLeft: 1, MaxUses: 1},
		}
	case models.RoleDictator:
		return []models.Ability{
			{PlayerID: playerID, Type: models.AbilityCoup, UsesLeft: 1, MaxUses: 1},
		}
	case models.RoleHeir:
		return []models.Ability{
			{PlayerID: playerID, Type: models.AbilityHeirTarget, Metadata: map[string]string{}},
		}
	default:
		return nil
	}
}

// rolePoolFor builds the role pool for a player count. Counts with a
// curated entry use it; anything else falls back to the formula:
// wolves = max(1, N/4), then seer/witch/hunter/guard/cupid by
// threshold, villagers fill the rest.
func rolePoolFor(n int) []models.Role {
	if pool, ok := curatedPools[n]; ok {
		out := make([]models.Role, len(pool))
		copy(out, pool)
		return out
	}
	pool := make([]models.Role, 0, n)
	for i := 0; i < max(1, n/4); i++ {
		pool = append(pool, models.RoleWerewolf)
	}
	if n >= 5 {
		pool = append(pool, models.RoleSeer)
	}
	if n >= 7 {
		pool = append(pool, models.RoleWitch)
	}
	if n >= 9 {
		pool = append(pool, models.RoleHunter)
	}
	if n >= 11 {
		pool = append(pool, models.RoleGuard)
	}
	if n >= 13 {
		pool = append(pool, models.RoleCupid)
	}
	for len(pool) < n {
		pool = append(pool, models.RoleVillager)
	}
	return pool
}

var curatedPools = map[int][]models.Role{
	5: {models.RoleWerewolf, models.RoleSeer,
		models.RoleVillager, models.RoleVillager, models.RoleVillager},
	7: {models.RoleWerewolf, models.RoleWerewolf, models.RoleSeer, models.RoleWitch,
		models.RoleVillager, models.RoleVillager, models.RoleVillager},
	9: {models.RoleWerewolf, models.RoleWerewolf, models.RoleSeer, models.RoleWitch,
		models.RoleHunter, models.RoleGuard, models.RoleLittleGirl,
		models.RoleVillager, models.RoleVillager},
	11: {models.RoleWerewolf, models.RoleWerewolf, models.RoleBlackWolf,
		models.RoleSeer, models.RoleWitch, models.RoleHunter, models.RoleGuard,
		models.RoleCupid, models.RoleRedRidingHood,
		models.RoleVillager, models.RoleVillager},
	13: {models.RoleWerewolf, models.RoleWerewolf, models.RoleBlackWolf,
		models.RoleWhiteWolf, models.RoleSeer, models.RoleWitch, models.RoleHunter,
		models.RoleGuard, models.RoleCupid, models.RoleHeir, models.RoleDictator,
		models.RoleVillager, models.RoleVillager},
	15: {models.RoleWerewolf, models.RoleWerewolf, models.RoleWerewolf,
		models.RoleBlackWolf, models.RoleWhiteWolf, models.RoleWolfRidingHood,
		models.RoleSeer, models.RoleTalkativeSeer, models.RoleWitch,
		models.RoleHunter, models.RoleGuard, models.RoleCupid, models.RoleHeir,
		models.RolePlunderer, models.RoleMercenary},
}

// shuffledPool returns the pool for n players in random order.
func shuffledPool(rng *rand.Rand, n int) []models.Role {
	pool := rolePoolFor(n)
	rng.Shuffle(len(pool), func(i, j int) {
		pool[i], pool[j] = pool[j], pool[i]
	})
	return pool
}
