package game

import (
	"github.com/google/uuid"

	"github.com/moonvale/server/internal/models"
)

// WinEvaluator checks the victory conditions in strict order. A true
// second return with a nil team means a draw (nobody left).
type WinEvaluator struct{}

func (we *WinEvaluator) Evaluate(players map[uuid.UUID]*models.Player) (*models.Team, bool) {
	alive := alivePlayers(players)

	if len(alive) == 0 {
		return nil, true
	}

	// Two lovers alone count as a villager victory.
	if len(alive) == 2 {
		a, b := alive[0], alive[1]
		if a.LoverID != nil && b.LoverID != nil &&
			*a.LoverID == b.ID && *b.LoverID == a.ID {
			return team(models.TeamVillagers), true
		}
	}

	if len(alive) == 1 && alive[0].Role == models.RoleWhiteWolf {
		return team(models.TeamSolo), true
	}

	var wolves, villagers, solo int
	for _, p := range alive {
		switch TeamOf(p.Role) {
		case models.TeamWerewolves:
			wolves++
		case models.TeamSolo:
			solo++
		default:
			villagers++
		}
	}

	if wolves > 0 && wolves >= villagers && solo == 0 {
		return team(models.TeamWerewolves), true
	}
	if wolves == 0 && !hostileSoloAlive(alive) {
		return team(models.TeamVillagers), true
	}
	return nil, false
}

func hostileSoloAlive(alive []*models.Player) bool {
	for _, p := range alive {
		if p.Role == models.RoleWhiteWolf {
			return true
		}
	}
	return false
}

func team(t models.Team) *models.Team {
	return &t
}
