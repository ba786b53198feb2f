package game

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/moonvale/server/internal/models"
)

// DeathPipeline is the single entry point for every death. Cascades
// (lovers, inheritance) run on an explicit worklist; the pipeline
// terminates because each player dies at most once.
type DeathPipeline struct{}

func (dp *DeathPipeline) Kill(ctx context.Context, s *txState, playerID uuid.UUID, cause models.DeathCause) error {
	type entry struct {
		playerID uuid.UUID
		cause    models.DeathCause
	}
	work := []entry{{playerID, cause}}

	for len(work) > 0 {
		e := work[0]
		work = work[1:]

		p := s.players[e.playerID]
		if p == nil || !p.Alive() {
			continue
		}

		now := time.Now()
		p.State = models.PlayerDead
		p.DiedAt = &now
		p.DeathCause = &e.cause
		p.IsRevealed = true
		p.ChatChannels = []string{models.ChannelDead}
		if err := s.tx.UpdatePlayer(ctx, p); err != nil {
			return err
		}
		s.nightDeaths = appendIfNight(s, p.ID)

		s.emit.toRoom(ctx, models.EventPlayerDied, map[string]any{
			"playerId": p.ID,
			"username": p.Username,
			"role":     p.Role,
			"cause":    e.cause,
		})
		log.Info().Str("roomId", s.room.ID.String()).Str("playerId", p.ID.String()).
			Str("cause", string(e.cause)).Msg("player died")

		// Hunter revenge: the shot arrives later over the wire, so
		// only the window opens here.
		if p.Role == models.RoleHunter {
			id := p.ID
			s.pendingHunter = &id
			s.emit.toPlayer(ctx, p.ID, models.EventHunterTriggered, map[string]any{
				"deadline": s.game.HunterRevengeSeconds,
			})
		}

		// Grief takes both lovers, whichever side died first.
		if p.LoverID != nil {
			if partner := s.players[*p.LoverID]; partner != nil && partner.Alive() {
				work = append(work, entry{partner.ID, models.CauseGrief})
			}
		}
		for _, other := range s.players {
			if other.Alive() && other.LoverID != nil && *other.LoverID == p.ID {
				work = append(work, entry{other.ID, models.CauseGrief})
			}
		}

		if err := dp.inherit(ctx, s, p); err != nil {
			return err
		}
		if err := dp.plunder(ctx, s, p); err != nil {
			return err
		}
		dp.notifyLapsedImmunities(ctx, s, p)
	}
	return nil
}

// inherit passes the deceased's role to the heir who designated them.
func (dp *DeathPipeline) inherit(ctx context.Context, s *txState, dead *models.Player) error {
	for _, p := range s.players {
		if !p.Alive() || p.Role != models.RoleHeir {
			continue
		}
		ab, err := s.tx.FindAbility(ctx, p.ID, models.AbilityHeirTarget)
		if err != nil || ab.Metadata == nil {
			continue
		}
		target, perr := uuid.Parse(ab.Metadata[models.MetaTargetID])
		if perr != nil || target != dead.ID {
			continue
		}
		p.Role = dead.Role
		if err := s.tx.UpdatePlayer(ctx, p); err != nil {
			return err
		}
		if err := reinitAbilities(ctx, s, p); err != nil {
			return err
		}
		s.emit.toPlayer(ctx, p.ID, models.EventRoleInherited, map[string]any{
			"role": p.Role,
			"from": dead.ID,
		})
	}
	return nil
}

// plunder fires on the room's first death only: a living plunderer
// steals the deceased's role.
func (dp *DeathPipeline) plunder(ctx context.Context, s *txState, dead *models.Player) error {
	deadCount := 0
	for _, p := range s.players {
		if p.State == models.PlayerDead {
			deadCount++
		}
	}
	if deadCount != 1 {
		return nil
	}
	for _, p := range s.players {
		if !p.Alive() || p.Role != models.RolePlunderer {
			continue
		}
		p.Role = dead.Role
		if err := s.tx.UpdatePlayer(ctx, p); err != nil {
			return err
		}
		if err := reinitAbilities(ctx, s, p); err != nil {
			return err
		}
		s.emit.toPlayer(ctx, p.ID, models.EventRoleStolen, map[string]any{
			"role": p.Role,
			"from": dead.ID,
		})
		return nil
	}
	return nil
}

// notifyLapsedImmunities tells a riding hood when its condition role
// just left the game.
func (dp *DeathPipeline) notifyLapsedImmunities(ctx context.Context, s *txState, dead *models.Player) {
	notify := func(role models.Role) {
		for _, p := range s.players {
			if p.Alive() && p.Role == role {
				s.emit.toPlayer(ctx, p.ID, models.EventProtectionLost, map[string]any{
					"conditionRole": dead.Role,
				})
			}
		}
	}
	switch dead.Role {
	case models.RoleBlackWolf:
		if !anyAliveWithRole(s.players, models.RoleBlackWolf) {
			notify(models.RoleWolfRidingHood)
		}
	case models.RoleHunter:
		if !anyAliveWithRole(s.players, models.RoleHunter) {
			notify(models.RoleRedRidingHood)
		}
	case models.RoleVillager:
		if !anyAliveWithRole(s.players, models.RoleVillager) {
			notify(models.RoleBlueRidingHood)
		}
	}
}

func appendIfNight(s *txState, playerID uuid.UUID) []uuid.UUID {
	if s.room.Phase == models.PhaseNight {
		return append(s.nightDeaths, playerID)
	}
	return s.nightDeaths
}
