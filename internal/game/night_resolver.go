package game

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/moonvale/server/internal/models"
	"github.com/moonvale/server/internal/store"
)

// resolutionOrder fixes the priority of night effects. Within one
// action type, submissions apply in createdAt order.
var resolutionOrder = []models.ActionType{
	models.ActionGuardProtect,
	models.ActionCupidLink,
	models.ActionHeirChoose,
	models.ActionWerewolfVote,
	models.ActionWhiteWolfDevour,
	models.ActionBlackWolfConvert,
	models.ActionWitchHeal,
	models.ActionWitchPoison,
	models.ActionSeerInvestigate,
	models.ActionTalkativeSeer,
}

type pendingDeath struct {
	playerID uuid.UUID
	cause    models.DeathCause
}

// NightResolver turns the night's recorded actions into deaths.
// Resolve is idempotent over the same action set and ability state; it
// runs inside the transition transaction, so a crash re-runs it whole.
type NightResolver struct{}

func (nr *NightResolver) Resolve(ctx context.Context, s *txState) error {
	actions, err := s.tx.FindActions(ctx, store.ActionFilter{
		RoomID:    s.room.ID,
		DayNumber: s.room.DayNumber,
		Phase:     models.PhaseNight,
	})
	if err != nil {
		return err
	}

	byType := make(map[models.ActionType][]*models.GameAction)
	for _, a := range actions {
		byType[a.ActionType] = append(byType[a.ActionType], a)
	}

	protected := make(map[uuid.UUID]bool)
	var pending []pendingDeath
	var wolfTarget *uuid.UUID

	for _, actionType := range resolutionOrder {
		acts := byType[actionType]
		if len(acts) == 0 {
			continue
		}
		switch actionType {
		case models.ActionGuardProtect:
			for _, a := range acts {
				if a.TargetID != nil {
					protected[*a.TargetID] = true
				}
			}

		case models.ActionCupidLink:
			if s.room.DayNumber != 1 {
				continue
			}
			for _, a := range acts {
				if err := nr.link(ctx, s, a); err != nil {
					return err
				}
			}

		case models.ActionHeirChoose:
			if s.room.DayNumber != 1 {
				continue
			}
			for _, a := range acts {
				if a.TargetID == nil {
					continue
				}
				ab := models.Ability{
					PlayerID: a.PerformerID,
					Type:     models.AbilityHeirTarget,
					Metadata: map[string]string{models.MetaTargetID: a.TargetID.String()},
				}
				if err := s.tx.UpsertAbility(ctx, &ab); err != nil {
					return err
				}
			}

		case models.ActionWerewolfVote:
			if target := packChoice(s, acts); target != nil {
				wolfTarget = target
				pending = append(pending, pendingDeath{*target, models.CauseWerewolfAttack})
			}

		case models.ActionWhiteWolfDevour:
			for _, a := range acts {
				ok, err := nr.consumeDevour(ctx, s, a)
				if err != nil {
					return err
				}
				if ok && a.TargetID != nil {
					pending = append(pending, pendingDeath{*a.TargetID, models.CauseWhiteWolfDevour})
				}
			}

		case models.ActionBlackWolfConvert:
			for _, a := range acts {
				converted, err := nr.convert(ctx, s, a, wolfTarget)
				if err != nil {
					return err
				}
				if converted {
					pending = removePending(pending, *wolfTarget, models.CauseWerewolfAttack)
					wolfTarget = nil
				}
			}

		case models.ActionWitchHeal:
			for _, a := range acts {
				if err := consumeAbility(ctx, s, a.PerformerID, models.AbilityHealPotion); err != nil {
					return err
				}
				if a.TargetID != nil && wolfTarget != nil && *a.TargetID == *wolfTarget {
					protected[*a.TargetID] = true
				}
			}

		case models.ActionWitchPoison:
			for _, a := range acts {
				if err := consumeAbility(ctx, s, a.PerformerID, models.AbilityPoisonPotion); err != nil {
					return err
				}
				if a.TargetID != nil {
					pending = append(pending, pendingDeath{*a.TargetID, models.CauseWitchPoison})
				}
			}

		case models.ActionSeerInvestigate, models.ActionTalkativeSeer:
			for _, a := range acts {
				if err := nr.investigate(ctx, s, a); err != nil {
					return err
				}
			}
		}
	}

	for _, d := range pending {
		if protected[d.playerID] {
			s.emit.toRoom(ctx, models.EventPlayerSaved, map[string]any{
				"playerId": d.playerID,
			})
			continue
		}
		if immune, _ := passiveImmune(s.players, d.playerID, d.cause); immune {
			s.emit.toRoom(ctx, models.EventPlayerSaved, map[string]any{
				"playerId": d.playerID,
			})
			continue
		}
		if err := s.deaths.Kill(ctx, s, d.playerID, d.cause); err != nil {
			return err
		}
	}

	log.Debug().Str("roomId", s.room.ID.String()).Int("day", s.room.DayNumber).
		Int("actions", len(actions)).Int("deaths", len(s.nightDeaths)).
		Msg("night resolved")
	return nil
}

// link commits a cupid pairing; linkedTo is symmetric afterwards.
func (nr *NightResolver) link(ctx context.Context, s *txState, a *models.GameAction) error {
	p1ID, p2ID, err := cupidPair(models.NightActionRequest{
		Action: a.ActionType, TargetID: a.TargetID, Metadata: a.Metadata,
	})
	if err != nil {
		return nil // malformed submission, already rejected on the write side
	}
	p1, p2 := s.players[p1ID], s.players[p2ID]
	if p1 == nil || p2 == nil {
		return nil
	}
	if err := consumeAbility(ctx, s, a.PerformerID, models.AbilityCupidLink); err != nil {
		return err
	}
	p1.LoverID = &p2.ID
	p2.LoverID = &p1.ID
	if err := s.tx.UpdatePlayer(ctx, p1); err != nil {
		return err
	}
	if err := s.tx.UpdatePlayer(ctx, p2); err != nil {
		return err
	}
	s.emit.toPlayer(ctx, p1.ID, models.EventBecameLover, map[string]any{"partnerId": p2.ID})
	s.emit.toPlayer(ctx, p2.ID, models.EventBecameLover, map[string]any{"partnerId": p1.ID})
	return nil
}

// packChoice tallies the wolves' votes; ties go to the target with the
// lowest position.
func packChoice(s *txState, votes []*models.GameAction) *uuid.UUID {
	counts := make(map[uuid.UUID]int)
	for _, v := range votes {
		if v.TargetID != nil {
			counts[*v.TargetID]++
		}
	}
	if len(counts) == 0 {
		return nil
	}
	var targets []uuid.UUID
	top := 0
	for id, c := range counts {
		switch {
		case c > top:
			top = c
			targets = []uuid.UUID{id}
		case c == top:
			targets = append(targets, id)
		}
	}
	sort.Slice(targets, func(i, j int) bool {
		pi, pj := s.players[targets[i]], s.players[targets[j]]
		if pi == nil || pj == nil {
			return pj == nil
		}
		return pi.Position < pj.Position
	})
	return &targets[0]
}

// consumeDevour enforces the white wolf cooldown at resolution time
// and burns the use.
func (nr *NightResolver) consumeDevour(ctx context.Context, s *txState, a *models.GameAction) (bool, error) {
	ab, err := s.tx.FindAbility(ctx, a.PerformerID, models.AbilityDevour)
	if err != nil {
		return false, nil
	}
	if ab.UsesLeft <= 0 {
		return false, nil
	}
	if ab.LastUsedDay != nil && s.room.DayNumber-*ab.LastUsedDay < ab.CooldownDays {
		return false, nil
	}
	ab.UsesLeft--
	day := s.room.DayNumber
	ab.LastUsedDay = &day
	return true, s.tx.UpsertAbility(ctx, ab)
}

// convert redeems the werewolves' victim into the pack. A target that
// is not the pack choice wastes nothing.
func (nr *NightResolver) convert(ctx context.Context, s *txState, a *models.GameAction, wolfTarget *uuid.UUID) (bool, error) {
	if a.TargetID == nil || wolfTarget == nil || *a.TargetID != *wolfTarget {
		return false, nil
	}
	target := s.players[*a.TargetID]
	if target == nil {
		return false, nil
	}
	if err := consumeAbility(ctx, s, a.PerformerID, models.AbilityConvert); err != nil {
		return false, err
	}

	target.Role = models.RoleWerewolf
	if err := s.tx.UpdatePlayer(ctx, target); err != nil {
		return false, err
	}
	if err := reinitAbilities(ctx, s, target); err != nil {
		return false, err
	}
	s.emit.toPlayer(ctx, target.ID, models.EventRoleChanged, map[string]any{
		"role": target.Role,
		"team": models.TeamWerewolves,
	})
	return true, nil
}

func (nr *NightResolver) investigate(ctx context.Context, s *txState, a *models.GameAction) error {
	if a.TargetID == nil {
		return nil
	}
	target := s.players[*a.TargetID]
	if target == nil {
		return nil
	}
	result := string(target.Role)
	a.Result = &result
	if err := s.tx.UpsertAction(ctx, a); err != nil {
		return err
	}
	s.emit.toPlayer(ctx, a.PerformerID, models.EventInvestigationResult, map[string]any{
		"targetId": target.ID,
		"role":     target.Role,
	})
	return nil
}

// consumeAbility decrements one use inside the resolution transaction.
func consumeAbility(ctx context.Context, s *txState, playerID uuid.UUID, t models.AbilityType) error {
	ab, err := s.tx.FindAbility(ctx, playerID, t)
	if err != nil {
		return nil // ability gone (role changed mid-night); nothing to burn
	}
	if ab.UsesLeft <= 0 {
		return nil
	}
	ab.UsesLeft--
	day := s.room.DayNumber
	ab.LastUsedDay = &day
	return s.tx.UpsertAbility(ctx, ab)
}

// reinitAbilities wipes and re-deals a player's consumables after a
// role change (conversion, inheritance, plunder).
func reinitAbilities(ctx context.Context, s *txState, p *models.Player) error {
	if err := s.tx.DeleteAbilities(ctx, p.ID); err != nil {
		return err
	}
	for _, ab := range initialAbilities(p.ID, p.Role) {
		ab := ab
		if err := s.tx.UpsertAbility(ctx, &ab); err != nil {
			return err
		}
	}
	return nil
}

func removePending(pending []pendingDeath, playerID uuid.UUID, cause models.DeathCause) []pendingDeath {
	out := pending[:0]
	for _, d := range pending {
		if d.playerID == playerID && d.cause == cause {
			continue
		}
		out = append(out, d)
	}
	return out
}

// passiveImmune implements the riding-hood protections. The second
// return names the protected player for lapse notifications.
func passiveImmune(players map[uuid.UUID]*models.Player, playerID uuid.UUID, cause models.DeathCause) (bool, *models.Player) {
	p := players[playerID]
	if p == nil {
		return false, nil
	}
	switch {
	case p.Role == models.RoleRedRidingHood && cause == models.CauseWerewolfAttack:
		if anyAliveWithRole(players, models.RoleHunter) {
			return true, p
		}
	case p.Role == models.RoleBlueRidingHood && cause == models.CauseWerewolfAttack:
		if anyAliveWithRole(players, models.RoleVillager) {
			return true, p
		}
	case p.Role == models.RoleWolfRidingHood && cause == models.CauseVotedOut:
		if anyAliveWithRole(players, models.RoleBlackWolf) {
			return true, p
		}
	}
	return false, nil
}

func anyAliveWithRole(players map[uuid.UUID]*models.Player, role models.Role) bool {
	for _, p := range players {
		if p.Alive() && p.Role == role {
			return true
		}
	}
	return false
}
