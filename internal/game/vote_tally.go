package game

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/moonvale/server/internal/models"
	"github.com/moonvale/server/internal/store"
)

// VoteTally owns day voting: the running count during DAY_VOTING and
// the elimination at phase end.
type VoteTally struct {
	rng *rand.Rand
}

// Cast upserts the voter's DAY_VOTE (nil target records an explicit
// abstention) and reports whether every alive player has now voted.
func (vt *VoteTally) Cast(ctx context.Context, s *txState, voterID uuid.UUID, targetID *uuid.UUID) (bool, error) {
	action := &models.GameAction{
		RoomID:      s.room.ID,
		PerformerID: voterID,
		ActionType:  models.ActionDayVote,
		DayNumber:   s.room.DayNumber,
		Phase:       models.PhaseDayVoting,
		TargetID:    targetID,
		CreatedAt:   time.Now(),
	}
	if err := s.tx.UpsertAction(ctx, action); err != nil {
		return false, err
	}

	votes, err := vt.votes(ctx, s)
	if err != nil {
		return false, err
	}

	tally := make(map[string]int)
	voters := 0
	for _, v := range votes {
		if p := s.players[v.PerformerID]; p == nil || !p.Alive() {
			continue
		}
		voters++
		if v.TargetID != nil {
			tally[v.TargetID.String()]++
		}
	}
	s.emit.toRoom(ctx, models.EventVoteUpdate, map[string]any{
		"tally":  tally,
		"voters": voters,
	})

	return voters >= len(alivePlayers(s.players)), nil
}

func (vt *VoteTally) votes(ctx context.Context, s *txState) ([]*models.GameAction, error) {
	return s.tx.FindActions(ctx, store.ActionFilter{
		RoomID:     s.room.ID,
		ActionType: models.ActionDayVote,
		DayNumber:  s.room.DayNumber,
		Phase:      models.PhaseDayVoting,
	})
}

// Finalize runs at the DAY_VOTING end hook: counts votes, applies the
// mayor's double vote, resolves ties, feeds the candidate to the death
// pipeline, and settles the mercenary's day-1 contract.
func (vt *VoteTally) Finalize(ctx context.Context, s *txState) error {
	votes, err := vt.votes(ctx, s)
	if err != nil {
		return err
	}

	counts := make(map[uuid.UUID]int)
	for _, v := range votes {
		if p := s.players[v.PerformerID]; p == nil || !p.Alive() {
			continue
		}
		if v.TargetID != nil {
			counts[*v.TargetID]++
		}
	}

	// Mayor double vote: one extra on the mayor's own target.
	mayorAlive := false
	for _, p := range alivePlayers(s.players) {
		ab, err := s.tx.FindAbility(ctx, p.ID, models.AbilityMayorVote)
		if err != nil || ab == nil {
			continue
		}
		mayorAlive = true
		for _, v := range votes {
			if v.PerformerID == p.ID && v.TargetID != nil {
				counts[*v.TargetID]++
			}
		}
	}

	candidate := vt.pickCandidate(s, counts, mayorAlive)

	var eliminated *uuid.UUID
	if candidate != nil {
		if immune, protected := passiveImmune(s.players, *candidate, models.CauseVotedOut); immune {
			s.emit.toRoom(ctx, models.EventVoteProtection, map[string]any{
				"playerId": protected.ID,
			})
		} else {
			if err := s.deaths.Kill(ctx, s, *candidate, models.CauseVotedOut); err != nil {
				return err
			}
			eliminated = candidate
		}
	}

	if s.room.DayNumber == 1 {
		if err := vt.settleMercenary(ctx, s, candidate); err != nil {
			return err
		}
	}

	tally := make(map[string]int, len(counts))
	for id, c := range counts {
		tally[id.String()] = c
	}
	data := map[string]any{"tally": tally}
	if eliminated != nil {
		data["eliminatedId"] = *eliminated
	}
	s.emit.toRoom(ctx, models.EventVoteResults, data)

	log.Debug().Str("roomId", s.room.ID.String()).Int("day", s.room.DayNumber).
		Interface("eliminated", eliminated).Msg("vote finalized")
	return nil
}

// pickCandidate applies the tie policy: a unique top vote wins; a tie
// stands only if a mayor is alive to break it, which this core does
// uniformly at random among the tied.
func (vt *VoteTally) pickCandidate(s *txState, counts map[uuid.UUID]int, mayorAlive bool) *uuid.UUID {
	top := 0
	var tied []uuid.UUID
	for id, c := range counts {
		switch {
		case c > top:
			top = c
			tied = []uuid.UUID{id}
		case c == top:
			tied = append(tied, id)
		}
	}
	if top == 0 {
		return nil
	}
	if len(tied) == 1 {
		return &tied[0]
	}
	if !mayorAlive {
		return nil
	}
	sort.Slice(tied, func(i, j int) bool {
		pi, pj := s.players[tied[i]], s.players[tied[j]]
		if pi == nil || pj == nil {
			return pj == nil
		}
		return pi.Position < pj.Position
	})
	return &tied[vt.rng.Intn(len(tied))]
}

// settleMercenary checks the day-1 contract and retires a surviving
// mercenary into a plain villager on a miss. Dead mercenaries keep
// their role for the end-of-game reveal.
func (vt *VoteTally) settleMercenary(ctx context.Context, s *txState, candidate *uuid.UUID) error {
	for _, p := range s.players {
		if p.Role != models.RoleMercenary || !p.Alive() {
			continue
		}
		ab, err := s.tx.FindAbility(ctx, p.ID, models.AbilityMercenaryTarget)
		if err == nil && ab.Metadata != nil && candidate != nil {
			if target, perr := uuid.Parse(ab.Metadata[models.MetaTargetID]); perr == nil && target == *candidate {
				solo := models.TeamSolo
				s.forcedWinner = &solo
				s.emit.toRoom(ctx, models.EventMercenaryVictory, map[string]any{
					"mercenaryId": p.ID,
					"targetId":    target,
				})
				return nil
			}
		}

		p.Role = models.RoleVillager
		if err := s.tx.UpdatePlayer(ctx, p); err != nil {
			return err
		}
		if err := reinitAbilities(ctx, s, p); err != nil {
			return err
		}
		s.emit.toPlayer(ctx, p.ID, models.EventRoleChanged, map[string]any{
			"role": p.Role,
			"team": models.TeamVillagers,
		})
	}
	return nil
}
