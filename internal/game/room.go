package game

import (
	"context"
	"encoding/json"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/moonvale/server/internal/bus"
	"github.com/moonvale/server/internal/config"
	"github.com/moonvale/server/internal/gameerr"
	"github.com/moonvale/server/internal/models"
	"github.com/moonvale/server/internal/store"
	"github.com/moonvale/server/internal/timer"
)

// Deps bundles the shared services a room needs. Store and Bus are
// safe for concurrent use; the room itself serializes everything else.
type Deps struct {
	Store  store.Store
	Bus    bus.Bus
	Timers timer.Queue
	Game   config.GameConfig
}

// Room is the authoritative actor for one game. All mutations run
// under mu and write through to the store inside a room transaction;
// the in-memory copy is replaced only after the transaction commits.
type Room struct {
	mu      sync.Mutex
	deps    Deps
	model   *models.Room
	players map[uuid.UUID]*models.Player
	rng     *rand.Rand

	resolver *NightResolver
	tally    *VoteTally
	deaths   *DeathPipeline
	wins     *WinEvaluator

	revenge     *revengeWindow
	graceTimers map[uuid.UUID]*time.Timer
}

// revengeWindow is the in-memory grace period during which a freshly
// dead hunter may still shoot.
type revengeWindow struct {
	playerID uuid.UUID
	deadline time.Time
}

func newRoom(deps Deps, model *models.Room, players []*models.Player) *Room {
	r := &Room{
		deps:        deps,
		model:       model,
		players:     make(map[uuid.UUID]*models.Player, len(players)),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		graceTimers: make(map[uuid.UUID]*time.Timer),
	}
	for _, p := range players {
		r.players[p.ID] = p
	}
	r.resolver = &NightResolver{}
	r.tally = &VoteTally{rng: r.rng}
	r.deaths = &DeathPipeline{}
	r.wins = &WinEvaluator{}
	return r
}

func (r *Room) ID() uuid.UUID { return r.model.ID }

func (r *Room) Code() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.model.Code
}

// ---------------------------------------------------------------------------
// Transaction plumbing

// txState is the mutable view a phase hook works on. It is built from
// clones; Room swaps it in only after the store transaction commits.
type txState struct {
	tx      store.Store
	room    *models.Room
	players map[uuid.UUID]*models.Player
	emit    *emitter
	deaths  *DeathPipeline
	rng     *rand.Rand
	game    config.GameConfig

	nightDeaths   []uuid.UUID
	pendingHunter *uuid.UUID
	forcedWinner  *models.Team
	gameOver      bool
}

func (r *Room) newTxState(tx store.Store) *txState {
	room := *r.model
	players := make(map[uuid.UUID]*models.Player, len(r.players))
	for id, p := range r.players {
		cp := *p
		cp.ChatChannels = append([]string(nil), p.ChatChannels...)
		players[id] = &cp
	}
	s := &txState{
		tx:      tx,
		room:    &room,
		players: players,
		deaths:  r.deaths,
		rng:     r.rng,
		game:    r.deps.Game,
	}
	s.emit = &emitter{bus: r.deps.Bus, tx: tx, room: &room}
	return s
}

// inTx runs fn inside a room transaction and swaps the mutated state
// in on success. Caller must hold r.mu.
func (r *Room) inTx(ctx context.Context, fn func(s *txState) error) error {
	var s *txState
	err := r.deps.Store.WithRoomTransaction(ctx, r.model.ID, func(tx store.Store) error {
		s = r.newTxState(tx)
		return fn(s)
	})
	if err != nil {
		return err
	}
	r.model = s.room
	r.players = s.players
	return nil
}

// emitter publishes wire events and appends room-level announcements
// to the audit log. Publish failures are logged, never propagated.
type emitter struct {
	bus  bus.Bus
	tx   store.Store
	room *models.Room
}

func (e *emitter) payload(event string, data map[string]any) []byte {
	b, err := json.Marshal(models.NewWSMessage(event, data))
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("marshal event")
		return nil
	}
	return b
}

func (e *emitter) toRoom(ctx context.Context, event string, data map[string]any) {
	if p := e.payload(event, data); p != nil {
		_ = e.bus.Publish(ctx, bus.RoomTopic(e.room.ID), p)
	}
	err := e.tx.CreateEvent(ctx, &models.GameEvent{
		RoomID:    e.room.ID,
		EventType: event,
		DayNumber: e.room.DayNumber,
		Data:      data,
	})
	if err != nil {
		log.Error().Err(err).Str("roomId", e.room.ID.String()).
			Str("event", event).Msg("append game event")
	}
}

func (e *emitter) toPlayer(ctx context.Context, playerID uuid.UUID, event string, data map[string]any) {
	if p := e.payload(event, data); p != nil {
		_ = e.bus.Publish(ctx, bus.PlayerTopic(e.room.ID, playerID), p)
	}
}

// ---------------------------------------------------------------------------
// Lobby operations

func (r *Room) Join(ctx context.Context, userID uuid.UUID, username string) (*models.Player, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.model.State != models.RoomWaiting {
		return nil, gameerr.Precondition("game already started")
	}
	for _, p := range r.players {
		if p.UserID == userID {
			return nil, gameerr.Conflict("already in this room")
		}
	}
	if len(r.players) >= r.model.MaxPlayers {
		return nil, gameerr.Conflict("room is full")
	}

	player := &models.Player{
		ID:           uuid.New(),
		RoomID:       r.model.ID,
		UserID:       userID,
		Username:     username,
		Position:     r.nextPosition(),
		State:        models.PlayerAlive,
		ChatChannels: []string{models.ChannelMain},
		JoinedAt:     time.Now(),
	}

	err := r.inTx(ctx, func(s *txState) error {
		if err := s.tx.CreatePlayer(ctx, player); err != nil {
			return err
		}
		cp := *player
		s.players[player.ID] = &cp
		s.emit.toRoom(ctx, models.EventPlayerJoined, map[string]any{
			"playerId": player.ID,
			"username": player.Username,
			"position": player.Position,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("roomId", r.model.ID.String()).Str("userId", userID.String()).
		Msg("player joined")
	return r.players[player.ID], nil
}

// nextPosition fills the smallest free slot starting at 1.
func (r *Room) nextPosition() int {
	taken := make(map[int]bool, len(r.players))
	for _, p := range r.players {
		taken[p.Position] = true
	}
	for pos := 1; ; pos++ {
		if !taken[pos] {
			return pos
		}
	}
}

func (r *Room) Leave(ctx context.Context, userID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(ctx, userID)
}

func (r *Room) leaveLocked(ctx context.Context, userID uuid.UUID) error {
	player := r.playerByUser(userID)
	if player == nil {
		return gameerr.NotFound("player not in room")
	}

	if r.model.State == models.RoomWaiting {
		return r.inTx(ctx, func(s *txState) error {
			if err := s.tx.DeletePlayer(ctx, player.ID); err != nil {
				return err
			}
			delete(s.players, player.ID)
			s.emit.toRoom(ctx, models.EventPlayerLeft, map[string]any{
				"playerId": player.ID,
				"username": player.Username,
			})
			if s.room.HostUserID == userID {
				return r.succeedHost(ctx, s)
			}
			return nil
		})
	}

	// In-game: keep the slot, mark disconnected.
	return r.inTx(ctx, func(s *txState) error {
		p := s.players[player.ID]
		if p.State == models.PlayerAlive {
			p.State = models.PlayerDisconnected
			if err := s.tx.UpdatePlayer(ctx, p); err != nil {
				return err
			}
		}
		s.emit.toRoom(ctx, models.EventPlayerLeft, map[string]any{
			"playerId": player.ID,
			"username": player.Username,
		})
		return nil
	})
}

// succeedHost hands the room to the lowest-position remaining player,
// or cancels the room when nobody is left.
func (r *Room) succeedHost(ctx context.Context, s *txState) error {
	var next *models.Player
	for _, p := range s.players {
		if next == nil || p.Position < next.Position {
			next = p
		}
	}
	if next == nil {
		s.room.State = models.RoomCancelled
		s.room.PhaseEndsAt = nil
		log.Info().Str("roomId", s.room.ID.String()).Msg("room cancelled, empty")
		return s.tx.UpdateRoom(ctx, s.room)
	}
	s.room.HostUserID = next.UserID
	return s.tx.UpdateRoom(ctx, s.room)
}

// Disconnect starts the reconnect grace period for a user's socket.
func (r *Room) Disconnect(userID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	player := r.playerByUser(userID)
	if player == nil || player.State == models.PlayerDead {
		return
	}
	if t, ok := r.graceTimers[userID]; ok {
		t.Stop()
	}
	grace := time.Duration(r.deps.Game.DisconnectGraceSecs) * time.Second
	r.graceTimers[userID] = time.AfterFunc(grace, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.graceTimers, userID)
		if err := r.leaveLocked(ctx, userID); err != nil {
			log.Warn().Err(err).Str("userId", userID.String()).Msg("disconnect grace expiry")
		}
	})
}

// Reconnect cancels the grace timer and restores an alive slot.
func (r *Room) Reconnect(ctx context.Context, userID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.graceTimers[userID]; ok {
		t.Stop()
		delete(r.graceTimers, userID)
	}
	player := r.playerByUser(userID)
	if player == nil {
		return gameerr.NotFound("player not in room")
	}
	if player.State != models.PlayerDisconnected {
		return nil
	}
	return r.inTx(ctx, func(s *txState) error {
		p := s.players[player.ID]
		p.State = models.PlayerAlive
		return s.tx.UpdatePlayer(ctx, p)
	})
}

// Cancel terminates an abandoned lobby; used by the registry sweep.
func (r *Room) Cancel(ctx context.Context, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.model.State.Terminal() {
		return nil
	}
	if err := r.deps.Timers.Cancel(ctx, r.model.ID); err != nil {
		log.Warn().Err(err).Str("roomId", r.model.ID.String()).Msg("cancel timers")
	}
	return r.inTx(ctx, func(s *txState) error {
		s.room.State = models.RoomCancelled
		s.room.PhaseEndsAt = nil
		s.room.EndReason = &reason
		return s.tx.UpdateRoom(ctx, s.room)
	})
}

// ---------------------------------------------------------------------------
// Game start

func (r *Room) Start(ctx context.Context, callerUserID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.model.State != models.RoomWaiting {
		return gameerr.Precondition("game already started")
	}
	if r.model.HostUserID != callerUserID {
		return gameerr.Unauthorized("only the host can start the game")
	}
	if len(r.players) < r.model.MinPlayers {
		return gameerr.Precondition("need at least %d players", r.model.MinPlayers)
	}

	if err := r.assignRoles(ctx); err != nil {
		return err
	}
	return r.transitionTo(ctx, models.PhaseRoleAssignment)
}

// assignRoles shuffles the role pool and deals by position order.
func (r *Room) assignRoles(ctx context.Context) error {
	return r.inTx(ctx, func(s *txState) error {
		players := alivePlayers(s.players)
		pool := shuffledPool(s.rng, len(players))

		for i, p := range players {
			p.Role = pool[i]
			if err := s.tx.UpdatePlayer(ctx, p); err != nil {
				return err
			}
			for _, ab := range initialAbilities(p.ID, p.Role) {
				ab := ab
				if err := s.tx.UpsertAbility(ctx, &ab); err != nil {
					return err
				}
			}
			s.emit.toPlayer(ctx, p.ID, models.EventRoleAssigned, map[string]any{
				"role": p.Role,
				"team": TeamOf(p.Role),
			})
		}

		// The mercenary's contract target is fixed before night 1.
		for _, p := range players {
			if p.Role != models.RoleMercenary {
				continue
			}
			target := randomOtherPlayer(s.rng, players, p.ID)
			if target == nil {
				break
			}
			ab := models.Ability{
				PlayerID: p.ID,
				Type:     models.AbilityMercenaryTarget,
				Metadata: map[string]string{models.MetaTargetID: target.ID.String()},
			}
			if err := s.tx.UpsertAbility(ctx, &ab); err != nil {
				return err
			}
		}
		return nil
	})
}

func randomOtherPlayer(rng *rand.Rand, players []*models.Player, exclude uuid.UUID) *models.Player {
	var pool []*models.Player
	for _, p := range players {
		if p.ID != exclude {
			pool = append(pool, p)
		}
	}
	if len(pool) == 0 {
		return nil
	}
	return pool[rng.Intn(len(pool))]
}

// ---------------------------------------------------------------------------
// Phase machine

func nextPhase(p models.GamePhase) models.GamePhase {
	switch p {
	case models.PhaseRoleAssignment:
		return models.PhaseNight
	case models.PhaseNight:
		return models.PhaseDayDiscussion
	case models.PhaseDayDiscussion:
		return models.PhaseDayVoting
	case models.PhaseDayVoting:
		return models.PhaseNight
	default:
		return models.PhaseGameEnd
	}
}

func phaseDuration(room *models.Room, p models.GamePhase) time.Duration {
	switch p {
	case models.PhaseRoleAssignment:
		return 5 * time.Second
	case models.PhaseNight:
		return time.Duration(room.NightDuration) * time.Second
	case models.PhaseDayDiscussion:
		return time.Duration(room.DayDuration) * time.Second
	case models.PhaseDayVoting:
		return time.Duration(room.VoteDuration) * time.Second
	default:
		return 0
	}
}

// AdvancePhase moves the room out of expired. Entries written before
// an earlier transition arrive here stale and are dropped silently.
func (r *Room) AdvancePhase(ctx context.Context, expired models.GamePhase) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.model.Phase != expired || r.model.State.Terminal() {
		return nil
	}
	return r.transitionTo(ctx, nextPhase(expired))
}

// transitionTo runs the full transition contract: cancel the pending
// timer, run the outgoing phase's end hook, evaluate the win
// conditions, move to next, run its start hook, reschedule.
// Caller must hold r.mu.
func (r *Room) transitionTo(ctx context.Context, next models.GamePhase) error {
	if err := r.deps.Timers.Cancel(ctx, r.model.ID); err != nil {
		log.Warn().Err(err).Str("roomId", r.model.ID.String()).Msg("cancel phase timer")
	}

	var s *txState
	err := r.deps.Store.WithRoomTransaction(ctx, r.model.ID, func(tx store.Store) error {
		s = r.newTxState(tx)

		switch s.room.Phase {
		case models.PhaseNight:
			if err := r.resolver.Resolve(ctx, s); err != nil {
				return err
			}
		case models.PhaseDayVoting:
			if err := r.tally.Finalize(ctx, s); err != nil {
				return err
			}
		}

		if s.forcedWinner != nil {
			return r.endGame(ctx, s, s.forcedWinner, "mercenary_contract")
		}
		if winner, over := r.wins.Evaluate(s.players); over {
			return r.endGame(ctx, s, winner, "win_condition")
		}

		now := time.Now()
		s.room.Phase = next
		s.room.State = models.StateForPhase(next)
		s.room.PhaseStartedAt = now
		if d := phaseDuration(s.room, next); d > 0 {
			ends := now.Add(d)
			s.room.PhaseEndsAt = &ends
		} else {
			s.room.PhaseEndsAt = nil
		}
		if next == models.PhaseNight {
			s.room.DayNumber++
		}

		switch next {
		case models.PhaseNight:
			if err := r.startNight(ctx, s); err != nil {
				return err
			}
		case models.PhaseDayDiscussion:
			if err := r.startDay(ctx, s); err != nil {
				return err
			}
		case models.PhaseDayVoting:
			if err := r.startVoting(ctx, s); err != nil {
				return err
			}
		}

		// A start hook can kill (caught spy) and end the game.
		if winner, over := r.wins.Evaluate(s.players); over {
			return r.endGame(ctx, s, winner, "win_condition")
		}

		if err := s.tx.UpdateRoom(ctx, s.room); err != nil {
			return err
		}
		s.emit.toRoom(ctx, models.EventPhaseChange, map[string]any{
			"phase":       s.room.Phase,
			"state":       s.room.State,
			"dayNumber":   s.room.DayNumber,
			"phaseEndsAt": s.room.PhaseEndsAt,
		})
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("roomId", r.model.ID.String()).
			Str("next", string(next)).Msg("phase transition failed")
		return err
	}

	r.model = s.room
	r.players = s.players
	r.armRevenge(s)

	if r.model.PhaseEndsAt != nil {
		err := r.deps.Timers.Schedule(ctx, timer.Entry{
			RoomID:   r.model.ID,
			Phase:    r.model.Phase,
			Deadline: *r.model.PhaseEndsAt,
		})
		if err != nil {
			log.Error().Err(err).Str("roomId", r.model.ID.String()).Msg("schedule phase timer")
		}
	}

	log.Info().Str("roomId", r.model.ID.String()).Str("phase", string(r.model.Phase)).
		Int("day", r.model.DayNumber).Msg("phase transition")
	return nil
}

// armRevenge opens the hunter's grace window after a commit that
// killed a hunter. The window is capped at the new phase deadline.
func (r *Room) armRevenge(s *txState) {
	if s.pendingHunter == nil || r.model.State.Terminal() {
		return
	}
	deadline := time.Now().Add(time.Duration(r.deps.Game.HunterRevengeSeconds) * time.Second)
	if r.model.PhaseEndsAt != nil && r.model.PhaseEndsAt.Before(deadline) {
		deadline = *r.model.PhaseEndsAt
	}
	r.revenge = &revengeWindow{playerID: *s.pendingHunter, deadline: deadline}
}

// endGame is the single terminal path. The winner may be nil (draw).
func (r *Room) endGame(ctx context.Context, s *txState, winner *models.Team, reason string) error {
	s.room.Phase = models.PhaseGameEnd
	s.room.State = models.RoomEnded
	s.room.PhaseEndsAt = nil
	s.room.WinningTeam = winner
	s.room.EndReason = &reason
	s.gameOver = true

	reveal := make(map[string]any, len(s.players))
	for _, p := range s.players {
		p.IsRevealed = true
		if err := s.tx.UpdatePlayer(ctx, p); err != nil {
			return err
		}
		reveal[p.ID.String()] = p.Role

		won := winner != nil && playerWon(p, *winner)
		if err := s.tx.IncrementUserStats(ctx, p.UserID, won); err != nil {
			return err
		}
	}
	if err := s.tx.UpdateRoom(ctx, s.room); err != nil {
		return err
	}

	var winnerVal any
	if winner != nil {
		winnerVal = *winner
	}
	s.emit.toRoom(ctx, models.EventGameEnded, map[string]any{
		"winner": winnerVal,
		"reason": reason,
		"roles":  reveal,
	})
	log.Info().Str("roomId", s.room.ID.String()).Interface("winner", winner).
		Str("reason", reason).Msg("game ended")
	return nil
}

func playerWon(p *models.Player, winner models.Team) bool {
	return TeamOf(p.Role) == winner
}

// ---------------------------------------------------------------------------
// Phase start hooks

func (r *Room) startNight(ctx context.Context, s *txState) error {
	day := s.room.DayNumber

	// Re-entry after a crashed resolver must not see half-written
	// actions from the aborted attempt.
	err := s.tx.DeleteActions(ctx, store.ActionFilter{
		RoomID: s.room.ID, DayNumber: day, Phase: models.PhaseNight,
	})
	if err != nil {
		return err
	}

	var spy *uuid.UUID
	for _, p := range alivePlayers(s.players) {
		spec := roleTable[p.Role]
		if spec.nightAction {
			s.emit.toPlayer(ctx, p.ID, models.EventNightAbility, map[string]any{
				"role": p.Role,
				"day":  day,
			})
		}
		if day == 1 && spec.firstNight {
			s.emit.toPlayer(ctx, p.ID, models.EventFirstNightAction, map[string]any{
				"role": p.Role,
			})
		}
		if p.Role == models.RoleLittleGirl {
			if s.rng.Float64() < s.game.LittleGirlCatchProb {
				if err := s.deaths.Kill(ctx, s, p.ID, models.CauseCaughtSpying); err != nil {
					return err
				}
			} else {
				id := p.ID
				spy = &id
			}
		}
	}

	return r.updateChannels(ctx, s, spy)
}

func (r *Room) startDay(ctx context.Context, s *txState) error {
	if len(s.nightDeaths) > 0 {
		ids := make([]string, len(s.nightDeaths))
		for i, id := range s.nightDeaths {
			ids[i] = id.String()
		}
		s.emit.toRoom(ctx, models.EventNightDeath, map[string]any{
			"playerIds": ids,
		})
	}

	// The talkative seer's result goes public the morning after.
	actions, err := s.tx.FindActions(ctx, store.ActionFilter{
		RoomID:     s.room.ID,
		ActionType: models.ActionTalkativeSeer,
		DayNumber:  s.room.DayNumber,
		Phase:      models.PhaseNight,
	})
	if err != nil {
		return err
	}
	for _, a := range actions {
		if a.Result == nil || a.TargetID == nil {
			continue
		}
		s.emit.toRoom(ctx, models.EventTalkativeSeerResult, map[string]any{
			"targetId": a.TargetID,
			"role":     *a.Result,
		})
	}

	return r.updateChannels(ctx, s, nil)
}

func (r *Room) startVoting(ctx context.Context, s *txState) error {
	err := s.tx.DeleteActions(ctx, store.ActionFilter{
		RoomID:     s.room.ID,
		ActionType: models.ActionDayVote,
		DayNumber:  s.room.DayNumber,
	})
	if err != nil {
		return err
	}

	if s.room.DayNumber == 1 {
		for _, p := range alivePlayers(s.players) {
			if p.Role == models.RoleMercenary {
				s.emit.toPlayer(ctx, p.ID, models.EventMercenaryReminder, map[string]any{
					"day": 1,
				})
			}
		}
	}

	s.emit.toRoom(ctx, models.EventVotingStarted, map[string]any{
		"deadline": s.room.PhaseEndsAt,
	})
	return nil
}

// updateChannels recomputes every player's chat and voice channels for
// the phase being entered. spy is the little girl granted werewolf
// read access for this night.
func (r *Room) updateChannels(ctx context.Context, s *txState, spy *uuid.UUID) error {
	night := s.room.Phase == models.PhaseNight
	for _, p := range s.players {
		var channels []string
		switch {
		case p.State == models.PlayerDead:
			channels = []string{models.ChannelDead}
		case night && (isWerewolfTeam(p.Role) || (spy != nil && p.ID == *spy)):
			channels = []string{models.ChannelMain, models.ChannelWerewolf}
		default:
			channels = []string{models.ChannelMain}
		}
		if equalStrings(p.ChatChannels, channels) {
			continue
		}
		p.ChatChannels = channels
		if err := s.tx.UpdatePlayer(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// Player submissions

// SubmitNightAction validates and records a night action. Effects are
// applied by the resolver at night end; resubmission overwrites.
func (r *Room) SubmitNightAction(ctx context.Context, userID uuid.UUID, req models.NightActionRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.model.Phase != models.PhaseNight {
		return gameerr.Precondition("night actions are only valid at night")
	}
	performer := r.playerByUser(userID)
	if performer == nil {
		return gameerr.NotFound("player not in room")
	}
	if !performer.Alive() {
		return gameerr.Precondition("dead players cannot act")
	}
	if !roleMayPerform(performer.Role, req.Action) {
		return gameerr.Unauthorized("role cannot perform this action")
	}

	if err := r.validateNightAction(ctx, performer, req); err != nil {
		return err
	}

	action := &models.GameAction{
		RoomID:      r.model.ID,
		PerformerID: performer.ID,
		ActionType:  req.Action,
		DayNumber:   r.model.DayNumber,
		Phase:       models.PhaseNight,
		TargetID:    req.TargetID,
		Metadata:    req.Metadata,
		CreatedAt:   time.Now(),
	}
	return r.inTx(ctx, func(s *txState) error {
		return s.tx.UpsertAction(ctx, action)
	})
}

func (r *Room) validateNightAction(ctx context.Context, performer *models.Player, req models.NightActionRequest) error {
	day := r.model.DayNumber

	target := func() *models.Player {
		if req.TargetID == nil {
			return nil
		}
		return r.players[*req.TargetID]
	}()
	needsTarget := req.Action != models.ActionCupidLink
	if needsTarget {
		if target == nil {
			return gameerr.Validation("target required")
		}
		if !target.Alive() {
			return gameerr.Precondition("target is not alive")
		}
	}

	switch req.Action {
	case models.ActionGuardProtect:
		if target.ID == performer.ID {
			return gameerr.Validation("guard cannot protect themselves")
		}
		// No previous night to compare against on night 1; a zero
		// day filter would match every night, including tonight's
		// own submission.
		if day > 1 {
			prev, err := r.deps.Store.FindActions(ctx, store.ActionFilter{
				RoomID:      r.model.ID,
				PerformerID: performer.ID,
				ActionType:  models.ActionGuardProtect,
				DayNumber:   day - 1,
				Phase:       models.PhaseNight,
			})
			if err != nil {
				return err
			}
			for _, a := range prev {
				if a.TargetID != nil && *a.TargetID == target.ID {
					return gameerr.Validation("guard cannot protect the same player twice in a row")
				}
			}
		}

	case models.ActionCupidLink:
		if day != 1 {
			return gameerr.Precondition("cupid links on the first night only")
		}
		if err := r.requireUses(ctx, performer.ID, models.AbilityCupidLink); err != nil {
			return err
		}
		p1, p2, err := cupidPair(req)
		if err != nil {
			return err
		}
		for _, id := range []uuid.UUID{p1, p2} {
			p := r.players[id]
			if p == nil || !p.Alive() {
				return gameerr.Precondition("lover target is not alive")
			}
		}

	case models.ActionHeirChoose:
		if day != 1 {
			return gameerr.Precondition("the heir chooses on the first night only")
		}
		if target.ID == performer.ID {
			return gameerr.Validation("heir cannot choose themselves")
		}

	case models.ActionWhiteWolfDevour:
		ab, err := r.deps.Store.FindAbility(ctx, performer.ID, models.AbilityDevour)
		if err != nil {
			return err
		}
		if ab.UsesLeft <= 0 {
			return gameerr.Precondition("no devour uses left")
		}
		if ab.LastUsedDay != nil && day-*ab.LastUsedDay < ab.CooldownDays {
			return gameerr.Precondition("devour is on cooldown")
		}

	case models.ActionBlackWolfConvert:
		if err := r.requireUses(ctx, performer.ID, models.AbilityConvert); err != nil {
			return err
		}

	case models.ActionWitchHeal:
		if err := r.requireUses(ctx, performer.ID, models.AbilityHealPotion); err != nil {
			return err
		}

	case models.ActionWitchPoison:
		if err := r.requireUses(ctx, performer.ID, models.AbilityPoisonPotion); err != nil {
			return err
		}

	case models.ActionSeerInvestigate, models.ActionTalkativeSeer:
		if target.ID == performer.ID {
			return gameerr.Validation("cannot investigate yourself")
		}

	case models.ActionWerewolfVote:
		if isWerewolfTeam(target.Role) {
			return gameerr.Validation("the pack does not hunt its own")
		}

	default:
		return gameerr.Validation("not a night action")
	}
	return nil
}

func (r *Room) requireUses(ctx context.Context, playerID uuid.UUID, t models.AbilityType) error {
	ab, err := r.deps.Store.FindAbility(ctx, playerID, t)
	if err != nil {
		return err
	}
	if ab.UsesLeft <= 0 {
		return gameerr.Precondition("no %s uses left", t)
	}
	return nil
}

// cupidPair extracts both lovers from a CUPID_LINK request: the first
// from targetId, the second from metadata.
func cupidPair(req models.NightActionRequest) (uuid.UUID, uuid.UUID, error) {
	if req.TargetID == nil {
		return uuid.Nil, uuid.Nil, gameerr.Validation("first lover required")
	}
	raw, ok := req.Metadata["player2_id"]
	if !ok {
		return uuid.Nil, uuid.Nil, gameerr.Validation("second lover required")
	}
	p2, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, uuid.Nil, gameerr.Validation("second lover id is malformed")
	}
	if *req.TargetID == p2 {
		return uuid.Nil, uuid.Nil, gameerr.Validation("lovers must be two different players")
	}
	return *req.TargetID, p2, nil
}

// CastVote records a day vote; nil target is an explicit abstention.
func (r *Room) CastVote(ctx context.Context, userID uuid.UUID, targetID *uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.model.Phase != models.PhaseDayVoting {
		return gameerr.Precondition("voting is not open")
	}
	voter := r.playerByUser(userID)
	if voter == nil {
		return gameerr.NotFound("player not in room")
	}
	if !voter.Alive() {
		return gameerr.Precondition("dead players cannot vote")
	}
	if targetID != nil {
		target := r.players[*targetID]
		if target == nil || !target.Alive() {
			return gameerr.Precondition("vote target is not alive")
		}
	}

	var everyoneVoted bool
	err := r.inTx(ctx, func(s *txState) error {
		var err error
		everyoneVoted, err = r.tally.Cast(ctx, s, voter.ID, targetID)
		return err
	})
	if err != nil {
		return err
	}

	// All alive players have spoken: end the phase on the next tick
	// rather than transitioning from inside the vote write.
	if everyoneVoted {
		err := r.deps.Timers.Schedule(ctx, timer.Entry{
			RoomID:   r.model.ID,
			Phase:    models.PhaseDayVoting,
			Deadline: time.Now(),
		})
		if err != nil {
			log.Error().Err(err).Str("roomId", r.model.ID.String()).
				Msg("schedule early vote close")
		}
	}
	return nil
}

// HunterShoot resolves the dead hunter's revenge inside the grace
// window.
func (r *Room) HunterShoot(ctx context.Context, userID uuid.UUID, targetID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	shooter := r.playerByUser(userID)
	if shooter == nil {
		return gameerr.NotFound("player not in room")
	}
	if r.revenge == nil || r.revenge.playerID != shooter.ID {
		return gameerr.Precondition("no revenge shot pending")
	}
	if time.Now().After(r.revenge.deadline) {
		r.revenge = nil
		return gameerr.Precondition("revenge window has closed")
	}
	target := r.players[targetID]
	if target == nil || !target.Alive() {
		return gameerr.Precondition("target is not alive")
	}

	var st *txState
	err := r.inTx(ctx, func(s *txState) error {
		st = s
		ab, err := s.tx.FindAbility(ctx, shooter.ID, models.AbilityHunterShot)
		if err != nil {
			return err
		}
		if ab.UsesLeft <= 0 {
			return gameerr.Precondition("revenge shot already taken")
		}
		ab.UsesLeft--
		day := s.room.DayNumber
		ab.LastUsedDay = &day
		if err := s.tx.UpsertAbility(ctx, ab); err != nil {
			return err
		}

		if err := s.deaths.Kill(ctx, s, targetID, models.CauseHunterRevenge); err != nil {
			return err
		}
		s.emit.toRoom(ctx, models.EventHunterRevengeComplete, map[string]any{
			"hunterId": shooter.ID,
			"targetId": targetID,
		})

		if winner, over := r.wins.Evaluate(s.players); over {
			return r.endGame(ctx, s, winner, "win_condition")
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.revenge = nil
	// Shooting a fellow hunter chains a fresh window.
	r.armRevenge(st)
	if r.model.State.Terminal() {
		if err := r.deps.Timers.Cancel(ctx, r.model.ID); err != nil {
			log.Warn().Err(err).Str("roomId", r.model.ID.String()).Msg("cancel timers after revenge")
		}
	}
	return nil
}

// DictatorCoup attempts the one-shot coup. A werewolf-team target dies
// and the dictator becomes mayor; anything else kills the dictator.
func (r *Room) DictatorCoup(ctx context.Context, userID uuid.UUID, targetID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.model.Phase != models.PhaseDayDiscussion && r.model.Phase != models.PhaseDayVoting {
		return gameerr.Precondition("a coup happens in daylight")
	}
	dictator := r.playerByUser(userID)
	if dictator == nil {
		return gameerr.NotFound("player not in room")
	}
	if !dictator.Alive() || dictator.Role != models.RoleDictator {
		return gameerr.Unauthorized("only a living dictator can stage a coup")
	}
	target := r.players[targetID]
	if target == nil || !target.Alive() {
		return gameerr.Precondition("target is not alive")
	}

	var st *txState
	err := r.inTx(ctx, func(s *txState) error {
		st = s
		ab, err := s.tx.FindAbility(ctx, dictator.ID, models.AbilityCoup)
		if err != nil {
			return err
		}
		if ab.UsesLeft <= 0 {
			return gameerr.Precondition("coup already attempted")
		}
		ab.UsesLeft--
		day := s.room.DayNumber
		ab.LastUsedDay = &day
		if err := s.tx.UpsertAbility(ctx, ab); err != nil {
			return err
		}

		if isWerewolfTeam(target.Role) {
			if err := s.deaths.Kill(ctx, s, targetID, models.CauseDictatorCoup); err != nil {
				return err
			}
			mayor := models.Ability{PlayerID: dictator.ID, Type: models.AbilityMayorVote}
			if err := s.tx.UpsertAbility(ctx, &mayor); err != nil {
				return err
			}
			s.emit.toRoom(ctx, models.EventDictatorSuccess, map[string]any{
				"dictatorId": dictator.ID,
				"targetId":   targetID,
			})
		} else {
			if err := s.deaths.Kill(ctx, s, dictator.ID, models.CauseFailedCoup); err != nil {
				return err
			}
			s.emit.toRoom(ctx, models.EventDictatorFailed, map[string]any{
				"dictatorId": dictator.ID,
			})
		}

		if winner, over := r.wins.Evaluate(s.players); over {
			return r.endGame(ctx, s, winner, "win_condition")
		}
		return nil
	})
	if err != nil {
		return err
	}

	// A coup can hit a hunter; the revenge window opens here too.
	r.armRevenge(st)
	if r.model.State.Terminal() {
		if err := r.deps.Timers.Cancel(ctx, r.model.ID); err != nil {
			log.Warn().Err(err).Str("roomId", r.model.ID.String()).Msg("cancel timers at game end")
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Snapshots

func (r *Room) Snapshot(requesterUserID uuid.UUID) models.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	requester := r.playerByUser(requesterUserID)
	snap := models.Snapshot{
		ID:          r.model.ID,
		Code:        r.model.Code,
		Name:        r.model.Name,
		State:       r.model.State,
		Phase:       r.model.Phase,
		DayNumber:   r.model.DayNumber,
		PhaseEndsAt: r.model.PhaseEndsAt,
		MinPlayers:  r.model.MinPlayers,
		MaxPlayers:  r.model.MaxPlayers,
		CanStart:    r.model.State == models.RoomWaiting && len(r.players) >= r.model.MinPlayers,
		IsHost:      r.model.HostUserID == requesterUserID,
		DeadPlayers: []uuid.UUID{},
	}

	for _, p := range sortedPlayers(r.players) {
		sp := models.SnapshotPlayer{
			ID:         p.ID,
			UserID:     p.UserID,
			Username:   p.Username,
			Position:   p.Position,
			State:      p.State,
			IsRevealed: p.IsRevealed,
		}
		if p.IsRevealed || (requester != nil && p.ID == requester.ID) {
			role := p.Role
			sp.Role = &role
		}
		snap.Players = append(snap.Players, sp)

		if p.State == models.PlayerDead {
			snap.DeadPlayers = append(snap.DeadPlayers, p.ID)
		} else {
			snap.AliveCount++
		}
	}
	if requester != nil && requester.Role != "" {
		role := requester.Role
		snap.MyRole = &role
	}
	return snap
}

// ---------------------------------------------------------------------------
// Lookups

func (r *Room) playerByUser(userID uuid.UUID) *models.Player {
	for _, p := range r.players {
		if p.UserID == userID {
			return p
		}
	}
	return nil
}

// HasUser reports whether the user occupies a slot in this room.
func (r *Room) HasUser(userID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.playerByUser(userID) != nil
}

// PlayerID returns the player id for a user, if present.
func (r *Room) PlayerID(userID uuid.UUID) (uuid.UUID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p := r.playerByUser(userID); p != nil {
		return p.ID, true
	}
	return uuid.Nil, false
}

// ChannelsFor lists the chat/voice channels currently granted to a
// user; the voice token endpoint checks against this.
func (r *Room) ChannelsFor(userID uuid.UUID) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p := r.playerByUser(userID); p != nil {
		return append([]string(nil), p.ChatChannels...)
	}
	return nil
}

// OnWerewolfTeam reports whether the user's current role is on the
// wolf side. Spectating grants (the little girl's spy window) are not
// membership.
func (r *Room) OnWerewolfTeam(userID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p := r.playerByUser(userID); p != nil {
		return isWerewolfTeam(p.Role)
	}
	return false
}

func alivePlayers(players map[uuid.UUID]*models.Player) []*models.Player {
	var out []*models.Player
	for _, p := range players {
		if p.Alive() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

func sortedPlayers(players map[uuid.UUID]*models.Player) []*models.Player {
	out := make([]*models.Player, 0, len(players))
	for _, p := range players {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}
