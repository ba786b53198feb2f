package game

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/moonvale/server/internal/config"
	"github.com/moonvale/server/internal/gameerr"
	"github.com/moonvale/server/internal/models"
)

const (
	codeAlphabet   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeLength     = 6
	codeMaxRetries = 10

	sweepInterval = 2 * time.Minute
	lobbyMaxAge   = time.Hour
)

// Registry owns the live room handles. Everything reachable from the
// HTTP and websocket layers goes through it.
type Registry struct {
	mu     sync.RWMutex
	rooms  map[uuid.UUID]*Room
	deps   Deps
	rng    *rand.Rand
	closed bool
	done   chan struct{}
}

func NewRegistry(deps Deps) *Registry {
	return &Registry{
		rooms: make(map[uuid.UUID]*Room),
		deps:  deps,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		done:  make(chan struct{}),
	}
}

// CreateRoom persists a new lobby with the host already seated and
// registers its handle.
func (reg *Registry) CreateRoom(ctx context.Context, hostUserID uuid.UUID, hostUsername string, settings config.RoomSettings, passwordHash *string) (*Room, error) {
	reg.mu.Lock()
	if reg.closed {
		reg.mu.Unlock()
		return nil, gameerr.Precondition("server is shutting down")
	}
	reg.mu.Unlock()

	if err := config.ValidateRoomSettings(&settings); err != nil {
		return nil, err
	}

	code, err := reg.generateCode(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	model := &models.Room{
		ID:             uuid.New(),
		Code:           code,
		Name:           settings.Name,
		HostUserID:     hostUserID,
		State:          models.RoomWaiting,
		Phase:          models.PhaseLobby,
		PhaseStartedAt: now,
		NightDuration:  settings.NightDuration,
		DayDuration:    settings.DayDuration,
		VoteDuration:   settings.VoteDuration,
		MinPlayers:     settings.MinPlayers,
		MaxPlayers:     settings.MaxPlayers,
		IsPrivate:      settings.IsPrivate,
		PasswordHash:   passwordHash,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := reg.deps.Store.CreateRoom(ctx, model); err != nil {
		return nil, err
	}

	room := newRoom(reg.deps, model, nil)
	if _, err := room.Join(ctx, hostUserID, hostUsername); err != nil {
		// Seating the host failed; cancel the persisted row so the
		// code frees up immediately instead of at the lobby sweep.
		model.State = models.RoomCancelled
		if cerr := reg.deps.Store.UpdateRoom(ctx, model); cerr != nil {
			log.Error().Err(cerr).Str("roomId", model.ID.String()).
				Msg("cancel room after failed host join")
		}
		return nil, err
	}

	reg.mu.Lock()
	reg.rooms[model.ID] = room
	reg.mu.Unlock()

	log.Info().Str("roomId", model.ID.String()).Str("code", code).
		Str("hostUserId", hostUserID.String()).Msg("room created")
	return room, nil
}

// generateCode draws 6-character codes until one is free, giving up
// after 10 collisions.
func (reg *Registry) generateCode(ctx context.Context) (string, error) {
	for attempt := 0; attempt < codeMaxRetries; attempt++ {
		b := make([]byte, codeLength)
		for i := range b {
			b[i] = codeAlphabet[reg.rng.Intn(len(codeAlphabet))]
		}
		code := string(b)
		_, err := reg.deps.Store.FindRoomByCode(ctx, code)
		if errors.Is(err, gameerr.ErrNotFound) {
			return code, nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", gameerr.Conflict("could not allocate a unique room code")
}

func (reg *Registry) Lookup(id uuid.UUID) (*Room, error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	room, ok := reg.rooms[id]
	if !ok {
		return nil, gameerr.NotFound("room %s", id)
	}
	return room, nil
}

func (reg *Registry) LookupByCode(code string) (*Room, error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	for _, room := range reg.rooms {
		if room.Code() == code {
			return room, nil
		}
	}
	return nil, gameerr.NotFound("room code %s", code)
}

func (reg *Registry) Remove(id uuid.UUID) {
	reg.mu.Lock()
	delete(reg.rooms, id)
	reg.mu.Unlock()
}

// OpenRooms lists joinable public lobbies.
func (reg *Registry) OpenRooms(requesterUserID uuid.UUID) []models.Snapshot {
	reg.mu.RLock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, room := range reg.rooms {
		rooms = append(rooms, room)
	}
	reg.mu.RUnlock()

	var out []models.Snapshot
	for _, room := range rooms {
		snap := room.Snapshot(requesterUserID)
		if snap.State == models.RoomWaiting {
			out = append(out, snap)
		}
	}
	return out
}

// Rehydrate restores handles for every non-terminal room after a
// restart. Past phase deadlines are still in the durable timer queue
// and drain on the dispatcher's first tick.
func (reg *Registry) Rehydrate(ctx context.Context) error {
	rooms, err := reg.deps.Store.ListRoomsInPhase(ctx,
		models.PhaseLobby, models.PhaseRoleAssignment, models.PhaseNight,
		models.PhaseDayDiscussion, models.PhaseDayVoting)
	if err != nil {
		return err
	}
	for _, model := range rooms {
		if model.State.Terminal() {
			continue
		}
		players, err := reg.deps.Store.ListPlayers(ctx, model.ID)
		if err != nil {
			return err
		}
		reg.mu.Lock()
		reg.rooms[model.ID] = newRoom(reg.deps, model, players)
		reg.mu.Unlock()
	}
	log.Info().Int("rooms", len(rooms)).Msg("rehydrated active rooms")
	return nil
}

// RunSweeper cancels lobbies abandoned for over an hour and drops
// terminal rooms from the registry, freeing their codes.
func (reg *Registry) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-reg.done:
			return
		case <-ticker.C:
			reg.sweep(ctx)
		}
	}
}

func (reg *Registry) sweep(ctx context.Context) {
	reg.mu.RLock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, room := range reg.rooms {
		rooms = append(rooms, room)
	}
	reg.mu.RUnlock()

	for _, room := range rooms {
		room.mu.Lock()
		abandoned := room.model.State == models.RoomWaiting &&
			time.Since(room.model.CreatedAt) > lobbyMaxAge
		terminal := room.model.State.Terminal()
		id := room.model.ID
		room.mu.Unlock()

		if abandoned {
			if err := room.Cancel(ctx, "abandoned"); err != nil {
				log.Warn().Err(err).Str("roomId", id.String()).Msg("sweep cancel")
				continue
			}
			terminal = true
		}
		if terminal {
			reg.Remove(id)
		}
	}
}

// Shutdown stops accepting rooms. Room state is already write-through,
// so there is nothing to flush beyond the timer queue entries, which
// survive in the durable queue.
func (reg *Registry) Shutdown(ctx context.Context) {
	reg.mu.Lock()
	if reg.closed {
		reg.mu.Unlock()
		return
	}
	reg.closed = true
	close(reg.done)
	reg.mu.Unlock()
	log.Info().Msg("registry shut down")
}
