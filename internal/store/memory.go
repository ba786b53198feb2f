package store

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/moonvale/server/internal/gameerr"
	"github.com/moonvale/server/internal/models"
)

// Memory is a map-backed Store. It backs the test suite and local dev
// without Postgres. All returned records are copies.
type Memory struct {
	mu        sync.RWMutex
	rooms     map[uuid.UUID]*models.Room
	players   map[uuid.UUID]*models.Player
	actions   map[string]*models.GameAction
	abilities map[string]*models.Ability
	events    []*models.GameEvent
	users     map[uuid.UUID]*models.User
	stats     map[uuid.UUID]struct{ Games, Wins int }

	roomLocks sync.Map // uuid.UUID -> *sync.Mutex
}

func NewMemory() *Memory {
	return &Memory{
		rooms:     make(map[uuid.UUID]*models.Room),
		players:   make(map[uuid.UUID]*models.Player),
		actions:   make(map[string]*models.GameAction),
		abilities: make(map[string]*models.Ability),
		users:     make(map[uuid.UUID]*models.User),
		stats:     make(map[uuid.UUID]struct{ Games, Wins int }),
	}
}

func actionKey(a *models.GameAction) string {
	return strings.Join([]string{
		a.RoomID.String(), a.PerformerID.String(), string(a.ActionType),
		strconv.Itoa(a.DayNumber), string(a.Phase),
	}, "|")
}

func abilityKey(playerID uuid.UUID, t models.AbilityType) string {
	return playerID.String() + "|" + string(t)
}

func (m *Memory) FindRoomByID(_ context.Context, id uuid.UUID) (*models.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[id]
	if !ok {
		return nil, gameerr.NotFound("room %s", id)
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) FindRoomByCode(_ context.Context, code string) (*models.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.rooms {
		if r.Code == code && !r.State.Terminal() {
			cp := *r
			return &cp, nil
		}
	}
	return nil, gameerr.NotFound("room code %s", code)
}

func (m *Memory) CreateRoom(_ context.Context, room *models.Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rooms {
		if r.Code == room.Code && !r.State.Terminal() {
			return gameerr.Conflict("room code %s in use", room.Code)
		}
	}
	cp := *room
	m.rooms[room.ID] = &cp
	return nil
}

func (m *Memory) UpdateRoom(_ context.Context, room *models.Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[room.ID]; !ok {
		return gameerr.NotFound("room %s", room.ID)
	}
	cp := *room
	cp.UpdatedAt = time.Now()
	m.rooms[room.ID] = &cp
	return nil
}

func (m *Memory) ListRoomsInPhase(_ context.Context, phases ...models.GamePhase) ([]*models.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := make(map[models.GamePhase]bool, len(phases))
	for _, p := range phases {
		want[p] = true
	}
	var out []*models.Room
	for _, r := range m.rooms {
		if want[r.Phase] {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) CreatePlayer(_ context.Context, player *models.Player) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.players {
		if p.RoomID == player.RoomID && p.UserID == player.UserID {
			return gameerr.Conflict("user %s already in room", player.UserID)
		}
	}
	cp := clonePlayer(player)
	m.players[player.ID] = cp
	return nil
}

func (m *Memory) UpdatePlayer(_ context.Context, player *models.Player) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.players[player.ID]; !ok {
		return gameerr.NotFound("player %s", player.ID)
	}
	m.players[player.ID] = clonePlayer(player)
	return nil
}

func (m *Memory) DeletePlayer(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.players, id)
	return nil
}

func (m *Memory) ListPlayers(_ context.Context, roomID uuid.UUID) ([]*models.Player, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Player
	for _, p := range m.players {
		if p.RoomID == roomID {
			out = append(out, clonePlayer(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (m *Memory) UpsertAction(_ context.Context, action *models.GameAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *action
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	key := actionKey(action)
	if prev, ok := m.actions[key]; ok {
		cp.ID = prev.ID
	}
	m.actions[key] = &cp
	return nil
}

func (m *Memory) FindActions(_ context.Context, filter ActionFilter) ([]*models.GameAction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.GameAction
	for _, a := range m.actions {
		if matchAction(a, filter) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) DeleteActions(_ context.Context, filter ActionFilter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, a := range m.actions {
		if matchAction(a, filter) {
			delete(m.actions, k)
		}
	}
	return nil
}

func matchAction(a *models.GameAction, f ActionFilter) bool {
	if f.RoomID != uuid.Nil && a.RoomID != f.RoomID {
		return false
	}
	if f.PerformerID != uuid.Nil && a.PerformerID != f.PerformerID {
		return false
	}
	if f.ActionType != "" && a.ActionType != f.ActionType {
		return false
	}
	if f.DayNumber != 0 && a.DayNumber != f.DayNumber {
		return false
	}
	if f.Phase != "" && a.Phase != f.Phase {
		return false
	}
	return true
}

func (m *Memory) UpsertAbility(_ context.Context, ability *models.Ability) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ability
	if ability.Metadata != nil {
		cp.Metadata = make(map[string]string, len(ability.Metadata))
		for k, v := range ability.Metadata {
			cp.Metadata[k] = v
		}
	}
	m.abilities[abilityKey(ability.PlayerID, ability.Type)] = &cp
	return nil
}

func (m *Memory) FindAbility(_ context.Context, playerID uuid.UUID, t models.AbilityType) (*models.Ability, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.abilities[abilityKey(playerID, t)]
	if !ok {
		return nil, gameerr.NotFound("ability %s for player %s", t, playerID)
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) ListAbilities(_ context.Context, playerID uuid.UUID) ([]*models.Ability, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Ability
	for _, a := range m.abilities {
		if a.PlayerID == playerID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out, nil
}

func (m *Memory) DeleteAbilities(_ context.Context, playerID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, a := range m.abilities {
		if a.PlayerID == playerID {
			delete(m.abilities, k)
		}
	}
	return nil
}

func (m *Memory) CreateEvent(_ context.Context, event *models.GameEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *event
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.events = append(m.events, &cp)
	return nil
}

// Events returns the audit log for a room; test helper.
func (m *Memory) Events(roomID uuid.UUID) []*models.GameEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.GameEvent
	for _, e := range m.events {
		if e.RoomID == roomID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out
}

func (m *Memory) CreateUser(_ context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == user.Email {
			return gameerr.Conflict("email already registered")
		}
		if u.Username == user.Username {
			return gameerr.Conflict("username taken")
		}
	}
	cp := *user
	m.users[user.ID] = &cp
	return nil
}

func (m *Memory) FindUserByEmail(_ context.Context, email string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, gameerr.NotFound("user %s", email)
}

func (m *Memory) FindUserByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, gameerr.NotFound("user %s", id)
	}
	cp := *u
	return &cp, nil
}

func (m *Memory) IncrementUserStats(_ context.Context, userID uuid.UUID, won bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats[userID]
	s.Games++
	if won {
		s.Wins++
	}
	m.stats[userID] = s
	return nil
}

func (m *Memory) WithRoomTransaction(_ context.Context, roomID uuid.UUID, fn func(tx Store) error) error {
	lockAny, _ := m.roomLocks.LoadOrStore(roomID, &sync.Mutex{})
	lock := lockAny.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()
	return fn(m)
}

func (m *Memory) Close() {}

func clonePlayer(p *models.Player) *models.Player {
	cp := *p
	if p.ChatChannels != nil {
		cp.ChatChannels = append([]string(nil), p.ChatChannels...)
	}
	return &cp
}
