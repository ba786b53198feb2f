// Package store is the persistence boundary of the game core. The
// engine only ever talks to the Store interface; postgres.go backs it
// in production and memory.go backs it in tests and local dev.
package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/moonvale/server/internal/models"
)

// ActionFilter narrows FindActions. Zero values mean "any".
type ActionFilter struct {
	RoomID      uuid.UUID
	PerformerID uuid.UUID
	ActionType  models.ActionType
	DayNumber   int
	Phase       models.GamePhase
}

type Store interface {
	FindRoomByID(ctx context.Context, id uuid.UUID) (*models.Room, error)
	FindRoomByCode(ctx context.Context, code string) (*models.Room, error)
	CreateRoom(ctx context.Context, room *models.Room) error
	UpdateRoom(ctx context.Context, room *models.Room) error
	ListRoomsInPhase(ctx context.Context, phases ...models.GamePhase) ([]*models.Room, error)

	CreatePlayer(ctx context.Context, player *models.Player) error
	UpdatePlayer(ctx context.Context, player *models.Player) error
	DeletePlayer(ctx context.Context, id uuid.UUID) error
	ListPlayers(ctx context.Context, roomID uuid.UUID) ([]*models.Player, error)

	// UpsertAction inserts or overwrites on the key
	// (room, performer, type, day, phase).
	UpsertAction(ctx context.Context, action *models.GameAction) error
	FindActions(ctx context.Context, filter ActionFilter) ([]*models.GameAction, error)
	DeleteActions(ctx context.Context, filter ActionFilter) error

	UpsertAbility(ctx context.Context, ability *models.Ability) error
	FindAbility(ctx context.Context, playerID uuid.UUID, abilityType models.AbilityType) (*models.Ability, error)
	ListAbilities(ctx context.Context, playerID uuid.UUID) ([]*models.Ability, error)
	DeleteAbilities(ctx context.Context, playerID uuid.UUID) error

	CreateEvent(ctx context.Context, event *models.GameEvent) error

	CreateUser(ctx context.Context, user *models.User) error
	FindUserByEmail(ctx context.Context, email string) (*models.User, error)
	FindUserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	IncrementUserStats(ctx context.Context, userID uuid.UUID, won bool) error

	// WithRoomTransaction serializes fn against all other transactions
	// for the same room. fn receives a Store scoped to the transaction.
	WithRoomTransaction(ctx context.Context, roomID uuid.UUID, fn func(tx Store) error) error

	Close()
}
