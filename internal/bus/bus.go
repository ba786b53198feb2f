// Package bus carries game events from the engine to subscribers.
// Delivery is at-most-once; clients that miss messages recover by
// re-requesting a room snapshot.
package bus

import (
	"context"

	"github.com/google/uuid"
)

// Handler receives the concrete topic a message arrived on (the
// subscription pattern may contain wildcards) and the raw payload.
type Handler func(topic string, payload []byte)

type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe registers handler for every topic matching pattern
	// ('*' matches any run of characters, segments included). It
	// returns an unsubscribe func.
	Subscribe(ctx context.Context, pattern string, handler Handler) (func(), error)
	Close() error
}

// RoomTopic addresses every socket joined to the room.
func RoomTopic(roomID uuid.UUID) string {
	return "room." + roomID.String()
}

// PlayerTopic addresses only sockets authenticated as the player.
func PlayerTopic(roomID, playerID uuid.UUID) string {
	return "room." + roomID.String() + ".player." + playerID.String()
}
