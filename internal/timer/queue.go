// Package timer holds the durable phase-deadline queue. Entries
// survive a process restart so no room loses a day; on startup the
// dispatcher drains every past deadline immediately.
package timer

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/moonvale/server/internal/models"
)

// Entry schedules one phase expiry. Phase is the phase the room was in
// when the entry was written; the dispatcher drops the entry if the
// room has since moved on.
type Entry struct {
	RoomID   uuid.UUID        `json:"room_id"`
	Phase    models.GamePhase `json:"phase"`
	Deadline time.Time        `json:"deadline"`
}

type Queue interface {
	Schedule(ctx context.Context, entry Entry) error
	// Cancel removes every entry for the room.
	Cancel(ctx context.Context, roomID uuid.UUID) error
	// PopExpired atomically removes and returns all entries with
	// deadline <= now.
	PopExpired(ctx context.Context, now time.Time) ([]Entry, error)
}
