package game

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/moonvale/server/internal/timer"
)

const dispatchInterval = time.Second

// Dispatcher drives the phase machine off the durable timer queue. It
// wakes every second, pops expired entries, and advances the matching
// rooms. Entries whose room already moved on are dropped; transition
// failures reschedule the entry for the next tick.
type Dispatcher struct {
	queue    timer.Queue
	registry *Registry
}

func NewDispatcher(queue timer.Queue, registry *Registry) *Dispatcher {
	return &Dispatcher{queue: queue, registry: registry}
}

func (d *Dispatcher) Run(ctx context.Context) {
	// Drain anything that expired while the process was down.
	d.tick(ctx)

	ticker := time.NewTicker(dispatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Dispatcher) tick(ctx context.Context) {
	entries, err := d.queue.PopExpired(ctx, time.Now())
	if err != nil {
		log.Error().Err(err).Msg("pop expired timers")
		return
	}
	for _, entry := range entries {
		room, err := d.registry.Lookup(entry.RoomID)
		if err != nil {
			// Room is gone; the entry dies with it.
			continue
		}
		if err := room.AdvancePhase(ctx, entry.Phase); err != nil {
			log.Error().Err(err).Str("roomId", entry.RoomID.String()).
				Str("phase", string(entry.Phase)).Msg("phase advance failed, retrying")
			entry.Deadline = time.Now().Add(dispatchInterval)
			if err := d.queue.Schedule(ctx, entry); err != nil {
				log.Error().Err(err).Str("roomId", entry.RoomID.String()).
					Msg("reschedule failed entry")
			}
		}
	}
}
