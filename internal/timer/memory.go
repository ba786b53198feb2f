package timer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is a sorted slice; fine for tests and single-process dev.
type MemoryQueue struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Schedule(_ context.Context, entry Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, entry)
	sort.Slice(q.entries, func(i, j int) bool {
		return q.entries[i].Deadline.Before(q.entries[j].Deadline)
	})
	return nil
}

func (q *MemoryQueue) Cancel(_ context.Context, roomID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.entries[:0]
	for _, e := range q.entries {
		if e.RoomID != roomID {
			kept = append(kept, e)
		}
	}
	q.entries = kept
	return nil
}

func (q *MemoryQueue) PopExpired(_ context.Context, now time.Time) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var expired []Entry
	i := 0
	for ; i < len(q.entries); i++ {
		if q.entries[i].Deadline.After(now) {
			break
		}
		expired = append(expired, q.entries[i])
	}
	q.entries = q.entries[i:]
	return expired, nil
}

// Len reports pending entries; test helper.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
