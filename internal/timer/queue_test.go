package timer

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moonvale/server/internal/models"
)

func TestMemoryQueuePopsExpiredInOrder(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	now := time.Now()

	first := Entry{RoomID: uuid.New(), Phase: models.PhaseNight, Deadline: now.Add(-2 * time.Second)}
	second := Entry{RoomID: uuid.New(), Phase: models.PhaseDayVoting, Deadline: now.Add(-time.Second)}
	future := Entry{RoomID: uuid.New(), Phase: models.PhaseNight, Deadline: now.Add(time.Hour)}

	require.NoError(t, q.Schedule(ctx, future))
	require.NoError(t, q.Schedule(ctx, second))
	require.NoError(t, q.Schedule(ctx, first))

	expired, err := q.PopExpired(ctx, now)
	require.NoError(t, err)
	require.Len(t, expired, 2)
	assert.Equal(t, first.RoomID, expired[0].RoomID)
	assert.Equal(t, second.RoomID, expired[1].RoomID)
	assert.Equal(t, 1, q.Len())
}

func TestMemoryQueuePopIsDestructive(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	require.NoError(t, q.Schedule(ctx, Entry{
		RoomID: uuid.New(), Phase: models.PhaseNight, Deadline: time.Now().Add(-time.Second),
	}))

	expired, err := q.PopExpired(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, expired, 1)

	again, err := q.PopExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestMemoryQueueCancelRemovesRoomEntries(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	roomID := uuid.New()
	otherID := uuid.New()

	require.NoError(t, q.Schedule(ctx, Entry{RoomID: roomID, Phase: models.PhaseNight, Deadline: time.Now()}))
	require.NoError(t, q.Schedule(ctx, Entry{RoomID: roomID, Phase: models.PhaseDayVoting, Deadline: time.Now()}))
	require.NoError(t, q.Schedule(ctx, Entry{RoomID: otherID, Phase: models.PhaseNight, Deadline: time.Now()}))

	require.NoError(t, q.Cancel(ctx, roomID))

	expired, err := q.PopExpired(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, otherID, expired[0].RoomID)
}
