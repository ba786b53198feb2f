package timer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const deadlineKey = "phase_deadlines"

// popScript removes and returns all members with score <= now in one
// round trip, so two dispatchers never pop the same entry.
var popScript = redis.NewScript(`
local members = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
if #members > 0 then
	redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
end
return members
`)

// RedisQueue keeps entries in a sorted set scored by deadline.
type RedisQueue struct {
	client *redis.Client
}

func NewRedisQueue(ctx context.Context, addr, password string, db int) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisQueue{client: client}, nil
}

func (q *RedisQueue) Schedule(ctx context.Context, entry Entry) error {
	member, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return q.client.ZAdd(ctx, deadlineKey, redis.Z{
		Score:  float64(entry.Deadline.UnixMilli()),
		Member: string(member),
	}).Err()
}

func (q *RedisQueue) Cancel(ctx context.Context, roomID uuid.UUID) error {
	members, err := q.client.ZRange(ctx, deadlineKey, 0, -1).Result()
	if err != nil {
		return err
	}
	var remove []any
	for _, m := range members {
		var e Entry
		if json.Unmarshal([]byte(m), &e) == nil && e.RoomID == roomID {
			remove = append(remove, m)
		}
	}
	if len(remove) == 0 {
		return nil
	}
	return q.client.ZRem(ctx, deadlineKey, remove...).Err()
}

func (q *RedisQueue) PopExpired(ctx context.Context, now time.Time) ([]Entry, error) {
	raw, err := popScript.Run(ctx, q.client, []string{deadlineKey},
		now.UnixMilli()).StringSlice()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, m := range raw {
		var e Entry
		if json.Unmarshal([]byte(m), &e) == nil {
			out = append(out, e)
		}
	}
	return out, nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
