package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/penpost/backend/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	eventRetryKey = "settlement:events:retry"
	eventDeadKey  = "settlement:events:dead"
)

// NewRedis connects to Redis at url.
func NewRedis(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// claimScript leases due entries by moving their score past the lease end,
// so a worker that dies or fails to write back loses nothing.
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, m in ipairs(due) do
	redis.call('ZADD', KEYS[1], 'XX', ARGV[3], m)
end
return due
`)

// EventQueue holds undelivered settlement events in a Redis sorted set
// scored by the time they are next due. Claims are leases, so several
// workers can drain the same queue.
type EventQueue struct {
	rdb   *redis.Client
	lease time.Duration
}

// NewEventQueue creates a new EventQueue.
func NewEventQueue(rdb *redis.Client) *EventQueue {
	return &EventQueue{rdb: rdb, lease: 5 * time.Minute}
}

// Push schedules q for delivery at due, replacing the entry q was claimed
// from, if any.
func (r *EventQueue) Push(ctx context.Context, q domain.QueuedEvent, due time.Time) error {
	data, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("failed to encode queued event: %w", err)
	}
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if q.Receipt != "" {
			pipe.ZRem(ctx, eventRetryKey, q.Receipt)
		}
		pipe.ZAdd(ctx, eventRetryKey, redis.Z{Score: float64(due.UnixMilli()), Member: data})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to queue event %s: %w", q.Event.ID, err)
	}
	return nil
}

// Due claims up to limit events whose due time has passed.
func (r *EventQueue) Due(ctx context.Context, now time.Time, limit int) ([]domain.QueuedEvent, error) {
	members, err := claimScript.Run(ctx, r.rdb, []string{eventRetryKey},
		now.UnixMilli(), limit, now.Add(r.lease).UnixMilli()).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to claim queued events: %w", err)
	}

	out := make([]domain.QueuedEvent, 0, len(members))
	for _, m := range members {
		var q domain.QueuedEvent
		if err := json.Unmarshal([]byte(m), &q); err != nil {
			_, _ = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.LPush(ctx, eventDeadKey, m)
				pipe.ZRem(ctx, eventRetryKey, m)
				return nil
			})
			continue
		}
		q.Receipt = m
		out = append(out, q)
	}
	return out, nil
}

// Ack removes a delivered event.
func (r *EventQueue) Ack(ctx context.Context, q domain.QueuedEvent) error {
	if q.Receipt == "" {
		return nil
	}
	if err := r.rdb.ZRem(ctx, eventRetryKey, q.Receipt).Err(); err != nil {
		return fmt.Errorf("failed to ack event %s: %w", q.Event.ID, err)
	}
	return nil
}

// DeadLetter parks an event that exhausted its delivery attempts.
func (r *EventQueue) DeadLetter(ctx context.Context, q domain.QueuedEvent) error {
	data, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("failed to encode dead event: %w", err)
	}
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, eventDeadKey, data)
		if q.Receipt != "" {
			pipe.ZRem(ctx, eventRetryKey, q.Receipt)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to dead-letter event %s: %w", q.Event.ID, err)
	}
	return nil
}

// Depth reports the number of events waiting for redelivery and parked as dead.
func (r *EventQueue) Depth(ctx context.Context) (retry, dead int64, err error) {
	if retry, err = r.rdb.ZCard(ctx, eventRetryKey).Result(); err != nil {
		return 0, 0, err
	}
	if dead, err = r.rdb.LLen(ctx, eventDeadKey).Result(); err != nil {
		return 0, 0, err
	}
	return retry, dead, nil
}
