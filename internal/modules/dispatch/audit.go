// README: Attempt audit log, kept outside the booking record.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"rideflow/internal/types"
)

// AuditLog keeps every state an attempt went through. List returns the
// latest state of each attempt in offer order.
type AuditLog interface {
	Record(ctx context.Context, a Attempt) error
	List(ctx context.Context, bookingID types.ID) ([]Attempt, error)
}

type MemoryAuditLog struct {
	mu      sync.Mutex
	entries map[types.ID][]Attempt
}

func NewMemoryAuditLog() *MemoryAuditLog {
	return &MemoryAuditLog{entries: make(map[types.ID][]Attempt)}
}

func (l *MemoryAuditLog) Record(_ context.Context, a Attempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[a.BookingID] = append(l.entries[a.BookingID], a)
	return nil
}

func (l *MemoryAuditLog) List(_ context.Context, bookingID types.ID) ([]Attempt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return latest(l.entries[bookingID]), nil
}

const (
	attemptKeyPrefix = "dispatch:booking:%s:attempts"
	// Attempts only matter while a booking can still be disputed.
	attemptTTL = 30 * 24 * time.Hour
)

type RedisAuditLog struct {
	redis *redis.Client
}

func NewRedisAuditLog(rdb *redis.Client) *RedisAuditLog {
	return &RedisAuditLog{redis: rdb}
}

func (l *RedisAuditLog) Record(ctx context.Context, a Attempt) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return err
	}
	key := attemptKey(a.BookingID)
	pipe := l.redis.TxPipeline()
	pipe.RPush(ctx, key, payload)
	pipe.Expire(ctx, key, attemptTTL)
	_, err = pipe.Exec(ctx)
	return err
}

func (l *RedisAuditLog) List(ctx context.Context, bookingID types.ID) ([]Attempt, error) {
	raw, err := l.redis.LRange(ctx, attemptKey(bookingID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	all := make([]Attempt, 0, len(raw))
	for _, r := range raw {
		var a Attempt
		if err := json.Unmarshal([]byte(r), &a); err != nil {
			return nil, fmt.Errorf("decode attempt: %w", err)
		}
		all = append(all, a)
	}
	return latest(all), nil
}

func latest(entries []Attempt) []Attempt {
	idx := make(map[types.ID]int, len(entries))
	var out []Attempt
	for _, a := range entries {
		if i, ok := idx[a.ID]; ok {
			out[i] = a
			continue
		}
		idx[a.ID] = len(out)
		out = append(out, a)
	}
	return out
}

func attemptKey(bookingID types.ID) string {
	return fmt.Sprintf(attemptKeyPrefix, string(bookingID))
}
