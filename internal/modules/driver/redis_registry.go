// README: Driver registry backed by Redis hashes and an idle-ordered sorted set.
package driver

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"rideflow/internal/types"
)

const (
	driverKeyPrefix = "dispatch:driver:%s"
	availableKey    = "dispatch:drivers:available"
	casRetries      = 5
)

type RedisRegistry struct {
	redis *redis.Client
}

func NewRedisRegistry(rdb *redis.Client) *RedisRegistry {
	return &RedisRegistry{redis: rdb}
}

func (r *RedisRegistry) ListAvailable(ctx context.Context) ([]Driver, error) {
	ids, err := r.redis.ZRange(ctx, availableKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Driver, 0, len(ids))
	for _, id := range ids {
		d, err := r.Get(ctx, types.ID(id))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		// The set can briefly lag the hash.
		if d.Status == StatusAvailable {
			out = append(out, d)
		}
	}
	SortByIdle(out)
	return out, nil
}

func (r *RedisRegistry) Get(ctx context.Context, id types.ID) (Driver, error) {
	return readDriver(ctx, r.redis, id)
}

func (r *RedisRegistry) Upsert(ctx context.Context, d Driver) error {
	if !d.Status.Valid() {
		return ErrInvalidStatus
	}
	_, err := r.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		writeDriver(ctx, p, d)
		return nil
	})
	return err
}

func (r *RedisRegistry) SetStatus(ctx context.Context, id types.ID, c Change) error {
	if !c.Status.Valid() {
		return ErrInvalidStatus
	}
	_, err := r.Modify(ctx, id, func(d *Driver) bool {
		d.apply(c)
		return true
	})
	return err
}

func (r *RedisRegistry) CompareAndSetStatus(ctx context.Context, id types.ID, from Status, c Change) (bool, error) {
	if !c.Status.Valid() {
		return false, ErrInvalidStatus
	}
	return r.Modify(ctx, id, func(d *Driver) bool {
		if d.Status != from {
			return false
		}
		d.apply(c)
		return true
	})
}

// Modify runs an optimistic WATCH/MULTI cycle on the driver hash.
func (r *RedisRegistry) Modify(ctx context.Context, id types.ID, fn func(d *Driver) bool) (bool, error) {
	key := driverKey(id)
	for i := 0; i < casRetries; i++ {
		applied := false
		err := r.redis.Watch(ctx, func(tx *redis.Tx) error {
			d, err := readDriver(ctx, tx, id)
			if err != nil {
				return err
			}
			if !fn(&d) {
				return nil
			}
			if !d.Status.Valid() {
				return ErrInvalidStatus
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				writeDriver(ctx, p, d)
				return nil
			})
			if err == nil {
				applied = true
			}
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return applied, err
	}
	return false, fmt.Errorf("driver %s: too many concurrent updates", id)
}

type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func readDriver(ctx context.Context, c hashReader, id types.ID) (Driver, error) {
	vals, err := c.HGetAll(ctx, driverKey(id)).Result()
	if err != nil {
		return Driver{}, err
	}
	if len(vals) == 0 {
		return Driver{}, ErrNotFound
	}
	d := Driver{ID: id, Status: Status(vals["status"])}
	d.IdleSince = parseNanos(vals["idle_since"])
	d.UpdatedAt = parseNanos(vals["updated_at"])
	if v := vals["active_bookings"]; v != "" {
		for _, b := range strings.Split(v, ",") {
			d.ActiveBookings = append(d.ActiveBookings, types.ID(b))
		}
	}
	return d, nil
}

func writeDriver(ctx context.Context, p redis.Pipeliner, d Driver) {
	active := make([]string, len(d.ActiveBookings))
	for i, b := range d.ActiveBookings {
		active[i] = string(b)
	}
	p.HSet(ctx, driverKey(d.ID),
		"status", string(d.Status),
		"idle_since", formatNanos(d.IdleSince),
		"updated_at", formatNanos(d.UpdatedAt),
		"active_bookings", strings.Join(active, ","),
	)
	if d.Status == StatusAvailable {
		p.ZAdd(ctx, availableKey, redis.Z{Score: float64(d.IdleSince.Unix()), Member: string(d.ID)})
	} else {
		p.ZRem(ctx, availableKey, string(d.ID))
	}
}

func driverKey(id types.ID) string {
	return fmt.Sprintf(driverKeyPrefix, string(id))
}

func formatNanos(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixNano(), 10)
}

func parseNanos(v string) time.Time {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
