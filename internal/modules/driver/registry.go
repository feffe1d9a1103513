// README: Driver registry contract and the in-process implementation.
package driver

import (
	"context"
	"sort"
	"sync"

	"rideflow/internal/types"
)

// Registry is the one piece of state shared across bookings.
type Registry interface {
	// ListAvailable returns available drivers, longest idle first.
	ListAvailable(ctx context.Context) ([]Driver, error)
	Get(ctx context.Context, id types.ID) (Driver, error)
	Upsert(ctx context.Context, d Driver) error
	SetStatus(ctx context.Context, id types.ID, c Change) error
	// CompareAndSetStatus applies c only while the driver is in from.
	CompareAndSetStatus(ctx context.Context, id types.ID, from Status, c Change) (bool, error)
	// Modify runs fn on the current record atomically and writes the result
	// when fn returns true.
	Modify(ctx context.Context, id types.ID, fn func(d *Driver) bool) (bool, error)
}

// SortByIdle orders drivers by idle time, longest first, then by id.
func SortByIdle(ds []Driver) {
	sort.SliceStable(ds, func(i, j int) bool {
		if !ds[i].IdleSince.Equal(ds[j].IdleSince) {
			return ds[i].IdleSince.Before(ds[j].IdleSince)
		}
		return ds[i].ID < ds[j].ID
	})
}

type MemoryRegistry struct {
	mu      sync.Mutex
	drivers map[types.ID]Driver
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{drivers: make(map[types.ID]Driver)}
}

func (r *MemoryRegistry) ListAvailable(_ context.Context) ([]Driver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Driver
	for _, d := range r.drivers {
		if d.Status == StatusAvailable {
			out = append(out, clone(d))
		}
	}
	SortByIdle(out)
	return out, nil
}

func (r *MemoryRegistry) Get(_ context.Context, id types.ID) (Driver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drivers[id]
	if !ok {
		return Driver{}, ErrNotFound
	}
	return clone(d), nil
}

func (r *MemoryRegistry) Upsert(_ context.Context, d Driver) error {
	if !d.Status.Valid() {
		return ErrInvalidStatus
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[d.ID] = clone(d)
	return nil
}

func (r *MemoryRegistry) SetStatus(ctx context.Context, id types.ID, c Change) error {
	if !c.Status.Valid() {
		return ErrInvalidStatus
	}
	_, err := r.Modify(ctx, id, func(d *Driver) bool {
		d.apply(c)
		return true
	})
	return err
}

func (r *MemoryRegistry) CompareAndSetStatus(ctx context.Context, id types.ID, from Status, c Change) (bool, error) {
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

func (r *MemoryRegistry) Modify(_ context.Context, id types.ID, fn func(d *Driver) bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.drivers[id]
	if !ok {
		return false, ErrNotFound
	}
	d := clone(cur)
	if !fn(&d) {
		return false, nil
	}
	if !d.Status.Valid() {
		return false, ErrInvalidStatus
	}
	r.drivers[id] = d
	return true, nil
}

func clone(d Driver) Driver {
	if d.ActiveBookings != nil {
		d.ActiveBookings = append([]types.ID(nil), d.ActiveBookings...)
	}
	return d
}
