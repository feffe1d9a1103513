// README: Driver service wraps the registry with claim/release rules.
package driver

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"rideflow/internal/clock"
	"rideflow/internal/types"
)

type Service struct {
	registry Registry
	clock    clock.Clock
	log      *zap.Logger
}

func NewService(registry Registry, clk clock.Clock, log *zap.Logger) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{registry: registry, clock: clk, log: log.Named("driver")}
}

func (s *Service) Get(ctx context.Context, id types.ID) (Driver, error) {
	return s.registry.Get(ctx, id)
}

func (s *Service) ListAvailable(ctx context.Context) ([]Driver, error) {
	return s.registry.ListAvailable(ctx)
}

// GoOnline registers the driver if unknown and marks an offline driver
// available. A busy driver stays busy.
func (s *Service) GoOnline(ctx context.Context, id types.ID) (Driver, error) {
	now := s.clock.Now()
	d, err := s.registry.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		d = Driver{ID: id, Status: StatusAvailable, IdleSince: now, UpdatedAt: now}
		if err := s.registry.Upsert(ctx, d); err != nil {
			return Driver{}, err
		}
		s.log.Info("driver registered", zap.String("driver_id", id.String()))
		return d, nil
	}
	if err != nil {
		return Driver{}, err
	}
	if d.Status == StatusOffline {
		if _, err := s.registry.CompareAndSetStatus(ctx, id, StatusOffline, Change{Status: StatusAvailable, At: now}); err != nil {
			return Driver{}, err
		}
	}
	return s.registry.Get(ctx, id)
}

// GoOffline refuses while the driver holds a booking.
func (s *Service) GoOffline(ctx context.Context, id types.ID) (Driver, error) {
	now := s.clock.Now()
	ok, err := s.registry.CompareAndSetStatus(ctx, id, StatusAvailable, Change{Status: StatusOffline, At: now})
	if err != nil {
		return Driver{}, err
	}
	d, err := s.registry.Get(ctx, id)
	if err != nil {
		return Driver{}, err
	}
	if !ok && d.Status == StatusBusy {
		return d, ErrDriverBusy
	}
	return d, nil
}

// Claim marks the driver busy for bookingID. Without allowMultiple the
// driver must be available; with it any driver that is not offline may
// take another job.
func (s *Service) Claim(ctx context.Context, id, bookingID types.ID, allowMultiple bool) (bool, error) {
	c := Change{Status: StatusBusy, BookingID: &bookingID, At: s.clock.Now()}
	return s.registry.Modify(ctx, id, func(d *Driver) bool {
		if d.Status != StatusAvailable && !(allowMultiple && d.Status == StatusBusy) {
			return false
		}
		d.apply(c)
		return true
	})
}

// Release gives up the driver's hold on bookingID and reports whether it
// did. The driver becomes available only when no other booking is held. It
// is a no-op when the driver no longer holds bookingID.
func (s *Service) Release(ctx context.Context, id, bookingID types.ID) (bool, error) {
	ok, err := s.registry.Modify(ctx, id, func(d *Driver) bool {
		if d.Status != StatusBusy {
			return false
		}
		if len(d.ActiveBookings) > 0 && !d.Holds(bookingID) {
			return false
		}
		d.drop(bookingID, s.clock.Now())
		return true
	})
	if err != nil {
		return false, err
	}
	if !ok {
		s.log.Debug("driver release skipped",
			zap.String("driver_id", id.String()),
			zap.String("booking_id", bookingID.String()),
		)
	}
	return ok, nil
}
