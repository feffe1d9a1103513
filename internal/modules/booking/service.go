// README: Booking service serializes writes per booking and records state events.
package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"rideflow/internal/clock"
	"rideflow/internal/types"
)

var (
	ErrBadRequest     = errors.New("bad request")
	ErrStatusMutation = errors.New("status may only change through a transition")
)

type Service struct {
	store Store
	clock clock.Clock
	locks *Locker
	log   *zap.Logger
}

func NewService(store Store, clk clock.Clock, log *zap.Logger) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: store, clock: clk, locks: NewLocker(), log: log.Named("booking")}
}

type CreateCommand struct {
	ID              types.ID
	PassengerID     types.ID
	PickupAt        time.Time
	TotalCost       types.Money
	AwaitingPayment bool
	// Guard runs with the passenger's active bookings while the passenger
	// key is held, so two concurrent creates cannot both pass a limit check.
	Guard func(active []*Booking) error
}

func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*Booking, error) {
	if cmd.PassengerID == "" || cmd.PickupAt.IsZero() || cmd.TotalCost.Amount < 0 {
		return nil, ErrBadRequest
	}
	unlock := s.locks.Lock("passenger:" + cmd.PassengerID.String())
	defer unlock()

	if cmd.Guard != nil {
		active, err := s.store.ListActiveForPassenger(ctx, cmd.PassengerID)
		if err != nil {
			return nil, fmt.Errorf("list active bookings: %w", err)
		}
		if err := cmd.Guard(active); err != nil {
			return nil, err
		}
	}

	id := cmd.ID
	if id == "" {
		id = types.NewID()
	}
	now := s.clock.Now()
	status := StatusPending
	if cmd.AwaitingPayment {
		status = StatusAwaitingPayment
	}
	b := &Booking{
		ID:            id,
		PassengerID:   cmd.PassengerID,
		Status:        status,
		PaymentStatus: PaymentPending,
		PickupAt:      cmd.PickupAt,
		CreatedAt:     now,
		UpdatedAt:     now,
		TotalCost:     cmd.TotalCost,
	}
	passenger := cmd.PassengerID
	if err := s.store.Create(ctx, b, &Event{
		BookingID:  id,
		FromStatus: StatusNone,
		ToStatus:   status,
		ActorType:  ActorPassenger,
		ActorID:    &passenger,
		CreatedAt:  now,
	}); err != nil {
		return nil, err
	}
	s.log.Info("booking created", zap.String("booking_id", id.String()), zap.String("status", string(status)))
	return b.Clone(), nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Booking, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) History(ctx context.Context, id types.ID) ([]Event, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, id)
}

func (s *Service) ListActiveForPassenger(ctx context.Context, passengerID types.ID) ([]*Booking, error) {
	return s.store.ListActiveForPassenger(ctx, passengerID)
}

func (s *Service) ListByStatus(ctx context.Context, status Status) ([]*Booking, error) {
	return s.store.ListByStatus(ctx, status)
}

func (s *Service) CountCancelledSince(ctx context.Context, passengerID types.ID, since time.Time) (int, error) {
	return s.store.CountCancelledSince(ctx, passengerID, since)
}

// TransitionCommand moves one booking to To. Apply runs under the booking
// lock after the edge is validated and before the write; an error from it
// aborts the transition. Undo runs when the write fails after Apply succeeded.
type TransitionCommand struct {
	BookingID types.ID
	To        Status
	Actor     Actor
	Reason    string
	Apply     func(b *Booking) error
	Undo      func()
}

// TransitionResult reports the committed record. Changed is false for the
// idempotent same-status request.
type TransitionResult struct {
	Booking *Booking
	From    Status
	Changed bool
}

func (s *Service) Transition(ctx context.Context, cmd TransitionCommand) (TransitionResult, error) {
	unlock := s.locks.Lock(cmd.BookingID.String())
	defer unlock()

	cur, err := s.store.Get(ctx, cmd.BookingID)
	if err != nil {
		return TransitionResult{}, err
	}
	next, err := RequestTransition(cur, cmd.To)
	if err != nil {
		return TransitionResult{Booking: cur, From: cur.Status}, err
	}
	if cur.Status == cmd.To {
		return TransitionResult{Booking: next, From: cur.Status}, nil
	}

	if cmd.Apply != nil {
		if err := cmd.Apply(next); err != nil {
			return TransitionResult{Booking: cur, From: cur.Status}, err
		}
		// Apply may only decorate the record.
		next.Status = cmd.To
	}
	if !next.Status.HoldsDriver() {
		next.AssignedDriverID = nil
	}
	if next.Status.HoldsDriver() && next.AssignedDriverID == nil {
		if cmd.Undo != nil {
			cmd.Undo()
		}
		return TransitionResult{Booking: cur, From: cur.Status}, fmt.Errorf("%w: %s requires an assigned driver", ErrBadRequest, next.Status)
	}

	now := s.clock.Now()
	next.UpdatedAt = now
	next.Version = cur.Version + 1
	event := &Event{
		BookingID:  cur.ID,
		FromStatus: cur.Status,
		ToStatus:   next.Status,
		ActorType:  cmd.Actor.Type,
		ActorID:    cloneID(cmd.Actor.ID),
		Reason:     cmd.Reason,
		CreatedAt:  now,
	}
	if err := s.store.Save(ctx, next, cur.Version, event); err != nil {
		if cmd.Undo != nil {
			cmd.Undo()
		}
		return TransitionResult{Booking: cur, From: cur.Status}, err
	}
	s.log.Info("booking transitioned",
		zap.String("booking_id", cur.ID.String()),
		zap.String("from", string(cur.Status)),
		zap.String("status", string(next.Status)),
		zap.String("actor", cmd.Actor.Type),
		zap.String("reason", cmd.Reason),
	)
	return TransitionResult{Booking: next.Clone(), From: cur.Status, Changed: true}, nil
}

// Update changes non-status fields under the booking lock. mutate must not
// touch Status or the assigned driver.
func (s *Service) Update(ctx context.Context, id types.ID, mutate func(b *Booking) error) (*Booking, error) {
	unlock := s.locks.Lock(id.String())
	defer unlock()

	cur, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	next := cur.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	if next.Status != cur.Status || !sameID(next.AssignedDriverID, cur.AssignedDriverID) {
		return nil, ErrStatusMutation
	}
	next.UpdatedAt = s.clock.Now()
	next.Version = cur.Version + 1
	if err := s.store.Save(ctx, next, cur.Version, nil); err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

func sameID(a, b *types.ID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
