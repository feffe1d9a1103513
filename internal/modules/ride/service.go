// README: Ride service runs passenger, driver and admin commands against a booking.
package ride

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"rideflow/internal/clock"
	"rideflow/internal/modules/booking"
	"rideflow/internal/modules/dispatch"
	"rideflow/internal/modules/driver"
	"rideflow/internal/modules/fee"
	"rideflow/internal/modules/notify"
	"rideflow/internal/modules/policy"
	"rideflow/internal/types"
)

type Service struct {
	bookings  *booking.Service
	drivers   *driver.Service
	policies  dispatch.PolicySource
	scheduler *dispatch.Scheduler
	notifier  notify.Emitter
	clock     clock.Clock
	log       *zap.Logger
}

func NewService(
	bookings *booking.Service,
	drivers *driver.Service,
	policies dispatch.PolicySource,
	scheduler *dispatch.Scheduler,
	notifier notify.Emitter,
	clk clock.Clock,
	log *zap.Logger,
) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		bookings:  bookings,
		drivers:   drivers,
		policies:  policies,
		scheduler: scheduler,
		notifier:  notifier,
		clock:     clk,
		log:       log.Named("ride"),
	}
}

func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*booking.Booking, error) {
	p, err := s.policies.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	cost := cmd.TotalCost
	if cost.Currency == "" {
		cost.Currency = p.Currency
	}
	b, err := s.bookings.Create(ctx, booking.CreateCommand{
		PassengerID:     cmd.PassengerID,
		PickupAt:        cmd.PickupAt,
		TotalCost:       cost,
		AwaitingPayment: cmd.AwaitingPayment,
		Guard: func(active []*booking.Booking) error {
			return fee.CheckActiveBookings(len(active), p)
		},
	})
	if err != nil {
		return nil, err
	}
	s.emit(notify.KindBookingCreated, b, passengerActor(b.PassengerID), nil, b.PassengerID)
	return b, nil
}

// MarkPaid records payment. A booking waiting for payment moves to pending.
func (s *Service) MarkPaid(ctx context.Context, bookingID types.ID) (*booking.Booking, error) {
	b, err := s.bookings.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.Status == booking.StatusAwaitingPayment {
		res, err := s.bookings.Transition(ctx, booking.TransitionCommand{
			BookingID: bookingID,
			To:        booking.StatusPending,
			Actor:     booking.SystemActor(),
			Reason:    "payment_received",
			Apply: func(b *booking.Booking) error {
				b.PaymentStatus = booking.PaymentPaid
				return nil
			},
		})
		if err != nil {
			return nil, err
		}
		return res.Booking, nil
	}
	return s.bookings.Update(ctx, bookingID, func(b *booking.Booking) error {
		if b.Status.IsTerminal() || b.PaymentStatus == booking.PaymentRefunded {
			return fmt.Errorf("%w: %s", ErrPaymentSettled, b.Status)
		}
		b.PaymentStatus = booking.PaymentPaid
		return nil
	})
}

// Confirm moves a pending booking to confirmed and starts the driver search.
// Confirming twice restarts nothing.
func (s *Service) Confirm(ctx context.Context, bookingID types.ID, actor booking.Actor) (*booking.Booking, error) {
	res, err := s.bookings.Transition(ctx, booking.TransitionCommand{
		BookingID: bookingID,
		To:        booking.StatusConfirmed,
		Actor:     actor,
		Apply: func(b *booking.Booking) error {
			return checkPassenger(b, actor)
		},
	})
	if err != nil {
		return nil, err
	}
	if res.Changed {
		s.emit(notify.KindBookingConfirmed, res.Booking, actor, nil, res.Booking.PassengerID)
	}
	if err := s.scheduler.Begin(ctx, bookingID); err != nil {
		return res.Booking, fmt.Errorf("begin dispatch: %w", err)
	}
	return s.bookings.Get(ctx, bookingID)
}

func (s *Service) RespondToOffer(ctx context.Context, resp dispatch.Response) error {
	return s.scheduler.Respond(ctx, resp)
}

func (s *Service) DepartForPickup(ctx context.Context, bookingID, driverID types.ID) (*booking.Booking, error) {
	res, err := s.bookings.Transition(ctx, booking.TransitionCommand{
		BookingID: bookingID,
		To:        booking.StatusDriverEnRoute,
		Actor:     driverActor(driverID),
		Apply: func(b *booking.Booking) error {
			return checkDriver(b, driverID)
		},
	})
	if err != nil {
		return nil, err
	}
	if res.Changed {
		s.emit(notify.KindDriverEnRoute, res.Booking, driverActor(driverID), nil, res.Booking.PassengerID)
	}
	return res.Booking, nil
}

// MarkArrived stamps the arrival time. The status does not change; the
// no-show wait starts here.
func (s *Service) MarkArrived(ctx context.Context, bookingID, driverID types.ID) (*booking.Booking, error) {
	now := s.clock.Now()
	b, err := s.bookings.Update(ctx, bookingID, func(b *booking.Booking) error {
		if err := checkDriver(b, driverID); err != nil {
			return err
		}
		if b.Status != booking.StatusDriverEnRoute {
			return &booking.InvalidTransitionError{From: b.Status, To: booking.StatusDriverEnRoute}
		}
		if b.ArrivedAt != nil {
			return ErrAlreadyArrived
		}
		b.ArrivedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.emit(notify.KindDriverArrived, b, driverActor(driverID), nil, b.PassengerID)
	return b, nil
}

func (s *Service) StartTrip(ctx context.Context, bookingID, driverID types.ID) (*booking.Booking, error) {
	now := s.clock.Now()
	res, err := s.bookings.Transition(ctx, booking.TransitionCommand{
		BookingID: bookingID,
		To:        booking.StatusInProgress,
		Actor:     driverActor(driverID),
		Apply: func(b *booking.Booking) error {
			if err := checkDriver(b, driverID); err != nil {
				return err
			}
			b.StartedAt = &now
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	if res.Changed {
		s.emit(notify.KindTripStarted, res.Booking, driverActor(driverID), nil, res.Booking.PassengerID)
	}
	return res.Booking, nil
}

// Complete finishes the trip and frees the driver.
func (s *Service) Complete(ctx context.Context, bookingID, driverID types.ID) (*booking.Booking, error) {
	now := s.clock.Now()
	h := s.handoff(ctx)
	res, err := s.bookings.Transition(ctx, booking.TransitionCommand{
		BookingID: bookingID,
		To:        booking.StatusCompleted,
		Actor:     driverActor(driverID),
		Apply: func(b *booking.Booking) error {
			if err := checkDriver(b, driverID); err != nil {
				return err
			}
			b.CompletedAt = &now
			return h.release(driverID, b.ID)
		},
		Undo: h.undo,
	})
	if err != nil {
		return nil, err
	}
	if res.Changed {
		s.emit(notify.KindTripCompleted, res.Booking, driverActor(driverID), nil, res.Booking.PassengerID, driverID)
	}
	return res.Booking, nil
}

// Cancel ends a booking before completion. Passenger cancellations count
// toward the daily limit and may carry a fee; driver and system
// cancellations never charge the passenger.
func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) (*booking.Booking, error) {
	p, err := s.policies.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	now := s.clock.Now()

	if cmd.Actor.Type == booking.ActorPassenger {
		cur, err := s.bookings.Get(ctx, cmd.BookingID)
		if err != nil {
			return nil, err
		}
		if err := checkPassenger(cur, cmd.Actor); err != nil {
			return nil, err
		}
		if cur.Status == booking.StatusCancelled {
			return cur, nil
		}
		count, err := s.bookings.CountCancelledSince(ctx, cur.PassengerID, fee.DayStart(now))
		if err != nil {
			return nil, fmt.Errorf("count cancellations: %w", err)
		}
		if err := fee.CheckCancellations(count, p); err != nil {
			return nil, err
		}
	}

	var released *types.ID
	h := s.handoff(ctx)
	res, err := s.bookings.Transition(ctx, booking.TransitionCommand{
		BookingID: cmd.BookingID,
		To:        booking.StatusCancelled,
		Actor:     cmd.Actor,
		Reason:    cmd.Reason,
		Apply: func(b *booking.Booking) error {
			switch cmd.Actor.Type {
			case booking.ActorPassenger:
				if err := checkPassenger(b, cmd.Actor); err != nil {
					return err
				}
			case booking.ActorDriver:
				if cmd.Actor.ID == nil {
					return ErrForbidden
				}
				if err := checkDriver(b, *cmd.Actor.ID); err != nil {
					return err
				}
			}
			released = b.AssignedDriverID
			b.Cancellation = cancellationFor(b, cmd.Actor, now, p)
			if released != nil {
				return h.release(*released, b.ID)
			}
			return nil
		},
		Undo: h.undo,
	})
	if err != nil {
		return nil, err
	}
	if !res.Changed {
		return res.Booking, nil
	}
	s.scheduler.Interrupt(cmd.BookingID)
	recipients := []types.ID{res.Booking.PassengerID}
	if released != nil {
		recipients = append(recipients, *released)
	}
	c := res.Booking.Cancellation
	s.emit(notify.KindCancelled, res.Booking, cmd.Actor, map[string]string{
		"reason": c.Reason,
		"fee":    fmt.Sprintf("%d", c.FeeCharged.Amount),
	}, recipients...)
	return res.Booking, nil
}

func cancellationFor(b *booking.Booking, actor booking.Actor, now time.Time, p policy.Policy) *booking.Cancellation {
	zero := types.NewMoney(0, p.Currency)
	c := &booking.Cancellation{
		At:           now,
		Actor:        actor.Type,
		DriverID:     b.AssignedDriverID,
		FeeCharged:   zero,
		DriverPayout: zero,
		FeeWaived:    true,
	}
	switch actor.Type {
	case booking.ActorPassenger:
		q := fee.CancellationFee(b, now, p)
		c.Reason = booking.ReasonPassengerCancelled
		c.FeeCharged = q.Fee
		c.DriverPayout = q.DriverPayout
		c.FeeWaived = q.Waived
		if q.Waived {
			c.WaivedReasonCode = string(q.Reason)
		}
	case booking.ActorDriver:
		c.Reason = booking.ReasonDriverCancelled
		c.WaivedReasonCode = booking.ReasonDriverCancelled
	default:
		c.Reason = booking.ReasonAdminOverride
		c.WaivedReasonCode = booking.ReasonAdminOverride
	}
	return c
}

// ReportNoShow is filed by the assigned driver after waiting at pickup. The
// booking ends as a cancellation carrying the no-show fee.
func (s *Service) ReportNoShow(ctx context.Context, cmd NoShowCommand) (*booking.Booking, error) {
	p, err := s.policies.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	now := s.clock.Now()
	actor := driverActor(cmd.DriverID)
	h := s.handoff(ctx)
	res, err := s.bookings.Transition(ctx, booking.TransitionCommand{
		BookingID: cmd.BookingID,
		To:        booking.StatusCancelled,
		Actor:     actor,
		Reason:    booking.ReasonPassengerNoShow,
		Apply: func(b *booking.Booking) error {
			if err := checkDriver(b, cmd.DriverID); err != nil {
				return err
			}
			if b.Status == booking.StatusInProgress {
				return fmt.Errorf("%w: trip already started", fee.ErrNoShowNotEligible)
			}
			q, err := fee.NoShowFee(b, fee.WaitedSinceArrival(b, now), p)
			if err != nil {
				return err
			}
			driverID := cmd.DriverID
			b.Cancellation = &booking.Cancellation{
				Reason:       booking.ReasonPassengerNoShow,
				At:           now,
				Actor:        booking.ActorDriver,
				DriverID:     &driverID,
				FeeCharged:   q.Fee,
				DriverPayout: q.DriverPayout,
				FeeWaived:    q.Waived,
			}
			if q.Waived {
				b.Cancellation.WaivedReasonCode = string(q.Reason)
			}
			return h.release(cmd.DriverID, b.ID)
		},
		Undo: h.undo,
	})
	if err != nil {
		return nil, err
	}
	if res.Changed {
		s.emit(notify.KindNoShow, res.Booking, actor, map[string]string{
			"fee": fmt.Sprintf("%d", res.Booking.Cancellation.FeeCharged.Amount),
		}, res.Booking.PassengerID, cmd.DriverID)
	}
	return res.Booking, nil
}

func (s *Service) Refund(ctx context.Context, bookingID types.ID, actor booking.Actor) (*booking.Booking, error) {
	res, err := s.bookings.Transition(ctx, booking.TransitionCommand{
		BookingID: bookingID,
		To:        booking.StatusRefunded,
		Actor:     actor,
		Apply: func(b *booking.Booking) error {
			b.PaymentStatus = booking.PaymentRefunded
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	if res.Changed {
		s.emit(notify.KindRefunded, res.Booking, actor, nil, res.Booking.PassengerID)
	}
	return res.Booking, nil
}

// OpenDispute flags the booking for manual review. Fees are not touched.
func (s *Service) OpenDispute(ctx context.Context, cmd DisputeCommand) (*booking.Booking, error) {
	p, err := s.policies.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	now := s.clock.Now()
	actor := passengerActor(cmd.PassengerID)
	b, err := s.bookings.Update(ctx, cmd.BookingID, func(b *booking.Booking) error {
		if err := checkPassenger(b, actor); err != nil {
			return err
		}
		if err := fee.CheckDispute(b, now, p); err != nil {
			return err
		}
		b.Dispute = &booking.Dispute{OpenedAt: now, OpenedBy: cmd.PassengerID, Reason: cmd.Reason}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("dispute opened", zap.String("booking_id", b.ID.String()), zap.String("reason", cmd.Reason))
	s.emit(notify.KindDisputeOpened, b, actor, nil, b.PassengerID)
	return b, nil
}

// AdminOverride forces a transition. The status graph still applies; only
// the ownership checks are skipped.
func (s *Service) AdminOverride(ctx context.Context, cmd OverrideCommand) (*booking.Booking, error) {
	if !cmd.To.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", booking.ErrBadRequest, cmd.To)
	}
	p, err := s.policies.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	now := s.clock.Now()
	adminID := cmd.AdminID
	actor := booking.Actor{Type: booking.ActorAdmin, ID: &adminID}

	var previous *types.ID
	claimed := false
	h := s.handoff(ctx)
	res, err := s.bookings.Transition(ctx, booking.TransitionCommand{
		BookingID: cmd.BookingID,
		To:        cmd.To,
		Actor:     actor,
		Reason:    cmd.Reason,
		Apply: func(b *booking.Booking) error {
			previous = b.AssignedDriverID
			if cmd.To.HoldsDriver() && b.AssignedDriverID == nil {
				if cmd.DriverID == nil {
					return fmt.Errorf("%w: %s needs a driver", booking.ErrBadRequest, cmd.To)
				}
				ok, err := s.drivers.Claim(ctx, *cmd.DriverID, b.ID, p.AllowMultipleJobs)
				if err != nil {
					return err
				}
				if !ok {
					return dispatch.ErrDriverUnavailable
				}
				claimed = true
				driverID := *cmd.DriverID
				b.AssignedDriverID = &driverID
				b.AssignedAt = &now
			}
			switch cmd.To {
			case booking.StatusCancelled:
				b.Cancellation = cancellationFor(b, actor, now, p)
			case booking.StatusInProgress:
				if b.StartedAt == nil {
					b.StartedAt = &now
				}
			case booking.StatusCompleted:
				b.CompletedAt = &now
			case booking.StatusRefunded:
				b.PaymentStatus = booking.PaymentRefunded
			case booking.StatusPending:
				b.PaymentStatus = booking.PaymentPaid
			}
			if previous != nil && !cmd.To.HoldsDriver() {
				return h.release(*previous, b.ID)
			}
			return nil
		},
		Undo: func() {
			h.undo()
			if claimed {
				if _, err := s.drivers.Release(ctx, *cmd.DriverID, cmd.BookingID); err != nil {
					s.log.Error("driver release after failed override",
						zap.String("driver_id", cmd.DriverID.String()),
						zap.Error(err),
					)
				}
			}
		},
	})
	if err != nil {
		return nil, err
	}
	if !res.Changed {
		return res.Booking, nil
	}
	s.log.Warn("admin override",
		zap.String("booking_id", cmd.BookingID.String()),
		zap.String("from", string(res.From)),
		zap.String("status", string(cmd.To)),
		zap.String("admin_id", adminID.String()),
		zap.String("reason", cmd.Reason),
	)

	if cmd.To != booking.StatusConfirmed {
		s.scheduler.Interrupt(cmd.BookingID)
	}
	recipients := []types.ID{res.Booking.PassengerID}
	if previous != nil {
		recipients = append(recipients, *previous)
	} else if res.Booking.AssignedDriverID != nil {
		recipients = append(recipients, *res.Booking.AssignedDriverID)
	}
	if kind, ok := overrideKinds[cmd.To]; ok {
		s.emit(kind, res.Booking, actor, map[string]string{"override": "true"}, recipients...)
	}
	if cmd.To == booking.StatusConfirmed {
		if err := s.scheduler.Begin(ctx, cmd.BookingID); err != nil {
			return res.Booking, fmt.Errorf("begin dispatch: %w", err)
		}
	}
	return res.Booking, nil
}

var overrideKinds = map[booking.Status]notify.Kind{
	booking.StatusPending:        notify.KindBookingCreated,
	booking.StatusConfirmed:      notify.KindBookingConfirmed,
	booking.StatusDriverAssigned: notify.KindDriverAssigned,
	booking.StatusDriverEnRoute:  notify.KindDriverEnRoute,
	booking.StatusInProgress:     notify.KindTripStarted,
	booking.StatusCompleted:      notify.KindTripCompleted,
	booking.StatusCancelled:      notify.KindCancelled,
	booking.StatusRefunded:       notify.KindRefunded,
}

func (s *Service) Get(ctx context.Context, bookingID types.ID) (*booking.Booking, error) {
	return s.bookings.Get(ctx, bookingID)
}

func (s *Service) History(ctx context.Context, bookingID types.ID) ([]booking.Event, error) {
	return s.bookings.History(ctx, bookingID)
}

func (s *Service) Attempts(ctx context.Context, bookingID types.ID) ([]dispatch.Attempt, error) {
	return s.scheduler.Attempts(ctx, bookingID)
}

// Offer returns the offer currently waiting on driverID.
func (s *Service) Offer(driverID types.ID) (dispatch.Attempt, bool) {
	return s.scheduler.OutstandingForDriver(driverID)
}

// handoff frees a driver from inside a transition. If the booking write
// then fails, undo claims the driver back for the same booking.
type handoff struct {
	s         *Service
	ctx       context.Context
	driverID  types.ID
	bookingID types.ID
	released  bool
}

func (s *Service) handoff(ctx context.Context) *handoff {
	return &handoff{s: s, ctx: ctx}
}

// release must be the last step of an Apply: an Apply error skips undo.
func (h *handoff) release(driverID, bookingID types.ID) error {
	ok, err := h.s.drivers.Release(h.ctx, driverID, bookingID)
	if err != nil {
		return fmt.Errorf("release driver %s: %w", driverID, err)
	}
	h.driverID, h.bookingID, h.released = driverID, bookingID, ok
	return nil
}

func (h *handoff) undo() {
	if !h.released {
		return
	}
	h.released = false
	ok, err := h.s.drivers.Claim(h.ctx, h.driverID, h.bookingID, true)
	if err != nil || !ok {
		h.s.log.Error("driver re-claim after failed transition",
			zap.String("driver_id", h.driverID.String()),
			zap.String("booking_id", h.bookingID.String()),
			zap.Bool("claimed", ok),
			zap.Error(err),
		)
	}
}

func (s *Service) emit(kind notify.Kind, b *booking.Booking, actor booking.Actor, data map[string]string, to ...types.ID) {
	if s.notifier == nil || len(to) == 0 {
		return
	}
	s.notifier.Emit(notify.Event{Kind: kind, Booking: b, Actor: actor, Recipients: to, Data: data})
}

func checkPassenger(b *booking.Booking, actor booking.Actor) error {
	if actor.Type != booking.ActorPassenger {
		return nil
	}
	if actor.ID == nil || *actor.ID != b.PassengerID {
		return ErrForbidden
	}
	return nil
}

func checkDriver(b *booking.Booking, driverID types.ID) error {
	if b.AssignedDriverID == nil || *b.AssignedDriverID != driverID {
		return ErrForbidden
	}
	return nil
}

func passengerActor(id types.ID) booking.Actor {
	return booking.Actor{Type: booking.ActorPassenger, ID: &id}
}

func driverActor(id types.ID) booking.Actor {
	return booking.Actor{Type: booking.ActorDriver, ID: &id}
}

// IsStale reports errors that mean another writer already decided the
// outcome. Callers treat them as handled.
func IsStale(err error) bool {
	return errors.Is(err, booking.ErrStaleWrite) ||
		errors.Is(err, booking.ErrInvalidTransition) ||
		errors.Is(err, dispatch.ErrStaleAttempt) ||
		errors.Is(err, dispatch.ErrOfferExpired)
}
