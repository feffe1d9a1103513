// README: Dispatch scheduler offers a confirmed booking to one driver at a time.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"rideflow/internal/clock"
	"rideflow/internal/modules/booking"
	"rideflow/internal/modules/driver"
	"rideflow/internal/modules/notify"
	"rideflow/internal/modules/policy"
	"rideflow/internal/types"
)

// PolicySource returns the snapshot a search runs under.
type PolicySource interface {
	Current(ctx context.Context) (policy.Policy, error)
}

// Drivers is the slice of driver.Service the scheduler needs.
type Drivers interface {
	ListAvailable(ctx context.Context) ([]driver.Driver, error)
	Claim(ctx context.Context, id, bookingID types.ID, allowMultiple bool) (bool, error)
	Release(ctx context.Context, id, bookingID types.ID) (bool, error)
}

// run is the per-booking search. Its mutex is always taken before the
// booking lock.
type run struct {
	mu          sync.Mutex
	bookingID   types.ID
	passengerID types.ID
	policy      policy.Policy
	rejected    map[types.ID]bool
	current     *Attempt
	timer       clock.Timer
	done        bool
	// failed holds why the search ended without a driver.
	failed string
}

type Scheduler struct {
	bookings *booking.Service
	drivers  Drivers
	policies PolicySource
	notifier notify.Emitter
	audit    AuditLog
	clock    clock.Clock
	log      *zap.Logger
	ctx      context.Context

	mu   sync.Mutex
	runs map[types.ID]*run
}

func NewScheduler(
	bookings *booking.Service,
	drivers Drivers,
	policies PolicySource,
	notifier notify.Emitter,
	audit AuditLog,
	clk clock.Clock,
	log *zap.Logger,
) *Scheduler {
	if clk == nil {
		clk = clock.Real{}
	}
	if audit == nil {
		audit = NewMemoryAuditLog()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		bookings: bookings,
		drivers:  drivers,
		policies: policies,
		notifier: notifier,
		audit:    audit,
		clock:    clk,
		log:      log.Named("dispatch"),
		ctx:      context.Background(),
		runs:     make(map[types.ID]*run),
	}
}

// Begin starts searching for a driver. Calling it while a search is running
// is a no-op. An invalid policy refuses the start and leaves the booking
// untouched. ErrNoDriverFound means the search ended at once and the
// booking was cancelled.
func (s *Scheduler) Begin(ctx context.Context, bookingID types.ID) error {
	s.mu.Lock()
	if _, ok := s.runs[bookingID]; ok {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	p, err := s.policies.Current(ctx)
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return err
	}

	b, err := s.bookings.Get(ctx, bookingID)
	if err != nil {
		return err
	}
	if b.Status != booking.StatusConfirmed {
		return fmt.Errorf("%w: %s", ErrNotConfirmed, b.Status)
	}
	rejected := make(map[types.ID]bool)
	if b.SearchStartedAt == nil {
		now := s.clock.Now()
		if _, err := s.bookings.Update(ctx, bookingID, func(b *booking.Booking) error {
			if b.SearchStartedAt == nil {
				b.SearchStartedAt = &now
			}
			return nil
		}); err != nil {
			return fmt.Errorf("mark search start: %w", err)
		}
	} else {
		// A resumed search keeps skipping drivers who already passed on it.
		if rejected, err = s.passedOn(ctx, bookingID, *b.SearchStartedAt); err != nil {
			return fmt.Errorf("load attempt history: %w", err)
		}
	}

	r := &run{
		bookingID:   bookingID,
		passengerID: b.PassengerID,
		policy:      p,
		rejected:    rejected,
	}
	s.mu.Lock()
	if _, ok := s.runs[bookingID]; ok {
		s.mu.Unlock()
		return nil
	}
	s.runs[bookingID] = r
	s.mu.Unlock()

	s.log.Info("dispatch started",
		zap.String("booking_id", bookingID.String()),
		zap.Int("policy_version", p.Version),
	)
	r.mu.Lock()
	defer r.mu.Unlock()
	s.offerNext(r)
	if r.failed != "" {
		return fmt.Errorf("%w: %s", ErrNoDriverFound, r.failed)
	}
	return nil
}

func (s *Scheduler) passedOn(ctx context.Context, bookingID types.ID, since time.Time) (map[types.ID]bool, error) {
	attempts, err := s.audit.List(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	out := make(map[types.ID]bool)
	for _, a := range attempts {
		if a.OfferedAt.Before(since) {
			continue
		}
		if a.Outcome == OutcomeRejected || a.Outcome == OutcomeExpired {
			out[a.DriverID] = true
		}
	}
	return out, nil
}

// offerNext runs with r.mu held.
func (s *Scheduler) offerNext(r *run) {
	if r.done {
		return
	}
	ctx := s.ctx
	b, err := s.bookings.Get(ctx, r.bookingID)
	if err != nil {
		s.log.Error("dispatch read booking failed", zap.String("booking_id", r.bookingID.String()), zap.Error(err))
		s.end(r)
		return
	}
	if b.Status != booking.StatusConfirmed {
		s.end(r)
		return
	}

	p := r.policy
	now := s.clock.Now()
	searchStart := now
	if b.SearchStartedAt != nil {
		searchStart = *b.SearchStartedAt
	}
	searchDeadline := searchStart.Add(p.TotalSearchTimeout)
	switch {
	case b.RematchCount >= p.MaxRematchAttempts:
		s.fail(r, failRematchLimit)
		return
	case !now.Before(searchDeadline):
		s.fail(r, failSearchTimeout)
		return
	}

	candidate, err := s.pickCandidate(ctx, r)
	if err != nil {
		s.log.Warn("dispatch list drivers failed, retrying",
			zap.String("booking_id", r.bookingID.String()),
			zap.Error(err),
		)
		s.retryLater(r, now, searchDeadline)
		return
	}
	if candidate == "" {
		s.fail(r, failNoCandidates)
		return
	}

	deadline := now.Add(p.DriverResponseTimeout)
	if deadline.After(searchDeadline) {
		deadline = searchDeadline
	}
	a := Attempt{
		ID:        types.NewID(),
		BookingID: r.bookingID,
		DriverID:  candidate,
		OfferedAt: now,
		Deadline:  deadline,
		Outcome:   OutcomePending,
	}
	r.current = &a
	s.record(a)

	s.emit(notify.Event{
		Kind:       notify.KindOffer,
		Booking:    b,
		Actor:      booking.SystemActor(),
		Recipients: []types.ID{candidate},
		Data: map[string]string{
			"attempt_id": a.ID.String(),
			"deadline":   deadline.UTC().Format(time.RFC3339),
			"expires_in": strconv.Itoa(int(deadline.Sub(now).Seconds())),
		},
	})
	attemptID := a.ID
	r.timer = s.clock.AfterFunc(deadline.Sub(now), func() { s.onDeadline(r, attemptID) })

	s.log.Info("offer sent",
		zap.String("booking_id", r.bookingID.String()),
		zap.String("driver_id", candidate.String()),
		zap.String("attempt_id", a.ID.String()),
		zap.Time("deadline", deadline),
		zap.Int("rematch_count", b.RematchCount),
	)
}

// retryLater re-arms the search after a registry failure. The total search
// deadline still applies.
func (s *Scheduler) retryLater(r *run, now, searchDeadline time.Time) {
	delay := r.policy.DelayBetweenMatches
	if delay <= 0 {
		delay = registryRetryDelay
	}
	if until := searchDeadline.Sub(now); delay > until {
		delay = until
	}
	r.timer = s.clock.AfterFunc(delay, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.current != nil {
			return
		}
		s.offerNext(r)
	})
}

func (s *Scheduler) pickCandidate(ctx context.Context, r *run) (types.ID, error) {
	available, err := s.drivers.ListAvailable(ctx)
	if err != nil {
		return "", err
	}
	driver.SortByIdle(available)
	for _, d := range available {
		if !r.rejected[d.ID] {
			return d.ID, nil
		}
	}
	return "", nil
}

func (s *Scheduler) onDeadline(r *run, attemptID types.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done || r.current == nil || r.current.ID != attemptID || r.current.Outcome != OutcomePending {
		return
	}
	s.log.Info("offer expired",
		zap.String("booking_id", r.bookingID.String()),
		zap.String("driver_id", r.current.DriverID.String()),
		zap.String("attempt_id", attemptID.String()),
	)
	s.handleMiss(r, OutcomeExpired)
}

// handleMiss counts a reject or timeout and schedules the next offer.
func (s *Scheduler) handleMiss(r *run, outcome Outcome) {
	a := s.resolve(r, outcome)
	r.rejected[a.DriverID] = true

	b, err := s.bookings.Update(s.ctx, r.bookingID, func(b *booking.Booking) error {
		if b.Status != booking.StatusConfirmed {
			return ErrNotConfirmed
		}
		if b.RematchCount < r.policy.MaxRematchAttempts {
			b.RematchCount++
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrNotConfirmed) {
			s.log.Error("dispatch rematch update failed", zap.String("booking_id", r.bookingID.String()), zap.Error(err))
		}
		s.end(r)
		return
	}
	s.emit(notify.Event{
		Kind:       notify.KindSearching,
		Booking:    b,
		Actor:      booking.SystemActor(),
		Recipients: []types.ID{r.passengerID},
		Data:       map[string]string{"rematch_count": strconv.Itoa(b.RematchCount)},
	})

	delay := r.policy.DelayBetweenMatches
	if delay <= 0 {
		s.offerNext(r)
		return
	}
	r.timer = s.clock.AfterFunc(delay, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.current != nil {
			return
		}
		s.offerNext(r)
	})
}

// Respond applies a driver's answer to the outstanding attempt. Answers for
// any other attempt, or after the deadline, are discarded.
func (s *Scheduler) Respond(ctx context.Context, resp Response) error {
	s.mu.Lock()
	r, ok := s.runs[resp.BookingID]
	s.mu.Unlock()
	if !ok {
		return ErrStaleAttempt
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.current
	if r.done || cur == nil || cur.ID != resp.AttemptID || cur.DriverID != resp.DriverID || cur.Outcome != OutcomePending {
		return ErrStaleAttempt
	}
	now := s.clock.Now()
	if !now.Before(cur.Deadline) {
		s.stopTimer(r)
		s.handleMiss(r, OutcomeExpired)
		return ErrOfferExpired
	}
	s.stopTimer(r)
	if !resp.Accept {
		s.log.Info("offer rejected",
			zap.String("booking_id", r.bookingID.String()),
			zap.String("driver_id", resp.DriverID.String()),
			zap.String("attempt_id", cur.ID.String()),
		)
		s.handleMiss(r, OutcomeRejected)
		return nil
	}
	return s.accept(ctx, r, cur, now)
}

func (s *Scheduler) accept(ctx context.Context, r *run, a *Attempt, now time.Time) error {
	driverID := a.DriverID
	claimed := false
	res, err := s.bookings.Transition(ctx, booking.TransitionCommand{
		BookingID: r.bookingID,
		To:        booking.StatusDriverAssigned,
		Actor:     booking.Actor{Type: booking.ActorDriver, ID: &driverID},
		Reason:    "offer_accepted",
		Apply: func(b *booking.Booking) error {
			ok, err := s.drivers.Claim(ctx, driverID, b.ID, r.policy.AllowMultipleJobs)
			if err != nil {
				return err
			}
			if !ok {
				return ErrDriverUnavailable
			}
			claimed = true
			b.AssignedDriverID = &driverID
			b.AssignedAt = &now
			return nil
		},
		Undo: func() {
			if claimed {
				if _, err := s.drivers.Release(s.ctx, driverID, r.bookingID); err != nil {
					s.log.Error("driver release after failed assignment", zap.String("driver_id", driverID.String()), zap.Error(err))
				}
			}
		},
	})
	switch {
	case errors.Is(err, booking.ErrInvalidTransition) || (err == nil && !res.Changed):
		// The booking moved on first; the accept loses.
		s.revoke(r, res.Booking)
		s.end(r)
		return ErrStaleAttempt
	case err != nil:
		s.log.Warn("accept could not be applied",
			zap.String("booking_id", r.bookingID.String()),
			zap.String("driver_id", driverID.String()),
			zap.Error(err),
		)
		s.handleMiss(r, OutcomeRejected)
		if errors.Is(err, ErrDriverUnavailable) {
			return err
		}
		return fmt.Errorf("accept offer: %w", err)
	}

	s.resolve(r, OutcomeAccepted)
	s.end(r)
	s.emit(notify.Event{
		Kind:       notify.KindDriverAssigned,
		Booking:    res.Booking,
		Actor:      booking.Actor{Type: booking.ActorDriver, ID: &driverID},
		Recipients: []types.ID{r.passengerID, driverID},
		Data:       map[string]string{"driver_id": driverID.String()},
	})
	s.log.Info("driver assigned",
		zap.String("booking_id", r.bookingID.String()),
		zap.String("driver_id", driverID.String()),
		zap.String("attempt_id", a.ID.String()),
	)
	return nil
}

// fail ends the search and cancels the booking with no fee.
func (s *Scheduler) fail(r *run, why string) {
	now := s.clock.Now()
	res, err := s.bookings.Transition(s.ctx, booking.TransitionCommand{
		BookingID: r.bookingID,
		To:        booking.StatusCancelled,
		Actor:     booking.SystemActor(),
		Reason:    booking.ReasonNoDriverAvailable,
		Apply: func(b *booking.Booking) error {
			zero := types.NewMoney(0, r.policy.Currency)
			b.Cancellation = &booking.Cancellation{
				Reason:           booking.ReasonNoDriverAvailable,
				At:               now,
				Actor:            booking.ActorSystem,
				FeeCharged:       zero,
				DriverPayout:     zero,
				FeeWaived:        true,
				WaivedReasonCode: booking.ReasonNoDriverAvailable,
			}
			return nil
		},
	})
	s.end(r)
	if err != nil {
		if !errors.Is(err, booking.ErrInvalidTransition) {
			s.log.Error("dispatch failure could not cancel booking", zap.String("booking_id", r.bookingID.String()), zap.Error(err))
		}
		return
	}
	r.failed = why
	s.log.Info("no driver found",
		zap.String("booking_id", r.bookingID.String()),
		zap.String("why", why),
		zap.Int("rematch_count", res.Booking.RematchCount),
	)
	s.emit(notify.Event{
		Kind:       notify.KindNoDriverFound,
		Booking:    res.Booking,
		Actor:      booking.SystemActor(),
		Recipients: []types.ID{r.passengerID},
		Data:       map[string]string{"why": why},
	})
}

// Interrupt stops the search for bookingID and revokes any open offer. It is
// used when the booking is cancelled or overridden from outside.
func (s *Scheduler) Interrupt(bookingID types.ID) {
	s.mu.Lock()
	r, ok := s.runs[bookingID]
	s.mu.Unlock()
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	var b *booking.Booking
	if got, err := s.bookings.Get(s.ctx, bookingID); err == nil {
		b = got
	}
	s.revoke(r, b)
	s.end(r)
	s.log.Info("dispatch interrupted", zap.String("booking_id", bookingID.String()))
}

func (s *Scheduler) revoke(r *run, b *booking.Booking) {
	if r.current == nil || r.current.Outcome != OutcomePending {
		return
	}
	a := s.resolve(r, OutcomeRevoked)
	if b == nil {
		b = &booking.Booking{ID: r.bookingID}
	}
	s.emit(notify.Event{
		Kind:       notify.KindOfferRevoked,
		Booking:    b,
		Actor:      booking.SystemActor(),
		Recipients: []types.ID{a.DriverID},
		Data:       map[string]string{"attempt_id": a.ID.String()},
	})
}

func (s *Scheduler) resolve(r *run, outcome Outcome) Attempt {
	now := s.clock.Now()
	a := *r.current
	a.Outcome = outcome
	a.ResolvedAt = &now
	r.current = nil
	s.record(a)
	return a
}

func (s *Scheduler) end(r *run) {
	r.done = true
	s.stopTimer(r)
	s.mu.Lock()
	if s.runs[r.bookingID] == r {
		delete(s.runs, r.bookingID)
	}
	s.mu.Unlock()
}

func (s *Scheduler) stopTimer(r *run) {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (s *Scheduler) record(a Attempt) {
	if err := s.audit.Record(s.ctx, a); err != nil {
		s.log.Warn("attempt audit failed", zap.String("attempt_id", a.ID.String()), zap.Error(err))
	}
}

func (s *Scheduler) emit(ev notify.Event) {
	if s.notifier != nil {
		s.notifier.Emit(ev)
	}
}

// Outstanding returns the open offer for bookingID, if any.
func (s *Scheduler) Outstanding(bookingID types.ID) (Attempt, bool) {
	s.mu.Lock()
	r, ok := s.runs[bookingID]
	s.mu.Unlock()
	if !ok {
		return Attempt{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return Attempt{}, false
	}
	return *r.current, true
}

// OutstandingForDriver returns the open offer addressed to driverID.
func (s *Scheduler) OutstandingForDriver(driverID types.ID) (Attempt, bool) {
	s.mu.Lock()
	runs := make([]*run, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	s.mu.Unlock()
	for _, r := range runs {
		r.mu.Lock()
		cur := r.current
		var a Attempt
		if cur != nil {
			a = *cur
		}
		r.mu.Unlock()
		if cur != nil && a.DriverID == driverID {
			return a, true
		}
	}
	return Attempt{}, false
}

func (s *Scheduler) Attempts(ctx context.Context, bookingID types.ID) ([]Attempt, error) {
	return s.audit.List(ctx, bookingID)
}

// Active reports whether a search is running for bookingID.
func (s *Scheduler) Active(bookingID types.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.runs[bookingID]
	return ok
}

// ResumePending restarts searches for confirmed bookings, e.g. after a
// restart. The original search start still bounds the total search time.
func (s *Scheduler) ResumePending(ctx context.Context) (int, error) {
	pending, err := s.bookings.ListByStatus(ctx, booking.StatusConfirmed)
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, b := range pending {
		if err := s.Begin(ctx, b.ID); err != nil {
			s.log.Warn("resume dispatch failed", zap.String("booking_id", b.ID.String()), zap.Error(err))
			continue
		}
		resumed++
	}
	return resumed, nil
}

// Shutdown stops every timer without touching bookings so a later
// ResumePending can pick them up.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	runs := make([]*run, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	s.runs = make(map[types.ID]*run)
	s.mu.Unlock()
	for _, r := range runs {
		r.mu.Lock()
		r.done = true
		s.stopTimer(r)
		r.mu.Unlock()
	}
}
