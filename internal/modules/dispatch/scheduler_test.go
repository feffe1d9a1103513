package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"rideflow/internal/clock"
	"rideflow/internal/modules/booking"
	"rideflow/internal/modules/driver"
	"rideflow/internal/modules/notify"
	"rideflow/internal/modules/policy"
	"rideflow/internal/types"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Emit(ev notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds(to types.ID) []notify.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Kind
	for _, ev := range r.events {
		for _, id := range ev.Recipients {
			if id == to {
				out = append(out, ev.Kind)
			}
		}
	}
	return out
}

type fixedPolicy struct{ p policy.Policy }

func (f fixedPolicy) Current(context.Context) (policy.Policy, error) { return f.p, nil }

type harness struct {
	clk      *clock.Fake
	bookings *booking.Service
	registry *driver.MemoryRegistry
	drivers  *driver.Service
	audit    *MemoryAuditLog
	events   *recorder
	sched    *Scheduler
}

func testPolicy() policy.Policy {
	p := policy.Default()
	p.MaxRematchAttempts = 3
	p.DriverResponseTimeout = 30 * time.Second
	p.DelayBetweenMatches = 5 * time.Second
	p.TotalSearchTimeout = 10 * time.Minute
	return p
}

func newHarness(t *testing.T, p policy.Policy) *harness {
	t.Helper()
	clk := clock.NewFake(t0)
	log := zap.NewNop()
	h := &harness{
		clk:      clk,
		bookings: booking.NewService(booking.NewMemoryStore(), clk, log),
		registry: driver.NewMemoryRegistry(),
		audit:    NewMemoryAuditLog(),
		events:   &recorder{},
	}
	h.drivers = driver.NewService(h.registry, clk, log)
	h.sched = NewScheduler(h.bookings, h.drivers, fixedPolicy{p}, h.events, h.audit, clk, log)
	return h
}

// addDrivers registers drivers so the first one listed has been idle longest.
func (h *harness) addDrivers(t *testing.T, ids ...types.ID) {
	t.Helper()
	for i, id := range ids {
		d := driver.Driver{ID: id, Status: driver.StatusAvailable, IdleSince: t0.Add(-time.Duration(len(ids)-i) * time.Minute)}
		if err := h.registry.Upsert(context.Background(), d); err != nil {
			t.Fatalf("upsert driver: %v", err)
		}
	}
}

func (h *harness) confirmed(t *testing.T, passenger types.ID) types.ID {
	t.Helper()
	ctx := context.Background()
	b, err := h.bookings.Create(ctx, booking.CreateCommand{PassengerID: passenger, PickupAt: t0.Add(time.Hour), TotalCost: types.NewMoney(300, "TWD")})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.bookings.Transition(ctx, booking.TransitionCommand{BookingID: b.ID, To: booking.StatusConfirmed, Actor: booking.SystemActor()}); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	return b.ID
}

func (h *harness) outstanding(t *testing.T, id types.ID) Attempt {
	t.Helper()
	a, ok := h.sched.Outstanding(id)
	if !ok {
		t.Fatalf("no outstanding offer for %s", id)
	}
	return a
}

func (h *harness) booking(t *testing.T, id types.ID) *booking.Booking {
	t.Helper()
	b, err := h.bookings.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return b
}

func respond(h *harness, a Attempt, accept bool) error {
	return h.sched.Respond(context.Background(), Response{BookingID: a.BookingID, AttemptID: a.ID, DriverID: a.DriverID, Accept: accept})
}

func TestAllDriversRejectCancelsBooking(t *testing.T) {
	h := newHarness(t, testPolicy())
	h.addDrivers(t, "d1", "d2", "d3")
	id := h.confirmed(t, "p1")
	ctx := context.Background()

	if err := h.sched.Begin(ctx, id); err != nil {
		t.Fatalf("begin: %v", err)
	}
	lastCount := 0
	for i, want := range []types.ID{"d1", "d2", "d3"} {
		a := h.outstanding(t, id)
		if a.DriverID != want {
			t.Fatalf("offer %d went to %s, want %s", i, a.DriverID, want)
		}
		if err := respond(h, a, false); err != nil {
			t.Fatalf("reject: %v", err)
		}
		b := h.booking(t, id)
		if b.RematchCount < lastCount || b.RematchCount > 3 {
			t.Fatalf("rematch count went from %d to %d", lastCount, b.RematchCount)
		}
		lastCount = b.RematchCount
		if _, ok := h.sched.Outstanding(id); ok {
			t.Fatalf("next offer sent before the delay elapsed")
		}
		h.clk.Advance(5 * time.Second)
	}

	b := h.booking(t, id)
	if b.Status != booking.StatusCancelled {
		t.Fatalf("status = %s", b.Status)
	}
	if b.RematchCount != 3 {
		t.Fatalf("rematchCount = %d, want 3", b.RematchCount)
	}
	if b.Cancellation == nil || b.Cancellation.Reason != booking.ReasonNoDriverAvailable || b.Cancellation.FeeCharged.Amount != 0 {
		t.Fatalf("unexpected cancellation %+v", b.Cancellation)
	}
	if b.AssignedDriverID != nil {
		t.Fatalf("cancelled booking holds a driver")
	}
	if h.sched.Active(id) {
		t.Fatalf("search still registered")
	}
	if h.clk.Pending() != 0 {
		t.Fatalf("%d timers still armed", h.clk.Pending())
	}
	kinds := h.events.kinds("p1")
	if len(kinds) == 0 || kinds[len(kinds)-1] != notify.KindNoDriverFound {
		t.Fatalf("passenger events %v", kinds)
	}
}

func TestCountdownExpiryOffersNextDriver(t *testing.T) {
	h := newHarness(t, testPolicy())
	h.addDrivers(t, "d1", "d2")
	id := h.confirmed(t, "p1")

	if err := h.sched.Begin(context.Background(), id); err != nil {
		t.Fatalf("begin: %v", err)
	}
	first := h.outstanding(t, id)
	if !first.Deadline.Equal(t0.Add(30 * time.Second)) {
		t.Fatalf("deadline = %v", first.Deadline)
	}

	h.clk.Advance(30 * time.Second)
	if got := h.booking(t, id).RematchCount; got != 1 {
		t.Fatalf("rematchCount after expiry = %d", got)
	}
	if _, ok := h.sched.Outstanding(id); ok {
		t.Fatalf("offer sent without waiting for the delay")
	}

	h.clk.Advance(4 * time.Second)
	if _, ok := h.sched.Outstanding(id); ok {
		t.Fatalf("offer sent before the delay elapsed")
	}
	h.clk.Advance(time.Second)
	second := h.outstanding(t, id)
	if second.DriverID != "d2" || !second.OfferedAt.Equal(t0.Add(35*time.Second)) {
		t.Fatalf("second offer %+v", second)
	}

	attempts, err := h.sched.Attempts(context.Background(), id)
	if err != nil {
		t.Fatalf("attempts: %v", err)
	}
	if len(attempts) != 2 || attempts[0].Outcome != OutcomeExpired || attempts[1].Outcome != OutcomePending {
		t.Fatalf("attempts %+v", attempts)
	}

	// The expired offer cannot be accepted any more.
	if err := respond(h, first, true); !errors.Is(err, ErrStaleAttempt) {
		t.Fatalf("expected ErrStaleAttempt for expired offer, got %v", err)
	}
}

func TestLateAcceptAfterDeadlineIsRejected(t *testing.T) {
	h := newHarness(t, testPolicy())
	h.addDrivers(t, "d1", "d2")
	id := h.confirmed(t, "p1")
	if err := h.sched.Begin(context.Background(), id); err != nil {
		t.Fatalf("begin: %v", err)
	}
	a := h.outstanding(t, id)

	// Arrives exactly at the deadline, before the timer got to run.
	h.clk.Set(a.Deadline)
	if err := respond(h, a, true); !errors.Is(err, ErrOfferExpired) {
		t.Fatalf("expected ErrOfferExpired, got %v", err)
	}
	b := h.booking(t, id)
	if b.Status != booking.StatusConfirmed || b.RematchCount != 1 {
		t.Fatalf("booking %s rematch=%d", b.Status, b.RematchCount)
	}
	d, _ := h.registry.Get(context.Background(), "d1")
	if d.Status != driver.StatusAvailable {
		t.Fatalf("late accept claimed the driver")
	}
}

func TestAcceptAssignsDriver(t *testing.T) {
	h := newHarness(t, testPolicy())
	h.addDrivers(t, "d1", "d2")
	id := h.confirmed(t, "p1")
	if err := h.sched.Begin(context.Background(), id); err != nil {
		t.Fatalf("begin: %v", err)
	}
	a := h.outstanding(t, id)

	h.clk.Advance(10 * time.Second)
	if err := respond(h, a, true); err != nil {
		t.Fatalf("accept: %v", err)
	}

	b := h.booking(t, id)
	if b.Status != booking.StatusDriverAssigned {
		t.Fatalf("status = %s", b.Status)
	}
	if b.AssignedDriverID == nil || *b.AssignedDriverID != "d1" {
		t.Fatalf("assigned driver %v", b.AssignedDriverID)
	}
	if b.AssignedAt == nil || !b.AssignedAt.Equal(t0.Add(10*time.Second)) {
		t.Fatalf("assignedAt %v", b.AssignedAt)
	}
	d, _ := h.registry.Get(context.Background(), "d1")
	if d.Status != driver.StatusBusy || !d.Holds(id) {
		t.Fatalf("driver %+v", d)
	}
	if h.clk.Pending() != 0 {
		t.Fatalf("deadline timer still armed")
	}
	h.clk.Advance(time.Minute)
	if got := h.booking(t, id); got.Status != booking.StatusDriverAssigned || got.RematchCount != 0 {
		t.Fatalf("timer fired after accept: %s rematch=%d", got.Status, got.RematchCount)
	}
	for _, who := range []types.ID{"p1", "d1"} {
		kinds := h.events.kinds(who)
		if kinds[len(kinds)-1] != notify.KindDriverAssigned {
			t.Fatalf("%s events %v", who, kinds)
		}
	}
	attempts, _ := h.sched.Attempts(context.Background(), id)
	if attempts[0].Outcome != OutcomeAccepted {
		t.Fatalf("attempt outcome %s", attempts[0].Outcome)
	}
}

func TestConcurrentAcceptsOnlyOneWins(t *testing.T) {
	h := newHarness(t, testPolicy())
	h.addDrivers(t, "d1")
	id := h.confirmed(t, "p1")
	if err := h.sched.Begin(context.Background(), id); err != nil {
		t.Fatalf("begin: %v", err)
	}
	a := h.outstanding(t, id)

	const n = 8
	errs := make(chan error, n)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			errs <- respond(h, a, true)
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		if !errors.Is(err, ErrStaleAttempt) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly 1 successful accept, got %d", success)
	}
	events, _ := h.bookings.History(context.Background(), id)
	assigned := 0
	for _, e := range events {
		if e.ToStatus == booking.StatusDriverAssigned {
			assigned++
		}
	}
	if assigned != 1 {
		t.Fatalf("driver_assigned recorded %d times", assigned)
	}
}

func TestCancelWhileOfferOutstanding(t *testing.T) {
	h := newHarness(t, testPolicy())
	h.addDrivers(t, "d1", "d2")
	id := h.confirmed(t, "p1")
	ctx := context.Background()
	if err := h.sched.Begin(ctx, id); err != nil {
		t.Fatalf("begin: %v", err)
	}
	a := h.outstanding(t, id)

	if _, err := h.bookings.Transition(ctx, booking.TransitionCommand{BookingID: id, To: booking.StatusCancelled, Actor: booking.Actor{Type: booking.ActorPassenger}}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	h.sched.Interrupt(id)

	if err := respond(h, a, true); !errors.Is(err, ErrStaleAttempt) {
		t.Fatalf("expected ErrStaleAttempt, got %v", err)
	}
	if h.clk.Pending() != 0 {
		t.Fatalf("timers left after interrupt")
	}
	h.clk.Advance(time.Minute)
	b := h.booking(t, id)
	if b.Status != booking.StatusCancelled || b.RematchCount != 0 {
		t.Fatalf("booking %s rematch=%d", b.Status, b.RematchCount)
	}
	d, _ := h.registry.Get(ctx, "d1")
	if d.Status != driver.StatusAvailable {
		t.Fatalf("driver %s after cancelled booking", d.Status)
	}
	kinds := h.events.kinds("d1")
	if kinds[len(kinds)-1] != notify.KindOfferRevoked {
		t.Fatalf("driver events %v", kinds)
	}
}

func TestAcceptLosesToCancelWithoutInterrupt(t *testing.T) {
	h := newHarness(t, testPolicy())
	h.addDrivers(t, "d1")
	id := h.confirmed(t, "p1")
	ctx := context.Background()
	if err := h.sched.Begin(ctx, id); err != nil {
		t.Fatalf("begin: %v", err)
	}
	a := h.outstanding(t, id)

	if _, err := h.bookings.Transition(ctx, booking.TransitionCommand{BookingID: id, To: booking.StatusCancelled, Actor: booking.SystemActor()}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := respond(h, a, true); !errors.Is(err, ErrStaleAttempt) {
		t.Fatalf("expected ErrStaleAttempt, got %v", err)
	}
	d, _ := h.registry.Get(ctx, "d1")
	if d.Status != driver.StatusAvailable {
		t.Fatalf("driver claimed for a cancelled booking")
	}
	if h.sched.Active(id) {
		t.Fatalf("search still active")
	}
	kinds := h.events.kinds("d1")
	if kinds[len(kinds)-1] != notify.KindOfferRevoked {
		t.Fatalf("driver events %v", kinds)
	}
}

func TestDriverTakenElsewhereMovesOn(t *testing.T) {
	h := newHarness(t, testPolicy())
	h.addDrivers(t, "d1", "d2")
	id := h.confirmed(t, "p1")
	ctx := context.Background()
	if err := h.sched.Begin(ctx, id); err != nil {
		t.Fatalf("begin: %v", err)
	}
	a := h.outstanding(t, id)
	if err := h.registry.SetStatus(ctx, "d1", driver.Change{Status: driver.StatusOffline, At: t0}); err != nil {
		t.Fatalf("set status: %v", err)
	}

	if err := respond(h, a, true); !errors.Is(err, ErrDriverUnavailable) {
		t.Fatalf("expected ErrDriverUnavailable, got %v", err)
	}
	b := h.booking(t, id)
	if b.Status != booking.StatusConfirmed || b.RematchCount != 1 {
		t.Fatalf("booking %s rematch=%d", b.Status, b.RematchCount)
	}
	h.clk.Advance(5 * time.Second)
	if next := h.outstanding(t, id); next.DriverID != "d2" {
		t.Fatalf("next offer to %s", next.DriverID)
	}
}

func TestRespondValidatesAttempt(t *testing.T) {
	h := newHarness(t, testPolicy())
	h.addDrivers(t, "d1", "d2")
	id := h.confirmed(t, "p1")
	if err := h.sched.Begin(context.Background(), id); err != nil {
		t.Fatalf("begin: %v", err)
	}
	a := h.outstanding(t, id)

	cases := []Response{
		{BookingID: id, AttemptID: "other", DriverID: a.DriverID, Accept: true},
		{BookingID: id, AttemptID: a.ID, DriverID: "d2", Accept: true},
		{BookingID: "unknown", AttemptID: a.ID, DriverID: a.DriverID, Accept: true},
	}
	for _, resp := range cases {
		if err := h.sched.Respond(context.Background(), resp); !errors.Is(err, ErrStaleAttempt) {
			t.Fatalf("%+v: expected ErrStaleAttempt, got %v", resp, err)
		}
	}
	if _, ok := h.sched.Outstanding(id); !ok {
		t.Fatalf("discarded responses disturbed the offer")
	}
}

func TestTotalSearchTimeout(t *testing.T) {
	p := testPolicy()
	p.TotalSearchTimeout = 30 * time.Second
	p.DriverResponseTimeout = 20 * time.Second
	p.MaxRematchAttempts = 5
	h := newHarness(t, p)
	h.addDrivers(t, "d1", "d2", "d3")
	id := h.confirmed(t, "p1")
	if err := h.sched.Begin(context.Background(), id); err != nil {
		t.Fatalf("begin: %v", err)
	}

	h.clk.Advance(25 * time.Second)
	second := h.outstanding(t, id)
	if !second.Deadline.Equal(t0.Add(30 * time.Second)) {
		t.Fatalf("second offer deadline %v not capped by search timeout", second.Deadline)
	}
	h.clk.Advance(10 * time.Second)

	b := h.booking(t, id)
	if b.Status != booking.StatusCancelled || b.Cancellation.Reason != booking.ReasonNoDriverAvailable {
		t.Fatalf("booking %s %+v", b.Status, b.Cancellation)
	}
	if b.RematchCount != 2 {
		t.Fatalf("rematchCount = %d", b.RematchCount)
	}
}

func TestNoAvailableDrivers(t *testing.T) {
	h := newHarness(t, testPolicy())
	id := h.confirmed(t, "p1")
	if err := h.sched.Begin(context.Background(), id); !errors.Is(err, ErrNoDriverFound) {
		t.Fatalf("expected ErrNoDriverFound, got %v", err)
	}
	b := h.booking(t, id)
	if b.Status != booking.StatusCancelled || b.Cancellation.Reason != booking.ReasonNoDriverAvailable {
		t.Fatalf("booking %s %+v", b.Status, b.Cancellation)
	}
}

// flakyDrivers fails ListAvailable a set number of times before passing
// through.
type flakyDrivers struct {
	*driver.Service
	mu       sync.Mutex
	failures int
}

func (f *flakyDrivers) ListAvailable(ctx context.Context) ([]driver.Driver, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return nil, errors.New("redis: connection refused")
	}
	f.mu.Unlock()
	return f.Service.ListAvailable(ctx)
}

func TestRegistryErrorRetriesInsteadOfFailing(t *testing.T) {
	h := newHarness(t, testPolicy())
	h.addDrivers(t, "d1")
	flaky := &flakyDrivers{Service: h.drivers, failures: 2}
	h.sched = NewScheduler(h.bookings, flaky, fixedPolicy{testPolicy()}, h.events, h.audit, h.clk, zap.NewNop())
	id := h.confirmed(t, "p1")

	if err := h.sched.Begin(context.Background(), id); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if b := h.booking(t, id); b.Status != booking.StatusConfirmed || b.RematchCount != 0 {
		t.Fatalf("registry error ended the search: %s rematch=%d", b.Status, b.RematchCount)
	}
	if _, ok := h.sched.Outstanding(id); ok {
		t.Fatalf("offer made while the registry was down")
	}

	h.clk.Advance(5 * time.Second)
	if _, ok := h.sched.Outstanding(id); ok {
		t.Fatalf("offer made on the second failing read")
	}
	h.clk.Advance(5 * time.Second)
	a := h.outstanding(t, id)
	if a.DriverID != "d1" || !a.OfferedAt.Equal(t0.Add(10*time.Second)) {
		t.Fatalf("offer after recovery %+v", a)
	}
}

func TestRegistryOutageStillBoundedBySearchTimeout(t *testing.T) {
	p := testPolicy()
	p.TotalSearchTimeout = 30 * time.Second
	h := newHarness(t, p)
	h.addDrivers(t, "d1")
	flaky := &flakyDrivers{Service: h.drivers, failures: 1000}
	h.sched = NewScheduler(h.bookings, flaky, fixedPolicy{p}, h.events, h.audit, h.clk, zap.NewNop())
	id := h.confirmed(t, "p1")

	if err := h.sched.Begin(context.Background(), id); err != nil {
		t.Fatalf("begin: %v", err)
	}
	h.clk.Advance(29 * time.Second)
	if b := h.booking(t, id); b.Status != booking.StatusConfirmed {
		t.Fatalf("search ended early: %s", b.Status)
	}
	h.clk.Advance(time.Second)
	b := h.booking(t, id)
	if b.Status != booking.StatusCancelled || b.Cancellation.Reason != booking.ReasonNoDriverAvailable {
		t.Fatalf("booking %s %+v", b.Status, b.Cancellation)
	}
	if h.clk.Pending() != 0 {
		t.Fatalf("%d timers still armed", h.clk.Pending())
	}
}

func TestBeginPreconditions(t *testing.T) {
	h := newHarness(t, testPolicy())
	h.addDrivers(t, "d1")
	ctx := context.Background()
	b, err := h.bookings.Create(ctx, booking.CreateCommand{PassengerID: "p1", PickupAt: t0})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := h.sched.Begin(ctx, b.ID); !errors.Is(err, ErrNotConfirmed) {
		t.Fatalf("expected ErrNotConfirmed, got %v", err)
	}

	bad := testPolicy()
	bad.MaxRematchAttempts = 0
	hb := newHarness(t, bad)
	hb.addDrivers(t, "d1")
	id := hb.confirmed(t, "p1")
	if err := hb.sched.Begin(ctx, id); !errors.Is(err, policy.ErrPolicyOutOfRange) {
		t.Fatalf("expected ErrPolicyOutOfRange, got %v", err)
	}
	if got := hb.booking(t, id); got.Status != booking.StatusConfirmed || got.SearchStartedAt != nil {
		t.Fatalf("invalid policy touched the booking")
	}
}

func TestBeginIsIdempotentAndResumable(t *testing.T) {
	h := newHarness(t, testPolicy())
	h.addDrivers(t, "d1", "d2")
	id := h.confirmed(t, "p1")
	ctx := context.Background()
	if err := h.sched.Begin(ctx, id); err != nil {
		t.Fatalf("begin: %v", err)
	}
	first := h.outstanding(t, id)
	if err := h.sched.Begin(ctx, id); err != nil {
		t.Fatalf("second begin: %v", err)
	}
	if again := h.outstanding(t, id); again.ID != first.ID {
		t.Fatalf("second Begin replaced the offer")
	}

	h.sched.Shutdown()
	if h.clk.Pending() != 0 {
		t.Fatalf("shutdown left timers armed")
	}
	h.clk.Advance(10 * time.Second)
	n, err := h.sched.ResumePending(ctx)
	if err != nil || n != 1 {
		t.Fatalf("resume: n=%d err=%v", n, err)
	}
	resumed := h.outstanding(t, id)
	if resumed.ID == first.ID {
		t.Fatalf("resume reused the old attempt")
	}
	if started := h.booking(t, id).SearchStartedAt; started == nil || !started.Equal(t0) {
		t.Fatalf("search start moved to %v", started)
	}
}

func TestResumeSkipsDriversWhoPassed(t *testing.T) {
	h := newHarness(t, testPolicy())
	h.addDrivers(t, "d1", "d2", "d3")
	id := h.confirmed(t, "p1")
	ctx := context.Background()
	if err := h.sched.Begin(ctx, id); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := respond(h, h.outstanding(t, id), false); err != nil {
		t.Fatalf("reject: %v", err)
	}
	h.clk.Advance(5 * time.Second)
	second := h.outstanding(t, id)
	if second.DriverID != "d2" {
		t.Fatalf("second offer went to %s", second.DriverID)
	}
	h.clk.Advance(30 * time.Second)
	if got := h.booking(t, id).RematchCount; got != 2 {
		t.Fatalf("rematchCount = %d", got)
	}

	h.sched.Shutdown()
	n, err := h.sched.ResumePending(ctx)
	if err != nil || n != 1 {
		t.Fatalf("resume: n=%d err=%v", n, err)
	}
	if a := h.outstanding(t, id); a.DriverID != "d3" {
		t.Fatalf("resumed search offered %s, want d3", a.DriverID)
	}
	if got := h.booking(t, id).RematchCount; got != 2 {
		t.Fatalf("resume changed rematchCount to %d", got)
	}
}

func TestOutstandingForDriver(t *testing.T) {
	h := newHarness(t, testPolicy())
	h.addDrivers(t, "d1")
	id := h.confirmed(t, "p1")
	if err := h.sched.Begin(context.Background(), id); err != nil {
		t.Fatalf("begin: %v", err)
	}
	a, ok := h.sched.OutstandingForDriver("d1")
	if !ok || a.BookingID != id {
		t.Fatalf("offer for d1 = %+v %v", a, ok)
	}
	if _, ok := h.sched.OutstandingForDriver("d9"); ok {
		t.Fatalf("unexpected offer for d9")
	}
}
