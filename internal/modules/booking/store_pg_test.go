package booking

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"rideflow/internal/infra"
	"rideflow/internal/types"
)

func setupPGStore(t *testing.T) *PGStore {
	t.Helper()

	dsn := os.Getenv("DISPATCH_TEST_DSN")
	if dsn == "" {
		t.Skip("DISPATCH_TEST_DSN not set; skipping DB-backed store tests")
	}

	ctx := context.Background()
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := infra.Migrate(ctx, db); err != nil {
		t.Fatalf("apply migration: %v", err)
	}
	if _, err := db.Exec(ctx, "TRUNCATE TABLE booking_state_events, bookings"); err != nil {
		t.Fatalf("truncate tables: %v", err)
	}
	return NewPGStore(db)
}

func TestPGStoreRoundTrip(t *testing.T) {
	store := setupPGStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	b := &Booking{
		ID:            types.NewID(),
		PassengerID:   "p_pg",
		Status:        StatusPending,
		PaymentStatus: PaymentPaid,
		PickupAt:      now.Add(time.Hour),
		CreatedAt:     now,
		UpdatedAt:     now,
		TotalCost:     types.NewMoney(320, "TWD"),
	}
	if err := store.Create(ctx, b, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.Get(ctx, b.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusPending || got.TotalCost != b.TotalCost {
		t.Fatalf("unexpected record %+v", got)
	}

	next := got.Clone()
	next.Status = StatusCancelled
	next.Version = got.Version + 1
	next.Cancellation = &Cancellation{
		Reason:           ReasonPassengerCancelled,
		At:               now,
		Actor:            ActorPassenger,
		FeeCharged:       types.NewMoney(0, "TWD"),
		FeeWaived:        true,
		WaivedReasonCode: "before_assignment",
	}
	if err := store.Save(ctx, next, got.Version, nil); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Save(ctx, next, got.Version, nil); !errors.Is(err, ErrStaleWrite) {
		t.Fatalf("expected ErrStaleWrite, got %v", err)
	}

	got, err = store.Get(ctx, b.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Cancellation == nil || got.Cancellation.WaivedReasonCode != "before_assignment" {
		t.Fatalf("cancellation not persisted: %+v", got.Cancellation)
	}

	active, err := store.ListActiveForPassenger(ctx, "p_pg")
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("cancelled booking listed as active")
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPGStoreEvents(t *testing.T) {
	store := setupPGStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	p := types.ID("p_events")

	b := &Booking{ID: types.NewID(), PassengerID: p, Status: StatusPending, PaymentStatus: PaymentPending, PickupAt: now, CreatedAt: now, UpdatedAt: now, TotalCost: types.NewMoney(0, "TWD")}
	created := &Event{BookingID: b.ID, FromStatus: StatusNone, ToStatus: StatusPending, ActorType: ActorPassenger, ActorID: &p, CreatedAt: now}
	if err := store.Create(ctx, b, created); err != nil {
		t.Fatalf("create: %v", err)
	}
	next := b.Clone()
	next.Status = StatusCancelled
	next.Version = b.Version + 1
	cancelled := &Event{BookingID: b.ID, FromStatus: StatusPending, ToStatus: StatusCancelled, ActorType: ActorPassenger, ActorID: &p, CreatedAt: now}
	if err := store.Save(ctx, next, b.Version, cancelled); err != nil {
		t.Fatalf("save: %v", err)
	}
	// A stale save must not leave an event behind.
	if err := store.Save(ctx, next, b.Version, cancelled); !errors.Is(err, ErrStaleWrite) {
		t.Fatalf("expected ErrStaleWrite, got %v", err)
	}
	events, err := store.ListEvents(ctx, b.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 || events[1].ToStatus != StatusCancelled {
		t.Fatalf("unexpected events %+v", events)
	}
	n, err := store.CountCancelledSince(ctx, p, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("count = %d", n)
	}
}
