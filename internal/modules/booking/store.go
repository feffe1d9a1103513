// README: Booking record store contract and the PostgreSQL implementation.
package booking

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"rideflow/internal/types"
)

var (
	ErrNotFound   = errors.New("booking not found")
	ErrStaleWrite = errors.New("booking changed since read")
	ErrDuplicate  = errors.New("booking already exists")
)

// Store is CRUD only. Save is optimistic: it fails with ErrStaleWrite when
// the stored version is no longer expectedVersion. Create and Save write the
// state event e, when non-nil, atomically with the record.
type Store interface {
	Create(ctx context.Context, b *Booking, e *Event) error
	Get(ctx context.Context, id types.ID) (*Booking, error)
	Save(ctx context.Context, b *Booking, expectedVersion int, e *Event) error
	ListActiveForPassenger(ctx context.Context, passengerID types.ID) ([]*Booking, error)
	ListByStatus(ctx context.Context, status Status) ([]*Booking, error)
	CountCancelledSince(ctx context.Context, passengerID types.ID, since time.Time) (int, error)
	ListEvents(ctx context.Context, id types.ID) ([]Event, error)
}

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

const bookingColumns = `
	id, passenger_id, status, payment_status, pickup_at, created_at, updated_at,
	assigned_driver_id, assigned_at, arrived_at, started_at, completed_at,
	rematch_count, search_started_at, cancellation, dispute,
	total_cost, currency, version`

func (s *PGStore) Create(ctx context.Context, b *Booking, e *Event) error {
	cancellation, dispute, err := encodeRecords(b)
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
		INSERT INTO bookings (`+bookingColumns+`)
		VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12,
			$13, $14, $15, $16,
			$17, $18, $19
		)
		ON CONFLICT (id) DO NOTHING`,
			string(b.ID), string(b.PassengerID), string(b.Status), string(b.PaymentStatus),
			b.PickupAt, b.CreatedAt, b.UpdatedAt,
			toStringPtr(b.AssignedDriverID), b.AssignedAt, b.ArrivedAt, b.StartedAt, b.CompletedAt,
			b.RematchCount, b.SearchStartedAt, cancellation, dispute,
			b.TotalCost.Amount, b.TotalCost.Currency, b.Version,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrDuplicate
		}
		return insertEvent(ctx, tx, e)
	})
}

func (s *PGStore) Get(ctx context.Context, id types.ID) (*Booking, error) {
	row := s.db.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, string(id))
	b, err := scanBooking(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

func (s *PGStore) Save(ctx context.Context, b *Booking, expectedVersion int, e *Event) error {
	cancellation, dispute, err := encodeRecords(b)
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
		UPDATE bookings
		SET status = $1,
			payment_status = $2,
			updated_at = $3,
			assigned_driver_id = $4,
			assigned_at = $5,
			arrived_at = $6,
			started_at = $7,
			completed_at = $8,
			rematch_count = $9,
			search_started_at = $10,
			cancellation = $11,
			dispute = $12,
			version = $13
		WHERE id = $14 AND version = $15`,
			string(b.Status), string(b.PaymentStatus), b.UpdatedAt,
			toStringPtr(b.AssignedDriverID), b.AssignedAt, b.ArrivedAt, b.StartedAt, b.CompletedAt,
			b.RematchCount, b.SearchStartedAt, cancellation, dispute,
			b.Version, string(b.ID), expectedVersion,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 1 {
			return insertEvent(ctx, tx, e)
		}
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM bookings WHERE id = $1)`, string(b.ID)).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrStaleWrite
	})
}

func (s *PGStore) ListActiveForPassenger(ctx context.Context, passengerID types.ID) ([]*Booking, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE passenger_id = $1
		  AND status NOT IN ('completed','cancelled','no_show','refunded')
		ORDER BY created_at`, string(passengerID),
	)
	if err != nil {
		return nil, err
	}
	return collectBookings(rows)
}

func (s *PGStore) ListByStatus(ctx context.Context, status Status) ([]*Booking, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE status = $1
		ORDER BY created_at`, string(status),
	)
	if err != nil {
		return nil, err
	}
	return collectBookings(rows)
}

// CountCancelledSince counts cancellations the passenger requested.
func (s *PGStore) CountCancelledSince(ctx context.Context, passengerID types.ID, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM booking_state_events
		WHERE actor_type = 'passenger'
		  AND actor_id = $1
		  AND to_status = 'cancelled'
		  AND created_at >= $2`, string(passengerID), since,
	).Scan(&n)
	return n, err
}

func insertEvent(ctx context.Context, tx pgx.Tx, e *Event) error {
	if e == nil {
		return nil
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO booking_state_events (
			booking_id, from_status, to_status, actor_type, actor_id, reason, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(e.BookingID),
		string(e.FromStatus),
		string(e.ToStatus),
		e.ActorType,
		toStringPtr(e.ActorID),
		e.Reason,
		e.CreatedAt,
	)
	return err
}

func (s *PGStore) ListEvents(ctx context.Context, id types.ID) ([]Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, booking_id, from_status, to_status, actor_type, actor_id, reason, created_at
		FROM booking_state_events
		WHERE booking_id = $1
		ORDER BY id`, string(id),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var actorID *string
		if err := rows.Scan(&e.ID, &e.BookingID, &e.FromStatus, &e.ToStatus, &e.ActorType, &actorID, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		if actorID != nil {
			a := types.ID(*actorID)
			e.ActorID = &a
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanBooking(row pgx.Row) (*Booking, error) {
	var b Booking
	var driverID *string
	var cancellation, dispute []byte
	err := row.Scan(
		&b.ID, &b.PassengerID, &b.Status, &b.PaymentStatus, &b.PickupAt, &b.CreatedAt, &b.UpdatedAt,
		&driverID, &b.AssignedAt, &b.ArrivedAt, &b.StartedAt, &b.CompletedAt,
		&b.RematchCount, &b.SearchStartedAt, &cancellation, &dispute,
		&b.TotalCost.Amount, &b.TotalCost.Currency, &b.Version,
	)
	if err != nil {
		return nil, err
	}
	if driverID != nil {
		d := types.ID(*driverID)
		b.AssignedDriverID = &d
	}
	if len(cancellation) > 0 {
		b.Cancellation = &Cancellation{}
		if err := json.Unmarshal(cancellation, b.Cancellation); err != nil {
			return nil, err
		}
	}
	if len(dispute) > 0 {
		b.Dispute = &Dispute{}
		if err := json.Unmarshal(dispute, b.Dispute); err != nil {
			return nil, err
		}
	}
	return &b, nil
}

func collectBookings(rows pgx.Rows) ([]*Booking, error) {
	defer rows.Close()
	var out []*Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func encodeRecords(b *Booking) (cancellation, dispute []byte, err error) {
	if b.Cancellation != nil {
		if cancellation, err = json.Marshal(b.Cancellation); err != nil {
			return nil, nil, err
		}
	}
	if b.Dispute != nil {
		if dispute, err = json.Marshal(b.Dispute); err != nil {
			return nil, nil, err
		}
	}
	return cancellation, dispute, nil
}

func toStringPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}
