// README: Booking aggregate and status definitions.
package booking

import (
	"time"

	"rideflow/internal/types"
)

type Status string

const (
	StatusNone            Status = ""
	StatusAwaitingPayment Status = "awaiting_payment"
	StatusPending         Status = "pending"
	StatusConfirmed       Status = "confirmed"
	StatusDriverAssigned  Status = "driver_assigned"
	StatusDriverEnRoute   Status = "driver_en_route"
	StatusInProgress      Status = "in_progress"
	StatusCompleted       Status = "completed"
	StatusCancelled       Status = "cancelled"
	StatusNoShow          Status = "no_show"
	StatusRefunded        Status = "refunded"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusAwaitingPayment,
	StatusPending,
	StatusConfirmed,
	StatusDriverAssigned,
	StatusDriverEnRoute,
	StatusInProgress,
	StatusCompleted,
	StatusCancelled,
	StatusNoShow,
	StatusRefunded,
}

func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusNoShow, StatusRefunded:
		return true
	}
	return false
}

// HoldsDriver reports whether a booking in s must carry an assigned driver.
func (s Status) HoldsDriver() bool {
	switch s {
	case StatusDriverAssigned, StatusDriverEnRoute, StatusInProgress:
		return true
	}
	return false
}

type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentPaid       PaymentStatus = "paid"
	PaymentPartial    PaymentStatus = "partial"
	PaymentFailed     PaymentStatus = "failed"
	PaymentRefunded   PaymentStatus = "refunded"
	PaymentCancelled  PaymentStatus = "cancelled"
)

const (
	ActorPassenger = "passenger"
	ActorDriver    = "driver"
	ActorSystem    = "system"
	ActorAdmin     = "admin"
)

type Actor struct {
	Type string
	ID   *types.ID
}

func SystemActor() Actor { return Actor{Type: ActorSystem} }

// Cancellation reasons recorded on the booking.
const (
	ReasonPassengerCancelled = "passenger_cancelled"
	ReasonDriverCancelled    = "driver_cancelled"
	ReasonNoDriverAvailable  = "no_driver_available"
	ReasonPassengerNoShow    = "passenger_no_show"
	ReasonAdminOverride      = "admin_override"
)

type Cancellation struct {
	Reason           string      `json:"reason"`
	At               time.Time   `json:"at"`
	Actor            string      `json:"actor"`
	DriverID         *types.ID   `json:"driver_id,omitempty"`
	FeeCharged       types.Money `json:"fee_charged"`
	DriverPayout     types.Money `json:"driver_payout"`
	FeeWaived        bool        `json:"fee_waived"`
	WaivedReasonCode string      `json:"waived_reason_code,omitempty"`
}

// Dispute is a manual-review flag; opening one changes no fee.
type Dispute struct {
	OpenedAt time.Time `json:"opened_at"`
	OpenedBy types.ID  `json:"opened_by"`
	Reason   string    `json:"reason"`
}

type Booking struct {
	ID               types.ID
	PassengerID      types.ID
	Status           Status
	PaymentStatus    PaymentStatus
	PickupAt         time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
	AssignedDriverID *types.ID
	AssignedAt       *time.Time
	ArrivedAt        *time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
	RematchCount     int
	SearchStartedAt  *time.Time
	Cancellation     *Cancellation
	Dispute          *Dispute
	TotalCost        types.Money
	Version          int
}

// Clone returns a deep copy so callers never share pointers with a store.
func (b *Booking) Clone() *Booking {
	if b == nil {
		return nil
	}
	cp := *b
	cp.AssignedDriverID = cloneID(b.AssignedDriverID)
	cp.AssignedAt = cloneTime(b.AssignedAt)
	cp.ArrivedAt = cloneTime(b.ArrivedAt)
	cp.StartedAt = cloneTime(b.StartedAt)
	cp.CompletedAt = cloneTime(b.CompletedAt)
	cp.SearchStartedAt = cloneTime(b.SearchStartedAt)
	if b.Cancellation != nil {
		c := *b.Cancellation
		c.DriverID = cloneID(b.Cancellation.DriverID)
		cp.Cancellation = &c
	}
	if b.Dispute != nil {
		d := *b.Dispute
		cp.Dispute = &d
	}
	return &cp
}

type Event struct {
	ID         int64
	BookingID  types.ID
	FromStatus Status
	ToStatus   Status
	ActorType  string
	ActorID    *types.ID
	Reason     string
	CreatedAt  time.Time
}

func cloneID(v *types.ID) *types.ID {
	if v == nil {
		return nil
	}
	id := *v
	return &id
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	t := *v
	return &t
}

func timePtr(t time.Time) *time.Time {
	return &t
}
