// README: Ride command inputs and caller-facing errors.
package ride

import (
	"errors"
	"time"

	"rideflow/internal/modules/booking"
	"rideflow/internal/types"
)

var (
	ErrForbidden       = errors.New("actor may not act on this booking")
	ErrPaymentSettled  = errors.New("payment can no longer change")
	ErrAlreadyArrived  = errors.New("driver already marked arrival")
	ErrUnknownResponse = errors.New("unrecognised driver response")
)

type CreateCommand struct {
	PassengerID     types.ID
	PickupAt        time.Time
	TotalCost       types.Money
	AwaitingPayment bool
}

type CancelCommand struct {
	BookingID types.ID
	Actor     booking.Actor
	Reason    string
}

type NoShowCommand struct {
	BookingID types.ID
	DriverID  types.ID
}

type DisputeCommand struct {
	BookingID   types.ID
	PassengerID types.ID
	Reason      string
}

// OverrideCommand forces a booking into To. DriverID is required when To
// holds a driver and the booking does not have one yet.
type OverrideCommand struct {
	BookingID types.ID
	To        booking.Status
	AdminID   types.ID
	DriverID  *types.ID
	Reason    string
}
