// README: Driver availability model shared by dispatch and the lifecycle service.
package driver

import (
	"errors"
	"time"

	"rideflow/internal/types"
)

type Status string

const (
	StatusAvailable Status = "available"
	StatusBusy      Status = "busy"
	StatusOffline   Status = "offline"
)

func (s Status) Valid() bool {
	switch s {
	case StatusAvailable, StatusBusy, StatusOffline:
		return true
	}
	return false
}

var (
	ErrNotFound      = errors.New("driver not found")
	ErrInvalidStatus = errors.New("invalid driver status")
	ErrDriverBusy    = errors.New("driver is busy")
)

type Driver struct {
	ID        types.ID  `json:"id"`
	Status    Status    `json:"status"`
	IdleSince time.Time `json:"idle_since"`
	// ActiveBookings holds more than one id only when multiple jobs are allowed.
	ActiveBookings []types.ID `json:"active_bookings,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (d Driver) Holds(bookingID types.ID) bool {
	for _, id := range d.ActiveBookings {
		if id == bookingID {
			return true
		}
	}
	return false
}

// Change is one status write. BookingID is added to the driver's active
// bookings when Status is busy; any other status clears them.
type Change struct {
	Status    Status
	BookingID *types.ID
	At        time.Time
}

func (d *Driver) apply(c Change) {
	if d.Status != StatusAvailable && c.Status == StatusAvailable {
		d.IdleSince = c.At
	}
	d.Status = c.Status
	if c.Status == StatusBusy && c.BookingID != nil && !d.Holds(*c.BookingID) {
		d.ActiveBookings = append(d.ActiveBookings, *c.BookingID)
	}
	if c.Status != StatusBusy {
		d.ActiveBookings = nil
	}
	d.UpdatedAt = c.At
}

// drop removes bookingID and frees the driver once nothing is left.
func (d *Driver) drop(bookingID types.ID, at time.Time) {
	kept := d.ActiveBookings[:0]
	for _, id := range d.ActiveBookings {
		if id != bookingID {
			kept = append(kept, id)
		}
	}
	d.ActiveBookings = kept
	if len(kept) == 0 {
		d.apply(Change{Status: StatusAvailable, At: at})
		return
	}
	d.UpdatedAt = at
}
