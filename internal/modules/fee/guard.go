// README: Booking-limit and dispute guards evaluated before a command runs.
package fee

import (
	"fmt"
	"time"

	"github.com/jinzhu/now"

	"rideflow/internal/modules/booking"
	"rideflow/internal/modules/policy"
)

func CheckActiveBookings(active int, p policy.Policy) error {
	if active >= p.MaxActiveBookings {
		return fmt.Errorf("%w: %d of %d", ErrActiveBookingLimitExceeded, active, p.MaxActiveBookings)
	}
	return nil
}

// CheckCancellations blocks a cancellation once the passenger has used up
// the day's allowance.
func CheckCancellations(cancelledToday int, p policy.Policy) error {
	if cancelledToday >= p.MaxCancellationsPerDay {
		return fmt.Errorf("%w: %d of %d", ErrCancellationLimitExceeded, cancelledToday, p.MaxCancellationsPerDay)
	}
	return nil
}

// DayStart is the beginning of at's calendar day in at's location.
func DayStart(at time.Time) time.Time {
	return now.With(at).BeginningOfDay()
}

// CheckDispute allows one dispute per booking within disputeWindow of the
// moment the charge became final.
func CheckDispute(b *booking.Booking, at time.Time, p policy.Policy) error {
	if b.Dispute != nil {
		return ErrDisputeAlreadyOpen
	}
	var since time.Time
	switch {
	case b.Status == booking.StatusCompleted && b.CompletedAt != nil:
		since = *b.CompletedAt
	case (b.Status == booking.StatusCancelled || b.Status == booking.StatusNoShow) && b.Cancellation != nil:
		since = b.Cancellation.At
	default:
		return fmt.Errorf("%w: %s", ErrDisputeNotAllowed, b.Status)
	}
	if at.Sub(since) > p.DisputeWindow {
		return ErrDisputeWindowClosed
	}
	return nil
}
