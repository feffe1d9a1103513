// README: Pure fee rules for cancellations and no-shows.
package fee

import (
	"fmt"
	"time"

	"rideflow/internal/modules/booking"
	"rideflow/internal/modules/policy"
	"rideflow/internal/types"
)

// CancellationFee decides what a cancellation at now costs. The rules are
// checked in order and the first that applies wins.
func CancellationFee(b *booking.Booking, now time.Time, p policy.Policy) Quote {
	if b.AssignedDriverID == nil || b.AssignedAt == nil {
		return waived(ReasonBeforeAssignment, p)
	}
	if now.Sub(*b.AssignedAt) <= p.FreeCancellationWindow {
		return waived(ReasonWithinFreeWindow, p)
	}
	if p.EnableDriverLateWaiver && DriverLateness(b, now) > p.DriverLateThreshold {
		return waived(ReasonDriverLateWaiver, p)
	}
	if !p.EnableCancellationFee {
		return waived(ReasonFeeDisabled, p)
	}
	charged := types.NewMoney(p.LateCancellationFee, p.Currency)
	return Quote{
		Fee:          charged,
		DriverPayout: charged.Percent(p.CancellationFeeToDriverPercent),
		Reason:       ReasonLateCancellation,
	}
}

// DriverLateness is how far past the promised pickup the driver arrived, or
// is still running if not arrived yet. Never negative.
func DriverLateness(b *booking.Booking, now time.Time) time.Duration {
	ref := now
	if b.ArrivedAt != nil {
		ref = *b.ArrivedAt
	}
	if late := ref.Sub(b.PickupAt); late > 0 {
		return late
	}
	return 0
}

// NoShowFee is only eligible once the driver has waited noShowWaitTime.
func NoShowFee(b *booking.Booking, waited time.Duration, p policy.Policy) (Quote, error) {
	if waited < p.NoShowWaitTime {
		return Quote{}, fmt.Errorf("%w: waited %s of %s", ErrNoShowNotEligible, waited, p.NoShowWaitTime)
	}
	if !p.EnableNoShowFee {
		return waived(ReasonFeeDisabled, p), nil
	}
	charged := types.NewMoney(p.NoShowFee, p.Currency)
	return Quote{
		Fee:          charged,
		DriverPayout: charged.Percent(p.NoShowFeeToDriverPercent),
		Reason:       ReasonNoShow,
	}, nil
}

// WaitedSinceArrival is zero until the driver reports arrival.
func WaitedSinceArrival(b *booking.Booking, now time.Time) time.Duration {
	if b.ArrivedAt == nil || now.Before(*b.ArrivedAt) {
		return 0
	}
	return now.Sub(*b.ArrivedAt)
}

func waived(reason Reason, p policy.Policy) Quote {
	zero := types.NewMoney(0, p.Currency)
	return Quote{Fee: zero, DriverPayout: zero, Reason: reason, Waived: true}
}
