// README: Fee quote types and the errors raised by the booking guards.
package fee

import (
	"errors"

	"rideflow/internal/types"
)

type Reason string

const (
	ReasonBeforeAssignment Reason = "before_assignment"
	ReasonWithinFreeWindow Reason = "within_free_window"
	ReasonDriverLateWaiver Reason = "driver_late_waiver"
	ReasonFeeDisabled      Reason = "fee_disabled"
	ReasonLateCancellation Reason = "late_cancellation"
	ReasonNoShow           Reason = "no_show"
)

// Quote is the outcome of a fee rule. Waived is set when a rule zeroed the
// fee; Reason always names the rule that decided.
type Quote struct {
	Fee          types.Money `json:"fee"`
	DriverPayout types.Money `json:"driver_payout"`
	Reason       Reason      `json:"reason"`
	Waived       bool        `json:"waived"`
}

var (
	ErrNoShowNotEligible          = errors.New("no-show wait time not reached")
	ErrActiveBookingLimitExceeded = errors.New("active booking limit exceeded")
	ErrCancellationLimitExceeded  = errors.New("daily cancellation limit exceeded")
	ErrDisputeWindowClosed        = errors.New("dispute window closed")
	ErrDisputeNotAllowed          = errors.New("booking cannot be disputed in its current status")
	ErrDisputeAlreadyOpen         = errors.New("dispute already open")
)
