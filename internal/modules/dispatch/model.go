// README: Dispatch attempt model and scheduler errors.
package dispatch

import (
	"errors"
	"time"

	"rideflow/internal/types"
)

type Outcome string

const (
	OutcomePending  Outcome = "pending"
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
	OutcomeExpired  Outcome = "expired"
	OutcomeRevoked  Outcome = "revoked"
)

// Attempt is one offer of a booking to one driver.
type Attempt struct {
	ID         types.ID   `json:"id"`
	BookingID  types.ID   `json:"booking_id"`
	DriverID   types.ID   `json:"driver_id"`
	OfferedAt  time.Time  `json:"offered_at"`
	Deadline   time.Time  `json:"deadline"`
	Outcome    Outcome    `json:"outcome"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Response is a driver's answer to an offer.
type Response struct {
	BookingID types.ID
	AttemptID types.ID
	DriverID  types.ID
	Accept    bool
}

var (
	ErrNoDriverFound     = errors.New("no driver found")
	ErrNotConfirmed      = errors.New("booking is not confirmed")
	ErrStaleAttempt      = errors.New("offer is no longer outstanding")
	ErrOfferExpired      = errors.New("offer deadline passed")
	ErrDriverUnavailable = errors.New("driver no longer available")
)

// Reasons a search ends without a driver.
const (
	failRematchLimit  = "rematch_limit"
	failSearchTimeout = "search_timeout"
	failNoCandidates  = "no_candidates"
)

// registryRetryDelay spaces retries after a registry error when the policy
// sets no delay between matches.
const registryRetryDelay = time.Second
