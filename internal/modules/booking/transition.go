// README: Status transition validator; the only place the status graph lives.
package booking

import (
	"errors"
	"fmt"
)

// AllowedTransitions represents the booking state flow as code. No edge
// outside this table is ever permitted.
var AllowedTransitions = map[Status][]Status{
	StatusAwaitingPayment: {StatusPending, StatusCancelled},
	StatusPending:         {StatusConfirmed, StatusCancelled},
	StatusConfirmed:       {StatusDriverAssigned, StatusCancelled},
	StatusDriverAssigned:  {StatusDriverEnRoute, StatusCancelled},
	StatusDriverEnRoute:   {StatusInProgress, StatusCancelled},
	StatusInProgress:      {StatusCompleted, StatusCancelled},
	StatusCompleted:       {StatusRefunded},
	StatusCancelled:       {StatusRefunded},
	StatusNoShow:          {StatusRefunded},
	StatusRefunded:        {},
}

var ErrInvalidTransition = errors.New("invalid state transition")

type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s", ErrInvalidTransition.Error(), e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

// RequestTransition returns a copy of b moved to target. Asking for the
// current status is a no-op success that returns an unchanged copy.
func RequestTransition(b *Booking, target Status) (*Booking, error) {
	if b.Status == target {
		return b.Clone(), nil
	}
	if !CanTransition(b.Status, target) {
		return nil, &InvalidTransitionError{From: b.Status, To: target}
	}
	next := b.Clone()
	next.Status = target
	return next, nil
}
