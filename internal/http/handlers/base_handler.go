// README: Base handler utilities (JSON helpers, error mapping, booking views).
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"rideflow/internal/http/middleware"
	"rideflow/internal/modules/booking"
	"rideflow/internal/modules/dispatch"
	"rideflow/internal/modules/driver"
	"rideflow/internal/modules/fee"
	"rideflow/internal/modules/policy"
	"rideflow/internal/modules/ride"
	"rideflow/internal/types"
)

type errorResponse struct {
	Error  string            `json:"error"`
	Code   string            `json:"code,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

// isValidID accepts the generated uuids and the opaque Firebase uids used
// for people.
func isValidID(v string) bool {
	if v == "" || len(v) > 128 {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' || c == '_' {
			continue
		}
		return false
	}
	return true
}

func pathID(c *gin.Context, name string) (types.ID, bool) {
	v := c.Param(name)
	if !isValidID(v) {
		writeError(c, http.StatusBadRequest, "invalid "+name)
		return "", false
	}
	return types.ID(v), true
}

func caller(c *gin.Context) types.ID {
	return types.ID(middleware.CallerUID(c))
}

func callerActor(c *gin.Context) booking.Actor {
	id := caller(c)
	role := middleware.CallerRole(c)
	switch role {
	case middleware.RoleAdmin:
		return booking.Actor{Type: booking.ActorAdmin, ID: &id}
	case middleware.RoleDriver:
		return booking.Actor{Type: booking.ActorDriver, ID: &id}
	}
	return booking.Actor{Type: booking.ActorPassenger, ID: &id}
}

// bindOptional binds a JSON body when one was sent; an empty body leaves v
// at its zero value.
func bindOptional(c *gin.Context, v any) error {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return nil
	}
	return c.ShouldBindJSON(v)
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

type errorRule struct {
	target error
	status int
	code   string
}

// Order matters: the first matching rule wins.
var errorRules = []errorRule{
	{booking.ErrNotFound, http.StatusNotFound, "booking_not_found"},
	{driver.ErrNotFound, http.StatusNotFound, "driver_not_found"},
	{policy.ErrNotFound, http.StatusNotFound, "policy_not_found"},
	{ride.ErrForbidden, http.StatusForbidden, "forbidden"},
	{booking.ErrBadRequest, http.StatusBadRequest, "bad_request"},
	{ride.ErrUnknownResponse, http.StatusBadRequest, "bad_request"},
	{booking.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{booking.ErrStaleWrite, http.StatusConflict, "stale_write"},
	{booking.ErrStatusMutation, http.StatusConflict, "status_mutation"},
	{dispatch.ErrStaleAttempt, http.StatusConflict, "stale_attempt"},
	{dispatch.ErrOfferExpired, http.StatusGone, "offer_expired"},
	{dispatch.ErrNotConfirmed, http.StatusConflict, "not_confirmed"},
	{dispatch.ErrDriverUnavailable, http.StatusConflict, "driver_unavailable"},
	{dispatch.ErrNoDriverFound, http.StatusConflict, "no_driver_found"},
	{driver.ErrDriverBusy, http.StatusConflict, "driver_busy"},
	{ride.ErrAlreadyArrived, http.StatusConflict, "already_arrived"},
	{ride.ErrPaymentSettled, http.StatusConflict, "payment_settled"},
	{fee.ErrActiveBookingLimitExceeded, http.StatusTooManyRequests, "active_booking_limit"},
	{fee.ErrCancellationLimitExceeded, http.StatusTooManyRequests, "cancellation_limit"},
	{fee.ErrNoShowNotEligible, http.StatusUnprocessableEntity, "no_show_not_eligible"},
	{fee.ErrDisputeWindowClosed, http.StatusUnprocessableEntity, "dispute_window_closed"},
	{fee.ErrDisputeNotAllowed, http.StatusUnprocessableEntity, "dispute_not_allowed"},
	{fee.ErrDisputeAlreadyOpen, http.StatusConflict, "dispute_open"},
	{policy.ErrPolicyOutOfRange, http.StatusUnprocessableEntity, "policy_out_of_range"},
}

// writeRideError maps domain errors to status codes. Only admins see the
// error code; other callers get the coarse message.
func writeRideError(c *gin.Context, err error) {
	for _, rule := range errorRules {
		if !errors.Is(err, rule.target) {
			continue
		}
		resp := errorResponse{Error: rule.target.Error()}
		if middleware.CallerRole(c) == middleware.RoleAdmin {
			resp.Error = err.Error()
			resp.Code = rule.code
			var oor *policy.OutOfRangeError
			if errors.As(err, &oor) {
				resp.Fields = oor.Fields
			}
		}
		writeJSON(c, rule.status, resp)
		return
	}
	_ = c.Error(err)
	writeError(c, http.StatusInternalServerError, "internal error")
}

// coarseStatus is the lifecycle as riders see it.
func coarseStatus(s booking.Status) string {
	switch s {
	case booking.StatusAwaitingPayment:
		return "awaiting_payment"
	case booking.StatusPending, booking.StatusConfirmed:
		return "finding_driver"
	case booking.StatusDriverAssigned, booking.StatusDriverEnRoute:
		return "driver_on_the_way"
	case booking.StatusInProgress:
		return "on_trip"
	case booking.StatusCompleted:
		return "completed"
	case booking.StatusCancelled, booking.StatusNoShow:
		return "cancelled"
	case booking.StatusRefunded:
		return "refunded"
	}
	return "unknown"
}

type passengerBookingView struct {
	ID               types.ID              `json:"booking_id"`
	Status           string                `json:"status"`
	PaymentStatus    booking.PaymentStatus `json:"payment_status"`
	PickupAt         time.Time             `json:"pickup_at"`
	AssignedDriverID *types.ID             `json:"driver_id,omitempty"`
	ArrivedAt        *time.Time            `json:"driver_arrived_at,omitempty"`
	TotalCost        types.Money           `json:"total_cost"`
	CancellationFee  *types.Money          `json:"cancellation_fee,omitempty"`
	DisputeOpen      bool                  `json:"dispute_open"`
}

func passengerView(b *booking.Booking) passengerBookingView {
	v := passengerBookingView{
		ID:               b.ID,
		Status:           coarseStatus(b.Status),
		PaymentStatus:    b.PaymentStatus,
		PickupAt:         b.PickupAt,
		AssignedDriverID: b.AssignedDriverID,
		ArrivedAt:        b.ArrivedAt,
		TotalCost:        b.TotalCost,
		DisputeOpen:      b.Dispute != nil,
	}
	if b.Cancellation != nil {
		fee := b.Cancellation.FeeCharged
		v.CancellationFee = &fee
	}
	return v
}

type bookingView struct {
	ID               types.ID              `json:"booking_id"`
	PassengerID      types.ID              `json:"passenger_id"`
	Status           booking.Status        `json:"status"`
	PaymentStatus    booking.PaymentStatus `json:"payment_status"`
	PickupAt         time.Time             `json:"pickup_at"`
	CreatedAt        time.Time             `json:"created_at"`
	UpdatedAt        time.Time             `json:"updated_at"`
	AssignedDriverID *types.ID             `json:"assigned_driver_id,omitempty"`
	AssignedAt       *time.Time            `json:"assigned_at,omitempty"`
	ArrivedAt        *time.Time            `json:"arrived_at,omitempty"`
	StartedAt        *time.Time            `json:"started_at,omitempty"`
	CompletedAt      *time.Time            `json:"completed_at,omitempty"`
	RematchCount     int                   `json:"rematch_count"`
	SearchStartedAt  *time.Time            `json:"search_started_at,omitempty"`
	Cancellation     *booking.Cancellation `json:"cancellation,omitempty"`
	Dispute          *booking.Dispute      `json:"dispute,omitempty"`
	TotalCost        types.Money           `json:"total_cost"`
	Version          int                   `json:"version"`
}

func fullView(b *booking.Booking) bookingView {
	return bookingView{
		ID:               b.ID,
		PassengerID:      b.PassengerID,
		Status:           b.Status,
		PaymentStatus:    b.PaymentStatus,
		PickupAt:         b.PickupAt,
		CreatedAt:        b.CreatedAt,
		UpdatedAt:        b.UpdatedAt,
		AssignedDriverID: b.AssignedDriverID,
		AssignedAt:       b.AssignedAt,
		ArrivedAt:        b.ArrivedAt,
		StartedAt:        b.StartedAt,
		CompletedAt:      b.CompletedAt,
		RematchCount:     b.RematchCount,
		SearchStartedAt:  b.SearchStartedAt,
		Cancellation:     b.Cancellation,
		Dispute:          b.Dispute,
		TotalCost:        b.TotalCost,
		Version:          b.Version,
	}
}

type eventView struct {
	From      booking.Status `json:"from"`
	To        booking.Status `json:"to"`
	ActorType string         `json:"actor_type"`
	ActorID   *types.ID      `json:"actor_id,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	At        time.Time      `json:"at"`
}

func eventViews(events []booking.Event) []eventView {
	out := make([]eventView, 0, len(events))
	for _, e := range events {
		out = append(out, eventView{From: e.FromStatus, To: e.ToStatus, ActorType: e.ActorType, ActorID: e.ActorID, Reason: e.Reason, At: e.CreatedAt})
	}
	return out
}
