// README: Passenger handlers for creating, confirming, cancelling and disputing bookings.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"rideflow/internal/http/middleware"
	"rideflow/internal/modules/booking"
	"rideflow/internal/modules/ride"
	"rideflow/internal/types"
)

type PassengerHandler struct {
	rides *ride.Service
}

func NewPassengerHandler(rides *ride.Service) *PassengerHandler {
	return &PassengerHandler{rides: rides}
}

type moneyReq struct {
	Amount   int64  `json:"amount" binding:"gte=0"`
	Currency string `json:"currency" binding:"omitempty,len=3"`
}

type createBookingReq struct {
	PickupAt        time.Time `json:"pickup_at" binding:"required"`
	TotalCost       moneyReq  `json:"total_cost"`
	AwaitingPayment bool      `json:"awaiting_payment"`
}

type reasonReq struct {
	Reason string `json:"reason" binding:"max=500"`
}

func (h *PassengerHandler) Create(c *gin.Context) {
	var req createBookingReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	b, err := h.rides.Create(c.Request.Context(), ride.CreateCommand{
		PassengerID:     caller(c),
		PickupAt:        req.PickupAt,
		TotalCost:       types.NewMoney(req.TotalCost.Amount, req.TotalCost.Currency),
		AwaitingPayment: req.AwaitingPayment,
	})
	if err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, passengerView(b))
}

func (h *PassengerHandler) Get(c *gin.Context) {
	b, ok := h.owned(c)
	if !ok {
		return
	}
	writeJSON(c, http.StatusOK, passengerView(b))
}

func (h *PassengerHandler) Confirm(c *gin.Context) {
	b, ok := h.owned(c)
	if !ok {
		return
	}
	got, err := h.rides.Confirm(c.Request.Context(), b.ID, callerActor(c))
	if err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, passengerView(got))
}

func (h *PassengerHandler) Cancel(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req reasonReq
	if err := bindOptional(c, &req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	b, err := h.rides.Cancel(c.Request.Context(), ride.CancelCommand{
		BookingID: id,
		Actor:     callerActor(c),
		Reason:    req.Reason,
	})
	if err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, passengerView(b))
}

func (h *PassengerHandler) Dispute(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req reasonReq
	if err := bindOptional(c, &req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	b, err := h.rides.OpenDispute(c.Request.Context(), ride.DisputeCommand{
		BookingID:   id,
		PassengerID: caller(c),
		Reason:      req.Reason,
	})
	if err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, passengerView(b))
}

// owned loads the booking and hides it from anyone but its passenger.
func (h *PassengerHandler) owned(c *gin.Context) (*booking.Booking, bool) {
	id, ok := pathID(c, "id")
	if !ok {
		return nil, false
	}
	b, err := h.rides.Get(c.Request.Context(), id)
	if err != nil {
		writeRideError(c, err)
		return nil, false
	}
	if b.PassengerID != caller(c) && middleware.CallerRole(c) != middleware.RoleAdmin {
		writeRideError(c, booking.ErrNotFound)
		return nil, false
	}
	return b, true
}
