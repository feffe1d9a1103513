// README: Driver handlers for availability, offers and trip progress.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"rideflow/internal/clock"
	"rideflow/internal/modules/booking"
	"rideflow/internal/modules/dispatch"
	"rideflow/internal/modules/driver"
	"rideflow/internal/modules/ride"
	"rideflow/internal/types"
)

type DriverHandler struct {
	rides   *ride.Service
	drivers *driver.Service
	clock   clock.Clock
}

func NewDriverHandler(rides *ride.Service, drivers *driver.Service, clk clock.Clock) *DriverHandler {
	if clk == nil {
		clk = clock.Real{}
	}
	return &DriverHandler{rides: rides, drivers: drivers, clock: clk}
}

type driverView struct {
	ID             types.ID      `json:"driver_id"`
	Status         driver.Status `json:"status"`
	ActiveBookings []types.ID    `json:"active_bookings,omitempty"`
}

func (h *DriverHandler) GoOnline(c *gin.Context) {
	d, err := h.drivers.GoOnline(c.Request.Context(), caller(c))
	if err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, driverView{ID: d.ID, Status: d.Status, ActiveBookings: d.ActiveBookings})
}

func (h *DriverHandler) GoOffline(c *gin.Context) {
	d, err := h.drivers.GoOffline(c.Request.Context(), caller(c))
	if err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, driverView{ID: d.ID, Status: d.Status, ActiveBookings: d.ActiveBookings})
}

// CurrentOffer lets a client that missed the push render the countdown.
func (h *DriverHandler) CurrentOffer(c *gin.Context) {
	a, ok := h.rides.Offer(caller(c))
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}
	remaining := a.Deadline.Sub(h.clock.Now())
	if remaining < 0 {
		remaining = 0
	}
	writeJSON(c, http.StatusOK, gin.H{
		"attempt_id": a.ID,
		"booking_id": a.BookingID,
		"offered_at": a.OfferedAt,
		"deadline":   a.Deadline,
		"expires_in": int(remaining.Seconds()),
	})
}

type respondReq struct {
	BookingID string `json:"booking_id" binding:"required"`
	Accept    *bool  `json:"accept" binding:"required"`
}

func (h *DriverHandler) Respond(c *gin.Context) {
	attemptID, ok := pathID(c, "attempt_id")
	if !ok {
		return
	}
	var req respondReq
	if err := c.ShouldBindJSON(&req); err != nil || !isValidID(req.BookingID) {
		writeError(c, http.StatusBadRequest, "booking_id and accept are required")
		return
	}
	err := h.rides.RespondToOffer(c.Request.Context(), dispatch.Response{
		BookingID: types.ID(req.BookingID),
		AttemptID: attemptID,
		DriverID:  caller(c),
		Accept:    *req.Accept,
	})
	if err != nil {
		writeRideError(c, err)
		return
	}
	if !*req.Accept {
		writeJSON(c, http.StatusOK, gin.H{"status": "rejected"})
		return
	}
	b, err := h.rides.Get(c.Request.Context(), types.ID(req.BookingID))
	if err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, fullView(b))
}

type tripStep func(ctx context.Context, bookingID, driverID types.ID) (*booking.Booking, error)

func (h *DriverHandler) step(fn tripStep) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c, "id")
		if !ok {
			return
		}
		b, err := fn(c.Request.Context(), id, caller(c))
		if err != nil {
			writeRideError(c, err)
			return
		}
		writeJSON(c, http.StatusOK, fullView(b))
	}
}

func (h *DriverHandler) Depart() gin.HandlerFunc   { return h.step(h.rides.DepartForPickup) }
func (h *DriverHandler) Arrive() gin.HandlerFunc   { return h.step(h.rides.MarkArrived) }
func (h *DriverHandler) Start() gin.HandlerFunc    { return h.step(h.rides.StartTrip) }
func (h *DriverHandler) Complete() gin.HandlerFunc { return h.step(h.rides.Complete) }

func (h *DriverHandler) NoShow(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	b, err := h.rides.ReportNoShow(c.Request.Context(), ride.NoShowCommand{BookingID: id, DriverID: caller(c)})
	if err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, fullView(b))
}

func (h *DriverHandler) Cancel(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req reasonReq
	if err := bindOptional(c, &req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	b, err := h.rides.Cancel(c.Request.Context(), ride.CancelCommand{BookingID: id, Actor: callerActor(c), Reason: req.Reason})
	if err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, fullView(b))
}
