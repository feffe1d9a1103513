// README: Admin handlers for the dispatch policy and booking overrides.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"rideflow/internal/modules/booking"
	"rideflow/internal/modules/policy"
	"rideflow/internal/modules/ride"
	"rideflow/internal/types"
)

type AdminHandler struct {
	rides    *ride.Service
	policies *policy.Service
}

func NewAdminHandler(rides *ride.Service, policies *policy.Service) *AdminHandler {
	return &AdminHandler{rides: rides, policies: policies}
}

func (h *AdminHandler) GetPolicy(c *gin.Context) {
	p, err := h.policies.Current(c.Request.Context())
	if err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, p.Document())
}

// PutPolicy stores a new version. Out-of-range fields are listed and
// nothing is saved.
func (h *AdminHandler) PutPolicy(c *gin.Context) {
	var doc policy.Document
	if err := c.ShouldBindJSON(&doc); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	saved, err := h.policies.Update(c.Request.Context(), doc.Policy())
	if err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, saved.Document())
}

func (h *AdminHandler) GetBooking(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	b, err := h.rides.Get(c.Request.Context(), id)
	if err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, fullView(b))
}

func (h *AdminHandler) History(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	events, err := h.rides.History(c.Request.Context(), id)
	if err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"events": eventViews(events)})
}

func (h *AdminHandler) Attempts(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	attempts, err := h.rides.Attempts(c.Request.Context(), id)
	if err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"attempts": attempts})
}

type overrideReq struct {
	Status   string `json:"status" binding:"required"`
	DriverID string `json:"driver_id"`
	Reason   string `json:"reason" binding:"required,max=500"`
}

func (h *AdminHandler) Override(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req overrideReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "status and reason are required")
		return
	}
	cmd := ride.OverrideCommand{
		BookingID: id,
		To:        booking.Status(req.Status),
		AdminID:   caller(c),
		Reason:    req.Reason,
	}
	if req.DriverID != "" {
		if !isValidID(req.DriverID) {
			writeError(c, http.StatusBadRequest, "invalid driver_id")
			return
		}
		d := types.ID(req.DriverID)
		cmd.DriverID = &d
	}
	b, err := h.rides.AdminOverride(c.Request.Context(), cmd)
	if err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, fullView(b))
}

func (h *AdminHandler) Refund(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	b, err := h.rides.Refund(c.Request.Context(), id, callerActor(c))
	if err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, fullView(b))
}

// MarkPaid is called by the payment integration once funds are captured.
func (h *AdminHandler) MarkPaid(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	b, err := h.rides.MarkPaid(c.Request.Context(), id)
	if err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, fullView(b))
}

func (h *AdminHandler) Cancel(c *gin.Context) {
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
