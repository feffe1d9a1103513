// README: Device token registration for push notifications.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"rideflow/internal/modules/notify"
)

type DeviceHandler struct {
	tokens notify.TokenStore
}

func NewDeviceHandler(tokens notify.TokenStore) *DeviceHandler {
	return &DeviceHandler{tokens: tokens}
}

type deviceTokenReq struct {
	Token string `json:"token" binding:"required,max=4096"`
}

func (h *DeviceHandler) PutToken(c *gin.Context) {
	if h.tokens == nil {
		writeError(c, http.StatusServiceUnavailable, "push notifications disabled")
		return
	}
	var req deviceTokenReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "token is required")
		return
	}
	if err := h.tokens.SetToken(c.Request.Context(), caller(c), req.Token); err != nil {
		_ = c.Error(err)
		writeError(c, http.StatusInternalServerError, "internal error")
		return
	}
	c.Status(http.StatusNoContent)
}
