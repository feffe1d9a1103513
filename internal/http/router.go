// README: HTTP router registration.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"rideflow/internal/clock"
	"rideflow/internal/http/handlers"
	"rideflow/internal/http/middleware"
	"rideflow/internal/infra"
	"rideflow/internal/modules/driver"
	"rideflow/internal/modules/notify"
	"rideflow/internal/modules/policy"
	"rideflow/internal/modules/ride"
)

type RouterDeps struct {
	Rides    *ride.Service
	Drivers  *driver.Service
	Policies *policy.Service
	Tokens   notify.TokenStore
	Hub      *notify.Hub
	Verifier infra.TokenVerifier
	Clock    clock.Clock
	Log      *zap.Logger
}

func NewRouter(deps RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery(deps.Log), middleware.Logging(deps.Log))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	if deps.Hub != nil {
		// The socket authenticates with its first frame.
		r.GET("/ws", func(c *gin.Context) {
			deps.Hub.ServeWS(c.Writer, c.Request)
		})
	}

	api := r.Group("/api", middleware.Auth(deps.Verifier))

	devices := handlers.NewDeviceHandler(deps.Tokens)
	api.PUT("/devices/token", devices.PutToken)

	passenger := handlers.NewPassengerHandler(deps.Rides)
	p := api.Group("/passenger", middleware.RequireRole(middleware.RolePassenger))
	p.POST("/bookings", passenger.Create)
	p.GET("/bookings/:id", passenger.Get)
	p.POST("/bookings/:id/confirm", passenger.Confirm)
	p.POST("/bookings/:id/cancel", passenger.Cancel)
	p.POST("/bookings/:id/dispute", passenger.Dispute)

	drv := handlers.NewDriverHandler(deps.Rides, deps.Drivers, deps.Clock)
	d := api.Group("/driver", middleware.RequireRole(middleware.RoleDriver))
	d.POST("/online", drv.GoOnline)
	d.POST("/offline", drv.GoOffline)
	d.GET("/offer", drv.CurrentOffer)
	d.POST("/offers/:attempt_id/respond", drv.Respond)
	d.POST("/bookings/:id/depart", drv.Depart())
	d.POST("/bookings/:id/arrive", drv.Arrive())
	d.POST("/bookings/:id/start", drv.Start())
	d.POST("/bookings/:id/complete", drv.Complete())
	d.POST("/bookings/:id/no-show", drv.NoShow)
	d.POST("/bookings/:id/cancel", drv.Cancel)

	admin := handlers.NewAdminHandler(deps.Rides, deps.Policies)
	a := api.Group("/admin", middleware.RequireRole(middleware.RoleAdmin))
	a.GET("/policy", admin.GetPolicy)
	a.PUT("/policy", admin.PutPolicy)
	a.GET("/bookings/:id", admin.GetBooking)
	a.GET("/bookings/:id/history", admin.History)
	a.GET("/bookings/:id/attempts", admin.Attempts)
	a.POST("/bookings/:id/override", admin.Override)
	a.POST("/bookings/:id/refund", admin.Refund)
	a.POST("/bookings/:id/mark-paid", admin.MarkPaid)
	a.POST("/bookings/:id/cancel", admin.Cancel)

	return r
}
