// README: Wire/storage form of a Policy (durations as whole seconds).
package policy

import "time"

// Document is what the admin surface reads and writes and what the policy
// table stores as jsonb.
type Document struct {
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`

	MaxRematchAttempts       int  `json:"max_rematch_attempts"`
	DriverResponseTimeoutSec int  `json:"driver_response_timeout_sec"`
	TotalSearchTimeoutSec    int  `json:"total_search_timeout_sec"`
	DelayBetweenMatchesSec   int  `json:"delay_between_matches_sec"`
	AllowMultipleJobs        bool `json:"allow_multiple_jobs"`

	FreeCancellationWindowSec      int   `json:"free_cancellation_window_sec"`
	EnableCancellationFee          bool  `json:"enable_cancellation_fee"`
	LateCancellationFee            int64 `json:"late_cancellation_fee"`
	CancellationFeeToDriverPercent int   `json:"cancellation_fee_to_driver_percent"`
	DriverLateThresholdSec         int   `json:"driver_late_threshold_sec"`
	EnableDriverLateWaiver         bool  `json:"enable_driver_late_waiver"`

	NoShowWaitTimeSec        int   `json:"no_show_wait_time_sec"`
	EnableNoShowFee          bool  `json:"enable_no_show_fee"`
	NoShowFee                int64 `json:"no_show_fee"`
	NoShowFeeToDriverPercent int   `json:"no_show_fee_to_driver_percent"`

	MaxActiveBookings      int    `json:"max_active_bookings"`
	MaxCancellationsPerDay int    `json:"max_cancellations_per_day"`
	DisputeWindowHours     int    `json:"dispute_window_hours"`
	Currency               string `json:"currency"`
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (d Document) Policy() Policy {
	return Policy{
		Version:                        d.Version,
		UpdatedAt:                      d.UpdatedAt,
		MaxRematchAttempts:             d.MaxRematchAttempts,
		DriverResponseTimeout:          seconds(d.DriverResponseTimeoutSec),
		TotalSearchTimeout:             seconds(d.TotalSearchTimeoutSec),
		DelayBetweenMatches:            seconds(d.DelayBetweenMatchesSec),
		AllowMultipleJobs:              d.AllowMultipleJobs,
		FreeCancellationWindow:         seconds(d.FreeCancellationWindowSec),
		EnableCancellationFee:          d.EnableCancellationFee,
		LateCancellationFee:            d.LateCancellationFee,
		CancellationFeeToDriverPercent: d.CancellationFeeToDriverPercent,
		DriverLateThreshold:            seconds(d.DriverLateThresholdSec),
		EnableDriverLateWaiver:         d.EnableDriverLateWaiver,
		NoShowWaitTime:                 seconds(d.NoShowWaitTimeSec),
		EnableNoShowFee:                d.EnableNoShowFee,
		NoShowFee:                      d.NoShowFee,
		NoShowFeeToDriverPercent:       d.NoShowFeeToDriverPercent,
		MaxActiveBookings:              d.MaxActiveBookings,
		MaxCancellationsPerDay:         d.MaxCancellationsPerDay,
		DisputeWindow:                  time.Duration(d.DisputeWindowHours) * time.Hour,
		Currency:                       d.Currency,
	}
}

func (p Policy) Document() Document {
	return Document{
		Version:                        p.Version,
		UpdatedAt:                      p.UpdatedAt,
		MaxRematchAttempts:             p.MaxRematchAttempts,
		DriverResponseTimeoutSec:       int(p.DriverResponseTimeout / time.Second),
		TotalSearchTimeoutSec:          int(p.TotalSearchTimeout / time.Second),
		DelayBetweenMatchesSec:         int(p.DelayBetweenMatches / time.Second),
		AllowMultipleJobs:              p.AllowMultipleJobs,
		FreeCancellationWindowSec:      int(p.FreeCancellationWindow / time.Second),
		EnableCancellationFee:          p.EnableCancellationFee,
		LateCancellationFee:            p.LateCancellationFee,
		CancellationFeeToDriverPercent: p.CancellationFeeToDriverPercent,
		DriverLateThresholdSec:         int(p.DriverLateThreshold / time.Second),
		EnableDriverLateWaiver:         p.EnableDriverLateWaiver,
		NoShowWaitTimeSec:              int(p.NoShowWaitTime / time.Second),
		EnableNoShowFee:                p.EnableNoShowFee,
		NoShowFee:                      p.NoShowFee,
		NoShowFeeToDriverPercent:       p.NoShowFeeToDriverPercent,
		MaxActiveBookings:              p.MaxActiveBookings,
		MaxCancellationsPerDay:         p.MaxCancellationsPerDay,
		DisputeWindowHours:             int(p.DisputeWindow / time.Hour),
		Currency:                       p.Currency,
	}
}
