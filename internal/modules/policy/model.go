// README: Policy snapshot with per-field bounds enforced before use.
package policy

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Policy is an immutable snapshot. Callers fetch it once per operation and
// pass it down by value.
type Policy struct {
	Version   int       `validate:"gte=0"`
	UpdatedAt time.Time `validate:"-"`

	MaxRematchAttempts    int           `validate:"min=1,max=10"`
	DriverResponseTimeout time.Duration `validate:"min=10s,max=120s"`
	TotalSearchTimeout    time.Duration `validate:"min=30s,max=30m"`
	DelayBetweenMatches   time.Duration `validate:"gte=0s,lte=60s"`
	AllowMultipleJobs     bool

	FreeCancellationWindow         time.Duration `validate:"gte=0s,lte=60m"`
	EnableCancellationFee          bool
	LateCancellationFee            int64         `validate:"gte=0,lte=1000000"`
	CancellationFeeToDriverPercent int           `validate:"gte=0,lte=100"`
	DriverLateThreshold            time.Duration `validate:"gte=0s,lte=60m"`
	EnableDriverLateWaiver         bool

	NoShowWaitTime           time.Duration `validate:"min=1m,max=30m"`
	EnableNoShowFee          bool
	NoShowFee                int64 `validate:"gte=0,lte=1000000"`
	NoShowFeeToDriverPercent int   `validate:"gte=0,lte=100"`

	MaxActiveBookings      int           `validate:"min=1,max=10"`
	MaxCancellationsPerDay int           `validate:"min=1,max=50"`
	DisputeWindow          time.Duration `validate:"min=1h,max=720h"`
	Currency               string        `validate:"required,len=3"`
}

// Default mirrors the values shipped with the admin console.
func Default() Policy {
	return Policy{
		MaxRematchAttempts:             3,
		DriverResponseTimeout:          15 * time.Second,
		TotalSearchTimeout:             5 * time.Minute,
		DelayBetweenMatches:            5 * time.Second,
		FreeCancellationWindow:         5 * time.Minute,
		EnableCancellationFee:          true,
		LateCancellationFee:            100,
		CancellationFeeToDriverPercent: 80,
		DriverLateThreshold:            10 * time.Minute,
		EnableDriverLateWaiver:         true,
		NoShowWaitTime:                 5 * time.Minute,
		EnableNoShowFee:                true,
		NoShowFee:                      150,
		NoShowFeeToDriverPercent:       100,
		MaxActiveBookings:              3,
		MaxCancellationsPerDay:         5,
		DisputeWindow:                  72 * time.Hour,
		Currency:                       "TWD",
	}
}

var ErrPolicyOutOfRange = errors.New("policy out of range")

// OutOfRangeError lists every field that failed its bounds.
type OutOfRangeError struct {
	Fields map[string]string
}

func (e *OutOfRangeError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return fmt.Sprintf("%s: %s", ErrPolicyOutOfRange.Error(), strings.Join(parts, "; "))
}

func (e *OutOfRangeError) Is(target error) bool {
	return target == ErrPolicyOutOfRange
}

var validate = validator.New()

// Validate rejects any out-of-range field. Values are never clamped.
func (p Policy) Validate() error {
	err := validate.Struct(p)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = describe(fe)
	}
	return &OutOfRangeError{Fields: fields}
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min", "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max", "lte":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "len":
		return fmt.Sprintf("must be exactly %s characters", fe.Param())
	default:
		return fmt.Sprintf("failed %s", fe.Tag())
	}
}
