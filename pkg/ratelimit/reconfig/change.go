package reconfig

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	tferrors "github.com/vnykmshr/tokenflow/pkg/common/errors"
	"github.com/vnykmshr/tokenflow/pkg/ratelimit/bucket"
)

// Change is a parameter update for a limiter. Nil fields are left as they are.
type Change struct {
	Rate  *bucket.Limit
	Burst *float64
}

// SetRate returns a Change that only updates the rate.
func SetRate(limit bucket.Limit) Change {
	return Change{}.WithRate(limit)
}

// SetBurst returns a Change that only updates the burst.
func SetBurst(burst float64) Change {
	return Change{}.WithBurst(burst)
}

// WithRate returns a copy of c that also updates the rate.
func (c Change) WithRate(limit bucket.Limit) Change {
	c.Rate = &limit
	return c
}

// WithBurst returns a copy of c that also updates the burst.
func (c Change) WithBurst(burst float64) Change {
	c.Burst = &burst
	return c
}

// IsZero reports whether c changes nothing.
func (c Change) IsZero() bool {
	return c.Rate == nil && c.Burst == nil
}

func (c Change) String() string {
	var parts []string
	if c.Rate != nil {
		parts = append(parts, "rate="+strconv.FormatFloat(float64(*c.Rate), 'g', -1, 64))
	}
	if c.Burst != nil {
		parts = append(parts, "burst="+strconv.FormatFloat(*c.Burst, 'g', -1, 64))
	}
	if len(parts) == 0 {
		return "no-op"
	}
	return strings.Join(parts, " ")
}

// Apply pushes c into target through SetLimit and SetBurst, rate first.
// Each rejected field yields an OperationError wrapping a ValidationError;
// an accepted field is kept even when the other one is rejected.
func (c Change) Apply(target bucket.Reconfigurable) error {
	var errs []error
	if c.Rate != nil && !target.SetLimit(*c.Rate) {
		errs = append(errs, tferrors.NewOperationError("reconfig", "SetLimit",
			tferrors.NewValidationError("reconfig", "rate", *c.Rate, "rejected by limiter").
				WithHint("rate must be positive and not NaN")))
	}
	if c.Burst != nil && !target.SetBurst(*c.Burst) {
		errs = append(errs, tferrors.NewOperationError("reconfig", "SetBurst",
			tferrors.NewValidationError("reconfig", "burst", *c.Burst, "rejected by limiter").
				WithHint("burst must be zero or positive")))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("apply %s: %w", c, errors.Join(errs...))
}
