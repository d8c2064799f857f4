package pkg

import (
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/pkg/errors"
)

// DefaultDispatchWindow is the poll period of the external dispatcher
// invocation. A schedule fires when its previous occurrence falls inside
// the window ending at the evaluation instant.
const DefaultDispatchWindow = 1 * time.Minute

type CronEvaluator struct {
	window time.Duration
	gron   *gronx.Gronx
}

func NewCronEvaluator(window time.Duration) *CronEvaluator {
	if window <= 0 {
		window = DefaultDispatchWindow
	}
	return &CronEvaluator{
		window: window,
		gron:   gronx.New(),
	}
}

func (e *CronEvaluator) Window() time.Duration {
	return e.window
}

// ShouldTriggerNow reports whether a schedule is due at the given instant:
// the previous cron occurrence, computed in the schedule's timezone, must
// lie within [now-window, now]. A delta of exactly window belongs to the
// previous poll and does not fire again.
//
// Any parse or timezone failure is returned as an error, never a fire.
func (e *CronEvaluator) ShouldTriggerNow(expr string, timezone string, now time.Time) (bool, error) {
	loc, err := loadLocation(timezone)
	if err != nil {
		return false, err
	}

	localNow := now.In(loc)

	prev, err := gronx.PrevTickBefore(expr, localNow, true)
	if err != nil {
		return false, errors.WithMessagef(err, "failed to evaluate cron expression %q", expr)
	}

	delta := localNow.Sub(prev)
	return delta >= 0 && delta < e.window, nil
}

// NextRunAfter returns the first occurrence strictly after ref, in the
// schedule's timezone. Returns nil with an error when the expression
// cannot be evaluated.
func (e *CronEvaluator) NextRunAfter(expr string, timezone string, ref time.Time) (*time.Time, error) {
	loc, err := loadLocation(timezone)
	if err != nil {
		return nil, err
	}

	next, err := gronx.NextTickAfter(expr, ref.In(loc), false)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to compute next occurrence of %q", expr)
	}

	return &next, nil
}

// ComputeNextRunTime returns the next occurrence after the current wall
// clock, used to refresh a schedule's nextRunAt.
func (e *CronEvaluator) ComputeNextRunTime(expr string, timezone string) (*time.Time, error) {
	return e.NextRunAfter(expr, timezone, time.Now())
}

// ValidateCronExpression rejects structurally invalid expressions before
// handing them to the parser: schedules use 5 fields (standard cron) or
// 6 fields (leading seconds). Macros like @hourly are not accepted.
func (e *CronEvaluator) ValidateCronExpression(expr string) error {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return errors.New("empty cron expression")
	}

	fieldCount := len(strings.Fields(expr))
	if fieldCount < 5 || fieldCount > 6 {
		return errors.Errorf("cron expression must have 5 or 6 fields, got %d", fieldCount)
	}

	if !e.gron.IsValid(expr) {
		return errors.Errorf("invalid cron expression: %s", expr)
	}

	return nil
}

// ValidateTimezone checks that the timezone is a known IANA name.
func (e *CronEvaluator) ValidateTimezone(timezone string) error {
	if timezone == "" {
		return errors.New("empty timezone")
	}
	if _, err := time.LoadLocation(timezone); err != nil {
		return errors.WithMessagef(err, "unknown timezone %q", timezone)
	}
	return nil
}

func loadLocation(timezone string) (*time.Location, error) {
	if timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, errors.WithMessagef(err, "unknown timezone %q", timezone)
	}
	return loc, nil
}
