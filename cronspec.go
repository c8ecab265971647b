package sentinelzero

import (
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser is shared across all cron Schedules; robfig/cron/v3's standard
// parser accepts the five-field form (minute hour dom month dow) spec.md
// §4.E names, with comma lists, hyphen ranges, *, and */step, and computes
// a DST-correct Next(t) by advancing minute-by-minute through time.Time
// normalization rather than naive arithmetic — exactly the behavior §4.E
// and the DST end-to-end scenario (§8 scenario 6) require.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// nextFire computes the schedule's next fire instant strictly after `now`,
// per §4.E; a one-shot returns its instant as written, even when that is
// not after `now`. loc is the daemon's configured evaluation timezone (UTC by
// default per §6.3).
func nextFire(s *Schedule, now time.Time, loc *time.Location) (time.Time, error) {
	switch s.Kind {
	case ScheduleCron:
		return nextCronFire(s.Expression, now, loc)
	case ScheduleInterval:
		return nextIntervalFire(s, now)
	case ScheduleOneShot:
		return nextOneShotFire(s)
	default:
		return time.Time{}, New(KindInvalidField, "unknown schedule kind "+string(s.Kind))
	}
}

func nextCronFire(expr string, now time.Time, loc *time.Location) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, Wrap(KindInvalidExpression, err, "invalid cron expression "+expr)
	}
	return sched.Next(now.In(loc)), nil
}

// ValidateCronExpression is exposed for put_schedule's InvalidExpression
// check (§6.1), so a bad cron string is rejected before it's persisted.
func ValidateCronExpression(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return Wrap(KindInvalidExpression, err, "invalid cron expression "+expr)
	}
	return nil
}

// nextIntervalFire implements §4.E's interval rule: next_fire = last_fire +
// interval; but if that would already be <= now (clock jump or backlog),
// fire once and advance to now + interval rather than bursting through the
// backlog.
func nextIntervalFire(s *Schedule, now time.Time) (time.Time, error) {
	interval, err := ParseDuration(s.Expression)
	if err != nil {
		return time.Time{}, Wrap(KindInvalidExpression, err, "invalid interval expression "+s.Expression)
	}
	if interval <= 0 {
		return time.Time{}, New(KindInvalidExpression, "interval must be positive")
	}

	if s.LastFire.IsZero() {
		return now.Add(interval), nil
	}

	next := s.LastFire.Add(interval)
	if !next.After(now) {
		return now.Add(interval), nil
	}
	return next, nil
}

// nextOneShotFire parses the one-shot instant. Once fired, the Scheduler
// disables the schedule (§4.E) rather than recomputing Next.
func nextOneShotFire(s *Schedule) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s.Expression)
	if err != nil {
		return time.Time{}, Wrap(KindInvalidExpression, err, "invalid one-shot instant "+s.Expression)
	}
	return t, nil
}
