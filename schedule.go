package sentinelzero

import (
	"time"

	"github.com/google/uuid"
)

// ScheduleKind identifies how a Schedule's Expression is interpreted (§3).
type ScheduleKind string

const (
	ScheduleCron     ScheduleKind = "cron"
	ScheduleInterval ScheduleKind = "interval"
	ScheduleOneShot  ScheduleKind = "one-shot"
)

// Schedule is a named association to a Workload that produces fire events
// (§3). Grounded on original_source/src/core/scheduler.py's Schedule
// dataclass, translated to the spec's field set (kind/expression/enabled/
// last-fire/next-fire in place of the Python version's job_id/run_count).
type Schedule struct {
	ID         string
	WorkloadID string
	Kind       ScheduleKind
	Expression string
	Enabled    bool
	LastFire   time.Time
	NextFire   time.Time
}

// NewScheduleID mints a stable opaque identifier for a Schedule.
func NewScheduleID() string { return uuid.NewString() }

// Validate checks that Kind/Expression form a legal pair. It does not
// evaluate the expression (that's cronspec.go's job, since a cron
// expression's own field syntax must be checked by the same parser that
// will later compute Next).
func (s *Schedule) Validate() error {
	switch s.Kind {
	case ScheduleCron, ScheduleInterval, ScheduleOneShot:
	default:
		return New(KindInvalidField, "unknown schedule kind "+string(s.Kind))
	}
	if s.Expression == "" {
		return New(KindInvalidExpression, "expression must not be empty")
	}
	return nil
}
