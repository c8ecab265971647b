package sentinelzero

import (
	"time"

	"github.com/google/uuid"
)

// State is a Supervisor's current phase in the §4.D state machine.
type State string

const (
	StateIdle       State = "Idle"
	StateStarting   State = "Starting"
	StateRunning    State = "Running"
	StateStopping   State = "Stopping"
	StateEvaluating State = "Evaluating"
	StateBackingOff State = "BackingOff"
	StateStopped    State = "Stopped"
	StateFailed     State = "Failed"
	StateTerminated State = "Terminated"
)

// Workload is the declared intent to run a command (§3). Grounded on
// original_source/src/core/process_manager.py's ProcessInfo dataclass,
// translated to the spec's exact field set.
type Workload struct {
	ID           string
	Name         string
	Argv         []string
	Cwd          string
	Env          map[string]string
	Group        string
	PolicyName   string
	ScheduleIDs  []string
	CreatedAt    time.Time
	LastModified time.Time
}

// NewWorkloadID mints a stable, opaque identifier. Per §3's invariant,
// identifiers are immutable once assigned.
func NewWorkloadID() string { return uuid.NewString() }

// Clone returns a deep copy suitable for handing to a caller (e.g. from
// describe()) without risking the Coordinator's internal registry being
// mutated by the recipient.
func (w *Workload) Clone() *Workload {
	if w == nil {
		return nil
	}
	c := *w
	c.Argv = append([]string(nil), w.Argv...)
	c.ScheduleIDs = append([]string(nil), w.ScheduleIDs...)
	c.Env = make(map[string]string, len(w.Env))
	for k, v := range w.Env {
		c.Env[k] = v
	}
	return &c
}

// Validate checks the invariants create_workload/update_workload must
// enforce before the Coordinator accepts a mutation (§6.1).
func (w *Workload) Validate() error {
	if w.Name == "" {
		return New(KindInvalidField, "name must not be empty")
	}
	if len(w.Argv) == 0 || w.Argv[0] == "" {
		return New(KindInvalidArgv, "argv must have at least one element")
	}
	return nil
}

// RuntimeState is the live facet of a Workload (§3). It is not persisted as
// a whole — it is reconstructed from audit events on startup (§4.6/§4.F.3)
// and reset to its zero value whenever a Supervisor is (re)created.
type RuntimeState struct {
	Phase               State
	PID                 int
	StartedAt           time.Time
	LastExitCode        int
	LastExitWasSignal   bool
	ConsecutiveFailures int
	NextRestartAt       time.Time
}

// Snapshot is the read-only view returned by describe()/list_workloads
// (§6.1), pairing a Workload with its current RuntimeState.
type Snapshot struct {
	Workload Workload
	Runtime  RuntimeState
}
