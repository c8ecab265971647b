package sentinelzero

import (
	"context"
	"time"
)

// LogRecord is one captured output line, keyed for append-only storage
// (§6.2: "Logs are append-only keyed (workload_id, sequence)").
type LogRecord struct {
	WorkloadID string
	Sequence   uint64
	Stream     string
	Payload    []byte
	Truncated  bool
	At         time.Time
}

// MetricSample is one resource reading, keyed for append-only storage
// (§6.2: "Metrics are append-only keyed (workload_id, timestamp)").
type MetricSample struct {
	WorkloadID  string
	At          time.Time
	CPUFraction float64
	RSSBytes    uint64
	ThreadCount int32
}

// LogQuery is query_logs' input (§6.1).
type LogQuery struct {
	WorkloadID string
	Since      time.Time
	Until      time.Time
	Stream     string
	Grep       string
	Tail       int
}

// MetricQuery is query_metrics' input (§6.1).
type MetricQuery struct {
	WorkloadID string
	Since      time.Time
	Until      time.Time
}

// StoreGateway is the single explicit handle to persisted state (§6.2,
// §9's "globally shared ORM session / singletons ... replaced by a
// single Store Gateway handle passed explicitly to components that need
// it"). Declared-state mutations (workloads/policies/schedules) fail the
// calling command on StoreUnavailable; log/metric appends and event
// persistence are absorbed per §7's propagation policy, which is why
// PersistEvent, AppendLog and AppendMetric return errors that callers
// are expected to treat as advisory rather than fatal.
type StoreGateway interface {
	Persister

	CreateWorkload(ctx context.Context, w *Workload) error
	UpdateWorkload(ctx context.Context, w *Workload) error
	DeleteWorkload(ctx context.Context, id string) error
	GetWorkload(ctx context.Context, id string) (*Workload, error)
	ListWorkloads(ctx context.Context) ([]*Workload, error)

	PutPolicy(ctx context.Context, p *RestartPolicy) error
	GetPolicy(ctx context.Context, name string) (*RestartPolicy, error)
	ListPolicies(ctx context.Context) ([]*RestartPolicy, error)
	DeletePolicy(ctx context.Context, name string) error

	PutSchedule(ctx context.Context, s *Schedule) error
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	ListSchedules(ctx context.Context) ([]*Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error

	// AppendLog persists a batch of log records as one atomic write (§4.A:
	// "batched (default 100 rows or 200 ms) to bound write amplification").
	// Implementations must write the whole batch in a single underlying
	// write/sync rather than looping a singular per-record append.
	AppendLog(ctx context.Context, batch []LogRecord) error
	QueryLogs(ctx context.Context, q LogQuery) ([]LogRecord, error)

	// AppendMetric persists a batch of metric samples as one atomic write,
	// the same write-amplification-bounding contract as AppendLog.
	AppendMetric(ctx context.Context, batch []MetricSample) error
	QueryMetrics(ctx context.Context, q MetricQuery) ([]MetricSample, error)

	// PurgeBefore implements purge_before(workload, timestamp_or_seq)
	// (§4.A): it deletes workloadID's log records and metric samples older
	// than before (zero before skips the age-based pass), then, if
	// maxRecords is positive, trims whichever still exceeds maxRecords rows
	// down to the most recent maxRecords (§6.3 retention enforcement).
	PurgeBefore(ctx context.Context, workloadID string, before time.Time, maxRecords int) error

	// LastKnownPID reports the pid of the most recent EventProcessSpawned
	// persisted for workloadID that has no matching EventProcessExited,
	// i.e. what a prior daemon generation last believed was running. ok is
	// false if the workload's last recorded transition was already a
	// terminal one. Used exclusively by recovery (§4.F.3); the core never
	// re-adopts the pid, only reports it for the lost_on_recovery event.
	LastKnownPID(ctx context.Context, workloadID string) (pid int, ok bool, err error)
}
