package store

import (
	"encoding/json"
	"time"

	"github.com/ShuhaoZQGG/sentinel-zero"
)

func timeFromUnixNS(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// workloadRow is the gorm model for a persisted Workload. Argv/Env/
// ScheduleIDs have no natural fixed-width column form, so they round-trip
// JSON-encoded the same way cronmon's event payloads do.
type workloadRow struct {
	ID           string `gorm:"primaryKey"`
	Name         string `gorm:"uniqueIndex"`
	Argv         string
	Cwd          string
	Env          string
	Group        string `gorm:"index"`
	PolicyName   string
	ScheduleIDs  string
	CreatedAt    time.Time
	LastModified time.Time
}

func (workloadRow) TableName() string { return "workloads" }

func workloadToRow(w *sentinelzero.Workload) *workloadRow {
	return &workloadRow{
		ID:           w.ID,
		Name:         w.Name,
		Argv:         encodeStrings(w.Argv),
		Cwd:          w.Cwd,
		Env:          encodeEnv(w.Env),
		Group:        w.Group,
		PolicyName:   w.PolicyName,
		ScheduleIDs:  encodeStrings(w.ScheduleIDs),
		CreatedAt:    w.CreatedAt,
		LastModified: w.LastModified,
	}
}

func rowToWorkload(r *workloadRow) *sentinelzero.Workload {
	return &sentinelzero.Workload{
		ID:           r.ID,
		Name:         r.Name,
		Argv:         decodeStrings(r.Argv),
		Cwd:          r.Cwd,
		Env:          decodeEnv(r.Env),
		Group:        r.Group,
		PolicyName:   r.PolicyName,
		ScheduleIDs:  decodeStrings(r.ScheduleIDs),
		CreatedAt:    r.CreatedAt,
		LastModified: r.LastModified,
	}
}

func encodeStrings(ss []string) string {
	b, _ := json.Marshal(ss)
	return string(b)
}

func decodeStrings(s string) []string {
	if s == "" {
		return nil
	}
	var ss []string
	_ = json.Unmarshal([]byte(s), &ss)
	return ss
}

func encodeEnv(m map[string]string) string {
	b, _ := json.Marshal(m)
	return string(b)
}

func decodeEnv(s string) map[string]string {
	m := map[string]string{}
	if s == "" {
		return m
	}
	_ = json.Unmarshal([]byte(s), &m)
	return m
}

func encodeExitCodeSet(m map[int]struct{}) string {
	codes := make([]int, 0, len(m))
	for c := range m {
		codes = append(codes, c)
	}
	b, _ := json.Marshal(codes)
	return string(b)
}

func decodeExitCodeSet(s string) map[int]struct{} {
	out := map[int]struct{}{}
	if s == "" {
		return out
	}
	var codes []int
	_ = json.Unmarshal([]byte(s), &codes)
	for _, c := range codes {
		out[c] = struct{}{}
	}
	return out
}

// restartPolicyRow is the gorm model for a persisted RestartPolicy.
type restartPolicyRow struct {
	Name                string `gorm:"primaryKey"`
	MaxRetries          int
	InitialDelayMS      int64
	Multiplier          float64
	MaxDelayMS          int64
	RestartOnExitCodes  string
	IgnoreExitCodes     string
	RestartOnNormalExit bool
	Builtin             bool
}

func (restartPolicyRow) TableName() string { return "restart_policies" }

func policyToRow(p *sentinelzero.RestartPolicy) *restartPolicyRow {
	return &restartPolicyRow{
		Name:                p.Name,
		MaxRetries:          p.MaxRetries,
		InitialDelayMS:      p.InitialDelay.Milliseconds(),
		Multiplier:          p.Multiplier,
		MaxDelayMS:          p.MaxDelay.Milliseconds(),
		RestartOnExitCodes:  encodeExitCodeSet(p.RestartOnExitCodes),
		IgnoreExitCodes:     encodeExitCodeSet(p.IgnoreExitCodes),
		RestartOnNormalExit: p.RestartOnNormalExit,
		Builtin:             p.Builtin,
	}
}

func rowToPolicy(r *restartPolicyRow) *sentinelzero.RestartPolicy {
	return &sentinelzero.RestartPolicy{
		Name:                r.Name,
		MaxRetries:          r.MaxRetries,
		InitialDelay:        time.Duration(r.InitialDelayMS) * time.Millisecond,
		Multiplier:          r.Multiplier,
		MaxDelay:            time.Duration(r.MaxDelayMS) * time.Millisecond,
		RestartOnExitCodes:  decodeExitCodeSet(r.RestartOnExitCodes),
		IgnoreExitCodes:     decodeExitCodeSet(r.IgnoreExitCodes),
		RestartOnNormalExit: r.RestartOnNormalExit,
		Builtin:             r.Builtin,
	}
}

// scheduleRow is the gorm model for a persisted Schedule.
type scheduleRow struct {
	ID         string `gorm:"primaryKey"`
	WorkloadID string `gorm:"index"`
	Kind       string
	Expression string
	Enabled    bool
	LastFire   time.Time
	NextFire   time.Time
}

func (scheduleRow) TableName() string { return "schedules" }

func scheduleToRow(s *sentinelzero.Schedule) *scheduleRow {
	return &scheduleRow{
		ID:         s.ID,
		WorkloadID: s.WorkloadID,
		Kind:       string(s.Kind),
		Expression: s.Expression,
		Enabled:    s.Enabled,
		LastFire:   s.LastFire,
		NextFire:   s.NextFire,
	}
}

func rowToSchedule(r *scheduleRow) *sentinelzero.Schedule {
	return &sentinelzero.Schedule{
		ID:         r.ID,
		WorkloadID: r.WorkloadID,
		Kind:       sentinelzero.ScheduleKind(r.Kind),
		Expression: r.Expression,
		Enabled:    r.Enabled,
		LastFire:   r.LastFire,
		NextFire:   r.NextFire,
	}
}

// metricSampleRow is the gorm model for one resource-usage reading.
type metricSampleRow struct {
	ID          uint      `gorm:"primaryKey;autoIncrement"`
	WorkloadID  string    `gorm:"index"`
	At          time.Time `gorm:"index"`
	CPUFraction float64
	RSSBytes    uint64
	ThreadCount int32
}

func (metricSampleRow) TableName() string { return "metric_samples" }

// eventJournalRow is the gorm model backing PersistEvent/LastKnownPID: one
// row per persisted Event, ordered by ID so LastKnownPID can replay the
// tail of a workload's history without a separate sequence column.
type eventJournalRow struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	WorkloadID  string `gorm:"index"`
	EventType   string
	PayloadJSON string
	At          time.Time
}

func (eventJournalRow) TableName() string { return "event_journal" }
