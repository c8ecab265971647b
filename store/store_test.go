package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ShuhaoZQGG/sentinel-zero"
)

func openTestStore(t *testing.T) *SQLStore {
	dir := t.TempDir()
	s, err := Open(context.Background(), Config{
		Path:   filepath.Join(dir, "test.db"),
		LogDir: filepath.Join(dir, "logs"),
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetWorkload(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	w := &sentinelzero.Workload{
		ID:         "wl-1",
		Name:       "test",
		Argv:       []string{"/bin/true"},
		PolicyName: "standard",
	}
	if err := s.CreateWorkload(ctx, w); err != nil {
		t.Fatalf("CreateWorkload: %v", err)
	}

	got, err := s.GetWorkload(ctx, "wl-1")
	if err != nil {
		t.Fatalf("GetWorkload: %v", err)
	}
	if got.Name != "test" || len(got.Argv) != 1 || got.Argv[0] != "/bin/true" {
		t.Fatalf("got %+v", got)
	}
}

func TestGetWorkloadNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetWorkload(context.Background(), "missing"); !sentinelzero.Is(err, sentinelzero.KindNotFound) {
		t.Fatalf("err = %v, want NotFound", err)
	}
}

func TestSeedsBuiltinPolicies(t *testing.T) {
	s := openTestStore(t)
	policies, err := s.ListPolicies(context.Background())
	if err != nil {
		t.Fatalf("ListPolicies: %v", err)
	}
	if len(policies) == 0 {
		t.Fatalf("expected builtin policies to be seeded")
	}
}

func TestPurgeBeforeAge(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now()
	old := sentinelzero.MetricSample{WorkloadID: "wl-1", At: now.Add(-2 * time.Hour), CPUFraction: 0.1, RSSBytes: 1, ThreadCount: 1}
	recent := sentinelzero.MetricSample{WorkloadID: "wl-1", At: now, CPUFraction: 0.2, RSSBytes: 2, ThreadCount: 1}
	if err := s.AppendMetric(ctx, []sentinelzero.MetricSample{old, recent}); err != nil {
		t.Fatalf("AppendMetric: %v", err)
	}

	if err := s.PurgeBefore(ctx, "wl-1", now.Add(-time.Hour), 0); err != nil {
		t.Fatalf("PurgeBefore: %v", err)
	}

	samples, err := s.QueryMetrics(ctx, sentinelzero.MetricQuery{WorkloadID: "wl-1"})
	if err != nil {
		t.Fatalf("QueryMetrics: %v", err)
	}
	if len(samples) != 1 || samples[0].CPUFraction != 0.2 {
		t.Fatalf("got %+v, want only the recent sample to survive", samples)
	}
}

func TestPurgeBeforeMaxRecords(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	samples := make([]sentinelzero.MetricSample, 5)
	for i := range samples {
		samples[i] = sentinelzero.MetricSample{
			WorkloadID:  "wl-1",
			At:          base.Add(time.Duration(i) * time.Minute),
			CPUFraction: float64(i),
		}
	}
	if err := s.AppendMetric(ctx, samples); err != nil {
		t.Fatalf("AppendMetric: %v", err)
	}

	if err := s.PurgeBefore(ctx, "wl-1", time.Time{}, 2); err != nil {
		t.Fatalf("PurgeBefore: %v", err)
	}

	samples, err := s.QueryMetrics(ctx, sentinelzero.MetricQuery{WorkloadID: "wl-1"})
	if err != nil {
		t.Fatalf("QueryMetrics: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("got %d samples, want 2", len(samples))
	}
	if samples[0].CPUFraction != 3 || samples[1].CPUFraction != 4 {
		t.Fatalf("got %+v, want the two most recent samples to survive", samples)
	}
}

func TestAppendAndQueryLogs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now()
	recs := make([]sentinelzero.LogRecord, 3)
	for i := range recs {
		recs[i] = sentinelzero.LogRecord{
			WorkloadID: "wl-1",
			Stream:     "stdout",
			Payload:    []byte("line"),
			At:         now.Add(time.Duration(i) * time.Second),
		}
	}
	if err := s.AppendLog(ctx, recs); err != nil {
		t.Fatalf("AppendLog: %v", err)
	}

	recs, err := s.QueryLogs(ctx, sentinelzero.LogQuery{WorkloadID: "wl-1"})
	if err != nil {
		t.Fatalf("QueryLogs: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
}

func TestPurgeBeforeCompactsLogFile(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now()
	old := sentinelzero.LogRecord{WorkloadID: "wl-1", Stream: "stdout", Payload: []byte("old"), At: now.Add(-2 * time.Hour)}
	recent := sentinelzero.LogRecord{WorkloadID: "wl-1", Stream: "stdout", Payload: []byte("recent"), At: now}
	if err := s.AppendLog(ctx, []sentinelzero.LogRecord{old, recent}); err != nil {
		t.Fatalf("AppendLog: %v", err)
	}

	if err := s.PurgeBefore(ctx, "wl-1", now.Add(-time.Hour), 0); err != nil {
		t.Fatalf("PurgeBefore: %v", err)
	}

	recs, err := s.QueryLogs(ctx, sentinelzero.LogQuery{WorkloadID: "wl-1"})
	if err != nil {
		t.Fatalf("QueryLogs: %v", err)
	}
	if len(recs) != 1 || string(recs[0].Payload) != "recent" {
		t.Fatalf("got %+v, want only the recent log line to survive", recs)
	}
}

func TestLastKnownPIDReportsUnexitedSpawn(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.PersistEvent(ctx, "wl-1", &sentinelzero.EventProcessSpawned{WID: "wl-1", PID: 42}); err != nil {
		t.Fatalf("PersistEvent: %v", err)
	}

	pid, ok, err := s.LastKnownPID(ctx, "wl-1")
	if err != nil {
		t.Fatalf("LastKnownPID: %v", err)
	}
	if !ok || pid != 42 {
		t.Fatalf("pid=%d ok=%v, want 42,true", pid, ok)
	}

	if err := s.PersistEvent(ctx, "wl-1", &sentinelzero.EventProcessExited{WID: "wl-1", PID: 42}); err != nil {
		t.Fatalf("PersistEvent: %v", err)
	}

	_, ok, err = s.LastKnownPID(ctx, "wl-1")
	if err != nil {
		t.Fatalf("LastKnownPID: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false once the spawn has a matching exit")
	}
}
