package sentinelzero

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ShuhaoZQGG/sentinel-zero/runner"
)

// fakeStore is an in-memory StoreGateway for exercising the Coordinator
// without a real database, mirroring the teacher's Journaler test fakes
// (cronmon/journal_test.go's recordJournal).
type fakeStore struct {
	mu        sync.Mutex
	workloads map[string]*Workload
	policies  map[string]*RestartPolicy
	schedules map[string]*Schedule
	logs      []LogRecord
	metrics   []MetricSample
	lastPID   map[string]int

	failPersist bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		workloads: make(map[string]*Workload),
		policies:  make(map[string]*RestartPolicy),
		schedules: make(map[string]*Schedule),
		lastPID:   make(map[string]int),
	}
}

func (f *fakeStore) PersistEvent(ctx context.Context, workloadID string, ev Event) error {
	if f.failPersist {
		return ErrStoreUnavailable
	}
	return nil
}

func (f *fakeStore) CreateWorkload(ctx context.Context, w *Workload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *w
	f.workloads[w.ID] = &cp
	return nil
}

func (f *fakeStore) UpdateWorkload(ctx context.Context, w *Workload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *w
	f.workloads[w.ID] = &cp
	return nil
}

func (f *fakeStore) DeleteWorkload(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.workloads, id)
	return nil
}

func (f *fakeStore) GetWorkload(ctx context.Context, id string) (*Workload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workloads[id]
	if !ok {
		return nil, ErrNotFound
	}
	return w, nil
}

func (f *fakeStore) ListWorkloads(ctx context.Context) ([]*Workload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Workload, 0, len(f.workloads))
	for _, w := range f.workloads {
		out = append(out, w)
	}
	return out, nil
}

func (f *fakeStore) PutPolicy(ctx context.Context, p *RestartPolicy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.policies[p.Name] = p
	return nil
}

func (f *fakeStore) GetPolicy(ctx context.Context, name string) (*RestartPolicy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.policies[name]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

func (f *fakeStore) ListPolicies(ctx context.Context) ([]*RestartPolicy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*RestartPolicy, 0, len(f.policies))
	for _, p := range f.policies {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeStore) DeletePolicy(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.policies, name)
	return nil
}

func (f *fakeStore) PutSchedule(ctx context.Context, s *Schedule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *s
	f.schedules[s.ID] = &cp
	return nil
}

func (f *fakeStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.schedules[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

func (f *fakeStore) ListSchedules(ctx context.Context) ([]*Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Schedule, 0, len(f.schedules))
	for _, s := range f.schedules {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeStore) DeleteSchedule(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.schedules, id)
	return nil
}

func (f *fakeStore) AppendLog(ctx context.Context, batch []LogRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, batch...)
	return nil
}

func (f *fakeStore) QueryLogs(ctx context.Context, q LogQuery) ([]LogRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []LogRecord
	for _, r := range f.logs {
		if r.WorkloadID == q.WorkloadID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) AppendMetric(ctx context.Context, batch []MetricSample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metrics = append(f.metrics, batch...)
	return nil
}

func (f *fakeStore) QueryMetrics(ctx context.Context, q MetricQuery) ([]MetricSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []MetricSample
	for _, m := range f.metrics {
		if m.WorkloadID == q.WorkloadID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) LastKnownPID(ctx context.Context, workloadID string) (int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pid, ok := f.lastPID[workloadID]
	return pid, ok, nil
}

func (f *fakeStore) PurgeBefore(ctx context.Context, workloadID string, before time.Time, maxRecords int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var kept []MetricSample
	for _, m := range f.metrics {
		if m.WorkloadID == workloadID && !before.IsZero() && m.At.Before(before) {
			continue
		}
		kept = append(kept, m)
	}
	f.metrics = kept

	if maxRecords > 0 {
		var own []int
		for i, m := range f.metrics {
			if m.WorkloadID == workloadID {
				own = append(own, i)
			}
		}
		if excess := len(own) - maxRecords; excess > 0 {
			drop := make(map[int]bool, excess)
			for _, i := range own[:excess] {
				drop[i] = true
			}
			var trimmed []MetricSample
			for i, m := range f.metrics {
				if !drop[i] {
					trimmed = append(trimmed, m)
				}
			}
			f.metrics = trimmed
		}
	}
	return nil
}

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeStore) {
	store := newFakeStore()
	cfg := DefaultConfig()
	cfg, err := finalizeConfig(cfg)
	if err != nil {
		t.Fatalf("finalizeConfig: %v", err)
	}
	c := NewCoordinator(store, cfg, zap.NewNop())
	return c, store
}

func TestCoordinatorCreateStartDescribe(t *testing.T) {
	c, _ := newTestCoordinator(t)

	id, err := c.CreateWorkload(context.Background(), Workload{Name: "echo1", Argv: []string{"/bin/true"}, PolicyName: "none"})
	if err != nil {
		t.Fatalf("CreateWorkload: %v", err)
	}

	if err := c.Start(context.Background(), id); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		snap, err := c.Describe(id)
		if err != nil {
			t.Fatalf("Describe: %v", err)
		}
		if snap.Runtime.Phase == StateStopped || snap.Runtime.Phase == StateRunning {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("workload never reached Running/Stopped")
}

func TestCoordinatorNameConflict(t *testing.T) {
	c, _ := newTestCoordinator(t)

	if _, err := c.CreateWorkload(context.Background(), Workload{Name: "dup", Argv: []string{"/bin/true"}}); err != nil {
		t.Fatalf("first CreateWorkload: %v", err)
	}
	if _, err := c.CreateWorkload(context.Background(), Workload{Name: "dup", Argv: []string{"/bin/true"}}); !Is(err, KindNameConflict) {
		t.Fatalf("second CreateWorkload = %v, want NameConflict", err)
	}
}

func TestCoordinatorUnknownPolicyRejected(t *testing.T) {
	c, _ := newTestCoordinator(t)

	_, err := c.CreateWorkload(context.Background(), Workload{Name: "x", Argv: []string{"/bin/true"}, PolicyName: "does-not-exist"})
	if !Is(err, KindUnknownPolicy) {
		t.Fatalf("CreateWorkload = %v, want UnknownPolicy", err)
	}
}

func TestCoordinatorDeleteBusyWithoutForce(t *testing.T) {
	c, _ := newTestCoordinator(t)

	c.SetLaunchFunc(func(spec runner.Spec) (runner.Process, <-chan runner.Line, error) {
		return runner.NewFakeProcess(runner.FakeSpec{PID: 1})
	})

	id, err := c.CreateWorkload(context.Background(), Workload{Name: "svc", Argv: []string{"/bin/sleep", "10"}, PolicyName: "none"})
	if err != nil {
		t.Fatalf("CreateWorkload: %v", err)
	}
	e, _ := c.lookup(id)

	if err := c.Start(context.Background(), id); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, e.supervisor, StateRunning, time.Second)

	if err := c.DeleteWorkload(context.Background(), id, false); !Is(err, KindBusy) {
		t.Fatalf("DeleteWorkload = %v, want Busy", err)
	}

	if err := c.DeleteWorkload(context.Background(), id, true); err != nil {
		t.Fatalf("DeleteWorkload with force: %v", err)
	}
}

func TestCoordinatorDeletePolicyRejectsBuiltin(t *testing.T) {
	c, _ := newTestCoordinator(t)

	if err := c.DeletePolicy(context.Background(), "none"); !Is(err, KindInvalidPolicy) {
		t.Fatalf("DeletePolicy(builtin) = %v, want InvalidPolicy", err)
	}
}

func TestCoordinatorDeletePolicyRejectsInUse(t *testing.T) {
	c, _ := newTestCoordinator(t)

	if err := c.PutPolicy(context.Background(), &RestartPolicy{
		Name: "custom", MaxRetries: 0, Multiplier: 1.0,
	}); err != nil {
		t.Fatalf("PutPolicy: %v", err)
	}

	if _, err := c.CreateWorkload(context.Background(), Workload{
		Name: "uses-custom", Argv: []string{"/bin/true"}, PolicyName: "custom",
	}); err != nil {
		t.Fatalf("CreateWorkload: %v", err)
	}

	if err := c.DeletePolicy(context.Background(), "custom"); !Is(err, KindBusy) {
		t.Fatalf("DeletePolicy(in-use) = %v, want Busy", err)
	}
}

func TestCoordinatorDeletePolicySucceedsWhenUnreferenced(t *testing.T) {
	c, store := newTestCoordinator(t)

	if err := c.PutPolicy(context.Background(), &RestartPolicy{
		Name: "unused", MaxRetries: 0, Multiplier: 1.0,
	}); err != nil {
		t.Fatalf("PutPolicy: %v", err)
	}

	if err := c.DeletePolicy(context.Background(), "unused"); err != nil {
		t.Fatalf("DeletePolicy: %v", err)
	}
	if _, err := c.policies.Get("unused"); !Is(err, KindUnknownPolicy) {
		t.Fatalf("policy still present after DeletePolicy")
	}
	if _, err := store.GetPolicy(context.Background(), "unused"); err == nil {
		t.Fatalf("policy still present in store after DeletePolicy")
	}
}

func TestCoordinatorNotFound(t *testing.T) {
	c, _ := newTestCoordinator(t)

	if err := c.Start(context.Background(), "missing"); !Is(err, KindNotFound) {
		t.Fatalf("Start on missing id = %v, want NotFound", err)
	}
	if _, err := c.Describe("missing"); !Is(err, KindNotFound) {
		t.Fatalf("Describe on missing id = %v, want NotFound", err)
	}
}

func TestCoordinatorPutScheduleFiresDispatchedWorkload(t *testing.T) {
	c, _ := newTestCoordinator(t)

	started := make(chan struct{}, 1)
	c.SetLaunchFunc(func(spec runner.Spec) (runner.Process, <-chan runner.Line, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		return runner.NewFakeProcess(runner.FakeSpec{PID: 1, RunFor: 5 * time.Millisecond})
	})

	id, err := c.CreateWorkload(context.Background(), Workload{Name: "scheduled", Argv: []string{"/bin/true"}, PolicyName: "none"})
	if err != nil {
		t.Fatalf("CreateWorkload: %v", err)
	}

	if _, err := c.PutSchedule(context.Background(), id, ScheduleInterval, "1s", true, ""); err != nil {
		t.Fatalf("PutSchedule: %v", err)
	}

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatalf("scheduled workload never started")
	}
}

func TestCoordinatorSubscribeReceivesEvents(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ch, cancel := c.Subscribe(nil)
	defer cancel()

	c.SetLaunchFunc(func(spec runner.Spec) (runner.Process, <-chan runner.Line, error) {
		return runner.NewFakeProcess(runner.FakeSpec{PID: 1, RunFor: 5 * time.Millisecond})
	})

	id, err := c.CreateWorkload(context.Background(), Workload{Name: "sub-test", Argv: []string{"/bin/true"}, PolicyName: "none"})
	if err != nil {
		t.Fatalf("CreateWorkload: %v", err)
	}

	if err := c.Start(context.Background(), id); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-ch:
			if sc, ok := ev.(*EventStateChanged); ok && sc.To == StateRunning {
				return
			}
		case <-deadline:
			t.Fatalf("subscriber never observed Running transition")
		}
	}
}

func TestCoordinatorRecoverReportsLostOnRecovery(t *testing.T) {
	store := newFakeStore()
	w := &Workload{ID: NewWorkloadID(), Name: "recovered", Argv: []string{"/bin/true"}, PolicyName: "standard"}
	store.workloads[w.ID] = w
	store.lastPID[w.ID] = 4242

	cfg, err := finalizeConfig(DefaultConfig())
	if err != nil {
		t.Fatalf("finalizeConfig: %v", err)
	}
	c := NewCoordinator(store, cfg, zap.NewNop())
	ch, cancel := c.Subscribe(nil)
	defer cancel()

	if err := c.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-ch:
			if lr, ok := ev.(*EventLostOnRecovery); ok {
				if lr.PID != 4242 {
					t.Fatalf("PID = %d, want 4242", lr.PID)
				}
				return
			}
		case <-deadline:
			t.Fatalf("expected an EventLostOnRecovery")
		}
	}
}
