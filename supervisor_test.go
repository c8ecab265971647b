package sentinelzero

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ShuhaoZQGG/sentinel-zero/runner"
)

type nopPersister struct{}

func (nopPersister) PersistEvent(ctx context.Context, workloadID string, ev Event) error {
	return nil
}

type failingPersister struct{}

func (failingPersister) PersistEvent(ctx context.Context, workloadID string, ev Event) error {
	return ErrStoreUnavailable
}

func testWorkload() Workload {
	return Workload{ID: "wl-1", Name: "test", Argv: []string{"/bin/true"}}
}

func waitForState(t *testing.T, s *Supervisor, want State, timeout time.Duration) RuntimeState {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		rt := s.Describe().Runtime
		if rt.Phase == want {
			return rt
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("state never reached %s, last seen %s", want, s.Describe().Runtime.Phase)
	return RuntimeState{}
}

func newTestSupervisor(t *testing.T, policy *RestartPolicy, launch runner.LaunchFunc) (*Supervisor, chan Event) {
	events := make(chan Event, 64)
	wheel := NewTimerWheel()
	t.Cleanup(wheel.Stop)
	logger := zap.NewNop()
	s := NewSupervisor("wl-1", testWorkload(), policy, wheel, launch, nopPersister{}, events, nil, nil, 0, 50*time.Millisecond, logger)

	go func() {
		for fired := range wheel.Fired() {
			if bf, ok := fired.Data.(backoffFire); ok && bf.WorkloadID == s.id {
				s.TimerFired(fired.Token)
			}
		}
	}()

	return s, events
}

func TestSupervisorStartRunExitStop(t *testing.T) {
	policy := mustPolicy(t, "standard")
	launch := func(spec runner.Spec) (runner.Process, <-chan runner.Line, error) {
		return runner.NewFakeProcess(runner.FakeSpec{
			PID:        123,
			RunFor:     10 * time.Millisecond,
			ExitStatus: runner.ExitStatus{Code: 0},
		})
	}
	s, _ := newTestSupervisor(t, policy, launch)

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, s, StateRunning, time.Second)

	rt := waitForState(t, s, StateStopped, time.Second)
	if rt.LastExitCode != 0 {
		t.Fatalf("LastExitCode = %d, want 0", rt.LastExitCode)
	}
}

func TestSupervisorAlreadyActive(t *testing.T) {
	policy := mustPolicy(t, "standard")
	launch := func(spec runner.Spec) (runner.Process, <-chan runner.Line, error) {
		return runner.NewFakeProcess(runner.FakeSpec{PID: 1})
	}
	s, _ := newTestSupervisor(t, policy, launch)

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, s, StateRunning, time.Second)

	if err := s.Start(); !Is(err, KindAlreadyActive) {
		t.Fatalf("second Start() = %v, want AlreadyActive", err)
	}
}

func TestSupervisorAlreadyStopped(t *testing.T) {
	policy := mustPolicy(t, "standard")
	s, _ := newTestSupervisor(t, policy, runner.DefaultLaunch)

	if err := s.Stop(); !Is(err, KindAlreadyStopped) {
		t.Fatalf("Stop() on Idle = %v, want AlreadyStopped", err)
	}
}

func TestSupervisorRetryThenBackoffThenRestart(t *testing.T) {
	policy := mustPolicy(t, "aggressive")
	attempt := 0
	launch := func(spec runner.Spec) (runner.Process, <-chan runner.Line, error) {
		attempt++
		code := 1
		if attempt >= 2 {
			code = 0
		}
		return runner.NewFakeProcess(runner.FakeSpec{
			PID:        attempt,
			RunFor:     5 * time.Millisecond,
			ExitStatus: runner.ExitStatus{Code: code},
		})
	}
	s, _ := newTestSupervisor(t, policy, launch)

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitForState(t, s, StateBackingOff, time.Second)
	rt := waitForState(t, s, StateStopped, 3*time.Second)
	if rt.LastExitCode != 0 {
		t.Fatalf("LastExitCode = %d, want 0 after retry succeeded", rt.LastExitCode)
	}
	if attempt < 2 {
		t.Fatalf("attempt = %d, want at least 2", attempt)
	}
}

func TestSupervisorSpawnErrorGoesThroughEvaluating(t *testing.T) {
	policy := mustPolicy(t, "none")
	launch := func(spec runner.Spec) (runner.Process, <-chan runner.Line, error) {
		return nil, nil, &runner.SpawnError{Cause: ErrNotFound}
	}
	s, events := newTestSupervisor(t, policy, launch)

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitForState(t, s, StateFailed, time.Second)

	sawSpawnError := false
drainLoop:
	for {
		select {
		case ev := <-events:
			if _, ok := ev.(*EventProcessSpawnError); ok {
				sawSpawnError = true
			}
		default:
			break drainLoop
		}
	}
	if !sawSpawnError {
		t.Fatalf("expected an EventProcessSpawnError")
	}
}

func TestSupervisorScheduleFireSkippedWhileRunning(t *testing.T) {
	policy := mustPolicy(t, "standard")
	launch := func(spec runner.Spec) (runner.Process, <-chan runner.Line, error) {
		return runner.NewFakeProcess(runner.FakeSpec{PID: 9, RunFor: time.Second})
	}
	s, events := newTestSupervisor(t, policy, launch)

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, s, StateRunning, time.Second)

	s.ScheduleFire("sched-1")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		select {
		case ev := <-events:
			if _, ok := ev.(*EventSkippedConcurrent); ok {
				return
			}
		default:
			time.Sleep(time.Millisecond)
		}
	}
	t.Fatalf("expected EventSkippedConcurrent")
}

func TestSupervisorPersistenceOutboxOverflowDropsAndEmits(t *testing.T) {
	policy := mustPolicy(t, "none")
	launch := runner.DefaultLaunch
	events := make(chan Event, 4096)
	wheel := NewTimerWheel()
	t.Cleanup(wheel.Stop)
	s := NewSupervisor("wl-1", testWorkload(), policy, wheel, launch, failingPersister{}, events, nil, nil, 0, 10*time.Millisecond, zap.NewNop())

	for i := 0; i < outboxMax+5; i++ {
		s.emit(&EventWarning{Component: "test", Error: "x"})
	}

	sawDropped := false
drainLoop:
	for {
		select {
		case ev := <-events:
			if _, ok := ev.(*EventPersistenceDropped); ok {
				sawDropped = true
			}
		default:
			break drainLoop
		}
	}
	if !sawDropped {
		t.Fatalf("expected EventPersistenceDropped once outbox overflowed")
	}
}

func mustPolicy(t *testing.T, name string) *RestartPolicy {
	lib := NewPolicyLibrary()
	p, err := lib.Get(name)
	if err != nil {
		t.Fatalf("policy %s: %v", name, err)
	}
	return p
}
