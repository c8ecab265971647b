package sentinelzero

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestScheduler(t *testing.T) (*Scheduler, chan [2]string) {
	wheel := NewTimerWheel()
	t.Cleanup(wheel.Stop)
	fires := make(chan [2]string, 64)
	sc := NewScheduler(wheel, time.UTC, func(workloadID, scheduleID string) {
		fires <- [2]string{workloadID, scheduleID}
	}, zap.NewNop())

	go func() {
		for fired := range wheel.Fired() {
			if sf, ok := fired.Data.(scheduleFire); ok {
				sc.HandleFire(fired.Token, sf)
			}
		}
	}()

	return sc, fires
}

func TestSchedulerIntervalFiresAndReschedules(t *testing.T) {
	sc, fires := newTestScheduler(t)

	s := &Schedule{
		ID:         NewScheduleID(),
		WorkloadID: "wl-1",
		Kind:       ScheduleInterval,
		Expression: "1s",
		Enabled:    true,
	}
	if err := sc.Add(s); err != nil {
		t.Fatalf("Add: %v", err)
	}

	select {
	case got := <-fires:
		if got[0] != "wl-1" || got[1] != s.ID {
			t.Fatalf("got %v", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for first fire")
	}

	select {
	case <-fires:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for second fire; interval schedule did not reschedule")
	}
}

func TestSchedulerOneShotDisablesAfterFire(t *testing.T) {
	sc, fires := newTestScheduler(t)

	s := &Schedule{
		ID:         NewScheduleID(),
		WorkloadID: "wl-1",
		Kind:       ScheduleOneShot,
		Expression: time.Now().Add(10 * time.Millisecond).Format(time.RFC3339),
		Enabled:    true,
	}
	if err := sc.Add(s); err != nil {
		t.Fatalf("Add: %v", err)
	}

	select {
	case <-fires:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for fire")
	}

	time.Sleep(20 * time.Millisecond)
	got, err := sc.Get(s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Enabled {
		t.Fatalf("expected one-shot schedule to disable itself after firing")
	}
}

func TestSchedulerDisableRemovesFromQueueButPersists(t *testing.T) {
	sc, fires := newTestScheduler(t)

	s := &Schedule{
		ID:         NewScheduleID(),
		WorkloadID: "wl-1",
		Kind:       ScheduleInterval,
		Expression: "1s",
		Enabled:    true,
	}
	if err := sc.Add(s); err != nil {
		t.Fatalf("Add: %v", err)
	}

	<-fires // drain the first fire

	if err := sc.Disable(s.ID); err != nil {
		t.Fatalf("Disable: %v", err)
	}

	select {
	case <-fires:
		t.Fatalf("did not expect further fires after Disable")
	case <-time.After(1500 * time.Millisecond):
	}

	got, err := sc.Get(s.ID)
	if err != nil {
		t.Fatalf("Get after Disable: %v", err)
	}
	if got.Enabled {
		t.Fatalf("Enabled should be false after Disable")
	}
}

func TestSchedulerRemoveDeletesEntirely(t *testing.T) {
	sc, _ := newTestScheduler(t)

	s := &Schedule{
		ID:         NewScheduleID(),
		WorkloadID: "wl-1",
		Kind:       ScheduleInterval,
		Expression: "1h",
		Enabled:    true,
	}
	if err := sc.Add(s); err != nil {
		t.Fatalf("Add: %v", err)
	}

	sc.Remove(s.ID)

	if _, err := sc.Get(s.ID); !Is(err, KindNotFound) {
		t.Fatalf("Get after Remove = %v, want NotFound", err)
	}
}

func TestSchedulerDriftTracksLateness(t *testing.T) {
	sc, fires := newTestScheduler(t)

	if got := sc.Drift(); got != 0 {
		t.Fatalf("Drift before any fire = %v, want 0", got)
	}

	s := &Schedule{
		ID:         NewScheduleID(),
		WorkloadID: "wl-1",
		Kind:       ScheduleOneShot,
		Expression: time.Now().Add(10 * time.Millisecond).Format(time.RFC3339),
		Enabled:    true,
	}
	if err := sc.Add(s); err != nil {
		t.Fatalf("Add: %v", err)
	}

	select {
	case <-fires:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for fire")
	}

	if got := sc.Drift(); got < 0 {
		t.Fatalf("Drift after fire = %v, want >= 0", got)
	}
}
