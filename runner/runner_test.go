package runner

import (
	"context"
	"syscall"
	"testing"
	"time"
)

func TestOverlayEnvOverridesByKey(t *testing.T) {
	parent := []string{"PATH=/usr/bin", "HOME=/root", "LANG=C"}
	overlay := map[string]string{"HOME": "/home/test", "EXTRA": "1"}

	got := overlayEnv(parent, overlay)

	seen := map[string]string{}
	for _, kv := range got {
		if i := indexByte(kv, '='); i >= 0 {
			seen[kv[:i]] = kv[i+1:]
		}
	}

	if seen["HOME"] != "/home/test" {
		t.Fatalf("HOME = %q, want overridden", seen["HOME"])
	}
	if seen["PATH"] != "/usr/bin" {
		t.Fatalf("PATH = %q, want inherited", seen["PATH"])
	}
	if seen["EXTRA"] != "1" {
		t.Fatalf("EXTRA = %q, want present", seen["EXTRA"])
	}
}

func TestOverlayEnvNoOverlayReturnsParent(t *testing.T) {
	parent := []string{"A=1"}
	got := overlayEnv(parent, nil)
	if len(got) != 1 || got[0] != "A=1" {
		t.Fatalf("got %v", got)
	}
}

func TestFakeProcessRunsToCompletion(t *testing.T) {
	proc, lines, err := NewFakeProcess(FakeSpec{
		PID:        4242,
		Lines:      []Line{{Stream: "stdout", Payload: []byte("hi")}},
		RunFor:     10 * time.Millisecond,
		ExitStatus: ExitStatus{Code: 7},
	})
	if err != nil {
		t.Fatalf("NewFakeProcess: %v", err)
	}

	var got []Line
	for l := range lines {
		got = append(got, l)
	}
	if len(got) != 1 || string(got[0].Payload) != "hi" {
		t.Fatalf("got %v", got)
	}

	st := proc.Wait(context.Background())
	if st.Code != 7 || st.PID != 4242 {
		t.Fatalf("got %+v", st)
	}
}

func TestFakeProcessStopSendsSigtermThenResolves(t *testing.T) {
	proc, _, err := NewFakeProcess(FakeSpec{PID: 1})
	if err != nil {
		t.Fatalf("NewFakeProcess: %v", err)
	}
	fp := proc.(*FakeProcess)

	done := make(chan ExitStatus, 1)
	go func() {
		done <- proc.Stop(context.Background(), 20*time.Millisecond)
	}()

	fp.Terminate(ExitStatus{Code: 0})

	st := <-done
	if st.Code != 0 {
		t.Fatalf("got %+v", st)
	}

	sigs := fp.Signals()
	if len(sigs) != 1 || sigs[0] != syscall.SIGTERM {
		t.Fatalf("signals = %v, want one SIGTERM", sigs)
	}
}

func TestFakeProcessStopEscalatesToKillAfterGrace(t *testing.T) {
	proc, _, err := NewFakeProcess(FakeSpec{PID: 2})
	if err != nil {
		t.Fatalf("NewFakeProcess: %v", err)
	}
	fp := proc.(*FakeProcess)

	st := proc.Stop(context.Background(), 5*time.Millisecond)
	if !st.Signaled {
		t.Fatalf("expected Signaled exit after grace timeout, got %+v", st)
	}
	if !fp.Killed() {
		t.Fatalf("expected Kill to have been called after grace elapsed")
	}
}
