package runner

import (
	"context"
	"sync"
	"syscall"
	"time"
)

// FakeProcess is an injectable stand-in for a spawned OS process, used by
// Supervisor tests so they never fork a real child. Adapted from
// cronmon/exec/sleep.go's sleepProcess (a sync.Once-guarded timer that
// resolves Wait after a fixed sleep); extended here with a synthetic
// output stream and a scriptable exit, since this package's Process
// interface carries output capture and exit classification that the
// teacher's sleep process never needed.
type FakeProcess struct {
	pid    int
	lines  chan Line
	exit   ExitStatus
	waitCh chan struct{}
	stop   chan struct{}
	once   sync.Once

	mu        sync.Mutex
	signals   []syscall.Signal
	killed    bool
	terminate chan struct{}
}

var _ Process = (*FakeProcess)(nil)

// FakeSpec scripts a FakeProcess's behavior for one test.
type FakeSpec struct {
	PID int
	// Lines are delivered on the output channel in order, then the stream
	// closes.
	Lines []Line
	// RunFor is how long the process "runs" before exiting on its own, if
	// Signal/Kill/Stop doesn't end it first. Zero means it only exits when
	// told to.
	RunFor time.Duration
	// ExitStatus is what the process resolves to if it runs to completion
	// (RunFor elapses without an external stop).
	ExitStatus ExitStatus
}

// NewFakeProcess constructs a FakeProcess and starts delivering FakeSpec's
// scripted Lines, mirroring the (Process, <-chan Line, error) shape Start
// returns so it can be assigned straight to a LaunchFunc.
func NewFakeProcess(spec FakeSpec) (Process, <-chan Line, error) {
	p := &FakeProcess{
		pid:       spec.PID,
		lines:     make(chan Line, len(spec.Lines)+1),
		waitCh:    make(chan struct{}),
		stop:      make(chan struct{}),
		terminate: make(chan struct{}),
	}

	go func() {
		for _, l := range spec.Lines {
			p.lines <- l
		}
		close(p.lines)
	}()

	go func() {
		if spec.RunFor > 0 {
			timer := time.NewTimer(spec.RunFor)
			defer timer.Stop()
			select {
			case <-timer.C:
				p.resolve(spec.ExitStatus)
				return
			case <-p.terminate:
				return
			}
		}
		<-p.terminate
	}()

	return p, p.lines, nil
}

func (p *FakeProcess) resolve(st ExitStatus) {
	p.once.Do(func() {
		st.PID = p.pid
		p.exit = st
		close(p.waitCh)
	})
}

// Terminate resolves the fake process with st immediately, as if it exited
// on its own (e.g. a test simulating a crash mid-run).
func (p *FakeProcess) Terminate(st ExitStatus) {
	close(p.terminate)
	p.resolve(st)
}

// Signals returns every signal delivered via Signal, in order, for
// assertions about what a Supervisor sent.
func (p *FakeProcess) Signals() []syscall.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]syscall.Signal(nil), p.signals...)
}

// Killed reports whether Kill (or a SIGKILL via Signal) was ever called.
func (p *FakeProcess) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

func (p *FakeProcess) PID() int { return p.pid }

func (p *FakeProcess) Signal(sig syscall.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	if sig == syscall.SIGKILL {
		p.killed = true
	}
	p.mu.Unlock()
	return nil
}

func (p *FakeProcess) Kill() error {
	return p.Signal(syscall.SIGKILL)
}

func (p *FakeProcess) Wait(ctx context.Context) ExitStatus {
	select {
	case <-p.waitCh:
		return p.exit
	case <-ctx.Done():
		return ExitStatus{PID: p.pid, Code: -1, Err: ctx.Err()}
	}
}

// Stop signals SIGTERM, waits up to grace for the test to call Terminate,
// then force-resolves with a killed ExitStatus, matching Runner.Stop's
// contract without a real grace timer actually being necessary.
func (p *FakeProcess) Stop(ctx context.Context, grace time.Duration) ExitStatus {
	_ = p.Signal(syscall.SIGTERM)

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-p.waitCh:
		return p.exit
	case <-timer.C:
		_ = p.Kill()
		p.resolve(ExitStatus{PID: p.pid, Code: -1, Signaled: true})
		return p.exit
	case <-ctx.Done():
		_ = p.Kill()
		p.resolve(ExitStatus{PID: p.pid, Code: -1, Signaled: true})
		return p.exit
	}
}
