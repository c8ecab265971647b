// Package runner implements the Process Runner (spec §4.C): it spawns one
// OS process, captures its output streams, delivers signals to the whole
// process group, and reports start/exit exactly once each.
//
// Grounded on cronmon/exec/exec.go's process type (os.StartProcess,
// unix.Prctl(PR_SET_CHILD_SUBREAPER), Pdeathsig), extended with process
// groups (Setpgid) and group-wide signaling because spec §4.C requires
// "the process is placed in a new process group so that signals can reach
// descendants" — the teacher only ever signaled the single spawned PID.
package runner

import (
	"context"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// MaxLineLength is the output line truncation boundary (§4.C): a line at
// exactly this length is emitted whole; one byte over splits into two
// records, the first marked with TruncatedMarker.
const MaxLineLength = 64 * 1024

// TruncatedMarker is appended to a record that hit MaxLineLength.
const TruncatedMarker = "[TRUNCATED]"

// ExitStatus is what Wait resolves to.
type ExitStatus struct {
	PID      int
	Code     int // -1 if killed/interrupted without a reported code
	Signaled bool
	Err      error
}

// Line is one captured output line, pre-truncation-marked.
type Line struct {
	Stream    string // "stdout" or "stderr"
	Payload   []byte
	Truncated bool
	At        time.Time
}

// Spec is everything needed to spawn a process.
type Spec struct {
	Argv []string
	Cwd  string
	Env  map[string]string
}

// Process is what a Supervisor needs from a live child: the handle Start
// (or, in tests, a fake launcher) hands back. Runner and the fake process
// in testexec.go both implement it, letting the Supervisor be driven
// without a real OS process — mirroring cronmon/process.go's startProc
// field, which the teacher's own tests override with
// exec.NewSleepProcess.
type Process interface {
	PID() int
	Signal(sig syscall.Signal) error
	Kill() error
	Stop(ctx context.Context, grace time.Duration) ExitStatus
	Wait(ctx context.Context) ExitStatus
}

// LaunchFunc spawns a Process from a Spec, returning its output line
// stream alongside it. DefaultLaunch wraps Start; tests substitute a fake.
type LaunchFunc func(Spec) (Process, <-chan Line, error)

// DefaultLaunch is the production LaunchFunc.
var DefaultLaunch LaunchFunc = Start

// Runner wraps a single OS process's lifetime. A Runner instance exists
// only while a process is live or being waited on; Wait must be called
// exactly once per spawn to avoid zombies (§4.C).
type Runner struct {
	cmd    *exec.Cmd
	pid    int
	lines  chan Line
	waitSt ExitStatus
	waitCh chan struct{}
	once   sync.Once
}

var _ Process = (*Runner)(nil)

// Start spawns argv with cwd and the parent environment overlaid by env
// (per-key override; all non-overridden parent vars are inherited, §4.C).
// The child is placed in its own process group so Signal can reach
// descendants, and is killed if the parent dies (Pdeathsig) so a crashed
// daemon cannot leave orphans.
func Start(spec Spec) (Process, <-chan Line, error) {
	if len(spec.Argv) == 0 {
		return nil, nil, errors.New("empty argv")
	}

	// Lock to the OS thread for the duration of the syscalls below, per
	// cronmon/exec/exec.go's comment on Pdeathsig and issue golang/go#27505.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0); err != nil {
		return nil, nil, errors.Wrap(err, "failed to set subreaper")
	}

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Cwd
	cmd.Env = overlayEnv(os.Environ(), spec.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to open stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to open stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, &SpawnError{Cause: err}
	}

	r := &Runner{
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		lines:  make(chan Line, 256),
		waitCh: make(chan struct{}),
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go r.drain("stdout", stdout, &wg)
	go r.drain("stderr", stderr, &wg)

	go func() {
		wg.Wait()
		close(r.lines)
	}()

	go r.waitLoop()

	return r, r.lines, nil
}

// SpawnError distinguishes a failure to even start the process (executable
// not found, permission denied, invalid cwd) from a runtime exit, per §4.C.
type SpawnError struct{ Cause error }

func (e *SpawnError) Error() string { return "spawn error: " + e.Cause.Error() }
func (e *SpawnError) Unwrap() error { return e.Cause }

func overlayEnv(parent []string, overlay map[string]string) []string {
	if len(overlay) == 0 {
		return parent
	}
	seen := make(map[string]bool, len(overlay))
	out := make([]string, 0, len(parent)+len(overlay))
	for _, kv := range parent {
		key := kv
		if i := indexByte(kv, '='); i >= 0 {
			key = kv[:i]
		}
		if v, ok := overlay[key]; ok {
			out = append(out, key+"="+v)
			seen[key] = true
		} else {
			out = append(out, kv)
		}
	}
	for k, v := range overlay {
		if !seen[k] {
			out = append(out, k+"="+v)
		}
	}
	return out
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// drain reads one stream line-by-line via captureLines (output.go), one
// drainer per pipe per §5's ownership rule ("each output pipe is read by
// exactly one drainer").
func (r *Runner) drain(stream string, rc io.ReadCloser, wg *sync.WaitGroup) {
	defer wg.Done()
	defer rc.Close()

	for line := range captureLines(stream, rc, MaxLineLength) {
		r.lines <- line
	}
}

// waitLoop calls Wait exactly once, per the zombie-prevention guarantee of
// §4.C, and records the resolved ExitStatus for Wait() to deliver.
func (r *Runner) waitLoop() {
	err := r.cmd.Wait()
	st := ExitStatus{PID: r.pid}

	if err == nil {
		st.Code = 0
	} else if exitErr, ok := err.(*exec.ExitError); ok {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			st.Signaled = true
			st.Code = -1
		} else {
			st.Code = exitErr.ExitCode()
		}
	} else {
		st.Err = err
		st.Code = -1
	}

	r.waitSt = st
	close(r.waitCh)
}

// Wait blocks until the process has exited and returns its ExitStatus.
// Safe to call from multiple goroutines: the single kernel wait happens in
// waitLoop, and every caller only waits for waitCh to be closed.
func (r *Runner) Wait(ctx context.Context) ExitStatus {
	select {
	case <-r.waitCh:
		return r.waitSt
	case <-ctx.Done():
		return ExitStatus{PID: r.pid, Code: -1, Err: ctx.Err()}
	}
}

// PID returns the spawned process's id.
func (r *Runner) PID() int { return r.pid }

// Signal delivers sig to the whole process group so descendants receive it
// too (§4.C).
func (r *Runner) Signal(sig syscall.Signal) error {
	return syscall.Kill(-r.pid, sig)
}

// Kill sends SIGKILL to the process group.
func (r *Runner) Kill() error {
	return r.Signal(syscall.SIGKILL)
}

// Stop sends SIGTERM to the process group, waits up to grace, then SIGKILLs
// if the process is still alive. The final exit is still guaranteed to be
// observable via Wait (§4.C).
func (r *Runner) Stop(ctx context.Context, grace time.Duration) ExitStatus {
	r.once.Do(func() {
		_ = r.Signal(syscall.SIGTERM)
	})

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-r.waitCh:
		return r.waitSt
	case <-timer.C:
		_ = r.Kill()
		return r.Wait(ctx)
	case <-ctx.Done():
		_ = r.Kill()
		return r.Wait(context.Background())
	}
}
