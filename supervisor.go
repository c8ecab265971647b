package sentinelzero

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ShuhaoZQGG/sentinel-zero/runner"
)

// SpawnErrorExitCode is the synthetic exit code a Supervisor assigns a
// SpawnError so it flows through the same Evaluating logic as a real exit,
// distinguished from any exit code a real process could ever report
// (§4.D failure semantics).
const SpawnErrorExitCode = -1000

// LostOnRecoveryExitCode is the synthetic exit code used to run a
// recovered-but-unadopted pid through the same policy evaluation as a
// real exit (§4.F.3: "the Supervisor emits a lost_on_recovery event and,
// if the policy says so, transitions to a fresh Starting").
const LostOnRecoveryExitCode = -1001

// outboxMax bounds the Supervisor's pending-persistence queue (§4.D
// failure semantics: "the event is kept in a bounded outbox and
// retried; if the outbox overflows ... persistence_dropped").
const outboxMax = 256

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdStop
	cmdRestart
	cmdDelete
	cmdScheduleFire
	cmdTimerFire
	cmdRecoverLost
)

type command struct {
	kind       cmdKind
	scheduleID string
	token      TimerToken
	lostPID    int
	reply      chan error
}

// Persister is the subset of the Store Gateway a Supervisor needs: fire
// and forget event persistence that may fail transiently (§4.A,
// §4.D). StoreUnavailable failures are retried from the outbox rather
// than surfaced to the caller.
type Persister interface {
	PersistEvent(ctx context.Context, workloadID string, ev Event) error
}

// Supervisor is the state machine of §4.D: one per Workload, owning its
// RuntimeState and current runner.Process. Every field below is touched
// only from the run loop goroutine except where noted; callers interact
// exclusively through the command methods, mirroring cronmon/process.go's
// evCh-serialized command pattern, generalized from anonymous closures to
// the explicit typed command the design note calls for ("implicit
// callback-driven process control ... replaced by an explicit state
// machine with typed commands").
type Supervisor struct {
	id       string
	logger   *zap.Logger
	wheel    *TimerWheel
	launch   runner.LaunchFunc
	persist  Persister
	out      chan<- Event
	onLine   func(workloadID string, l runner.Line)
	stopCtx  context.Context
	stopFunc context.CancelFunc

	onSample       func(workloadID string, s runner.Sample)
	sampleInterval time.Duration
	sampleCancel   context.CancelFunc

	cmdCh    chan *command
	exitedCh chan runner.ExitStatus

	mu       sync.Mutex // guards workload, policy, snapshot for concurrent reads
	workload Workload
	policy   *RestartPolicy
	snapshot Snapshot

	// run-loop-owned state; never touched outside the loop goroutine.
	state          State
	runtime        RuntimeState
	proc           runner.Process
	backoffToken   TimerToken
	backoffArmed   bool
	pendingRestart bool
	stopGrace      time.Duration
	outbox         []outboxEntry
	outboxDropped  int
	outboxLenAtom  int64 // read concurrently by Health; written only from the run loop
}

// outboxLen reports the current pending-persistence outbox depth, safe
// to call concurrently with the run loop (§4.F.4's persistence_lag
// health signal).
func (s *Supervisor) outboxLen() int {
	return int(atomic.LoadInt64(&s.outboxLenAtom))
}

type outboxEntry struct {
	ev Event
}

// NewSupervisor constructs a Supervisor for workload, starting in Idle.
// onLine, if non-nil, receives every captured output line while the
// Workload is running (wired to the Store Gateway's log ingestion, via a
// batching layer). onSample, if non-nil and sampleInterval is positive,
// receives a resource Sample at that cadence while Running (§4.C periodic
// sampling).
func NewSupervisor(id string, wkld Workload, policy *RestartPolicy, wheel *TimerWheel, launch runner.LaunchFunc, persist Persister, out chan<- Event, onLine func(string, runner.Line), onSample func(string, runner.Sample), sampleInterval time.Duration, stopGrace time.Duration, logger *zap.Logger) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		id:             id,
		logger:         logger.With(zap.String("workload_id", id)),
		wheel:          wheel,
		launch:         launch,
		persist:        persist,
		out:            out,
		onLine:         onLine,
		onSample:       onSample,
		sampleInterval: sampleInterval,
		stopCtx:        ctx,
		stopFunc:       cancel,
		cmdCh:          make(chan *command),
		exitedCh:       make(chan runner.ExitStatus, 1),
		workload:       *wkld.Clone(),
		policy:         policy,
		state:          StateIdle,
		runtime:        RuntimeState{Phase: StateIdle},
		stopGrace:      stopGrace,
	}
	s.refreshSnapshot()
	go s.run()
	return s
}

// SetPolicy updates the policy this Supervisor evaluates against on its
// next exit; it does not affect an in-flight BackingOff delay.
func (s *Supervisor) SetPolicy(p *RestartPolicy) {
	s.mu.Lock()
	s.policy = p
	s.mu.Unlock()
}

func (s *Supervisor) getPolicy() *RestartPolicy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy
}

// Describe returns a read-only snapshot of the current Workload and
// RuntimeState, safe to call concurrently with the run loop.
func (s *Supervisor) Describe() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

func (s *Supervisor) refreshSnapshot() {
	s.mu.Lock()
	s.snapshot = Snapshot{Workload: *s.workload.Clone(), Runtime: s.runtime}
	s.mu.Unlock()
}

// Start submits a start_cmd and blocks for its acknowledgement (§4.D).
func (s *Supervisor) Start() error { return s.submit(&command{kind: cmdStart}) }

// Stop submits a stop_cmd.
func (s *Supervisor) Stop() error { return s.submit(&command{kind: cmdStop}) }

// Restart submits a restart_cmd, atomic with respect to other commands.
func (s *Supervisor) Restart() error { return s.submit(&command{kind: cmdRestart}) }

// Delete submits a delete_cmd, after which the Supervisor is Terminated
// and its run loop exits.
func (s *Supervisor) Delete() error { return s.submit(&command{kind: cmdDelete}) }

// ScheduleFire notifies the Supervisor that scheduleID has fired. No
// acknowledgement is expected; schedules never queue (§4.D).
func (s *Supervisor) ScheduleFire(scheduleID string) {
	select {
	case s.cmdCh <- &command{kind: cmdScheduleFire, scheduleID: scheduleID}:
	case <-s.stopCtx.Done():
	}
}

// TimerFired notifies the Supervisor that its BackingOff timer token has
// elapsed. Called by whatever owns the shared TimerWheel's Fired channel
// (the Coordinator) once it has routed the firedEntry back to this
// Supervisor by workload id.
func (s *Supervisor) TimerFired(tok TimerToken) {
	select {
	case s.cmdCh <- &command{kind: cmdTimerFire, token: tok}:
	case <-s.stopCtx.Done():
	}
}

// RecoverLost notifies a freshly-constructed, still-Idle Supervisor that a
// prior daemon generation recorded pid as running for this workload and
// it was not re-adopted (§4.F.3). Must be called before any start_cmd.
func (s *Supervisor) RecoverLost(pid int) {
	select {
	case s.cmdCh <- &command{kind: cmdRecoverLost, lostPID: pid}:
	case <-s.stopCtx.Done():
	}
}

func (s *Supervisor) submit(cmd *command) error {
	cmd.reply = make(chan error, 1)
	select {
	case s.cmdCh <- cmd:
	case <-s.stopCtx.Done():
		return New(KindInternal, "supervisor terminated")
	}
	return <-cmd.reply
}

func (s *Supervisor) run() {
	for {
		select {
		case cmd := <-s.cmdCh:
			terminated := s.handleCommand(cmd)
			s.refreshSnapshot()
			if terminated {
				s.stopFunc()
				return
			}

		case st := <-s.exitedCh:
			s.handleExited(st)
			s.refreshSnapshot()
		}
	}
}

func (s *Supervisor) handleCommand(cmd *command) (terminated bool) {
	switch cmd.kind {
	case cmdStart:
		cmd.reply <- s.onStartCmd()
	case cmdStop:
		cmd.reply <- s.onStopCmd()
	case cmdRestart:
		cmd.reply <- s.onRestartCmd()
	case cmdDelete:
		s.onDeleteCmd()
		cmd.reply <- nil
		return true
	case cmdScheduleFire:
		s.onScheduleFire(cmd.scheduleID)
	case cmdTimerFire:
		s.onTimerFire(cmd.token)
	case cmdRecoverLost:
		s.onRecoverLost(cmd.lostPID)
	}
	return false
}

// onStartCmd implements §4.D's start_cmd edge-case policies.
func (s *Supervisor) onStartCmd() error {
	switch s.state {
	case StateIdle, StateStopped, StateFailed:
		s.doStart()
		return nil
	case StateStarting, StateRunning, StateBackingOff:
		return ErrAlreadyActive
	case StateStopping:
		return ErrTransientState
	default:
		return New(KindInternal, "start_cmd received in unexpected state "+string(s.state))
	}
}

// onStopCmd implements §4.D's stop_cmd edge-case policies.
func (s *Supervisor) onStopCmd() error {
	switch s.state {
	case StateIdle, StateStopped, StateFailed:
		return ErrAlreadyStopped
	case StateBackingOff:
		s.cancelBackoff()
		s.transition(StateStopped)
		return nil
	case StateStarting, StateRunning:
		s.doStop()
		return nil
	case StateStopping:
		return nil
	default:
		return New(KindInternal, "stop_cmd received in unexpected state "+string(s.state))
	}
}

// onRestartCmd implements the atomic "stop_cmd then start_cmd" semantics
// of §4.D, with no other command able to interleave because everything
// runs on this single goroutine.
func (s *Supervisor) onRestartCmd() error {
	switch s.state {
	case StateIdle, StateStopped, StateFailed:
		s.doStart()
		return nil
	case StateBackingOff:
		s.cancelBackoff()
		s.runtime.ConsecutiveFailures = 0
		s.transition(StateStopped)
		s.doStart()
		return nil
	case StateStarting, StateRunning:
		s.pendingRestart = true
		s.doStop()
		return nil
	case StateStopping:
		s.pendingRestart = true
		return nil
	default:
		return New(KindInternal, "restart_cmd received in unexpected state "+string(s.state))
	}
}

func (s *Supervisor) onDeleteCmd() {
	switch s.state {
	case StateStarting, StateRunning, StateStopping:
		s.doStop()
	case StateBackingOff:
		s.cancelBackoff()
	}
	s.transition(StateTerminated)
}

// onScheduleFire implements §4.D's "schedule firing while active is
// dropped with a SkippedConcurrent event; schedules never queue".
func (s *Supervisor) onScheduleFire(scheduleID string) {
	s.emit(&EventScheduleFired{WID: s.id, ScheduleID: scheduleID, At: time.Now()})

	switch s.state {
	case StateRunning, StateStarting, StateStopping, StateBackingOff:
		s.emit(&EventSkippedConcurrent{WID: s.id, ScheduleID: scheduleID, State: s.state})
		return
	default:
		s.doStart()
	}
}

// onRecoverLost implements §4.F.3's recovery path: the pid is considered
// lost rather than re-adopted, and the resulting synthetic failure is run
// through the ordinary policy evaluation so a policy that would restart
// a real crash also restarts a lost-on-recovery workload.
func (s *Supervisor) onRecoverLost(pid int) {
	if s.state != StateIdle {
		return
	}
	s.runtime.PID = pid
	s.emit(&EventLostOnRecovery{WID: s.id, PID: pid})
	s.runtime.PID = 0
	s.evaluateExit(LostOnRecoveryExitCode, false)
}

func (s *Supervisor) onTimerFire(tok TimerToken) {
	if s.state != StateBackingOff || !s.backoffArmed || tok != s.backoffToken {
		return // stale fire, e.g. raced against a cancel
	}
	s.backoffArmed = false
	s.transition(StateStarting)
	s.doStart()
}

// doStart spawns a process via launch, transitioning to Starting, then
// immediately to Running on success or into the exit-evaluation path on a
// SpawnError (§4.D: "SpawnError goes through Evaluating ... with a
// synthetic code").
func (s *Supervisor) doStart() {
	s.transition(StateStarting)

	spec := runner.Spec{Argv: s.workload.Argv, Cwd: s.workload.Cwd, Env: s.workload.Env}
	proc, lines, err := s.launch(spec)
	if err != nil {
		s.emit(&EventProcessSpawnError{WID: s.id, Reason: err.Error()})
		s.evaluateExit(SpawnErrorExitCode, false)
		return
	}

	s.proc = proc
	s.runtime.PID = proc.PID()
	s.runtime.StartedAt = time.Now()
	s.emit(&EventProcessSpawned{WID: s.id, PID: proc.PID(), At: s.runtime.StartedAt})
	s.transition(StateRunning)
	s.runtime.ConsecutiveFailures = 0

	if s.onLine != nil {
		go func(wid string, ch <-chan runner.Line) {
			for l := range ch {
				s.onLine(wid, l)
			}
		}(s.id, lines)
	} else {
		go func(ch <-chan runner.Line) {
			for range ch {
			}
		}(lines)
	}

	sampleCtx, cancel := context.WithCancel(s.stopCtx)
	s.sampleCancel = cancel
	if s.onSample != nil && s.sampleInterval > 0 {
		go s.sampleLoop(sampleCtx, proc.PID())
	}

	go func(proc runner.Process) {
		st := proc.Wait(context.Background())
		select {
		case s.exitedCh <- st:
		case <-s.stopCtx.Done():
		}
	}(proc)
}

// sampleLoop periodically samples pid's resource usage while Running,
// forwarding each reading to onSample (§4.C). A sample failure — the
// process has exited, or the read raced its exit — is skipped rather than
// treated as fatal; ctx is canceled from handleExited the moment this
// run's process has actually exited.
func (s *Supervisor) sampleLoop(ctx context.Context, pid int) {
	ticker := time.NewTicker(s.sampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample, err := runner.SampleProcess(pid)
			if err != nil {
				continue
			}
			s.onSample(s.id, sample)
		}
	}
}

func (s *Supervisor) doStop() {
	s.transition(StateStopping)
	proc := s.proc
	if proc == nil {
		return
	}
	grace := s.stopGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	go func() {
		proc.Stop(context.Background(), grace)
	}()
}

// handleExited is the process-exited transition, reached from Starting,
// Running, or Stopping (§4.D state machine).
func (s *Supervisor) handleExited(st runner.ExitStatus) {
	if s.sampleCancel != nil {
		s.sampleCancel()
		s.sampleCancel = nil
	}
	s.proc = nil
	s.runtime.LastExitCode = st.Code
	s.runtime.LastExitWasSignal = st.Signaled
	s.emit(&EventProcessExited{WID: s.id, PID: st.PID, ExitCode: st.Code, Signaled: st.Signaled, At: time.Now()})
	s.evaluateExit(st.Code, st.Signaled)
}

// evaluateExit implements §4.D's "Policy evaluation on Evaluating", steps
// 1-5, and the atomic restart follow-through.
func (s *Supervisor) evaluateExit(exitCode int, signaled bool) {
	priorState := s.state
	s.transition(StateEvaluating)

	// Step 1: user-initiated stop takes priority over policy evaluation.
	if priorState == StateStopping {
		s.runtime.ConsecutiveFailures = 0
		s.transition(StateStopped)
		s.maybeFollowThroughRestart()
		return
	}

	policy := s.getPolicy()
	decision, delay := evaluate(policy, exitCode, signaled, s.runtime.ConsecutiveFailures)

	switch decision {
	case decisionStop:
		s.runtime.ConsecutiveFailures = 0
		s.transition(StateStopped)
		s.maybeFollowThroughRestart()

	case decisionFail:
		s.transition(StateFailed)
		s.maybeFollowThroughRestart()

	case decisionRetry:
		s.runtime.ConsecutiveFailures++
		s.runtime.NextRestartAt = time.Now().Add(delay)
		s.backoffToken = s.wheel.Add(s.runtime.NextRestartAt, backoffFire{WorkloadID: s.id})
		s.backoffArmed = true
		s.transition(StateBackingOff)
		// a pending restart during BackingOff collapses into an immediate
		// restart rather than waiting out the backoff.
		if s.pendingRestart {
			s.pendingRestart = false
			s.cancelBackoff()
			s.runtime.ConsecutiveFailures = 0
			s.transition(StateStopped)
			s.doStart()
		}
	}
}

// maybeFollowThroughRestart completes the second half of an atomic
// restart_cmd once the stop it triggered has actually landed in Stopped
// or Failed (§4.D: "equivalent to stop_cmd followed, on exited, by
// start_cmd").
func (s *Supervisor) maybeFollowThroughRestart() {
	if !s.pendingRestart {
		return
	}
	s.pendingRestart = false
	s.doStart()
}

// backoffFire is the data carried on the shared TimerWheel for a
// Supervisor's BackingOff deadline; the Coordinator type-asserts it to
// route a firedEntry back to the right Supervisor.
type backoffFire struct {
	WorkloadID string
}

func (s *Supervisor) cancelBackoff() {
	if s.backoffArmed {
		s.wheel.Cancel(s.backoffToken)
		s.backoffArmed = false
	}
}

// transition moves to next, emitting EventStateChanged unless it is a
// no-op (as when doStart follows onTimerFire's own move to Starting).
func (s *Supervisor) transition(next State) {
	if s.state == next {
		return
	}
	prev := s.state
	s.state = next
	s.runtime.Phase = next
	s.emit(&EventStateChanged{WID: s.id, From: prev, To: next})
}

// emit delivers ev to the Coordinator's event stream (best-effort, never
// blocks the state machine per §4.D/§5) and attempts to persist it,
// queuing to the bounded outbox on failure.
func (s *Supervisor) emit(ev Event) {
	select {
	case s.out <- ev:
	default:
		s.logger.Warn("event stream full, dropping", zap.String("event_type", ev.Type()))
	}
	s.tryPersist(ev)
}

// tryPersist implements the bounded-outbox retry of §4.D failure
// semantics: a StoreUnavailable failure never blocks the state machine;
// it queues the event, first draining whatever is already queued, and
// drops on overflow with a persistence_dropped event (liveness over
// durability for runtime events).
func (s *Supervisor) tryPersist(ev Event) {
	if s.persist == nil {
		return
	}

	s.flushOutbox()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.persist.PersistEvent(ctx, s.id, ev); err != nil {
		s.queueOutbox(ev)
	}
}

func (s *Supervisor) flushOutbox() {
	if len(s.outbox) == 0 {
		return
	}
	remaining := s.outbox[:0]
	for _, e := range s.outbox {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := s.persist.PersistEvent(ctx, s.id, e.ev)
		cancel()
		if err != nil {
			remaining = append(remaining, e)
		}
	}
	s.outbox = remaining
	atomic.StoreInt64(&s.outboxLenAtom, int64(len(s.outbox)))
}

func (s *Supervisor) queueOutbox(ev Event) {
	if len(s.outbox) >= outboxMax {
		s.outboxDropped++
		if s.out != nil {
			select {
			case s.out <- &EventPersistenceDropped{WID: s.id, Count: s.outboxDropped}:
			default:
			}
		}
		return
	}
	s.outbox = append(s.outbox, outboxEntry{ev: ev})
	atomic.StoreInt64(&s.outboxLenAtom, int64(len(s.outbox)))
}
