package sentinelzero

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// scheduleFire is the data carried on the shared TimerWheel for a
// Schedule's next-fire deadline; the Coordinator type-asserts it (against
// backoffFire) to route a firedEntry to the Scheduler instead of a
// Supervisor.
type scheduleFire struct {
	ScheduleID string
}

// DispatchFunc delivers a fire to the Supervisor owning workloadID.
// Wired to Supervisor.ScheduleFire by the Coordinator.
type DispatchFunc func(workloadID, scheduleID string)

// Scheduler is §4.E: a priority queue of (next_fire, schedule_id) backed
// by the shared TimerWheel rather than a private goroutine-per-schedule
// timer, generalizing cronmon/process.go's single ad hoc time.Timer into
// one min-heap entry per Schedule.
type Scheduler struct {
	wheel    *TimerWheel
	dispatch DispatchFunc
	logger   *zap.Logger

	mu        sync.Mutex
	schedules map[string]*Schedule
	tokens    map[string]TimerToken
	loc       *time.Location
	lastDrift time.Duration
}

// NewScheduler constructs a Scheduler evaluating cron expressions in loc.
func NewScheduler(wheel *TimerWheel, loc *time.Location, dispatch DispatchFunc, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		wheel:     wheel,
		dispatch:  dispatch,
		logger:    logger,
		schedules: make(map[string]*Schedule),
		tokens:    make(map[string]TimerToken),
		loc:       loc,
	}
}

// SetLocation updates the timezone future nextFire computations use, e.g.
// on a config reload (§6.3's timezone key).
func (sc *Scheduler) SetLocation(loc *time.Location) {
	sc.mu.Lock()
	sc.loc = loc
	sc.mu.Unlock()
}

// Add registers a new Schedule, computing its first fire from now and
// arming the wheel if Enabled.
func (sc *Scheduler) Add(s *Schedule) error {
	if err := s.Validate(); err != nil {
		return err
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()

	next, err := nextFire(s, time.Now(), sc.loc)
	if err != nil {
		return err
	}
	s.NextFire = next
	sc.schedules[s.ID] = s

	if s.Enabled {
		sc.armLocked(s)
	}
	return nil
}

// Update replaces a Schedule's definition, recomputing its next fire and
// rearming the wheel.
func (sc *Scheduler) Update(s *Schedule) error {
	if err := s.Validate(); err != nil {
		return err
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()

	sc.disarmLocked(s.ID)

	next, err := nextFire(s, time.Now(), sc.loc)
	if err != nil {
		return err
	}
	s.NextFire = next
	sc.schedules[s.ID] = s

	if s.Enabled {
		sc.armLocked(s)
	}
	return nil
}

// Remove deletes a Schedule entirely (e.g. its owning Workload was
// deleted), canceling any pending timer.
func (sc *Scheduler) Remove(scheduleID string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.disarmLocked(scheduleID)
	delete(sc.schedules, scheduleID)
}

// Enable arms a previously-disabled Schedule. A disabled Schedule is
// removed from the queue but persists (§4.E), so this recomputes NextFire
// from the current time rather than resuming a stale deadline.
func (sc *Scheduler) Enable(scheduleID string) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	s, ok := sc.schedules[scheduleID]
	if !ok {
		return New(KindNotFound, "schedule not found: "+scheduleID)
	}
	if s.Enabled {
		return nil
	}
	next, err := nextFire(s, time.Now(), sc.loc)
	if err != nil {
		return err
	}
	s.NextFire = next
	s.Enabled = true
	sc.armLocked(s)
	return nil
}

// Disable removes scheduleID from the queue without deleting it.
func (sc *Scheduler) Disable(scheduleID string) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	s, ok := sc.schedules[scheduleID]
	if !ok {
		return New(KindNotFound, "schedule not found: "+scheduleID)
	}
	s.Enabled = false
	sc.disarmLocked(scheduleID)
	return nil
}

// Get returns a copy of a Schedule's current state.
func (sc *Scheduler) Get(scheduleID string) (*Schedule, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	s, ok := sc.schedules[scheduleID]
	if !ok {
		return nil, New(KindNotFound, "schedule not found: "+scheduleID)
	}
	cp := *s
	return &cp, nil
}

// Drift reports how late the most recent fire was delivered relative to
// its computed NextFire, feeding the Coordinator's health() scheduler_drift
// signal (§4.F.4). Zero if the last fire was on time or none has occurred.
func (sc *Scheduler) Drift() time.Duration {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.lastDrift
}

// List returns a copy of every known Schedule.
func (sc *Scheduler) List() []*Schedule {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	out := make([]*Schedule, 0, len(sc.schedules))
	for _, s := range sc.schedules {
		cp := *s
		out = append(out, &cp)
	}
	return out
}

// armLocked pushes s onto the wheel. Caller must hold sc.mu.
func (sc *Scheduler) armLocked(s *Schedule) {
	tok := sc.wheel.Add(s.NextFire, scheduleFire{ScheduleID: s.ID})
	sc.tokens[s.ID] = tok
}

// disarmLocked cancels scheduleID's pending timer, if any. Caller must
// hold sc.mu.
func (sc *Scheduler) disarmLocked(scheduleID string) {
	if tok, ok := sc.tokens[scheduleID]; ok {
		sc.wheel.Cancel(tok)
		delete(sc.tokens, scheduleID)
	}
}

// HandleFire is called by whatever routes the shared TimerWheel's Fired
// channel (the Coordinator) once it identifies a firedEntry's Data as a
// scheduleFire. It recomputes and re-pushes the next fire (except for a
// one-shot, which disables itself, §4.E), then dispatches to the owning
// Supervisor.
func (sc *Scheduler) HandleFire(tok TimerToken, data scheduleFire) {
	sc.mu.Lock()
	s, ok := sc.schedules[data.ScheduleID]
	if !ok || sc.tokens[data.ScheduleID] != tok {
		sc.mu.Unlock()
		return // stale fire: schedule deleted or superseded by an update
	}
	delete(sc.tokens, data.ScheduleID)

	now := time.Now()
	if drift := now.Sub(s.NextFire); drift > 0 {
		sc.lastDrift = drift
	} else {
		sc.lastDrift = 0
	}
	s.LastFire = now

	if s.Kind == ScheduleOneShot {
		s.Enabled = false
	} else if next, err := nextFire(s, now, sc.loc); err != nil {
		sc.logger.Warn("failed to recompute next fire, disabling schedule",
			zap.String("schedule_id", s.ID), zap.Error(err))
		s.Enabled = false
	} else {
		s.NextFire = next
		sc.armLocked(s)
	}

	workloadID := s.WorkloadID
	scheduleID := s.ID
	sc.mu.Unlock()

	sc.dispatch(workloadID, scheduleID)
}
