package sentinelzero

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ShuhaoZQGG/sentinel-zero/runner"
)

// subscriberQueueMax bounds a subscribe_events client's queue (§4.F.2):
// a slow subscriber is dropped, never the emitter blocked.
const subscriberQueueMax = 1024

// entry is the Coordinator's per-Workload registry row: the declared
// Workload alongside the live Supervisor driving it (§4.F).
type entry struct {
	workload   Workload
	supervisor *Supervisor
}

// subscriber is one subscribe_events client (§4.F.2).
type subscriber struct {
	id     string
	ch     chan Event
	filter func(Event) bool
}

// Coordinator is the single writer to the workload registry (§4.F): it
// routes control operations to Supervisors, fans out their events to
// subscribers with bounded per-subscriber queues, and recovers state on
// startup. Grounded on cronmon/monitor.go's Monitor, which owns a
// []*Process and multiplexes their journal writes, generalized here into
// an explicit registry keyed by workload id with richer control
// operations (§6.1) and typed routing instead of a flat process list.
type Coordinator struct {
	store  StoreGateway
	config *Config
	logger *zap.Logger

	wheel     *TimerWheel
	policies  *PolicyLibrary
	scheduler *Scheduler
	launch    runner.LaunchFunc

	mu             sync.RWMutex
	registry       map[string]*entry // by workload id
	names          map[string]string // name -> id
	logBatchers    map[string]*logBatcher
	metricBatchers map[string]*metricBatcher

	eventsIn chan Event

	subMu       sync.Mutex
	subscribers map[string]*subscriber
	nextSubID   uint64

	retentionStop chan struct{}

	healthMu      sync.Mutex
	healthHistory []HealthSample
}

// maxHealthHistory bounds the in-memory health sample ring buffer
// (SPEC_FULL.md §4's "health signal history" feature): enough for a
// trend over several hours at the sampling cadence below without
// growing unbounded.
const maxHealthHistory = 200

// healthSampleInterval is how often Health() is snapshotted into
// healthHistory.
const healthSampleInterval = time.Minute

// HealthSample is one point of the Coordinator's health history, used to
// report a trend rather than only the latest instantaneous Health value.
type HealthSample struct {
	At             time.Time
	PersistenceLag int
	SchedulerDrift time.Duration
}

// retentionSweepInterval is how often the Coordinator runs its retention
// sweep (§6.3 retention_max_age/retention_max_records); the spec leaves
// the sweep cadence unspecified, so an hourly cadence is chosen as cheap
// relative to the age/count ceilings it enforces.
const retentionSweepInterval = time.Hour

// NewCoordinator constructs a Coordinator. Call Recover before serving
// any control operation to populate the registry from the store.
func NewCoordinator(store StoreGateway, config *Config, logger *zap.Logger) *Coordinator {
	wheel := NewTimerWheel()
	c := &Coordinator{
		store:          store,
		config:         config,
		logger:         logger,
		wheel:          wheel,
		policies:       NewPolicyLibrary(),
		launch:         runner.DefaultLaunch,
		registry:       make(map[string]*entry),
		names:          make(map[string]string),
		logBatchers:    make(map[string]*logBatcher),
		metricBatchers: make(map[string]*metricBatcher),
		eventsIn:       make(chan Event, 4096),
		subscribers:    make(map[string]*subscriber),
		retentionStop:  make(chan struct{}),
	}
	c.scheduler = NewScheduler(wheel, config.Location(), c.dispatchFire, logger)

	go c.routeTimerFires()
	go c.fanOutEvents()
	go c.runRetentionSweep()
	go c.runHealthHistorySampler()

	return c
}

// runHealthHistorySampler periodically snapshots Health() into
// healthHistory so health() callers can observe a trend, not just a
// point value (SPEC_FULL.md §4).
func (c *Coordinator) runHealthHistorySampler() {
	ticker := time.NewTicker(healthSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.retentionStop:
			return
		case <-ticker.C:
			h := c.Health()
			c.healthMu.Lock()
			c.healthHistory = append(c.healthHistory, HealthSample{
				At:             time.Now(),
				PersistenceLag: h.PersistenceLag,
				SchedulerDrift: h.SchedulerDrift,
			})
			if len(c.healthHistory) > maxHealthHistory {
				c.healthHistory = c.healthHistory[len(c.healthHistory)-maxHealthHistory:]
			}
			c.healthMu.Unlock()
		}
	}
}

// HealthHistory returns a copy of the retained health samples, oldest
// first.
func (c *Coordinator) HealthHistory() []HealthSample {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()
	out := make([]HealthSample, len(c.healthHistory))
	copy(out, c.healthHistory)
	return out
}

// runRetentionSweep periodically purges old logs and metrics for every
// registered workload via the store's purge_before primitive (§4.A),
// enforcing retention_max_age/retention_max_records (§6.3).
func (c *Coordinator) runRetentionSweep() {
	ticker := time.NewTicker(retentionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.retentionStop:
			return
		case <-ticker.C:
			c.sweepRetention()
		}
	}
}

func (c *Coordinator) sweepRetention() {
	c.mu.RLock()
	cfg := c.config
	ids := make([]string, 0, len(c.registry))
	for id := range c.registry {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	var before time.Time
	if maxAge := cfg.RetentionMaxAgeDuration(); maxAge > 0 {
		before = time.Now().Add(-maxAge)
	}

	for _, id := range ids {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := c.store.PurgeBefore(ctx, id, before, cfg.RetentionMaxRecords)
		cancel()
		if err != nil {
			c.logger.Warn("retention sweep failed", zap.String("workload_id", id), zap.Error(err))
		}
	}
}

// SetLaunchFunc overrides the process launcher new Supervisors use,
// mirroring cronmon/process.go's startProc field injection seam so tests
// can run the Coordinator against a runner.FakeProcess instead of real OS
// processes. Must be called before any CreateWorkload/Recover.
func (c *Coordinator) SetLaunchFunc(fn runner.LaunchFunc) {
	c.launch = fn
}

// dispatchFire is the Scheduler's DispatchFunc: it forwards a fire to the
// Supervisor owning workloadID, a no-op if the workload was deleted out
// from under a still-armed Schedule.
func (c *Coordinator) dispatchFire(workloadID, scheduleID string) {
	c.mu.RLock()
	e, ok := c.registry[workloadID]
	c.mu.RUnlock()
	if !ok {
		return
	}
	e.supervisor.ScheduleFire(scheduleID)
}

// routeTimerFires demultiplexes the single shared TimerWheel (§4.B, §9:
// "the Scheduler owns and mutates its priority queue from a single
// goroutine/task") between Supervisor backoff deadlines and Scheduler
// fires.
func (c *Coordinator) routeTimerFires() {
	for fired := range c.wheel.Fired() {
		switch data := fired.Data.(type) {
		case backoffFire:
			c.mu.RLock()
			e, ok := c.registry[data.WorkloadID]
			c.mu.RUnlock()
			if ok {
				e.supervisor.TimerFired(fired.Token)
			}
		case scheduleFire:
			c.scheduler.HandleFire(fired.Token, data)
		}
	}
}

// fanOutEvents is the event fan-out of §4.F.2: every Supervisor emits
// into eventsIn; this loop copies each event to every subscriber's
// bounded queue, dropping (and reporting) any subscriber that can't keep
// up, without ever blocking on a slow one.
func (c *Coordinator) fanOutEvents() {
	for ev := range c.eventsIn {
		c.subMu.Lock()
		for id, sub := range c.subscribers {
			if sub.filter != nil && !sub.filter(ev) {
				continue
			}
			select {
			case sub.ch <- ev:
			default:
				delete(c.subscribers, id)
				close(sub.ch)
				c.logger.Warn("subscriber lagged, dropping", zap.String("subscriber_id", id))
				id := id
				go func() {
					select {
					case c.eventsIn <- &EventSubscriberLagged{SubscriberID: id}:
					default:
					}
				}()
			}
		}
		c.subMu.Unlock()
	}
}

// Subscribe registers a new subscribe_events client (§6.1). filter may be
// nil to receive every event. The caller must drain the returned channel
// and call the returned cancel function when done.
func (c *Coordinator) Subscribe(filter func(Event) bool) (<-chan Event, func()) {
	c.subMu.Lock()
	c.nextSubID++
	id := "sub-" + strconv.FormatUint(c.nextSubID, 10)
	sub := &subscriber{id: id, ch: make(chan Event, subscriberQueueMax), filter: filter}
	c.subscribers[id] = sub
	c.subMu.Unlock()

	cancel := func() {
		c.subMu.Lock()
		if _, ok := c.subscribers[id]; ok {
			delete(c.subscribers, id)
			close(sub.ch)
		}
		c.subMu.Unlock()
	}
	return sub.ch, cancel
}

// Recover implements §4.F.3: loads Workloads, Policies and Schedules from
// the store, spawns every Workload's Supervisor in Idle, re-registers
// Schedules, and reports any pid a prior generation left running as
// lost_on_recovery rather than re-adopting it.
func (c *Coordinator) Recover(ctx context.Context) error {
	policies, err := c.store.ListPolicies(ctx)
	if err != nil {
		return Wrap(KindStoreUnavailable, err, "failed to load policies")
	}
	for _, p := range policies {
		if p.Builtin {
			continue
		}
		if err := c.policies.Put(p); err != nil {
			c.logger.Warn("failed to load policy", zap.String("policy", p.Name), zap.Error(err))
		}
	}

	workloads, err := c.store.ListWorkloads(ctx)
	if err != nil {
		return Wrap(KindStoreUnavailable, err, "failed to load workloads")
	}
	for _, w := range workloads {
		sup, err := c.spawnSupervisor(*w)
		if err != nil {
			c.logger.Warn("failed to recover workload", zap.String("workload_id", w.ID), zap.Error(err))
			continue
		}

		if pid, ok, err := c.store.LastKnownPID(ctx, w.ID); err == nil && ok {
			sup.RecoverLost(pid)
		} else if err != nil {
			c.logger.Warn("failed to check last known pid", zap.String("workload_id", w.ID), zap.Error(err))
		}
	}

	schedules, err := c.store.ListSchedules(ctx)
	if err != nil {
		return Wrap(KindStoreUnavailable, err, "failed to load schedules")
	}
	for _, s := range schedules {
		if err := c.scheduler.Add(s); err != nil {
			c.logger.Warn("failed to re-register schedule", zap.String("schedule_id", s.ID), zap.Error(err))
		}
	}

	return nil
}

// spawnSupervisor constructs and registers a Supervisor for an
// already-declared Workload, without persisting anything (used by both
// CreateWorkload and Recover).
func (c *Coordinator) spawnSupervisor(w Workload) (*Supervisor, error) {
	policy, err := c.policies.Get(w.PolicyName)
	if err != nil {
		return nil, err
	}

	logB := newLogBatcher(w.ID, c.store, c.eventsIn, c.config, c.logger)
	metricB := newMetricBatcher(w.ID, c.store, c.eventsIn, c.config, c.logger)

	onLine := func(workloadID string, l runner.Line) {
		logB.Enqueue(LogRecord{
			WorkloadID: workloadID,
			Stream:     l.Stream,
			Payload:    l.Payload,
			Truncated:  l.Truncated,
			At:         l.At,
		})
	}

	onSample := func(workloadID string, sample runner.Sample) {
		metricB.Enqueue(MetricSample{
			WorkloadID:  workloadID,
			At:          sample.SampledAt,
			CPUFraction: sample.CPUFraction,
			RSSBytes:    sample.RSSBytes,
			ThreadCount: sample.ThreadCount,
		})
	}

	sup := NewSupervisor(w.ID, w, policy, c.wheel, c.launch, c.store, c.eventsIn, onLine, onSample,
		c.config.MetricSampleInterval(), c.config.DefaultStopGrace(), c.logger)

	c.mu.Lock()
	c.registry[w.ID] = &entry{workload: w, supervisor: sup}
	c.names[w.Name] = w.ID
	c.logBatchers[w.ID] = logB
	c.metricBatchers[w.ID] = metricB
	c.mu.Unlock()

	return sup, nil
}

// CreateWorkload implements create_workload (§6.1).
func (c *Coordinator) CreateWorkload(ctx context.Context, w Workload) (string, error) {
	if err := w.Validate(); err != nil {
		return "", err
	}

	c.mu.RLock()
	_, nameTaken := c.names[w.Name]
	c.mu.RUnlock()
	if nameTaken {
		return "", New(KindNameConflict, "workload name already exists: "+w.Name)
	}

	if w.PolicyName == "" {
		w.PolicyName = "standard"
	}
	if _, err := c.policies.Get(w.PolicyName); err != nil {
		return "", err
	}

	w.ID = NewWorkloadID()
	now := time.Now()
	w.CreatedAt, w.LastModified = now, now

	if err := c.store.CreateWorkload(ctx, &w); err != nil {
		return "", Wrap(KindStoreUnavailable, err, "failed to persist workload")
	}

	if _, err := c.spawnSupervisor(w); err != nil {
		return "", err
	}
	return w.ID, nil
}

// UpdateWorkload implements update_workload (§6.1). Only a Workload's
// declared fields change; a live Supervisor's policy is swapped in place
// rather than recreating it, so an active process is unaffected.
func (c *Coordinator) UpdateWorkload(ctx context.Context, w Workload) error {
	c.mu.Lock()
	e, ok := c.registry[w.ID]
	if !ok {
		c.mu.Unlock()
		return New(KindNotFound, "workload not found: "+w.ID)
	}
	if err := w.Validate(); err != nil {
		c.mu.Unlock()
		return err
	}

	policy, err := c.policies.Get(w.PolicyName)
	if err != nil {
		c.mu.Unlock()
		return err
	}

	w.CreatedAt = e.workload.CreatedAt
	w.LastModified = time.Now()

	if err := c.store.UpdateWorkload(ctx, &w); err != nil {
		c.mu.Unlock()
		return Wrap(KindStoreUnavailable, err, "failed to persist workload update")
	}

	delete(c.names, e.workload.Name)
	c.names[w.Name] = w.ID
	e.workload = w
	c.mu.Unlock()

	e.supervisor.SetPolicy(policy)
	return nil
}

// DeleteWorkload implements delete_workload (§6.1). A Running workload
// requires force; otherwise it fails Busy.
func (c *Coordinator) DeleteWorkload(ctx context.Context, id string, force bool) error {
	c.mu.Lock()
	e, ok := c.registry[id]
	if !ok {
		c.mu.Unlock()
		return New(KindNotFound, "workload not found: "+id)
	}
	c.mu.Unlock()

	snap := e.supervisor.Describe()
	if !force && isActive(snap.Runtime.Phase) {
		return New(KindBusy, "workload is active, pass force to delete anyway")
	}

	if err := e.supervisor.Delete(); err != nil {
		return err
	}

	for _, sid := range e.workload.ScheduleIDs {
		c.scheduler.Remove(sid)
	}

	if err := c.store.DeleteWorkload(ctx, id); err != nil {
		return Wrap(KindStoreUnavailable, err, "failed to persist workload deletion")
	}

	c.mu.Lock()
	logB := c.logBatchers[id]
	metricB := c.metricBatchers[id]
	delete(c.registry, id)
	delete(c.names, e.workload.Name)
	delete(c.logBatchers, id)
	delete(c.metricBatchers, id)
	c.mu.Unlock()

	if logB != nil {
		logB.Stop()
	}
	if metricB != nil {
		metricB.Stop()
	}
	return nil
}

func isActive(s State) bool {
	switch s {
	case StateStarting, StateRunning, StateStopping, StateBackingOff:
		return true
	default:
		return false
	}
}

// lookup resolves a workload id to its registry entry, the NotFound path
// §7 specifies as returned "from the Coordinator without contacting the
// Supervisor".
func (c *Coordinator) lookup(id string) (*entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.registry[id]
	if !ok {
		return nil, New(KindNotFound, "workload not found: "+id)
	}
	return e, nil
}

// Start implements start (§6.1), routed to the owning Supervisor with
// the configured command timeout (§4.F.1).
func (c *Coordinator) Start(ctx context.Context, id string) error {
	e, err := c.lookup(id)
	if err != nil {
		return err
	}
	return c.withTimeout(ctx, c.config.CommandTimeout(), e.supervisor.Start)
}

// Stop implements stop (§6.1). grace (the configured default stop grace
// when not positive) only extends the reply timeout, so a legitimately
// slow shutdown doesn't spuriously report Timeout (§4.F.1). The Supervisor
// terminates the process with the stop grace it was constructed with;
// grace does not change how long the process has before it is killed.
func (c *Coordinator) Stop(ctx context.Context, id string, grace time.Duration) error {
	e, err := c.lookup(id)
	if err != nil {
		return err
	}
	if grace <= 0 {
		grace = c.config.DefaultStopGrace()
	}
	return c.withTimeout(ctx, c.config.CommandTimeout()+grace, e.supervisor.Stop)
}

// Restart implements restart (§6.1).
func (c *Coordinator) Restart(ctx context.Context, id string) error {
	e, err := c.lookup(id)
	if err != nil {
		return err
	}
	return c.withTimeout(ctx, c.config.CommandTimeout(), e.supervisor.Restart)
}

// StopGroup stops every workload sharing group (a supplemented feature,
// SPEC_FULL.md §4): each member is stopped independently; the first
// error encountered (other than AlreadyStopped) is returned after every
// member has been attempted.
func (c *Coordinator) StopGroup(ctx context.Context, group string, grace time.Duration) error {
	c.mu.RLock()
	var ids []string
	for id, e := range c.registry {
		if e.workload.Group == group {
			ids = append(ids, id)
		}
	}
	c.mu.RUnlock()

	var first error
	for _, id := range ids {
		if err := c.Stop(ctx, id, grace); err != nil && !Is(err, KindAlreadyStopped) && first == nil {
			first = err
		}
	}
	return first
}

func (c *Coordinator) withTimeout(ctx context.Context, timeout time.Duration, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return New(KindTimeout, "command timed out")
	case <-ctx.Done():
		return New(KindTimeout, "command canceled")
	}
}

// ListFilter narrows list_workloads (§6.1).
type ListFilter struct {
	Group string
	Phase State
}

// ListSummary is one row of list_workloads' result.
type ListSummary struct {
	ID        string
	Name      string
	Phase     State
	PID       int
	StartedAt time.Time
	Failures  int
}

// ListWorkloads implements list_workloads (§6.1).
func (c *Coordinator) ListWorkloads(filter ListFilter) []ListSummary {
	c.mu.RLock()
	entries := make([]*entry, 0, len(c.registry))
	for _, e := range c.registry {
		entries = append(entries, e)
	}
	c.mu.RUnlock()

	out := make([]ListSummary, 0, len(entries))
	for _, e := range entries {
		snap := e.supervisor.Describe()
		if filter.Group != "" && snap.Workload.Group != filter.Group {
			continue
		}
		if filter.Phase != "" && snap.Runtime.Phase != filter.Phase {
			continue
		}
		out = append(out, ListSummary{
			ID:        snap.Workload.ID,
			Name:      snap.Workload.Name,
			Phase:     snap.Runtime.Phase,
			PID:       snap.Runtime.PID,
			StartedAt: snap.Runtime.StartedAt,
			Failures:  snap.Runtime.ConsecutiveFailures,
		})
	}
	return out
}

// Describe implements describe (§6.1).
func (c *Coordinator) Describe(id string) (Snapshot, error) {
	e, err := c.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	return e.supervisor.Describe(), nil
}

// PutPolicy implements put_policy (§6.1).
func (c *Coordinator) PutPolicy(ctx context.Context, p *RestartPolicy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if err := c.policies.Put(p); err != nil {
		return err
	}
	if err := c.store.PutPolicy(ctx, p); err != nil {
		return Wrap(KindStoreUnavailable, err, "failed to persist policy")
	}
	return nil
}

// PutSchedule implements put_schedule (§6.1): creates or replaces a
// Schedule and (re)registers it with the Scheduler.
func (c *Coordinator) PutSchedule(ctx context.Context, workloadID string, kind ScheduleKind, expression string, enabled bool, existingID string) (string, error) {
	e, err := c.lookup(workloadID)
	if err != nil {
		return "", err
	}

	s := &Schedule{
		ID:         existingID,
		WorkloadID: workloadID,
		Kind:       kind,
		Expression: expression,
		Enabled:    enabled,
	}
	if s.ID == "" {
		s.ID = NewScheduleID()
	}
	if err := s.Validate(); err != nil {
		return "", err
	}
	if kind == ScheduleCron {
		if err := ValidateCronExpression(expression); err != nil {
			return "", err
		}
	}

	if err := c.store.PutSchedule(ctx, s); err != nil {
		return "", Wrap(KindStoreUnavailable, err, "failed to persist schedule")
	}
	if err := c.scheduler.Add(s); err != nil {
		return "", err
	}

	c.mu.Lock()
	e.workload.ScheduleIDs = appendUnique(e.workload.ScheduleIDs, s.ID)
	c.mu.Unlock()

	return s.ID, nil
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

// EnableSchedule implements enable_schedule (§6.1).
func (c *Coordinator) EnableSchedule(ctx context.Context, scheduleID string) error {
	return c.scheduler.Enable(scheduleID)
}

// DisableSchedule implements disable_schedule (§6.1).
func (c *Coordinator) DisableSchedule(ctx context.Context, scheduleID string) error {
	return c.scheduler.Disable(scheduleID)
}

// QueryLogs implements query_logs (§6.1).
func (c *Coordinator) QueryLogs(ctx context.Context, q LogQuery) ([]LogRecord, error) {
	if _, err := c.lookup(q.WorkloadID); err != nil {
		return nil, err
	}
	recs, err := c.store.QueryLogs(ctx, q)
	if err != nil {
		return nil, Wrap(KindStoreUnavailable, err, "failed to query logs")
	}
	return recs, nil
}

// QueryMetrics implements query_metrics (§6.1).
func (c *Coordinator) QueryMetrics(ctx context.Context, q MetricQuery) ([]MetricSample, error) {
	if _, err := c.lookup(q.WorkloadID); err != nil {
		return nil, err
	}
	samples, err := c.store.QueryMetrics(ctx, q)
	if err != nil {
		return nil, Wrap(KindStoreUnavailable, err, "failed to query metrics")
	}
	return samples, nil
}

// Health implements health (§6.1, §4.F.4).
type Health struct {
	PhaseCounts    map[State]int
	PersistenceLag int
	SchedulerDrift time.Duration
}

// Health aggregates per-Supervisor state counts and coarse store/scheduler
// liveness signals.
func (c *Coordinator) Health() Health {
	c.mu.RLock()
	entries := make([]*entry, 0, len(c.registry))
	for _, e := range c.registry {
		entries = append(entries, e)
	}
	c.mu.RUnlock()

	c.mu.RLock()
	logBatchers := make([]*logBatcher, 0, len(c.logBatchers))
	for _, b := range c.logBatchers {
		logBatchers = append(logBatchers, b)
	}
	metricBatchers := make([]*metricBatcher, 0, len(c.metricBatchers))
	for _, b := range c.metricBatchers {
		metricBatchers = append(metricBatchers, b)
	}
	c.mu.RUnlock()

	h := Health{PhaseCounts: make(map[State]int)}
	for _, e := range entries {
		snap := e.supervisor.Describe()
		h.PhaseCounts[snap.Runtime.Phase]++
		h.PersistenceLag += e.supervisor.outboxLen()
	}
	for _, b := range logBatchers {
		if b.Lagging() {
			h.PersistenceLag++
		}
	}
	for _, b := range metricBatchers {
		if b.Lagging() {
			h.PersistenceLag++
		}
	}
	h.SchedulerDrift = c.scheduler.Drift()
	return h
}

// DeletePolicy implements delete_policy: rejects deleting a builtin
// policy or one still referenced by a registered Workload (Busy), per
// SPEC_FULL.md §4's named restart policy library.
func (c *Coordinator) DeletePolicy(ctx context.Context, name string) error {
	c.mu.RLock()
	inUse := false
	for _, e := range c.registry {
		if e.workload.PolicyName == name {
			inUse = true
			break
		}
	}
	c.mu.RUnlock()

	if err := c.policies.Delete(name, inUse); err != nil {
		return err
	}
	if err := c.store.DeletePolicy(ctx, name); err != nil {
		return Wrap(KindStoreUnavailable, err, "failed to delete policy")
	}
	return nil
}

// SetConfig swaps the live Config, e.g. after WatchConfig observes a
// reload. The scheduler's cron-evaluation timezone is updated immediately;
// already-computed NextFire values are left as-is until their next fire.
func (c *Coordinator) SetConfig(cfg *Config) {
	c.mu.Lock()
	c.config = cfg
	c.mu.Unlock()
	c.scheduler.SetLocation(cfg.Location())
}

// Shutdown stops every registered Supervisor, waiting up to ctx's deadline
// for each to reach a terminal state. It does not delete workloads from the
// store: a subsequent Recover against the same store will reconstruct the
// registry and, per §4.F.3, report as lost on recovery only the workloads
// whose last recorded spawn has no recorded exit (e.g. a stop that did not
// finish before ctx's deadline).
func (c *Coordinator) Shutdown(ctx context.Context) {
	close(c.retentionStop)

	c.mu.RLock()
	entries := make([]*entry, 0, len(c.registry))
	for _, e := range c.registry {
		entries = append(entries, e)
	}
	c.mu.RUnlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			if err := e.supervisor.Stop(); err != nil && !Is(err, KindAlreadyStopped) {
				c.logger.Warn("error stopping workload during shutdown",
					zap.String("workload_id", e.workload.ID), zap.Error(err))
			}
		}(e)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warn("shutdown deadline exceeded, some workloads may still be running")
	}

	c.mu.RLock()
	logBatchers := make([]*logBatcher, 0, len(c.logBatchers))
	for _, b := range c.logBatchers {
		logBatchers = append(logBatchers, b)
	}
	metricBatchers := make([]*metricBatcher, 0, len(c.metricBatchers))
	for _, b := range c.metricBatchers {
		metricBatchers = append(metricBatchers, b)
	}
	c.mu.RUnlock()
	for _, b := range logBatchers {
		b.Stop()
	}
	for _, b := range metricBatchers {
		b.Stop()
	}
}
