// Package sentinelzero supervises declared workloads: it starts them,
// restarts them according to a named policy when they exit, fires them on
// cron/interval/one-shot schedules, captures their stdout/stderr, samples
// their resource usage, and reports everything as a typed event stream.
//
// A Coordinator owns the registry of Supervisors, the shared TimerWheel
// backing both restart backoff and schedule fires, and the Store Gateway
// handle through which declared state and captured logs/metrics are
// persisted. Callers interact with workloads exclusively through the
// Coordinator; a Supervisor's internal state machine (see supervisor.go) is
// not addressable directly.
package sentinelzero
