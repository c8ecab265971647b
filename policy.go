package sentinelzero

import (
	"math"
	"time"
)

// UnboundedRetries is the distinguished MaxRetries value denoting an
// unlimited retry budget (§3).
const UnboundedRetries = -1

// RestartPolicy is a named, reusable restart policy (§3). Grounded on
// original_source/src/core/restart_policy.py's RestartPolicy dataclass;
// IgnoreExitCodes is carried over from the Python predecessor's
// ignore_codes field even though spec.md's data model only names the
// allow-list (empty RestartOnExitCodes = "any non-zero") — see
// SPEC_FULL.md §4.
type RestartPolicy struct {
	Name                string
	MaxRetries          int // UnboundedRetries for unlimited
	InitialDelay        time.Duration
	Multiplier          float64
	MaxDelay            time.Duration
	RestartOnExitCodes  map[int]struct{} // empty = any non-zero
	IgnoreExitCodes     map[int]struct{}
	RestartOnNormalExit bool
	Builtin             bool
}

// Validate enforces the invariants of §3: InitialDelay <= MaxDelay,
// Multiplier finite and >= 1.0.
func (p *RestartPolicy) Validate() error {
	if p.InitialDelay > p.MaxDelay {
		return New(KindInvalidPolicy, "initial_delay must not exceed max_delay")
	}
	if math.IsNaN(p.Multiplier) || math.IsInf(p.Multiplier, 0) {
		return New(KindInvalidPolicy, "multiplier must be finite")
	}
	if p.Multiplier < 1.0 {
		return New(KindInvalidPolicy, "multiplier must be >= 1.0")
	}
	if p.MaxRetries < 0 && p.MaxRetries != UnboundedRetries {
		return New(KindInvalidPolicy, "max_retries must be nonnegative or unbounded")
	}
	return nil
}

// BuiltinPolicies returns the four named policies the Python predecessor
// seeded by default (restart_policy.py's _create_default_policies),
// carried forward as a supplemented feature (SPEC_FULL.md §4): they cannot
// be deleted and are always present in a fresh Store Gateway.
func BuiltinPolicies() []*RestartPolicy {
	return []*RestartPolicy{
		{
			Name:                "standard",
			MaxRetries:          3,
			InitialDelay:        5 * time.Second,
			Multiplier:          1.5,
			MaxDelay:            5 * time.Minute,
			RestartOnNormalExit: false,
			Builtin:             true,
		},
		{
			Name:                "aggressive",
			MaxRetries:          10,
			InitialDelay:        1 * time.Second,
			Multiplier:          2.0,
			MaxDelay:            1 * time.Minute,
			RestartOnNormalExit: false,
			Builtin:             true,
		},
		{
			Name:                "conservative",
			MaxRetries:          5,
			InitialDelay:        30 * time.Second,
			Multiplier:          1.2,
			MaxDelay:            10 * time.Minute,
			RestartOnNormalExit: false,
			Builtin:             true,
		},
		{
			Name:       "none",
			MaxRetries: 0,
			Builtin:    true,
		},
	}
}

// exitClass is the result of classifying a process exit per §4.D step 2-4.
type exitClass int

const (
	exitSuccess exitClass = iota
	exitFailure
)

// decision is the outcome of evaluate(): what the Supervisor should do
// next, and (for decisionRetry) the backoff delay to wait.
type decision int

const (
	decisionStop decision = iota
	decisionFail
	decisionRetry
)

// evaluate implements §4.D's "Policy evaluation on Evaluating" exactly,
// steps 2-5. It is a pure function of the policy and the process's exit,
// mirroring the design note "polymorphism over restart policies via
// subclassing ... replaced by a single RestartPolicy record + pure
// evaluation function". Grounded on
// original_source/src/core/restart_policy.py#should_restart for the
// ignore/allow-list check order, and on cronmon/process.go's nextBackoff
// for the shape of a pure backoff calculator (there: a fixed table
// indexed by an int; here: the spec's multiplier/cap formula).
func evaluate(p *RestartPolicy, exitCode int, signaled bool, consecutiveFailures int) (decision, time.Duration) {
	class := classify(exitCode, signaled)

	if class == exitSuccess {
		if !p.RestartOnNormalExit {
			return decisionStop, 0
		}
	} else {
		if _, ignored := p.IgnoreExitCodes[exitCode]; ignored {
			return decisionStop, 0
		}
		if len(p.RestartOnExitCodes) > 0 {
			if _, ok := p.RestartOnExitCodes[exitCode]; !ok {
				return decisionStop, 0
			}
		}
	}

	if p.MaxRetries != UnboundedRetries && consecutiveFailures+1 > p.MaxRetries {
		return decisionFail, 0
	}

	delay := backoffDelay(p, consecutiveFailures)
	return decisionRetry, delay
}

// classify implements §4.D step 2: "success" iff exit code 0 and not via
// signal, else "failure".
func classify(exitCode int, signaled bool) exitClass {
	if exitCode == 0 && !signaled {
		return exitSuccess
	}
	return exitFailure
}

// backoffDelay computes min(initial_delay * multiplier^consecutiveFailures,
// max_delay), per §4.D step 5 and the boundary property "backoff delay
// never exceeds max_delay no matter how many consecutive failures
// occurred" (§8).
func backoffDelay(p *RestartPolicy, consecutiveFailures int) time.Duration {
	delay := float64(p.InitialDelay)
	for i := 0; i < consecutiveFailures; i++ {
		delay *= p.Multiplier
		if delay >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// PolicyLibrary manages named policies and their process associations, a
// supplemented feature carried from
// original_source/src/core/restart_policy.py's RestartPolicyManager.
type PolicyLibrary struct {
	policies map[string]*RestartPolicy
}

// NewPolicyLibrary creates a library seeded with the built-in policies.
func NewPolicyLibrary() *PolicyLibrary {
	l := &PolicyLibrary{policies: make(map[string]*RestartPolicy)}
	for _, p := range BuiltinPolicies() {
		l.policies[p.Name] = p
	}
	return l
}

// Put creates or replaces a non-builtin policy.
func (l *PolicyLibrary) Put(p *RestartPolicy) error {
	if existing, ok := l.policies[p.Name]; ok && existing.Builtin {
		return New(KindInvalidPolicy, "cannot overwrite builtin policy "+p.Name)
	}
	if err := p.Validate(); err != nil {
		return err
	}
	l.policies[p.Name] = p
	return nil
}

// Get returns the named policy, or KindUnknownPolicy.
func (l *PolicyLibrary) Get(name string) (*RestartPolicy, error) {
	p, ok := l.policies[name]
	if !ok {
		return nil, New(KindUnknownPolicy, "unknown policy "+name)
	}
	return p, nil
}

// Delete removes a non-builtin, unreferenced policy. inUse reports whether
// any workload currently references it.
func (l *PolicyLibrary) Delete(name string, inUse bool) error {
	p, ok := l.policies[name]
	if !ok {
		return New(KindNotFound, "policy not found: "+name)
	}
	if p.Builtin {
		return New(KindInvalidPolicy, "cannot delete builtin policy "+name)
	}
	if inUse {
		return New(KindBusy, "policy is in use by one or more workloads")
	}
	delete(l.policies, name)
	return nil
}

// List returns every known policy.
func (l *PolicyLibrary) List() []*RestartPolicy {
	out := make([]*RestartPolicy, 0, len(l.policies))
	for _, p := range l.policies {
		out = append(out, p)
	}
	return out
}
