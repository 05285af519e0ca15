// Package health models the post-start health check as a state machine.
// This is part of the Functional Core - all functions are pure with no I/O.
//
// One machine instance exists per deploy or rollback attempt per host:
//
//	Pending -> Polling -> {Healthy, Unhealthy, TimedOut}
//
// Healthy is the only success outcome. Unhealthy and TimedOut are the
// same failure class to callers: both trigger identical compensation.
package health

// State is a health-check machine state.
type State int

const (
	Pending State = iota
	Polling
	Healthy
	Unhealthy
	TimedOut
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Polling:
		return "polling"
	case Healthy:
		return "healthy"
	case Unhealthy:
		return "unhealthy"
	case TimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Terminal reports whether the machine has reached an outcome.
func (s State) Terminal() bool {
	return s == Healthy || s == Unhealthy || s == TimedOut
}

// Succeeded reports whether the outcome is the success outcome.
func (s State) Succeeded() bool {
	return s == Healthy
}

// Docker health status strings as reported by the container runtime.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// Observe transitions a polling machine on one observed container health
// status. Any status other than "healthy" or "unhealthy" (e.g. "starting",
// empty) keeps the machine in Polling so the caller retries.
func Observe(s State, status string) State {
	if s.Terminal() {
		return s
	}
	switch status {
	case StatusHealthy:
		return Healthy
	case StatusUnhealthy:
		return Unhealthy
	default:
		return Polling
	}
}

// Exhaust transitions a non-terminal machine to TimedOut. Called when the
// retry budget or the wall-clock timeout is spent.
func Exhaust(s State) State {
	if s.Terminal() {
		return s
	}
	return TimedOut
}
