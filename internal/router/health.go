package router

import (
	"sync"
	"time"
)

// HealthPolicy controls when a deployment is considered unhealthy and when it
// is probed again.
type HealthPolicy struct {
	// FailureThreshold is the number of consecutive failures that marks a
	// deployment unhealthy.
	FailureThreshold int
	// Cooldown is how long an unhealthy deployment sits out before it is
	// eligible for a probe attempt.
	Cooldown time.Duration
}

// DefaultHealthPolicy mirrors a conservative production setting: three
// strikes, thirty seconds in the penalty box.
func DefaultHealthPolicy() HealthPolicy {
	return HealthPolicy{FailureThreshold: 3, Cooldown: 30 * time.Second}
}

type healthState struct {
	consecutiveFailures int
	unhealthyUntil      time.Time
}

// HealthTracker records per-deployment failure streaks. Any success resets
// the streak and clears the unhealthy mark; once the cooldown lapses the
// deployment becomes eligible again (the next attempt is the probe).
type HealthTracker struct {
	mu     sync.Mutex
	states map[string]*healthState
	policy HealthPolicy
	now    func() time.Time
}

func NewHealthTracker(policy HealthPolicy) *HealthTracker {
	if policy.FailureThreshold <= 0 {
		policy.FailureThreshold = DefaultHealthPolicy().FailureThreshold
	}
	if policy.Cooldown <= 0 {
		policy.Cooldown = DefaultHealthPolicy().Cooldown
	}
	return &HealthTracker{
		states: make(map[string]*healthState),
		policy: policy,
		now:    time.Now,
	}
}

func (h *HealthTracker) state(id string) *healthState {
	s, ok := h.states[id]
	if !ok {
		s = &healthState{}
		h.states[id] = s
	}
	return s
}

// Healthy reports whether the deployment should be tried in the normal pass.
// An unhealthy deployment whose cooldown has lapsed counts as healthy.
func (h *HealthTracker) Healthy(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.state(id)
	return s.unhealthyUntil.IsZero() || !h.now().Before(s.unhealthyUntil)
}

// RecordSuccess clears the failure streak.
func (h *HealthTracker) RecordSuccess(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.state(id)
	s.consecutiveFailures = 0
	s.unhealthyUntil = time.Time{}
}

// RecordFailure bumps the streak and, at the threshold, benches the
// deployment for the cooldown.
func (h *HealthTracker) RecordFailure(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.state(id)
	s.consecutiveFailures++
	if s.consecutiveFailures >= h.policy.FailureThreshold {
		s.unhealthyUntil = h.now().Add(h.policy.Cooldown)
	}
}

// Snapshot reports the health status per tracked deployment id
// ("healthy" / "unhealthy").
func (h *HealthTracker) Snapshot() map[string]string {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	out := make(map[string]string, len(h.states))
	for id, s := range h.states {
		if !s.unhealthyUntil.IsZero() && now.Before(s.unhealthyUntil) {
			out[id] = "unhealthy"
		} else {
			out[id] = "healthy"
		}
	}
	return out
}
