// Package health tracks how each upstream resolver has been answering.
//
// Tracking is observational: it feeds readiness and the admin API but never
// changes which upstream a query is sent to.
package health

import (
	"sync"
	"sync/atomic"
	"time"

	"doh-gateway/pkg/upstream"
)

const defaultFailureThreshold = 3

// upstreamState holds counters for a single upstream
type upstreamState struct {
	server              upstream.Server
	consecutiveFailures atomic.Int64
	successes           atomic.Int64
	failures            atomic.Int64
	lastSuccess         atomic.Int64 // unix nano
	lastFailure         atomic.Int64 // unix nano
	lastRTT             atomic.Int64 // nanoseconds
	lastError           atomic.Value // string
}

func (s *upstreamState) record(duration time.Duration, err error, now time.Time) {
	if err != nil {
		s.failures.Add(1)
		s.consecutiveFailures.Add(1)
		s.lastFailure.Store(now.UnixNano())
		s.lastError.Store(err.Error())
		return
	}
	s.successes.Add(1)
	s.consecutiveFailures.Store(0)
	s.lastSuccess.Store(now.UnixNano())
	s.lastRTT.Store(int64(duration))
}

// Status is a snapshot of one upstream's health
type Status struct {
	LastSuccess         time.Time     `json:"last_success,omitzero"`
	LastFailure         time.Time     `json:"last_failure,omitzero"`
	Upstream            string        `json:"upstream"`
	LastError           string        `json:"last_error,omitempty"`
	Weight              float64       `json:"weight"`
	Successes           int64         `json:"successes"`
	Failures            int64         `json:"failures"`
	ConsecutiveFailures int64         `json:"consecutive_failures"`
	LastRTT             time.Duration `json:"last_rtt_ns"`
	Healthy             bool          `json:"healthy"`
}

// Tracker records exchange outcomes per upstream
type Tracker struct {
	states    map[string]*upstreamState
	order     []string
	now       func() time.Time
	threshold int64
	mu        sync.RWMutex
}

// NewTracker creates a tracker for the given servers. An upstream is reported
// unhealthy after failureThreshold consecutive failures.
func NewTracker(servers []upstream.Server, failureThreshold int) *Tracker {
	if failureThreshold <= 0 {
		failureThreshold = defaultFailureThreshold
	}

	t := &Tracker{
		states:    make(map[string]*upstreamState, len(servers)),
		now:       time.Now,
		threshold: int64(failureThreshold),
	}
	for _, s := range servers {
		key := s.String()
		if _, exists := t.states[key]; exists {
			continue
		}
		t.states[key] = &upstreamState{server: s}
		t.order = append(t.order, key)
	}
	return t
}

// ObserveForward implements forwarder.Observer
func (t *Tracker) ObserveForward(server upstream.Server, duration time.Duration, err error) {
	t.Record(server, duration, err)
}

// Record stores one outcome; unknown upstreams are ignored
func (t *Tracker) Record(server upstream.Server, duration time.Duration, err error) {
	t.mu.RLock()
	state, exists := t.states[server.String()]
	t.mu.RUnlock()

	if !exists {
		return
	}
	state.record(duration, err, t.now())
}

// IsHealthy reports whether the upstream is below the failure threshold.
// Unknown upstreams are assumed healthy.
func (t *Tracker) IsHealthy(server upstream.Server) bool {
	t.mu.RLock()
	state, exists := t.states[server.String()]
	t.mu.RUnlock()

	if !exists {
		return true
	}
	return state.consecutiveFailures.Load() < t.threshold
}

// Ready reports whether at least one upstream is healthy
func (t *Tracker) Ready() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, state := range t.states {
		if state.consecutiveFailures.Load() < t.threshold {
			return true
		}
	}
	return false
}

// Statuses returns a snapshot for every upstream in registry order
func (t *Tracker) Statuses() []Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Status, 0, len(t.order))
	for _, key := range t.order {
		state := t.states[key]
		status := Status{
			Upstream:            key,
			Weight:              state.server.Weight,
			Successes:           state.successes.Load(),
			Failures:            state.failures.Load(),
			ConsecutiveFailures: state.consecutiveFailures.Load(),
			LastRTT:             time.Duration(state.lastRTT.Load()),
		}
		status.Healthy = status.ConsecutiveFailures < t.threshold
		if ns := state.lastSuccess.Load(); ns != 0 {
			status.LastSuccess = time.Unix(0, ns)
		}
		if ns := state.lastFailure.Load(); ns != 0 {
			status.LastFailure = time.Unix(0, ns)
		}
		if msg, ok := state.lastError.Load().(string); ok {
			status.LastError = msg
		}
		out = append(out, status)
	}
	return out
}

// Reset clears every counter
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, state := range t.states {
		t.states[key] = &upstreamState{server: state.server}
	}
}
