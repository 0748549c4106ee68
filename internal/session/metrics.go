package session

import (
	"strings"
	"sync"
	"sync/atomic"
)

// Counter names recorded by the manager and the refresher.
const (
	MetricLoginSuccess      = "session.login.success"
	MetricLoginFailure      = "session.login.failure"
	MetricLogout            = "session.logout"
	MetricLogoutSuppressed  = "session.logout.suppressed"
	MetricRefreshSuccess    = "session.refresh.success"
	MetricRefreshFailure    = "session.refresh.failure"
	MetricRefreshDiscarded  = "session.refresh.discarded"
	MetricVerifyFailure     = "session.verify.failure"
	MetricSignupSuccess     = "session.signup.success"
	MetricSignupFailure     = "session.signup.failure"
	MetricRefresherTick     = "session.refresher.tick"
	MetricSessionExpired    = "session.expired"
	MetricCorruptTokenStore = "session.store.corrupt"
)

// MetricsRecorder increments counters for session events.
type MetricsRecorder interface {
	Increment(event string)
}

// CounterMetrics counts session events in memory. Counters are created on first increment
// and read without blocking writers of other events.
type CounterMetrics struct {
	mutex    sync.RWMutex
	counters map[string]*atomic.Int64
}

// NewCounterMetrics constructs an empty counter set.
func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{counters: make(map[string]*atomic.Int64)}
}

// Increment adds one to the event's counter.
func (recorder *CounterMetrics) Increment(event string) {
	recorder.counter(event).Add(1)
}

func (recorder *CounterMetrics) counter(event string) *atomic.Int64 {
	recorder.mutex.RLock()
	existing, found := recorder.counters[event]
	recorder.mutex.RUnlock()
	if found {
		return existing
	}
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	if existing, found = recorder.counters[event]; !found {
		existing = &atomic.Int64{}
		recorder.counters[event] = existing
	}
	return existing
}

// Count returns the event's counter, zero when never incremented.
func (recorder *CounterMetrics) Count(event string) int64 {
	recorder.mutex.RLock()
	defer recorder.mutex.RUnlock()
	if existing, found := recorder.counters[event]; found {
		return existing.Load()
	}
	return 0
}

// Snapshot copies every counter.
func (recorder *CounterMetrics) Snapshot() map[string]int64 {
	return recorder.WithPrefix("")
}

// WithPrefix copies the counters whose event name starts with prefix, matched on whole dotted
// segments: "session.refresh" selects "session.refresh.success" but not "session.refresher.tick".
func (recorder *CounterMetrics) WithPrefix(prefix string) map[string]int64 {
	prefix = strings.TrimSuffix(prefix, ".")
	recorder.mutex.RLock()
	defer recorder.mutex.RUnlock()
	selected := make(map[string]int64, len(recorder.counters))
	for event, value := range recorder.counters {
		if prefix != "" && event != prefix && !strings.HasPrefix(event, prefix+".") {
			continue
		}
		selected[event] = value.Load()
	}
	return selected
}
