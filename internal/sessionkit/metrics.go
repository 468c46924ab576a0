package sessionkit

import "sync"

// Counter event names recorded by the session lifecycle and the API client.
const (
	MetricLoginSuccess    = "session.login.success"
	MetricLoginFailure    = "session.login.failure"
	MetricRegisterSuccess = "session.register.success"
	MetricRegisterFailure = "session.register.failure"
	MetricRefreshSuccess  = "session.refresh.success"
	MetricRefreshFailure  = "session.refresh.failure"
	MetricRefreshExpired  = "session.refresh.expired"
	MetricLogout          = "session.logout"
	MetricRequestReplayed = "api_client.request.replayed"
)

// MetricsRecorder increments counters for session and client events.
type MetricsRecorder interface {
	Increment(event string)
}

// CounterMetrics implements MetricsRecorder with in-memory counts.
type CounterMetrics struct {
	mutex  sync.Mutex
	counts map[string]int64
}

// NewCounterMetrics constructs an in-memory metrics recorder.
func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{counts: make(map[string]int64)}
}

// Increment increases the counter for the given event.
func (recorder *CounterMetrics) Increment(event string) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.counts[event]++
}

// Count returns the current value for the given event.
func (recorder *CounterMetrics) Count(event string) int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.counts[event]
}
