package metrics

import "time"

// NoopMetrics discards everything.
type NoopMetrics struct{}

var _ Recorder = (*NoopMetrics)(nil)

func NewNoopMetrics() Recorder {
	return &NoopMetrics{}
}

func (n *NoopMetrics) RecordAuthAttempt(method, result string, d time.Duration)            {}
func (n *NoopMetrics) RecordApplianceCall(method, outcome string, d time.Duration)         {}
func (n *NoopMetrics) RecordPasswordChange(result string)                                  {}
func (n *NoopMetrics) RecordHTTPRequest(method, route string, status int, d time.Duration) {}
