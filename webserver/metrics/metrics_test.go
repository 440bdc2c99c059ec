package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_RecordsLabelledCounters(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())

	m.RecordAuthAttempt("hash", "success", 10*time.Millisecond)
	m.RecordAuthAttempt("hash", "rejected", 5*time.Millisecond)
	m.RecordAuthAttempt("hash", "rejected", 5*time.Millisecond)
	m.RecordApplianceCall("user.query", "ok", time.Millisecond)
	m.RecordPasswordChange("success")
	m.RecordHTTPRequest("POST", "/auth/login", 401, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuthAttemptsTotal.WithLabelValues("hash", "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.AuthAttemptsTotal.WithLabelValues("hash", "rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ApplianceCallsTotal.WithLabelValues("user.query", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PasswordChangesTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/auth/login", "401")))
}

func TestInit_DisabledIsNoop(t *testing.T) {
	r := Init(false)
	_, ok := r.(*NoopMetrics)
	assert.True(t, ok)

	// must not panic
	r.RecordAuthAttempt("smb", "error", 0)
	r.RecordApplianceCall("auth.login", "transport_error", 0)
	r.RecordPasswordChange("failure")
	r.RecordHTTPRequest("GET", "/", 200, 0)
}

func TestInit_EnabledIsSingleton(t *testing.T) {
	a := Init(true)
	b := Init(true)
	assert.Same(t, a, b)
}
