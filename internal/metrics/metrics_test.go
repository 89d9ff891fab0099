package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordDecision(t *testing.T) {
	m := New("act_test")

	m.RecordDecision("ALLOW", "")
	m.RecordDecision("ALLOW", "")
	m.RecordDecision("DENY", "REPLAY")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.decisionsTotal.WithLabelValues("ALLOW", "none")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.decisionsTotal.WithLabelValues("DENY", "REPLAY")))
}

func TestRecordRateLimited(t *testing.T) {
	m := New("act_test")
	m.RecordRateLimited("ip")
	m.RecordRateLimited("tenant")
	m.RecordRateLimited("ip")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.rateLimitedTotal.WithLabelValues("ip")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.rateLimitedTotal.WithLabelValues("tenant")))
}

func TestActiveRequestsGauge(t *testing.T) {
	m := New("act_test")
	m.RequestStarted()
	m.RequestStarted()
	m.RequestFinished()

	assert.Equal(t, float64(1), testutil.ToFloat64(m.activeRequests))
}

func TestHTTPHandlerExposesMetrics(t *testing.T) {
	m := New("act_test")
	m.RecordDecision("ALLOW", "")
	m.RecordReceiptLost()
	m.ObserveRequest("/verify", 5*time.Millisecond)

	rec := httptest.NewRecorder()
	m.HTTPHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "act_test_decisions_total")
	assert.Contains(t, body, "act_test_receipts_lost_total")
	assert.Contains(t, body, "act_test_request_duration_seconds")
}
