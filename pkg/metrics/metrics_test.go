package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters_Increment(t *testing.T) {
	before := testutil.ToFloat64(ChainVerificationFailures.WithLabelValues("metrics-test"))
	ChainVerificationFailures.WithLabelValues("metrics-test").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(ChainVerificationFailures.WithLabelValues("metrics-test")))
}

func TestHandler_ExposesCollectors(t *testing.T) {
	RetryDecisions.WithLabelValues("quick", "reschedule", "retryable").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "reliability_retry_decisions_total")
}
