package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.ObserveHTTP("GET", "/", 200, time.Millisecond)
	m.ObserveIngest("email", "stored", time.Millisecond)
	m.DeliveryLogWriteFailed("received")
	m.OutboxHandled("newsletter.stored", "done")
	m.RateLimited()
	m.SetAnomalies(map[string]string{"silence": "warning"})
	assert.Nil(t, m.Registry())
}

func TestMetrics_RecordAndExpose(t *testing.T) {
	m := New()
	m.ObserveIngest("email", "stored", 10*time.Millisecond)
	m.ObserveIngest("email", "stored", 10*time.Millisecond)
	m.SetAnomalies(map[string]string{"high_failure_rate": "critical"})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.IngestOutcomes.WithLabelValues("email", "stored")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AnomalyActive.WithLabelValues("high_failure_rate", "critical")))

	m.SetAnomalies(nil)
	assert.Equal(t, 0, testutil.CollectAndCount(m.AnomalyActive))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "mailslot_ingest_outcomes_total")
}
