package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/ttq-tasks/pkg/types"
)

// value returns the counter, gauge or histogram sample count of the series
// name{labels} gathered from reg.
func value(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue next
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	t.Fatalf("series %s%v not found", name, labels)
	return 0
}

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector(reg), reg
}

func TestNewCollector(t *testing.T) {
	c, _ := newTestCollector(t)
	assert.NotNil(t, c)
	assert.NotNil(t, c.submitted)
	assert.NotNil(t, c.duration)
	assert.NotNil(t, c.byState)
}

func TestJobLifecycleMetrics(t *testing.T) {
	c, reg := newTestCollector(t)

	c.RecordSubmit("long_demo")
	c.RecordSubmit("long_demo")
	c.JobStarted("long_demo")
	assert.Equal(t, 1.0, value(t, reg, "ttq_workers_busy", nil))

	c.JobFinished("long_demo", types.StateSuccess, 150*time.Millisecond)

	assert.Equal(t, 2.0, value(t, reg, "ttq_jobs_submitted_total", map[string]string{"job": "long_demo"}))
	assert.Equal(t, 1.0, value(t, reg, "ttq_jobs_started_total", map[string]string{"job": "long_demo"}))
	assert.Equal(t, 1.0, value(t, reg, "ttq_jobs_finished_total", map[string]string{"job": "long_demo", "state": "SUCCESS"}))
	assert.Equal(t, 1.0, value(t, reg, "ttq_job_duration_seconds", map[string]string{"job": "long_demo"}))
	assert.Equal(t, 0.0, value(t, reg, "ttq_workers_busy", nil))
}

func TestRevokeAndHousekeepingMetrics(t *testing.T) {
	c, reg := newTestCollector(t)

	c.RecordRevoke(true)
	c.RecordRevoke(false)
	c.RecordRevoke(true)
	c.RecordRedeliveries(3)
	c.RecordExpired(5)
	c.RecordRecovery(7, 250*time.Millisecond)

	assert.Equal(t, 2.0, value(t, reg, "ttq_revoke_requests_total", map[string]string{"accepted": "true"}))
	assert.Equal(t, 1.0, value(t, reg, "ttq_revoke_requests_total", map[string]string{"accepted": "false"}))
	assert.Equal(t, 3.0, value(t, reg, "ttq_lease_redeliveries_total", nil))
	assert.Equal(t, 5.0, value(t, reg, "ttq_jobs_expired_total", nil))
	assert.Equal(t, 7.0, value(t, reg, "ttq_jobs_recovered_total", nil))
	assert.Equal(t, 0.25, value(t, reg, "ttq_recovery_time_seconds", nil))
}

func TestUpdateQueueStats(t *testing.T) {
	c, reg := newTestCollector(t)

	testCases := []struct {
		name    string
		pending int
		leased  int
	}{
		{"zero values", 0, 0},
		{"normal values", 10, 5},
		{"high pending", 100, 8},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c.UpdateQueueStats(tc.pending, tc.leased)
			assert.Equal(t, float64(tc.pending), value(t, reg, "ttq_queue_pending", nil))
			assert.Equal(t, float64(tc.leased), value(t, reg, "ttq_queue_leased", nil))
		})
	}
}

func TestUpdateStateCountsZeroesMissingStates(t *testing.T) {
	c, reg := newTestCollector(t)

	c.UpdateStateCounts(map[types.State]int{types.StateFailure: 4})
	c.UpdateStateCounts(map[types.State]int{types.StatePending: 2})

	assert.Equal(t, 2.0, value(t, reg, "ttq_jobs_by_state", map[string]string{"state": "PENDING"}))
	assert.Equal(t, 0.0, value(t, reg, "ttq_jobs_by_state", map[string]string{"state": "FAILURE"}))
}

func TestConcurrentMetricUpdates(t *testing.T) {
	c, reg := newTestCollector(t)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.RecordSubmit("ping")
			c.JobStarted("ping")
			c.JobFinished("ping", types.StateSuccess, time.Millisecond)
			c.UpdateQueueStats(10, 5)
		}()
	}
	wg.Wait()

	assert.Equal(t, 100.0, value(t, reg, "ttq_jobs_finished_total", map[string]string{"job": "ping", "state": "SUCCESS"}))
}

func TestCollectorIsolation(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NotNil(t, NewCollector(reg))

	// A second collector on the same registry is a duplicate registration.
	assert.Panics(t, func() { NewCollector(reg) })

	// A fresh registry is independent.
	assert.NotPanics(t, func() { NewCollector(prometheus.NewRegistry()) })
}

func TestHandlerServesMetrics(t *testing.T) {
	c, reg := newTestCollector(t)
	c.RecordSubmit("ping")

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `ttq_jobs_submitted_total{job="ping"} 1`)
}
