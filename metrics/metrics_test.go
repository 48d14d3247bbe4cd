package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRegistration(t *testing.T) {
	// Metrics are package-level and auto-registered; assert the
	// instruments exist so a rename cannot silently break dashboards.
	assert.NotNil(t, RunsSubmitted)
	assert.NotNil(t, RunsCompleted)
	assert.NotNil(t, RunDuration)
	assert.NotNil(t, RunRetries)
	assert.NotNil(t, RunsReconciled)
	assert.NotNil(t, PermissionDenials)
	assert.NotNil(t, AuditWriteFailures)
	assert.NotNil(t, WorkerPoolActiveWorkers)
	assert.NotNil(t, WorkerPoolQueueSize)
	assert.NotNil(t, WorkerPoolTasksProcessed)
}

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(RunsSubmitted.WithLabelValues("feed", "manual"))
	RunsSubmitted.WithLabelValues("feed", "manual").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(RunsSubmitted.WithLabelValues("feed", "manual")))

	before = testutil.ToFloat64(AuditWriteFailures)
	AuditWriteFailures.Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(AuditWriteFailures))
}
