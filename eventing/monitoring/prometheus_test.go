package monitoring

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheusMetrics(reg, "test")

	m.ObserveAppend("sales.order", time.Millisecond, 3, OutcomeOK)
	m.ObserveAppend("sales.order", time.Millisecond, 2, OutcomeConflict)
	m.CommandProcessed("sales.order", OutcomeOK, 2)
	m.SnapshotSaved("sales.order", time.Millisecond, false)
	m.LaneQueueDepth("sales.order", 2)
	m.LaneQueueDepth("sales.order", -1)
	m.StreamPublished("sales.order", "memory", true)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.eventsAppended.WithLabelValues("sales.order")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues("sales.order", OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.snapshotSaves.WithLabelValues("sales.order", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.laneQueue.WithLabelValues("sales.order")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.published.WithLabelValues("sales.order", "memory", "true")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestPrometheusMetrics_DoubleRegisterPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewPrometheusMetrics(reg, "")
	assert.Panics(t, func() { NewPrometheusMetrics(reg, "") })
}
