package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpLatenciesReportAgainstBudget(t *testing.T) {
	l := newOpLatencies(16)
	l.setBudget(100 * time.Millisecond)
	for _, ms := range []int{10, 20, 30, 40, 150} {
		l.record("append", time.Duration(ms)*time.Millisecond, ms == 150)
	}
	l.record("count", 2*time.Millisecond, false)
	l.count("archive_failed")
	l.count("archive_failed")

	rep := l.report()
	assert.Equal(t, 16, rep.Window)
	require.Len(t, rep.Ops, 2)
	assert.Equal(t, "append", rep.Ops[0].Op)
	assert.Equal(t, "count", rep.Ops[1].Op)

	a := rep.Ops[0]
	assert.Equal(t, 5, a.Samples)
	assert.Equal(t, 1, a.Failures)
	assert.Equal(t, 1, a.OverBudget)
	assert.Equal(t, 50.0, a.MeanMS)
	assert.Equal(t, 30.0, a.P50MS)
	assert.Equal(t, 150.0, a.P95MS)
	assert.Equal(t, 150.0, a.MaxMS)
	assert.Equal(t, 100.0, a.BudgetMS)
	assert.Equal(t, 1.5, a.BudgetUsed)

	assert.Equal(t, map[string]int{"archive_failed": 2}, rep.Indicators)
}

func TestOpLatenciesWithoutBudget(t *testing.T) {
	l := newOpLatencies(4)
	l.record("clear", 3*time.Millisecond, false)

	rep := l.report()
	require.Len(t, rep.Ops, 1)
	assert.Zero(t, rep.Ops[0].BudgetMS)
	assert.Zero(t, rep.Ops[0].OverBudget)
	assert.Zero(t, rep.Ops[0].BudgetUsed)
	assert.Nil(t, rep.Indicators)
}

func TestOpLatenciesKeepNewestSamples(t *testing.T) {
	l := newOpLatencies(2)
	l.record("count", 100*time.Millisecond, true)
	l.record("count", time.Millisecond, false)
	l.record("count", 3*time.Millisecond, false)

	c := l.report().Ops[0]
	assert.Equal(t, 2, c.Samples)
	assert.Zero(t, c.Failures)
	assert.Equal(t, 2.0, c.MeanMS)
	assert.Equal(t, 3.0, c.MaxMS)
}

func TestOpLatenciesIgnoreInvalidSamples(t *testing.T) {
	l := newOpLatencies(4)
	l.record("", time.Millisecond, false)
	l.record("append", -time.Millisecond, false)
	l.count("")

	rep := l.report()
	assert.Empty(t, rep.Ops)
	assert.Empty(t, rep.Indicators)
}

func TestMetricsStoreOpFailuresReachReport(t *testing.T) {
	m := NewMetrics("lat", prometheus.NewRegistry())
	m.SetOpBudget(10 * time.Millisecond)
	m.ObserveStoreOp("append", 20*time.Millisecond, errors.New("boom"))

	rep := m.LatencySnapshot()
	require.Len(t, rep.Ops, 1)
	assert.Equal(t, 1, rep.Ops[0].Failures)
	assert.Equal(t, 1, rep.Ops[0].OverBudget)
	assert.Equal(t, 2.0, rep.Ops[0].BudgetUsed)
}
