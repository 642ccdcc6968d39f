package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/pageload-sim/sim/lantern"
	"github.com/inference-sim/pageload-sim/sim/trace"
)

func fixtureInputs(t *testing.T) lantern.MetricInputs {
	t.Helper()
	tr, err := loadTrace("testdata/trace.json")
	require.NoError(t, err)
	log, err := loadDevtoolsLog("testdata/devtoolslog.json")
	require.NoError(t, err)
	return lantern.MetricInputs{Trace: tr, DevtoolsLog: log, Throttling: lantern.MobileSlow4G}
}

func TestRunEstimate_AllMetrics(t *testing.T) {
	// GIVEN a recorded page load
	in := fixtureInputs(t)

	// WHEN every metric is estimated
	report, err := runEstimate(context.Background(), in)
	require.NoError(t, err)

	// THEN all four metrics are present and consistent with each other
	assert.Empty(t, report.Errors)
	require.Len(t, report.Metrics, 4)
	fcp := report.Metrics["first-contentful-paint"]
	require.NotNil(t, fcp)
	assert.Greater(t, fcp.Timing, 0.0)
	assert.GreaterOrEqual(t, fcp.PessimisticEstimate.TimeInMs, fcp.OptimisticEstimate.TimeInMs)
	assert.GreaterOrEqual(t, report.Metrics["largest-contentful-paint"].Timing, fcp.Timing)
	assert.GreaterOrEqual(t, report.Metrics["speed-index"].Timing, fcp.Timing)
	assert.GreaterOrEqual(t, report.Metrics["interactive"].OptimisticEstimate.TimeInMs, fcp.OptimisticEstimate.TimeInMs)

	// AND shared intermediates were computed once
	assert.Equal(t, 8, report.Cache.Misses)
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, lantern.MobileSlow4G, report.Throttling)
}

func TestRunEstimate_Deterministic(t *testing.T) {
	in := fixtureInputs(t)

	a, err := runEstimate(context.Background(), in)
	require.NoError(t, err)
	b, err := runEstimate(context.Background(), in)
	require.NoError(t, err)

	assert.NotEqual(t, a.RunID, b.RunID)
	assert.Equal(t, a.Metrics, b.Metrics)
}

func TestRunEstimate_MissingLCPIsReported(t *testing.T) {
	// GIVEN a trace whose LCP candidate was dropped
	in := fixtureInputs(t)
	var kept []trace.Event
	for _, ev := range in.Trace.TraceEvents {
		if ev.Name != trace.EventLCPCandidate {
			kept = append(kept, ev)
		}
	}
	in.Trace = &trace.Trace{TraceEvents: kept}

	// WHEN estimated
	report, err := runEstimate(context.Background(), in)
	require.NoError(t, err)

	// THEN only LCP fails and the rest are still reported
	assert.Len(t, report.Metrics, 3)
	require.Contains(t, report.Errors, "largest-contentful-paint")
	assert.Contains(t, report.Errors["largest-contentful-paint"], lantern.ErrNoLargestContentfulPaint.Error())
}

func TestRunEstimate_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := runEstimate(ctx, fixtureInputs(t))

	assert.ErrorIs(t, err, context.Canceled)
}

func TestWriteJSON_ReportShape(t *testing.T) {
	report, err := runEstimate(context.Background(), fixtureInputs(t))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, writeJSON(&buf, report))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Contains(t, decoded, "runId")
	assert.Contains(t, decoded, "metrics")
	assert.NotContains(t, decoded, "errors")
	metrics := decoded["metrics"].(map[string]any)
	fcp := metrics["first-contentful-paint"].(map[string]any)
	assert.Contains(t, fcp, "timing")
	assert.Contains(t, fcp["optimisticEstimate"], "nodeTimings")
}
