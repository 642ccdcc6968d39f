package lantern

import (
	"context"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/inference-sim/pageload-sim/sim/artifact"
)

// Speed Index coefficients are calibrated at the mobileSlow4G round trip time.
var speedIndexCoefficients = Coefficients{Intercept: -250, Optimistic: 1.4, Pessimistic: 0.65}

const (
	speedIndexReferenceRTT = 150.0
	// speedIndexBaselineRTT is the round trip at which both estimates weigh
	// equally and the intercept vanishes.
	speedIndexBaselineRTT = 30.0
)

// ScaledSpeedIndexCoefficients recalibrates the Speed Index coefficients for
// a round trip time. The reference RTT yields the calibrated values; the
// scale grows linearly with RTT above the baseline and is zero below it.
func ScaledSpeedIndexCoefficients(rttMs float64) Coefficients {
	c := speedIndexCoefficients
	if rttMs == speedIndexReferenceRTT {
		return c
	}
	scale := max((rttMs-speedIndexBaselineRTT)/(speedIndexReferenceRTT-speedIndexBaselineRTT), 0)
	return Coefficients{
		Intercept:   c.Intercept * scale,
		Optimistic:  0.5 + (c.Optimistic-0.5)*scale,
		Pessimistic: 0.5 + (c.Pessimistic-0.5)*scale,
	}
}

// LayoutBasedSpeedIndex averages the end times of simulated tasks that ran
// layout, weighting each by the log of its duration. Times are clamped to
// fcpMs, which is also the result when no task qualifies.
func LayoutBasedSpeedIndex(g *Graph, est *Estimate, fcpMs float64) float64 {
	var times, weights []float64
	for id := NodeID(0); int(id) < g.Len(); id++ {
		n := g.Node(id)
		timing, ok := est.NodeTimings[id]
		if !ok || n.Kind != NodeCPU || n.Task.LayoutCount == 0 {
			continue
		}
		weight := math.Max(math.Log2(timing.EndTime-timing.StartTime), 0)
		times = append(times, math.Max(timing.EndTime, fcpMs))
		weights = append(weights, weight)
	}
	total := 0.0
	for _, w := range weights {
		total += w
	}
	if total == 0 {
		return fcpMs
	}
	return stat.Mean(times, weights)
}

var speedIndex = &metric{
	name:         "SpeedIndex",
	coefficients: func(p Profile) Coefficients { return ScaledSpeedIndexCoefficients(p.RTTMs) },
	needsFCP:     true,
	graphs: func(_ *metricContext, g *Graph) (*Graph, *Graph, error) {
		return g, g, nil
	},
	estimate: func(m *metricContext, g *Graph, est *Estimate, _ Mode) float64 {
		return LayoutBasedSpeedIndex(g, est, m.fcp.PessimisticEstimate.TimeInMs)
	},
	floor: func(m *metricContext) float64 { return m.fcp.Timing },
}

// SpeedIndex simulates the layout-based Speed Index.
var SpeedIndex = artifact.New("LanternSpeedIndex", func(ctx context.Context, ac *artifact.Context, in MetricInputs) (*MetricResult, error) {
	return speedIndex.compute(ctx, ac, in)
})
