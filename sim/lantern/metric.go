package lantern

import (
	"context"
	"errors"
	"fmt"

	"github.com/chromedp/cdproto/network"
	"github.com/sirupsen/logrus"

	"github.com/inference-sim/pageload-sim/sim/artifact"
	"github.com/inference-sim/pageload-sim/sim/devtools"
	"github.com/inference-sim/pageload-sim/sim/trace"
)

// Errors for traces that lack the paint a metric is anchored on.
var (
	ErrNoFirstContentfulPaint   = errors.New("trace has no first contentful paint")
	ErrNoLargestContentfulPaint = errors.New("trace has no largest contentful paint")
)

// Coefficients blend the optimistic and pessimistic estimates of a metric.
type Coefficients struct {
	Intercept   float64 `json:"intercept"`
	Optimistic  float64 `json:"optimistic"`
	Pessimistic float64 `json:"pessimistic"`
}

// Blend returns the metric timing for a pair of estimates. A positive
// intercept is phased in over the first second of the optimistic estimate.
func (c Coefficients) Blend(optimistic, pessimistic float64) float64 {
	multiplier := 1.0
	if c.Intercept > 0 {
		multiplier = min(1, optimistic/1000)
	}
	return c.Intercept*multiplier + c.Optimistic*optimistic + c.Pessimistic*pessimistic
}

// MetricInputs identifies one metric computation.
type MetricInputs struct {
	Trace       *trace.Trace `json:"trace"`
	DevtoolsLog devtools.Log `json:"devtoolsLog"`
	Throttling  Profile      `json:"throttling"`
}

// Fingerprint reuses the run's fingerprints of the trace and log.
func (in MetricInputs) Fingerprint(ac *artifact.Context) (string, error) {
	return ac.CombineFingerprints(in.Trace, in.DevtoolsLog, in.Throttling)
}

// MetricResult is a metric's blended timing and the estimates behind it.
type MetricResult struct {
	Timing              float64      `json:"timing"`
	Coefficients        Coefficients `json:"coefficients"`
	OptimisticEstimate  *Estimate    `json:"optimisticEstimate"`
	PessimisticEstimate *Estimate    `json:"pessimisticEstimate"`
}

// metricContext carries what a metric's hooks may look at.
type metricContext struct {
	processed *trace.Processed
	fcp       *MetricResult
}

// metric describes how one timing metric is simulated.
type metric struct {
	name         string
	coefficients func(Profile) Coefficients
	// needsFCP requests the first contentful paint result before simulating.
	needsFCP bool
	// graphs derives the optimistic and pessimistic graphs from the full one.
	graphs func(m *metricContext, g *Graph) (optimistic, pessimistic *Graph, err error)
	// estimate adjusts a replay of g into the metric's value; nil uses TimeInMs.
	estimate func(m *metricContext, g *Graph, est *Estimate, mode Mode) float64
	// floor bounds the blended timing from below; nil leaves it unbounded.
	floor func(m *metricContext) float64
}

func (mt *metric) compute(ctx context.Context, ac *artifact.Context, in MetricInputs) (*MetricResult, error) {
	if err := in.Throttling.Validate(); err != nil {
		return nil, err
	}
	p, err := trace.ProcessedTrace.Request(ctx, ac, in.Trace)
	if err != nil {
		return nil, err
	}
	g, err := PageDependencyGraph.Request(ctx, ac, GraphInput{Trace: in.Trace, DevtoolsLog: in.DevtoolsLog})
	if err != nil {
		return nil, err
	}
	m := &metricContext{processed: p}
	if mt.needsFCP {
		if m.fcp, err = FirstContentfulPaint.Request(ctx, ac, in); err != nil {
			return nil, err
		}
	}

	optGraph, pessGraph, err := mt.graphs(m, g)
	if err != nil {
		return nil, err
	}
	opt, err := Simulate(optGraph, in.Throttling, Optimistic)
	if err != nil {
		return nil, fmt.Errorf("%s optimistic: %w", mt.name, err)
	}
	pess, err := Simulate(pessGraph, in.Throttling, Pessimistic)
	if err != nil {
		return nil, fmt.Errorf("%s pessimistic: %w", mt.name, err)
	}
	if mt.estimate != nil {
		opt.TimeInMs = mt.estimate(m, optGraph, opt, Optimistic)
		pess.TimeInMs = mt.estimate(m, pessGraph, pess, Pessimistic)
	}

	coeffs := mt.coefficients(in.Throttling)
	timing := coeffs.Blend(opt.TimeInMs, pess.TimeInMs)
	if mt.floor != nil {
		timing = max(timing, mt.floor(m))
	}
	logrus.Debugf("%s under %s: optimistic=%.0fms pessimistic=%.0fms timing=%.0fms",
		mt.name, in.Throttling.Name, opt.TimeInMs, pess.TimeInMs, timing)
	return &MetricResult{Timing: timing, Coefficients: coeffs, OptimisticEstimate: opt, PessimisticEstimate: pess}, nil
}

func fixed(c Coefficients) func(Profile) Coefficients {
	return func(Profile) Coefficients { return c }
}

func isHighPriority(r *devtools.NetworkRecord) bool {
	return r.Priority == network.ResourcePriorityHigh || r.Priority == network.ResourcePriorityVeryHigh
}

func isRenderBlocking(r *devtools.NetworkRecord) bool {
	switch r.ResourceType {
	case network.ResourceTypeDocument, network.ResourceTypeScript, network.ResourceTypeStylesheet:
		return isHighPriority(r)
	}
	return false
}

// paintGraphs keeps the work that happened before a paint. The optimistic
// graph only keeps requests accepted by optimisticRequest.
func paintGraphs(g *Graph, paintAt float64, optimisticRequest func(*devtools.NetworkRecord) bool) (*Graph, *Graph) {
	before := func(n *Node) bool {
		if n.Kind == NodeCPU {
			return n.EndTime <= paintAt
		}
		return n.StartTime < paintAt
	}
	optimistic := g.Subgraph(func(n *Node) bool {
		if !before(n) {
			return false
		}
		return n.Kind == NodeCPU || optimisticRequest(n.Record)
	})
	return optimistic, g.Subgraph(before)
}

var firstContentfulPaint = &metric{
	name:         "FirstContentfulPaint",
	coefficients: fixed(Coefficients{Intercept: 0, Optimistic: 0.5, Pessimistic: 0.5}),
	graphs: func(m *metricContext, g *Graph) (*Graph, *Graph, error) {
		fcp := m.processed.Timestamps.FirstContentfulPaint
		if fcp == nil {
			return nil, nil, ErrNoFirstContentfulPaint
		}
		opt, pess := paintGraphs(g, *fcp, isRenderBlocking)
		return opt, pess, nil
	},
}

var largestContentfulPaint = &metric{
	name:         "LargestContentfulPaint",
	coefficients: fixed(Coefficients{Intercept: 0, Optimistic: 0.5, Pessimistic: 0.5}),
	needsFCP:     true,
	graphs: func(m *metricContext, g *Graph) (*Graph, *Graph, error) {
		lcp := m.processed.Timestamps.LargestContentfulPaint
		if lcp == nil {
			return nil, nil, ErrNoLargestContentfulPaint
		}
		opt, pess := paintGraphs(g, *lcp, func(r *devtools.NetworkRecord) bool {
			return r.ResourceType != network.ResourceTypeImage || isHighPriority(r)
		})
		return opt, pess, nil
	},
	floor: func(m *metricContext) float64 { return m.fcp.Timing },
}

const (
	// interactiveMinTaskDuration drops short tasks from the optimistic graph.
	interactiveMinTaskDuration = 20.0
	// longTaskDuration marks a simulated task that blocks interactivity.
	longTaskDuration = 50.0
)

var interactive = &metric{
	name:         "Interactive",
	coefficients: fixed(Coefficients{Intercept: 0, Optimistic: 0.45, Pessimistic: 0.55}),
	needsFCP:     true,
	graphs: func(_ *metricContext, g *Graph) (*Graph, *Graph, error) {
		opt := g.Subgraph(func(n *Node) bool {
			if n.Kind == NodeCPU {
				return n.Task.Duration > interactiveMinTaskDuration
			}
			r := n.Record
			if r.ResourceType == network.ResourceTypeImage {
				return false
			}
			return r.ResourceType == network.ResourceTypeScript || isHighPriority(r)
		})
		return opt, g, nil
	},
	estimate: func(m *metricContext, g *Graph, est *Estimate, mode Mode) float64 {
		lastLongTask := 0.0
		for id, timing := range est.NodeTimings {
			if g.Node(id).Kind == NodeCPU && timing.Duration > longTaskDuration {
				lastLongTask = max(lastLongTask, timing.EndTime)
			}
		}
		minimum := m.fcp.OptimisticEstimate.TimeInMs
		if mode == Pessimistic {
			minimum = m.fcp.PessimisticEstimate.TimeInMs
		}
		return max(minimum, lastLongTask)
	},
	floor: func(m *metricContext) float64 { return m.fcp.Timing },
}

// FirstContentfulPaint simulates the first contentful paint. It is assigned in
// init because every metric's compute requests it.
var FirstContentfulPaint *artifact.Computed[MetricInputs, *MetricResult]

func init() {
	FirstContentfulPaint = artifact.New("LanternFirstContentfulPaint", func(ctx context.Context, ac *artifact.Context, in MetricInputs) (*MetricResult, error) {
		return firstContentfulPaint.compute(ctx, ac, in)
	})
}

// LargestContentfulPaint simulates the largest contentful paint.
var LargestContentfulPaint = artifact.New("LanternLargestContentfulPaint", func(ctx context.Context, ac *artifact.Context, in MetricInputs) (*MetricResult, error) {
	return largestContentfulPaint.compute(ctx, ac, in)
})

// Interactive simulates time to interactive.
var Interactive = artifact.New("LanternInteractive", func(ctx context.Context, ac *artifact.Context, in MetricInputs) (*MetricResult, error) {
	return interactive.compute(ctx, ac, in)
})
