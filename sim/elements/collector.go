// Package elements ranks the page elements most responsible for layout
// shifts, non-composited animations and the largest contentful paint, and
// resolves them to descriptors through a Resolver.
package elements

import (
	"context"

	"github.com/chromedp/cdproto/cdp"
	"github.com/sirupsen/logrus"

	"github.com/inference-sim/pageload-sim/sim/artifact"
	"github.com/inference-sim/pageload-sim/sim/trace"
)

// Trace event types reported on each element.
const (
	TypeLargestContentfulPaint = "largest-contentful-paint"
	TypeLayoutShift            = "layout-shift"
	TypeAnimation              = "animation"
)

// TraceElement is a resolved element with the data that ranked it.
type TraceElement struct {
	TraceEventType string            `json:"traceEventType"`
	NodeID         cdp.BackendNodeID `json:"nodeId"`
	Score          float64           `json:"score,omitempty"`
	Animations     []AnimationInfo   `json:"animations,omitempty"`
	NodeDescriptor
}

// TopLayoutShifts ranks the layout shift elements of a trace's main thread.
var TopLayoutShifts = artifact.New("TopLayoutShifts", func(ctx context.Context, ac *artifact.Context, t *trace.Trace) ([]ImpactEntry, error) {
	p, err := trace.ProcessedTrace.Request(ctx, ac, t)
	if err != nil {
		return nil, err
	}
	return TopLayoutShiftElements(p.MainThreadEvents), nil
})

// AnimationsInput identifies an animation correlation: the trace plus the
// names registered when it was requested.
type AnimationsInput struct {
	Trace *trace.Trace
	Names map[string]string
}

// Fingerprint reuses the run's fingerprint of the trace.
func (in AnimationsInput) Fingerprint(ac *artifact.Context) (string, error) {
	return ac.CombineFingerprints(in.Trace, in.Names)
}

// Animations correlates the animations of a trace's main thread.
var Animations = artifact.New("Animations", func(ctx context.Context, ac *artifact.Context, in AnimationsInput) ([]AnimatedElement, error) {
	p, err := trace.ProcessedTrace.Request(ctx, ac, in.Trace)
	if err != nil {
		return nil, err
	}
	return AnimatedElements(p.MainThreadEvents, in.Names), nil
})

type lcpArgs struct {
	Data struct {
		NodeID cdp.BackendNodeID `json:"nodeId"`
	} `json:"data"`
}

// LargestContentfulPaintNode returns the node of the final LCP candidate.
func LargestContentfulPaintNode(p *trace.Processed) (cdp.BackendNodeID, bool) {
	if p.LCPEvent == nil {
		return 0, false
	}
	var args lcpArgs
	if err := p.LCPEvent.DecodeArgs(&args); err != nil || args.Data.NodeID == 0 {
		return 0, false
	}
	return args.Data.NodeID, true
}

// Collector assembles the ranked element list of a trace.
type Collector struct {
	Resolver Resolver
	// Names may be nil when no animation feed was attached.
	Names *AnimationNames
	// Concurrency bounds in-flight resolutions; zero uses DefaultResolveConcurrency.
	Concurrency int
}

// Collect returns the LCP element, then the top layout shift elements, then
// the animated elements, each resolved to a descriptor. Entries whose node
// cannot be resolved are dropped; the remaining order is unchanged.
func (c *Collector) Collect(ctx context.Context, ac *artifact.Context, t *trace.Trace) ([]TraceElement, error) {
	p, err := trace.ProcessedTrace.Request(ctx, ac, t)
	if err != nil {
		return nil, err
	}
	shifts, err := TopLayoutShifts.Request(ctx, ac, t)
	if err != nil {
		return nil, err
	}
	var names map[string]string
	if c.Names != nil {
		names = c.Names.Snapshot()
	}
	animated, err := Animations.Request(ctx, ac, AnimationsInput{Trace: t, Names: names})
	if err != nil {
		return nil, err
	}

	var candidates []TraceElement
	if id, ok := LargestContentfulPaintNode(p); ok {
		candidates = append(candidates, TraceElement{TraceEventType: TypeLargestContentfulPaint, NodeID: id})
	}
	for _, s := range shifts {
		candidates = append(candidates, TraceElement{TraceEventType: TypeLayoutShift, NodeID: s.NodeID, Score: s.Score})
	}
	for _, a := range animated {
		candidates = append(candidates, TraceElement{TraceEventType: TypeAnimation, NodeID: a.NodeID, Animations: a.Animations})
	}

	ids := make([]cdp.BackendNodeID, len(candidates))
	for i, el := range candidates {
		ids[i] = el.NodeID
	}
	results := ResolveAll(ctx, c.Resolver, ids, c.Concurrency)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	elements := make([]TraceElement, 0, len(candidates))
	for i, el := range candidates {
		if results[i].Err != nil {
			continue
		}
		el.NodeDescriptor = results[i].Descriptor
		elements = append(elements, el)
	}
	logrus.Debugf("collected %d of %d trace elements", len(elements), len(candidates))
	return elements, nil
}
