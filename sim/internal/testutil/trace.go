package testutil

import (
	"encoding/json"

	"github.com/inference-sim/pageload-sim/sim/trace"
)

// Identifiers of the synthetic renderer used by fixtures.
const (
	MainPID     = 1111
	MainTID     = 222
	MainFrameID = "3EFC2700D7BC3F4734CAF2F726EFB78C"
)

// TestTask describes a top-level main-thread task in milliseconds.
type TestTask struct {
	Name     string
	Start    float64
	Duration float64
	// URL is attributed to the task through an EvaluateScript child.
	URL string
	// RequestIDs are sent from inside the task.
	RequestIDs []string
	Layout     bool
}

// TestTraceOptions controls CreateTestTrace. All times are milliseconds.
type TestTraceOptions struct {
	// TimeOrigin is navigation start on the trace clock. Use ClockOriginMs to
	// line the trace up with CreateDevtoolsLog.
	TimeOrigin float64
	// TraceEnd is relative to TimeOrigin; defaults to 10s.
	TraceEnd               float64
	FirstContentfulPaint   float64
	LargestContentfulPaint float64
	// LCPNodeID is the node of the largest-contentful-paint candidate.
	LCPNodeID     int
	TopLevelTasks []TestTask
}

func rawArgs(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func mainEvent(name, cat, ph string, tsMs float64, args any) trace.Event {
	ev := trace.Event{Name: name, Cat: cat, Ph: ph, Ts: tsMs * 1000, Pid: MainPID, Tid: MainTID}
	if args != nil {
		ev.Args = rawArgs(args)
	}
	return ev
}

// CreateTestTrace builds a minimal navigation trace on a single renderer
// main thread. Zero-valued paint options are omitted from the trace.
func CreateTestTrace(opts TestTraceOptions) *trace.Trace {
	origin := opts.TimeOrigin
	traceEnd := opts.TraceEnd
	if traceEnd == 0 {
		traceEnd = 10_000
	}

	events := []trace.Event{
		mainEvent(trace.EventThreadName, "__metadata", trace.PhaseMetadata, 0, map[string]any{"name": "CrRendererMain"}),
		mainEvent(trace.EventTracingStartedInPage, "disabled-by-default-devtools.timeline", trace.PhaseInstant, origin,
			map[string]any{"data": map[string]any{"page": MainFrameID}}),
		mainEvent(trace.EventNavigationStart, "blink.user_timing", trace.PhaseMark, origin,
			map[string]any{"frame": MainFrameID, "data": map[string]any{
				"documentLoaderURL": "https://example.com/", "isLoadingMainFrame": true,
			}}),
	}
	if opts.FirstContentfulPaint > 0 {
		events = append(events, mainEvent(trace.EventFirstContentfulPaint, "loading,rail,devtools.timeline", trace.PhaseMark,
			origin+opts.FirstContentfulPaint, map[string]any{"frame": MainFrameID}))
	}
	if opts.LargestContentfulPaint > 0 {
		events = append(events, MakeLCPEvent(opts.LCPNodeID, origin+opts.LargestContentfulPaint))
	}

	for _, task := range opts.TopLevelTasks {
		name := task.Name
		if name == "" {
			name = "RunTask"
		}
		start := origin + task.Start
		parent := mainEvent(name, "disabled-by-default-devtools.timeline", trace.PhaseComplete, start, map[string]any{})
		parent.Dur = task.Duration * 1000
		events = append(events, parent)
		if task.URL != "" {
			child := mainEvent(trace.EventEvaluateScript, "devtools.timeline", trace.PhaseComplete, start,
				map[string]any{"data": map[string]any{"url": task.URL}})
			child.Dur = task.Duration * 500
			events = append(events, child)
		}
		for _, id := range task.RequestIDs {
			events = append(events, mainEvent(trace.EventResourceSendRequest, "devtools.timeline", trace.PhaseInstant,
				start+task.Duration/4, map[string]any{"data": map[string]any{"requestId": id}}))
		}
		if task.Layout {
			layout := mainEvent(trace.EventLayout, "devtools.timeline", trace.PhaseComplete, start+task.Duration/2, map[string]any{})
			layout.Dur = task.Duration * 250
			events = append(events, layout)
		}
	}

	// trace end marker on a different thread
	events = append(events, trace.Event{Name: "TracingEnd", Cat: "__metadata", Ph: trace.PhaseInstant,
		Ts: (origin + traceEnd) * 1000, Pid: MainPID, Tid: MainTID + 1})
	return &trace.Trace{TraceEvents: events}
}

// Rect4 is the [x, y, width, height] rectangle encoding used by layout shift events.
type Rect4 [4]float64

// ImpactedNode is one entry of a layout shift's impacted_nodes.
type ImpactedNode struct {
	NodeID  int   `json:"node_id"`
	OldRect Rect4 `json:"old_rect"`
	NewRect Rect4 `json:"new_rect"`
}

// MakeLayoutShiftEvent builds a LayoutShift event on the main thread.
func MakeLayoutShiftEvent(score float64, nodes []ImpactedNode, hadRecentInput bool) trace.Event {
	return mainEvent("LayoutShift", "loading", trace.PhaseInstant, 1.2, map[string]any{
		"data": map[string]any{
			"had_recent_input": hadRecentInput,
			"impacted_nodes":   nodes,
			"score":            score,
		},
		"frame": "3C4CBF06AF1ED5B9EAA59BECA70111F4",
	})
}

// MakeAnimationEvent builds an Animation async event; ph is "b" or "n".
func MakeAnimationEvent(local, ph string, data map[string]any) trace.Event {
	ev := mainEvent("Animation", "blink.animations,devtools.timeline,benchmark,rail", ph, 1.3, map[string]any{"data": data})
	ev.ID2 = &trace.ID2{Local: local}
	return ev
}

// MakeLCPEvent builds a main-frame largest-contentful-paint candidate at tsMs.
func MakeLCPEvent(nodeID int, tsMs float64) trace.Event {
	return mainEvent(trace.EventLCPCandidate, "loading,rail,devtools.timeline", trace.PhaseMark, tsMs, map[string]any{
		"data": map[string]any{
			"candidateIndex": 1,
			"isMainFrame":    true,
			"nodeId":         nodeID,
			"size":           1212,
			"type":           "text",
		},
		"frame": MainFrameID,
	})
}
