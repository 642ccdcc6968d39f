package trace

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/pageload-sim/sim/artifact"
)

// Marker event names.
const (
	EventTracingStartedInBrowser = "TracingStartedInBrowser"
	EventTracingStartedInPage    = "TracingStartedInPage"
	EventThreadName              = "thread_name"
	EventNavigationStart         = "navigationStart"
	EventFirstContentfulPaint    = "firstContentfulPaint"
	EventLCPCandidate            = "largestContentfulPaint::Candidate"
	EventLCPInvalidate           = "largestContentfulPaint::Invalidate"

	rendererMainThreadName = "CrRendererMain"
)

// Timestamps are milliseconds relative to the time origin. Nil means the
// marker was not observed (for example in a timespan capture).
type Timestamps struct {
	NavigationStart        *float64 `json:"navigationStart,omitempty"`
	FirstContentfulPaint   *float64 `json:"firstContentfulPaint,omitempty"`
	LargestContentfulPaint *float64 `json:"largestContentfulPaint,omitempty"`
	TraceEnd               float64  `json:"traceEnd"`
}

// Processed is the main-renderer view of a trace.
type Processed struct {
	MainFrameID string
	PID         int
	TID         int
	// TimeOrigin is the trace-clock timestamp (µs) that relative times are measured from.
	TimeOrigin       float64
	Timestamps       Timestamps
	MainThreadEvents []Event
	// LCPEvent is the final largest-contentful-paint candidate of the main frame, if any.
	LCPEvent *Event
}

// ToRelativeMs converts a trace-clock timestamp to milliseconds from the time origin.
func (p *Processed) ToRelativeMs(ts float64) float64 {
	return (ts - p.TimeOrigin) / 1000
}

// ProcessedTrace derives the main-renderer view of a trace.
var ProcessedTrace = artifact.New("ProcessedTrace", func(_ context.Context, _ *artifact.Context, t *Trace) (*Processed, error) {
	return Process(t)
})

type frameArgs struct {
	Frame string `json:"frame"`
	Data  struct {
		Page               string `json:"page"`
		DocumentLoaderURL  string `json:"documentLoaderURL"`
		IsLoadingMainFrame bool   `json:"isLoadingMainFrame"`
		IsMainFrame        bool   `json:"isMainFrame"`
		Frames             []struct {
			Frame     string `json:"frame"`
			URL       string `json:"url"`
			ProcessID int    `json:"processId"`
			Parent    string `json:"parent"`
		} `json:"frames"`
	} `json:"data"`
	Name string `json:"name"`
}

// Process locates the main renderer thread and its key timestamps.
func Process(t *Trace) (*Processed, error) {
	if t == nil || len(t.TraceEvents) == 0 {
		return nil, fmt.Errorf("%w: no events", ErrInvalidTrace)
	}

	events := make([]Event, len(t.TraceEvents))
	copy(events, t.TraceEvents)
	sort.SliceStable(events, func(i, j int) bool { return events[i].Ts < events[j].Ts })

	p := &Processed{}
	startedAt, err := p.findMainThread(events)
	if err != nil {
		return nil, err
	}

	for i := range events {
		ev := &events[i]
		if ev.Pid == p.PID && ev.Tid == p.TID {
			p.MainThreadEvents = append(p.MainThreadEvents, *ev)
		}
	}

	p.TimeOrigin = startedAt
	var navStart *Event
	for i := range events {
		ev := &events[i]
		if ev.Name != EventNavigationStart || ev.Pid != p.PID {
			continue
		}
		var args frameArgs
		if err := ev.DecodeArgs(&args); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTrace, err)
		}
		if args.Frame != p.MainFrameID {
			continue
		}
		if args.Data.DocumentLoaderURL == "" && !args.Data.IsLoadingMainFrame {
			continue
		}
		// the last main-frame navigation wins
		navStart = ev
	}
	if navStart != nil {
		p.TimeOrigin = navStart.Ts
		zero := 0.0
		p.Timestamps.NavigationStart = &zero
	}

	traceEnd := p.TimeOrigin
	for i := range events {
		ev := &events[i]
		if ev.End() > traceEnd {
			traceEnd = ev.End()
		}
		if ev.Ts < p.TimeOrigin {
			continue
		}
		switch ev.Name {
		case EventFirstContentfulPaint:
			if p.Timestamps.FirstContentfulPaint != nil {
				continue
			}
			var args frameArgs
			if err := ev.DecodeArgs(&args); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidTrace, err)
			}
			if args.Frame != p.MainFrameID {
				continue
			}
			fcp := p.ToRelativeMs(ev.Ts)
			p.Timestamps.FirstContentfulPaint = &fcp
		case EventLCPCandidate:
			var args frameArgs
			if err := ev.DecodeArgs(&args); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidTrace, err)
			}
			if !args.Data.IsMainFrame && args.Frame != p.MainFrameID {
				continue
			}
			lcp := p.ToRelativeMs(ev.Ts)
			p.Timestamps.LargestContentfulPaint = &lcp
			p.LCPEvent = ev
		case EventLCPInvalidate:
			var args frameArgs
			if err := ev.DecodeArgs(&args); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidTrace, err)
			}
			if args.Frame != p.MainFrameID {
				continue
			}
			p.Timestamps.LargestContentfulPaint = nil
			p.LCPEvent = nil
		}
	}
	p.Timestamps.TraceEnd = p.ToRelativeMs(traceEnd)

	logrus.Debugf("processed trace: main frame %s on pid=%d tid=%d, %d main-thread events",
		p.MainFrameID, p.PID, p.TID, len(p.MainThreadEvents))
	return p, nil
}

// findMainThread sets the main frame and renderer thread and returns the
// timestamp of the tracing-started marker.
func (p *Processed) findMainThread(events []Event) (float64, error) {
	for i := range events {
		ev := &events[i]
		switch ev.Name {
		case EventTracingStartedInBrowser:
			var args frameArgs
			if err := ev.DecodeArgs(&args); err != nil {
				return 0, fmt.Errorf("%w: %v", ErrInvalidTrace, err)
			}
			for _, f := range args.Data.Frames {
				if f.Parent != "" {
					continue
				}
				p.MainFrameID = f.Frame
				p.PID = f.ProcessID
				tid, ok := rendererMainThread(events, p.PID)
				if !ok {
					return 0, fmt.Errorf("%w: no %s thread in pid %d", ErrInvalidTrace, rendererMainThreadName, p.PID)
				}
				p.TID = tid
				return ev.Ts, nil
			}
		case EventTracingStartedInPage:
			var args frameArgs
			if err := ev.DecodeArgs(&args); err != nil {
				return 0, fmt.Errorf("%w: %v", ErrInvalidTrace, err)
			}
			p.MainFrameID = args.Data.Page
			p.PID = ev.Pid
			p.TID = ev.Tid
			return ev.Ts, nil
		}
	}
	return 0, fmt.Errorf("%w: no TracingStarted event", ErrInvalidTrace)
}

func rendererMainThread(events []Event, pid int) (int, bool) {
	for i := range events {
		ev := &events[i]
		if ev.Ph != PhaseMetadata || ev.Name != EventThreadName || ev.Pid != pid {
			continue
		}
		var args frameArgs
		if ev.DecodeArgs(&args) == nil && args.Name == rendererMainThreadName {
			return ev.Tid, true
		}
	}
	return 0, false
}
