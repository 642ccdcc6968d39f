package trace

import (
	"context"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/pageload-sim/sim/artifact"
)

// Event names inspected inside tasks.
const (
	EventResourceSendRequest = "ResourceSendRequest"
	EventLayout              = "Layout"
	EventEvaluateScript      = "EvaluateScript"
)

// TaskNode is one main-thread task. Times are milliseconds from the time origin.
type TaskNode struct {
	Event     *Event
	StartTime float64
	EndTime   float64
	Duration  float64
	SelfTime  float64
	Parent    *TaskNode `json:"-"`
	Children  []*TaskNode
	// Events holds the instant events that occurred directly inside this task.
	Events []*Event
	// AttributableURLs lists the script and resource URLs responsible for the
	// task, including those of its descendants, in first-seen order.
	AttributableURLs []string
	// InitiatedRequestIDs lists network request IDs sent from inside the task.
	InitiatedRequestIDs []string
	LayoutCount         int
	EvaluatesScript     bool
}

// IsTopLevel reports whether the task has no enclosing task.
func (t *TaskNode) IsTopLevel() bool { return t.Parent == nil }

// Tasks is a flattened main-thread task list in start order.
type Tasks struct {
	All      []*TaskNode
	TopLevel []*TaskNode
}

// MainThreadTasks builds the main-thread task tree of a trace. Several
// consumers share it within a run.
var MainThreadTasks = artifact.New("MainThreadTasks", func(ctx context.Context, ac *artifact.Context, t *Trace) (*Tasks, error) {
	p, err := ProcessedTrace.Request(ctx, ac, t)
	if err != nil {
		return nil, err
	}
	return BuildTasks(p), nil
})

type taskArgs struct {
	Data *struct {
		URL           string `json:"url"`
		StyleSheetURL string `json:"styleSheetUrl"`
		RequestID     string `json:"requestId"`
		StackTrace    []struct {
			URL string `json:"url"`
		} `json:"stackTrace"`
	} `json:"data"`
	BeginData *struct {
		URL        string `json:"url"`
		StackTrace []struct {
			URL string `json:"url"`
		} `json:"stackTrace"`
	} `json:"beginData"`
}

// BuildTasks reconstructs the task tree from the main-thread events of p.
func BuildTasks(p *Processed) *Tasks {
	var tasks []*TaskNode
	var instants []*Event
	var open []*Event

	for i := range p.MainThreadEvents {
		ev := &p.MainThreadEvents[i]
		switch ev.Ph {
		case PhaseComplete:
			tasks = append(tasks, newTaskNode(p, ev, ev.Ts, ev.End()))
		case PhaseBegin:
			open = append(open, ev)
		case PhaseEnd:
			idx := len(open) - 1
			for idx >= 0 && open[idx].Name != ev.Name {
				idx--
			}
			if idx < 0 {
				logrus.Warnf("unmatched end event %s at %.0f", ev.Name, ev.Ts)
				continue
			}
			begin := open[idx]
			open = append(open[:idx], open[idx+1:]...)
			tasks = append(tasks, newTaskNode(p, begin, begin.Ts, ev.Ts))
		case PhaseInstant, PhaseInstantLower, PhaseMark:
			instants = append(instants, ev)
		}
	}
	for _, ev := range open {
		// tasks still running at trace end are closed at the trace end
		tasks = append(tasks, newTaskNode(p, ev, ev.Ts, p.TimeOrigin+p.Timestamps.TraceEnd*1000))
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].StartTime != tasks[j].StartTime {
			return tasks[i].StartTime < tasks[j].StartTime
		}
		return tasks[i].Duration > tasks[j].Duration
	})

	result := &Tasks{All: tasks}
	var stack []*TaskNode
	for _, task := range tasks {
		for len(stack) > 0 && stack[len(stack)-1].EndTime <= task.StartTime {
			stack = stack[:len(stack)-1]
		}
		if len(stack) == 0 {
			result.TopLevel = append(result.TopLevel, task)
		} else {
			parent := stack[len(stack)-1]
			if task.EndTime > parent.EndTime {
				logrus.Warnf("task %s ends %.3fms after its parent %s; clamping",
					task.Event.Name, task.EndTime-parent.EndTime, parent.Event.Name)
				task.EndTime = parent.EndTime
				task.Duration = task.EndTime - task.StartTime
			}
			task.Parent = parent
			parent.Children = append(parent.Children, task)
		}
		stack = append(stack, task)
	}

	attachInstants(p, result, instants)
	for _, task := range result.TopLevel {
		summarize(task)
	}
	return result
}

func newTaskNode(p *Processed, ev *Event, startTs, endTs float64) *TaskNode {
	start := p.ToRelativeMs(startTs)
	end := p.ToRelativeMs(endTs)
	return &TaskNode{Event: ev, StartTime: start, EndTime: end, Duration: end - start}
}

// attachInstants assigns each instant event to the deepest task enclosing it.
func attachInstants(p *Processed, tasks *Tasks, instants []*Event) {
	for _, ev := range instants {
		at := p.ToRelativeMs(ev.Ts)
		idx := sort.Search(len(tasks.TopLevel), func(i int) bool { return tasks.TopLevel[i].EndTime >= at })
		if idx == len(tasks.TopLevel) || tasks.TopLevel[idx].StartTime > at {
			continue
		}
		node := tasks.TopLevel[idx]
		for descended := true; descended; {
			descended = false
			for _, child := range node.Children {
				if child.StartTime <= at && at <= child.EndTime {
					node = child
					descended = true
					break
				}
			}
		}
		node.Events = append(node.Events, ev)
	}
}

// summarize fills self time and the attribution fields bottom-up.
func summarize(task *TaskNode) {
	seen := make(map[string]bool)
	addURL := func(u string) {
		if u != "" && !seen[u] {
			seen[u] = true
			task.AttributableURLs = append(task.AttributableURLs, u)
		}
	}
	inspect := func(ev *Event) {
		switch ev.Name {
		case EventLayout:
			task.LayoutCount++
		case EventEvaluateScript:
			task.EvaluatesScript = true
		}
		var args taskArgs
		if err := ev.DecodeArgs(&args); err != nil {
			// args of unrelated events may not follow the data/url shape
			logrus.Debugf("skipping attribution of %s: %v", ev.Name, err)
			return
		}
		if args.Data != nil {
			addURL(args.Data.URL)
			addURL(args.Data.StyleSheetURL)
			for _, frame := range args.Data.StackTrace {
				addURL(frame.URL)
			}
			if ev.Name == EventResourceSendRequest && args.Data.RequestID != "" {
				task.InitiatedRequestIDs = append(task.InitiatedRequestIDs, args.Data.RequestID)
			}
		}
		if args.BeginData != nil {
			addURL(args.BeginData.URL)
			for _, frame := range args.BeginData.StackTrace {
				addURL(frame.URL)
			}
		}
	}

	inspect(task.Event)
	for _, ev := range task.Events {
		inspect(ev)
	}

	childTime := 0.0
	for _, child := range task.Children {
		summarize(child)
		childTime += child.Duration
		for _, u := range child.AttributableURLs {
			addURL(u)
		}
		task.InitiatedRequestIDs = append(task.InitiatedRequestIDs, child.InitiatedRequestIDs...)
		task.LayoutCount += child.LayoutCount
		task.EvaluatesScript = task.EvaluatesScript || child.EvaluatesScript
	}
	task.SelfTime = task.Duration - childTime
}
