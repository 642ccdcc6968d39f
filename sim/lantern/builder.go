package lantern

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/pageload-sim/sim/artifact"
	"github.com/inference-sim/pageload-sim/sim/devtools"
	"github.com/inference-sim/pageload-sim/sim/trace"
)

// minCPUTaskDuration is the shortest top-level task kept as a CPU node unless
// it evaluates script, lays out or sends requests.
const minCPUTaskDuration = 10.0

// GraphInput identifies a page load: its trace and devtools log.
type GraphInput struct {
	Trace       *trace.Trace
	DevtoolsLog devtools.Log
}

// Fingerprint reuses the run's fingerprints of the trace and log.
func (in GraphInput) Fingerprint(ac *artifact.Context) (string, error) {
	return ac.CombineFingerprints(in.Trace, in.DevtoolsLog)
}

// PageDependencyGraph builds the dependency graph of a page load.
var PageDependencyGraph = artifact.New("PageDependencyGraph", func(ctx context.Context, ac *artifact.Context, in GraphInput) (*Graph, error) {
	records, err := devtools.NetworkRecords.Request(ctx, ac, in.DevtoolsLog)
	if err != nil {
		return nil, err
	}
	p, err := trace.ProcessedTrace.Request(ctx, ac, in.Trace)
	if err != nil {
		return nil, err
	}
	tasks, err := trace.MainThreadTasks.Request(ctx, ac, in.Trace)
	if err != nil {
		return nil, err
	}
	return BuildGraph(records, tasks, p.TimeOrigin/1000)
})

// BuildGraph links network records and main-thread tasks into a DAG rooted at
// the main document request. Records are on the protocol clock; the graph
// holds copies rebased to timeOriginMs, the trace's time origin on that clock,
// so request and task times compare directly.
//
// Requests depend on their redirect source, else on the request that loaded
// their initiator, else on the root. Tasks depend on the finished requests of
// the URLs they run and on the previous task. Requests sent from inside a
// task depend on that task.
func BuildGraph(records []*devtools.NetworkRecord, tasks *trace.Tasks, timeOriginMs float64) (*Graph, error) {
	rebased := make([]*devtools.NetworkRecord, len(records))
	for i, r := range records {
		rebased[i] = r.Rebased(timeOriginMs)
	}
	records = rebased

	doc, ok := devtools.MainDocument(records)
	if !ok {
		return nil, fmt.Errorf("%w: no network records", ErrConstruction)
	}

	g := NewGraph()
	root := g.AddNetworkNode(doc)
	byRequestID := map[string]NodeID{doc.RequestID: root}
	byURL := map[string]NodeID{doc.URL: root}
	for _, r := range records {
		if r == doc {
			continue
		}
		id := g.AddNetworkNode(r)
		byRequestID[r.RequestID] = id
		if _, seen := byURL[r.URL]; !seen {
			byURL[r.URL] = id
		}
	}

	for id := root + 1; int(id) < g.Len(); id++ {
		r := g.Node(id).Record
		if src, ok := byRequestID[r.RedirectSource]; ok && r.RedirectSource != "" && src != id {
			g.AddDependency(id, src)
			continue
		}
		if initiator, ok := byURL[r.InitiatorURL]; ok && r.InitiatorURL != "" && initiator < id {
			g.AddDependency(id, initiator)
			continue
		}
		g.AddDependency(id, root)
	}

	var prevCPU NodeID = -1
	if tasks != nil {
		for _, task := range tasks.TopLevel {
			if !keepTask(task) {
				continue
			}
			id := g.AddCPUNode(task)
			for _, u := range task.AttributableURLs {
				dep, ok := byURL[u]
				if ok && g.Node(dep).EndTime <= task.StartTime {
					g.AddDependency(id, dep)
				}
			}
			if prevCPU >= 0 {
				g.AddDependency(id, prevCPU)
			}
			if len(g.Dependencies(id)) == 0 {
				g.AddDependency(id, root)
			}
			for _, reqID := range task.InitiatedRequestIDs {
				req, ok := byRequestID[reqID]
				if !ok || req == root || g.Node(req).StartTime <= task.StartTime {
					continue
				}
				g.AddDependency(req, id)
			}
			prevCPU = id
		}
	}

	if _, err := g.Validate(); err != nil {
		return nil, err
	}
	logrus.Debugf("dependency graph: %d nodes (%d requests)", g.Len(), len(records))
	return g, nil
}

func keepTask(t *trace.TaskNode) bool {
	return t.Duration >= minCPUTaskDuration || t.EvaluatesScript || t.LayoutCount > 0 || len(t.InitiatedRequestIDs) > 0
}
