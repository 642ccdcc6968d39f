package elements

import (
	"context"
	"maps"
	"sync"

	"github.com/chromedp/cdproto/animation"
	"github.com/chromedp/cdproto/cdp"

	"github.com/inference-sim/pageload-sim/sim/trace"
)

// EventAnimation is the async trace event pair describing one animation.
const EventAnimation = "Animation"

// AnimationNames collects animation names reported by the live target's
// Animation.animationStarted events. It is safe for concurrent use.
type AnimationNames struct {
	mu    sync.RWMutex
	names map[string]string
}

// NewAnimationNames returns an empty name registry.
func NewAnimationNames() *AnimationNames {
	return &AnimationNames{names: make(map[string]string)}
}

// Set registers name for the animation id. Empty names are ignored.
func (n *AnimationNames) Set(id, name string) {
	if id == "" || name == "" {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.names[id] = name
}

// HandleEvent records the name carried by an animation-started event and
// ignores every other event, so it can be installed as a target listener.
func (n *AnimationNames) HandleEvent(ev any) {
	started, ok := ev.(*animation.EventAnimationStarted)
	if !ok || started.Animation == nil {
		return
	}
	n.Set(started.Animation.ID, started.Animation.Name)
}

// Listen consumes events until ch is closed or ctx is done.
func (n *AnimationNames) Listen(ctx context.Context, ch <-chan *animation.EventAnimationStarted) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			n.HandleEvent(ev)
		}
	}
}

// Lookup returns the registered name of an animation.
func (n *AnimationNames) Lookup(id string) (string, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	name, ok := n.names[id]
	return name, ok
}

// Snapshot copies the names registered so far.
func (n *AnimationNames) Snapshot() map[string]string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return maps.Clone(n.names)
}

// AnimationInfo describes one animation of an element. UnsupportedProperties
// is nil, and omitted, when the trace reported no failure update.
type AnimationInfo struct {
	Name                  string   `json:"name,omitempty"`
	FailureReasonsMask    int64    `json:"failureReasonsMask"`
	UnsupportedProperties []string `json:"unsupportedProperties,omitzero"`
}

// AnimatedElement groups the animations running on one node.
type AnimatedElement struct {
	NodeID     cdp.BackendNodeID `json:"nodeId"`
	Animations []AnimationInfo   `json:"animations"`
}

type animationArgs struct {
	Data struct {
		ID                    string            `json:"id"`
		NodeID                cdp.BackendNodeID `json:"nodeId"`
		CompositeFailed       *int64            `json:"compositeFailed"`
		UnsupportedProperties []string          `json:"unsupportedProperties"`
	} `json:"data"`
}

type animationPair struct {
	begin, status *animationArgs
}

// AnimatedElements joins each animation's begin event with its compositing
// failure update by async id and groups the result by node. Updates that do
// not carry compositeFailed, such as state changes, are ignored. Nodes and animations keep
// first-seen order; names come from the names map when registered.
func AnimatedElements(events []trace.Event, names map[string]string) []AnimatedElement {
	pairs := make(map[string]*animationPair)
	var order []string
	for i := range events {
		ev := &events[i]
		if ev.Name != EventAnimation || ev.ID2 == nil || ev.ID2.Local == "" {
			continue
		}
		if ev.Ph != trace.PhaseAsyncBegin && ev.Ph != trace.PhaseAsyncInstant {
			continue
		}
		var args animationArgs
		if err := ev.DecodeArgs(&args); err != nil {
			continue
		}
		pair, ok := pairs[ev.ID2.Local]
		if !ok {
			pair = &animationPair{}
			pairs[ev.ID2.Local] = pair
			order = append(order, ev.ID2.Local)
		}
		switch {
		case ev.Ph == trace.PhaseAsyncBegin:
			pair.begin = &args
		case args.Data.CompositeFailed != nil:
			pair.status = &args
		}
	}

	var result []AnimatedElement
	index := make(map[cdp.BackendNodeID]int)
	for _, local := range order {
		pair := pairs[local]
		if pair.begin == nil || pair.begin.Data.NodeID == 0 || pair.begin.Data.ID == "" {
			continue
		}
		info := AnimationInfo{Name: names[pair.begin.Data.ID]}
		if pair.status != nil {
			info.FailureReasonsMask = *pair.status.Data.CompositeFailed
			info.UnsupportedProperties = pair.status.Data.UnsupportedProperties
		}
		nodeID := pair.begin.Data.NodeID
		i, ok := index[nodeID]
		if !ok {
			i = len(result)
			index[nodeID] = i
			result = append(result, AnimatedElement{NodeID: nodeID})
		}
		result[i].Animations = append(result[i].Animations, info)
	}
	return result
}
