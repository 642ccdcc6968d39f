package elements

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/chromedp/cdproto/animation"
	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/pageload-sim/sim/internal/testutil"
	"github.com/inference-sim/pageload-sim/sim/trace"
)

func animationPairEvents(local, id string, nodeID int, mask int, props []string) []trace.Event {
	return []trace.Event{
		testutil.MakeAnimationEvent(local, trace.PhaseAsyncBegin, map[string]any{"id": id, "nodeId": nodeID}),
		testutil.MakeAnimationEvent(local, trace.PhaseAsyncInstant, map[string]any{
			"compositeFailed":       mask,
			"unsupportedProperties": props,
		}),
	}
}

func TestAnimatedElements_GroupsByNodeWithNames(t *testing.T) {
	// GIVEN three non-composited animations on two nodes, two of them named
	var events []trace.Event
	events = append(events, animationPairEvents("0x363db876c1", "1", 5, 8192, []string{"height"})...)
	events = append(events, animationPairEvents("0x363db876c2", "2", 5, 8192, []string{"color"})...)
	events = append(events, animationPairEvents("0x363db876c3", "3", 6, 8192, []string{"width"})...)
	names := map[string]string{"1": "alpha", "3": "beta"}

	// WHEN the animations are correlated
	got := AnimatedElements(events, names)

	// THEN nodes and animations keep first-seen order and only registered names appear
	assert.Equal(t, []AnimatedElement{
		{NodeID: 5, Animations: []AnimationInfo{
			{Name: "alpha", FailureReasonsMask: 8192, UnsupportedProperties: []string{"height"}},
			{FailureReasonsMask: 8192, UnsupportedProperties: []string{"color"}},
		}},
		{NodeID: 6, Animations: []AnimationInfo{
			{Name: "beta", FailureReasonsMask: 8192, UnsupportedProperties: []string{"width"}},
		}},
	}, got)
}

func TestAnimatedElements_CompositedAnimations(t *testing.T) {
	var events []trace.Event
	events = append(events, animationPairEvents("0x1", "1", 5, 0, []string{})...)
	events = append(events, animationPairEvents("0x2", "2", 5, 0, []string{})...)

	got := AnimatedElements(events, map[string]string{"1": "alpha"})

	require.Len(t, got, 1)
	assert.Equal(t, []AnimationInfo{
		{Name: "alpha", FailureReasonsMask: 0, UnsupportedProperties: []string{}},
		{FailureReasonsMask: 0, UnsupportedProperties: []string{}},
	}, got[0].Animations)
}

func TestAnimatedElements_IncompletePairs(t *testing.T) {
	events := []trace.Event{
		// begin without a status update still reports the node
		testutil.MakeAnimationEvent("0xa", trace.PhaseAsyncBegin, map[string]any{"id": "1", "nodeId": 7}),
		// status without a begin has no node
		testutil.MakeAnimationEvent("0xb", trace.PhaseAsyncInstant, map[string]any{"compositeFailed": 1}),
		// begin without a node id
		testutil.MakeAnimationEvent("0xc", trace.PhaseAsyncBegin, map[string]any{"id": "3"}),
	}
	noID2 := testutil.MakeAnimationEvent("", trace.PhaseAsyncBegin, map[string]any{"id": "4", "nodeId": 8})
	events = append(events, noID2)

	got := AnimatedElements(events, nil)

	assert.Equal(t, []AnimatedElement{{NodeID: 7, Animations: []AnimationInfo{{}}}}, got)
}

func TestAnimatedElements_StateUpdatesKeepFailure(t *testing.T) {
	// GIVEN a failure update followed by a state-only update of the same animation
	events := animationPairEvents("0x1", "1", 5, 8192, []string{"height"})
	events = append(events, testutil.MakeAnimationEvent("0x1", trace.PhaseAsyncInstant, map[string]any{"state": "finished"}))

	// WHEN the animations are correlated
	got := AnimatedElements(events, nil)

	// THEN the failure details survive
	assert.Equal(t, []AnimatedElement{{NodeID: 5, Animations: []AnimationInfo{
		{FailureReasonsMask: 8192, UnsupportedProperties: []string{"height"}},
	}}}, got)
}

func TestAnimationInfo_JSON(t *testing.T) {
	events := []trace.Event{
		testutil.MakeAnimationEvent("0xa", trace.PhaseAsyncBegin, map[string]any{"id": "1", "nodeId": 7}),
	}
	events = append(events, animationPairEvents("0xb", "2", 8, 0, []string{})...)

	got := AnimatedElements(events, nil)
	require.Len(t, got, 2)

	// a begin without a failure update leaves the properties out
	data, err := json.Marshal(got[0].Animations[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"failureReasonsMask": 0}`, string(data))

	// an empty list from the trace is kept
	data, err = json.Marshal(got[1].Animations[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"failureReasonsMask": 0, "unsupportedProperties": []}`, string(data))
}

func TestAnimationNames_Feed(t *testing.T) {
	names := NewAnimationNames()

	names.HandleEvent(&animation.EventAnimationStarted{Animation: &animation.Animation{ID: "1", Name: "fade"}})
	names.HandleEvent(&animation.EventAnimationStarted{Animation: &animation.Animation{ID: "2", Name: ""}})
	names.HandleEvent(&animation.EventAnimationStarted{})
	names.HandleEvent(&network.EventLoadingFinished{RequestID: "1"})

	name, ok := names.Lookup("1")
	assert.True(t, ok)
	assert.Equal(t, "fade", name)
	_, ok = names.Lookup("2")
	assert.False(t, ok, "empty names are not registered")
	assert.Equal(t, map[string]string{"1": "fade"}, names.Snapshot())
}

func TestAnimationNames_ListenConcurrently(t *testing.T) {
	names := NewAnimationNames()
	ch := make(chan *animation.EventAnimationStarted)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		names.Listen(context.Background(), ch)
	}()
	for _, id := range []string{"a", "b", "c"} {
		ch <- &animation.EventAnimationStarted{Animation: &animation.Animation{ID: id, Name: "anim-" + id}}
	}
	close(ch)
	wg.Wait()

	assert.Len(t, names.Snapshot(), 3)
	name, _ := names.Lookup("b")
	assert.Equal(t, "anim-b", name)
}

func TestAnimationNames_ListenStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// an open channel with a cancelled context must not block
	NewAnimationNames().Listen(ctx, make(chan *animation.EventAnimationStarted))
}
