package cmd

import (
	"context"
	"testing"

	"github.com/chromedp/cdproto/cdp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/pageload-sim/sim/elements"
)

func TestLoadSnapshot(t *testing.T) {
	snapshot, err := loadSnapshot("testdata/snapshot.json")
	require.NoError(t, err)

	require.Len(t, snapshot, 2)
	assert.Equal(t, "body > img.hero", snapshot[cdp.BackendNodeID(12)].Selector)
	assert.Equal(t, elements.Rect{X: 0, Y: 40, Width: 100, Height: 50}, snapshot[21].BoundingRect)

	_, err = loadSnapshot(writeTemp(t, "bad.json", `{"twelve": {}}`))
	assert.Error(t, err)
}

func TestLoadAnimationNames(t *testing.T) {
	names, err := loadAnimationNames(writeTemp(t, "names.json", `{"anim-1": "slide-in", "anim-2": ""}`))
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"anim-1": "slide-in"}, names.Snapshot())

	empty, err := loadAnimationNames("")
	require.NoError(t, err)
	assert.Empty(t, empty.Snapshot())
}

func TestRunElements_FromSnapshot(t *testing.T) {
	// GIVEN a trace with an LCP image, a shifted banner and an animation on an unrecorded node
	tr, err := loadTrace("testdata/trace.json")
	require.NoError(t, err)
	snapshot, err := loadSnapshot("testdata/snapshot.json")
	require.NoError(t, err)
	names := elements.NewAnimationNames()
	names.Set("anim-1", "pulse")

	// WHEN the elements are collected
	found, err := runElements(context.Background(), tr, snapshot, names, 2)
	require.NoError(t, err)

	// THEN the LCP element comes first, then the shift; the unresolved animation is dropped
	require.Len(t, found, 2)
	assert.Equal(t, elements.TypeLargestContentfulPaint, found[0].TraceEventType)
	assert.Equal(t, cdp.BackendNodeID(12), found[0].NodeID)
	assert.Equal(t, "Hero", found[0].NodeLabel)
	assert.Equal(t, elements.TypeLayoutShift, found[1].TraceEventType)
	assert.Equal(t, cdp.BackendNodeID(21), found[1].NodeID)
	assert.InDelta(t, 0.1, found[1].Score, 1e-9)
}

func TestRunElements_AnimationResolved(t *testing.T) {
	tr, err := loadTrace("testdata/trace.json")
	require.NoError(t, err)
	snapshot := elements.StaticResolver{31: {Selector: "div.spinner"}}
	names := elements.NewAnimationNames()
	names.Set("anim-1", "pulse")

	found, err := runElements(context.Background(), tr, snapshot, names, 0)
	require.NoError(t, err)

	require.Len(t, found, 1)
	assert.Equal(t, elements.TypeAnimation, found[0].TraceEventType)
	require.Len(t, found[0].Animations, 1)
	assert.Equal(t, elements.AnimationInfo{Name: "pulse", FailureReasonsMask: 8224, UnsupportedProperties: []string{"width"}}, found[0].Animations[0])
}

func TestRunElements_NothingResolvable(t *testing.T) {
	tr, err := loadTrace("testdata/trace.json")
	require.NoError(t, err)

	found, err := runElements(context.Background(), tr, elements.StaticResolver{}, nil, 1)
	require.NoError(t, err)

	assert.NotNil(t, found)
	assert.Empty(t, found)
}
