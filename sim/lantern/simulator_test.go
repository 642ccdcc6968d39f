package lantern

import (
	"math"
	"testing"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testProfile makes the arithmetic easy: a byte costs 10µs and CPU runs at native speed.
var testProfile = Profile{Name: "test", RTTMs: 100, ThroughputKbps: 800, CPUSlowdownMultiplier: 1}

func simulate(t *testing.T, g *Graph, p Profile, mode Mode) *Estimate {
	t.Helper()
	est, err := Simulate(g, p, mode)
	require.NoError(t, err)
	return est
}

func TestSimulate_SingleRequest(t *testing.T) {
	// GIVEN a secure document of 10kB with a 50ms server response
	g := NewGraph()
	g.AddNetworkNode(record("1", "https://a.test/", network.ResourceTypeDocument, 0, 300, 10_000, 50))

	for _, mode := range []Mode{Optimistic, Pessimistic} {
		t.Run(mode.String(), func(t *testing.T) {
			// WHEN it is replayed
			est := simulate(t, g, testProfile, mode)

			// THEN TCP and TLS handshakes, a request round trip, the server and the transfer add up
			assert.InDelta(t, 200+100+50+100, est.TimeInMs, 1e-9)
			assert.Equal(t, NodeTiming{StartTime: 0, EndTime: 450, Duration: 450}, est.NodeTimings[0])
			assert.Empty(t, est.FlaggedNodes)
		})
	}
}

func TestSimulate_CPUSlowdown(t *testing.T) {
	// GIVEN an insecure empty document followed by a 30ms task
	g := NewGraph()
	root := g.AddNetworkNode(record("1", "http://a.test/", network.ResourceTypeDocument, 0, 10, 0, 0))
	cpu := g.AddCPUNode(task(20, 30, 0))
	g.AddDependency(cpu, root)

	p := testProfile
	p.CPUSlowdownMultiplier = 4
	est := simulate(t, g, p, Optimistic)

	// THEN the task starts when the document lands and runs four times slower
	assert.Equal(t, NodeTiming{StartTime: 200, EndTime: 320, Duration: 120}, est.NodeTimings[cpu])
	assert.InDelta(t, 320, est.TimeInMs, 1e-9)
}

// hostFanOut is an empty document on a.test that loads three empty files from b.test.
func hostFanOut() *Graph {
	g := NewGraph()
	root := g.AddNetworkNode(record("0", "http://a.test/", network.ResourceTypeDocument, 0, 10, 0, 0))
	for i, u := range []string{"http://b.test/1", "http://b.test/2", "http://b.test/3"} {
		id := g.AddNetworkNode(record(string(rune('1'+i)), u, network.ResourceTypeScript, 20+float64(i), 40, 0, 0))
		g.AddDependency(id, root)
	}
	return g
}

func TestSimulate_ConnectionLimits(t *testing.T) {
	g := hostFanOut()

	t.Run("optimistic pays one handshake per host", func(t *testing.T) {
		est := simulate(t, g, testProfile, Optimistic)
		assert.InDelta(t, 400, est.NodeTimings[1].EndTime, 1e-9)
		assert.InDelta(t, 300, est.NodeTimings[2].EndTime, 1e-9)
		assert.InDelta(t, 300, est.NodeTimings[3].EndTime, 1e-9)
		assert.InDelta(t, 400, est.TimeInMs, 1e-9)
	})

	t.Run("pessimistic queues behind two cold connections", func(t *testing.T) {
		est := simulate(t, g, testProfile, Pessimistic)
		assert.InDelta(t, 400, est.NodeTimings[1].EndTime, 1e-9)
		assert.InDelta(t, 400, est.NodeTimings[2].EndTime, 1e-9)
		// the third request waits for a warm connection
		assert.Equal(t, NodeTiming{StartTime: 400, EndTime: 500, Duration: 100}, est.NodeTimings[3])
		assert.InDelta(t, 500, est.TimeInMs, 1e-9)
	})

	t.Run("multiplexed hosts are not limited", func(t *testing.T) {
		h2 := hostFanOut()
		for id := NodeID(1); int(id) < h2.Len(); id++ {
			h2.Node(id).Record.Protocol = "h2"
		}
		est := simulate(t, h2, testProfile, Optimistic)
		for id := NodeID(1); int(id) < h2.Len(); id++ {
			assert.InDelta(t, 200, est.NodeTimings[id].StartTime, 1e-9)
		}
	})
}

func TestSimulate_PessimisticSerializesCPUAndNetwork(t *testing.T) {
	build := func(cpuObservedStart, netObservedStart float64) (*Graph, NodeID, NodeID) {
		g := NewGraph()
		root := g.AddNetworkNode(record("0", "http://a.test/", network.ResourceTypeDocument, 0, 10, 0, 0))
		cpu := g.AddCPUNode(task(cpuObservedStart, 100, 0))
		net := g.AddNetworkNode(record("1", "http://b.test/x", network.ResourceTypeFetch, netObservedStart, 300, 0, 0))
		g.AddDependency(cpu, root)
		g.AddDependency(net, root)
		return g, cpu, net
	}

	t.Run("optimistic overlaps", func(t *testing.T) {
		g, cpu, net := build(250, 210)
		est := simulate(t, g, testProfile, Optimistic)
		assert.InDelta(t, 300, est.NodeTimings[cpu].EndTime, 1e-9)
		assert.InDelta(t, 400, est.NodeTimings[net].EndTime, 1e-9)
		assert.InDelta(t, 400, est.TimeInMs, 1e-9)
	})

	t.Run("request first holds the task back", func(t *testing.T) {
		g, cpu, net := build(250, 210)
		est := simulate(t, g, testProfile, Pessimistic)
		assert.InDelta(t, 400, est.NodeTimings[net].EndTime, 1e-9)
		assert.Equal(t, NodeTiming{StartTime: 400, EndTime: 500, Duration: 100}, est.NodeTimings[cpu])
	})

	t.Run("task first holds the request back", func(t *testing.T) {
		g, cpu, net := build(150, 210)
		est := simulate(t, g, testProfile, Pessimistic)
		assert.InDelta(t, 300, est.NodeTimings[cpu].EndTime, 1e-9)
		assert.Equal(t, NodeTiming{StartTime: 300, EndTime: 500, Duration: 200}, est.NodeTimings[net])
	})
}

func TestSimulate_MissingInputsAreFlagged(t *testing.T) {
	// GIVEN a request without size or server timing and a task without duration
	g := NewGraph()
	root := g.AddNetworkNode(record("0", "http://a.test/", network.ResourceTypeDocument, 0, 10, 0, 0))
	bad := g.AddNetworkNode(record("1", "http://a.test/x.js", network.ResourceTypeScript, 20, 40, -1, -1))
	cpu := g.AddCPUNode(task(50, 0, 0))
	g.Node(cpu).Task.Duration = math.NaN()
	g.AddDependency(bad, root)
	g.AddDependency(cpu, bad)

	// WHEN replayed
	est := simulate(t, g, testProfile, Pessimistic)

	// THEN they cost nothing beyond the round trip and are reported
	assert.Equal(t, []NodeID{bad, cpu}, est.FlaggedNodes)
	assert.InDelta(t, 100, est.NodeTimings[bad].Duration, 1e-9)
	assert.InDelta(t, 0, est.NodeTimings[cpu].Duration, 1e-9)
	assert.InDelta(t, 300, est.TimeInMs, 1e-9)
}

func TestSimulate_DataAndFailedRequests(t *testing.T) {
	g := NewGraph()
	root := g.AddNetworkNode(record("0", "http://a.test/", network.ResourceTypeDocument, 0, 10, 0, 0))
	data := g.AddNetworkNode(record("1", "data:image/png;base64,AAAA", network.ResourceTypeImage, 20, 20, 5_000, 0))
	failed := g.AddNetworkNode(record("2", "http://a.test/gone.js", network.ResourceTypeScript, 20, 30, 80_000, 0))
	g.Node(failed).Record.Failed = true
	g.AddDependency(data, root)
	g.AddDependency(failed, root)

	est := simulate(t, g, testProfile, Optimistic)

	assert.Equal(t, NodeTiming{StartTime: 200, EndTime: 200, Duration: 0}, est.NodeTimings[data])
	// a failed request transfers nothing
	assert.InDelta(t, 100, est.NodeTimings[failed].Duration, 1e-9)
}

func TestSimulate_DeterministicAndPessimisticNotFaster(t *testing.T) {
	// GIVEN a page with several hosts, scripts and tasks
	g := NewGraph()
	root := g.AddNetworkNode(record("0", "https://a.test/", network.ResourceTypeDocument, 0, 100, 20_000, 40))
	var scripts []NodeID
	for i, u := range []string{"https://a.test/1.js", "https://cdn.test/2.js", "https://cdn.test/3.js", "https://a.test/4.css"} {
		id := g.AddNetworkNode(record(string(rune('1'+i)), u, network.ResourceTypeScript, 110+float64(i), 200, float64(5_000*(i+1)), 20))
		g.AddDependency(id, root)
		scripts = append(scripts, id)
	}
	prev := NodeID(-1)
	for i, s := range scripts {
		cpu := g.AddCPUNode(task(300+float64(i)*50, 30, i%2))
		g.AddDependency(cpu, s)
		if prev >= 0 {
			g.AddDependency(cpu, prev)
		}
		prev = cpu
	}
	img := g.AddNetworkNode(record("9", "https://img.test/a.png", network.ResourceTypeImage, 500, 700, 40_000, 10))
	g.AddDependency(img, prev)

	for _, p := range Presets() {
		t.Run(p.Name, func(t *testing.T) {
			opt := simulate(t, g, p, Optimistic)
			pess := simulate(t, g, p, Pessimistic)

			// THEN replays repeat exactly
			assert.Equal(t, opt, simulate(t, g, p, Optimistic))
			assert.Equal(t, pess, simulate(t, g, p, Pessimistic))

			// AND the pessimistic replay is never faster
			assert.GreaterOrEqual(t, pess.TimeInMs, opt.TimeInMs)
			assert.Len(t, opt.NodeTimings, g.Len())
			for id, timing := range opt.NodeTimings {
				for _, dep := range g.Dependencies(id) {
					assert.GreaterOrEqual(t, timing.StartTime, opt.NodeTimings[dep].EndTime)
				}
			}
		})
	}
}

func TestSimulate_RejectsInvalidInputs(t *testing.T) {
	g := hostFanOut()
	_, err := Simulate(g, Profile{Name: "broken", RTTMs: 100, ThroughputKbps: 0, CPUSlowdownMultiplier: 1}, Optimistic)
	assert.ErrorIs(t, err, ErrInvalidProfile)

	g.AddDependency(0, 1)
	_, err = Simulate(g, testProfile, Optimistic)
	assert.ErrorIs(t, err, ErrConstruction)
}
