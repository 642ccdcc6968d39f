package lantern

import (
	"fmt"
	"math"
	"sort"

	"github.com/sirupsen/logrus"
)

// Mode selects the connection and contention assumptions of a replay.
type Mode int

const (
	// Optimistic reuses connections and lets CPU work overlap the network.
	Optimistic Mode = iota
	// Pessimistic queues requests on a few cold connections per host and
	// never overlaps CPU work with transfers.
	Pessimistic
)

func (m Mode) String() string {
	if m == Pessimistic {
		return "pessimistic"
	}
	return "optimistic"
}

const (
	// h1ConnectionsPerHost is the browser's HTTP/1.1 connection limit.
	h1ConnectionsPerHost = 6
	// pessimisticConnectionsPerHost serializes each host through a few connections.
	pessimisticConnectionsPerHost = 2
)

// NodeTiming is the simulated schedule of one node in milliseconds.
type NodeTiming struct {
	StartTime float64 `json:"startTime"`
	EndTime   float64 `json:"endTime"`
	Duration  float64 `json:"duration"`
}

// Estimate is the result of one replay.
type Estimate struct {
	TimeInMs    float64               `json:"timeInMs"`
	NodeTimings map[NodeID]NodeTiming `json:"nodeTimings"`

	// FlaggedNodes lists nodes whose duration inputs were missing and
	// were replayed with zero cost.
	FlaggedNodes []NodeID `json:"flaggedNodes,omitempty"`
}

type connection struct {
	warm bool
	busy bool
}

type hostPool struct {
	conns  []*connection
	limit  int
	warmed bool
}

type simulation struct {
	graph   *Graph
	profile Profile
	mode    Mode

	now      float64
	ready    []NodeID
	pending  []int
	inFlight *completionHeap
	held     map[NodeID]*connection

	hosts      map[string]*hostPool
	cpuBusy    bool
	netRunning int

	timings map[NodeID]NodeTiming
	flagged map[NodeID]bool
}

// Simulate replays graph under profile. Ready nodes start in order of their
// observed start time, then id, so identical inputs give identical timings.
func Simulate(graph *Graph, profile Profile, mode Mode) (*Estimate, error) {
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	if _, err := graph.Validate(); err != nil {
		return nil, err
	}

	s := &simulation{
		graph:    graph,
		profile:  profile,
		mode:     mode,
		pending:  make([]int, graph.Len()),
		inFlight: newCompletionHeap(),
		held:     make(map[NodeID]*connection),
		hosts:    make(map[string]*hostPool),
		timings:  make(map[NodeID]NodeTiming, graph.Len()),
		flagged:  make(map[NodeID]bool),
	}
	for id := 0; id < graph.Len(); id++ {
		s.pending[id] = len(graph.Dependencies(NodeID(id)))
	}
	s.markReady(graph.Root())

	for {
		s.startReady()
		next, ok := s.inFlight.PopNext()
		if !ok {
			break
		}
		s.now = next.At
		s.finish(next)
		// drain every completion at the same instant before starting more work
		for {
			peek, ok := s.inFlight.Peek()
			if !ok || peek.At != s.now {
				break
			}
			c, _ := s.inFlight.PopNext()
			s.finish(c)
		}
	}
	if len(s.timings) != graph.Len() {
		return nil, fmt.Errorf("%w: %d of %d nodes never started", ErrConstruction, graph.Len()-len(s.timings), graph.Len())
	}

	est := &Estimate{NodeTimings: s.timings}
	for _, t := range s.timings {
		est.TimeInMs = math.Max(est.TimeInMs, t.EndTime)
	}
	for id := range s.flagged {
		est.FlaggedNodes = append(est.FlaggedNodes, id)
	}
	sort.Slice(est.FlaggedNodes, func(i, j int) bool { return est.FlaggedNodes[i] < est.FlaggedNodes[j] })
	if len(est.FlaggedNodes) > 0 {
		logrus.Debugf("%s replay: %d nodes had missing timing inputs", mode, len(est.FlaggedNodes))
	}
	return est, nil
}

// markReady inserts id into the ready list ordered by observed start, then id.
func (s *simulation) markReady(id NodeID) {
	n := s.graph.Node(id)
	i := sort.Search(len(s.ready), func(i int) bool {
		other := s.graph.Node(s.ready[i])
		if other.StartTime != n.StartTime {
			return other.StartTime > n.StartTime
		}
		return other.ID > n.ID
	})
	s.ready = append(s.ready, 0)
	copy(s.ready[i+1:], s.ready[i:])
	s.ready[i] = id
}

func (s *simulation) startReady() {
	remaining := s.ready[:0]
	networkBlocked := false
	for _, id := range s.ready {
		n := s.graph.Node(id)
		var started bool
		if n.Kind == NodeCPU {
			started = s.startCPU(n)
			if !started && s.mode == Pessimistic && !s.cpuBusy {
				// a task is waiting for the network to drain; hold back new transfers
				networkBlocked = true
			}
		} else if !networkBlocked {
			started = s.startNetwork(n)
		}
		if !started {
			remaining = append(remaining, id)
		}
	}
	s.ready = remaining
}

func (s *simulation) startCPU(n *Node) bool {
	if s.cpuBusy || (s.mode == Pessimistic && s.netRunning > 0) {
		return false
	}
	observed := n.Task.Duration
	if math.IsNaN(observed) || observed < 0 {
		s.flagged[n.ID] = true
		observed = 0
	}
	s.cpuBusy = true
	s.schedule(n, observed*s.profile.CPUSlowdownMultiplier)
	return true
}

func (s *simulation) startNetwork(n *Node) bool {
	r := n.Record
	if r.IsDataURL() {
		s.schedule(n, 0)
		return true
	}
	if s.mode == Pessimistic && s.cpuBusy {
		return false
	}

	pool := s.pool(r.Host, r.Protocol)
	conn := pool.acquire()
	if conn == nil {
		return false
	}
	s.held[n.ID] = conn

	handshake := 0.0
	cold := !conn.warm
	if s.mode == Optimistic {
		cold = !pool.warmed
	}
	if cold {
		handshake = s.profile.RTTMs
		if r.IsSecure() {
			handshake += s.profile.RTTMs
		}
	}
	conn.warm = true
	pool.warmed = true

	server := r.ServerResponseTime
	if math.IsNaN(server) || server < 0 {
		s.flagged[n.ID] = true
		server = 0
	}
	size := r.TransferSize
	if r.Failed {
		size = 0
	}
	if math.IsNaN(size) || size < 0 {
		s.flagged[n.ID] = true
		size = 0
	}
	transfer := size * 8 / s.profile.ThroughputKbps

	s.netRunning++
	s.schedule(n, handshake+s.profile.RTTMs+server+transfer)
	return true
}

func (s *simulation) schedule(n *Node, duration float64) {
	s.timings[n.ID] = NodeTiming{StartTime: s.now, EndTime: s.now + duration, Duration: duration}
	s.inFlight.Schedule(completion{At: s.now + duration, Node: n.ID, Kind: n.Kind})
}

func (s *simulation) finish(c completion) {
	n := s.graph.Node(c.Node)
	if n.Kind == NodeCPU {
		s.cpuBusy = false
	} else if conn, ok := s.held[c.Node]; ok {
		conn.busy = false
		delete(s.held, c.Node)
		s.netRunning--
	}
	for _, user := range s.graph.Dependents(c.Node) {
		s.pending[user]--
		if s.pending[user] == 0 {
			s.markReady(user)
		}
	}
}

func (s *simulation) pool(host, protocol string) *hostPool {
	if p, ok := s.hosts[host]; ok {
		return p
	}
	limit := h1ConnectionsPerHost
	switch {
	case s.mode == Pessimistic:
		limit = pessimisticConnectionsPerHost
	case isMultiplexed(protocol):
		limit = 0
	}
	p := &hostPool{limit: limit}
	s.hosts[host] = p
	return p
}

// acquire returns an idle connection, preferring warm ones, opening a new
// connection while under the limit. A zero limit means unbounded.
func (p *hostPool) acquire() *connection {
	var idle *connection
	for _, c := range p.conns {
		if c.busy {
			continue
		}
		if c.warm {
			idle = c
			break
		}
		if idle == nil {
			idle = c
		}
	}
	if idle == nil && (p.limit == 0 || len(p.conns) < p.limit) {
		idle = &connection{}
		p.conns = append(p.conns, idle)
	}
	if idle != nil {
		idle.busy = true
	}
	return idle
}

func isMultiplexed(protocol string) bool {
	switch protocol {
	case "h2", "h3", "spdy", "quic", "h2c":
		return true
	}
	return false
}
