// Package lantern predicts page-load metric timings under simulated network
// and CPU throttling by replaying a dependency graph of requests and
// main-thread tasks observed in a trace.
package lantern

import (
	"errors"
	"fmt"

	"github.com/inference-sim/pageload-sim/sim/devtools"
	"github.com/inference-sim/pageload-sim/sim/trace"
)

// ErrConstruction reports a malformed or cyclic dependency graph. It is fatal
// for the computation that produced the graph.
var ErrConstruction = errors.New("dependency graph construction failed")

// NodeID indexes a node in its graph's arena. IDs follow insertion order.
type NodeID int

// NodeKind distinguishes network requests from main-thread tasks.
type NodeKind int

const (
	NodeNetwork NodeKind = iota
	NodeCPU
)

func (k NodeKind) String() string {
	if k == NodeCPU {
		return "cpu"
	}
	return "network"
}

// Node is one unit of page-load work. StartTime and EndTime are the observed
// times in milliseconds.
type Node struct {
	ID        NodeID
	Kind      NodeKind
	StartTime float64
	EndTime   float64
	// Record is set on network nodes.
	Record *devtools.NetworkRecord
	// Task is set on CPU nodes.
	Task *trace.TaskNode
}

// Graph is a DAG of page-load work stored in a flat arena. The first node
// added is the root; every other node must depend, directly or not, on it.
type Graph struct {
	nodes []Node
	deps  [][]NodeID
	users [][]NodeID
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{}
}

func (g *Graph) add(n Node) NodeID {
	n.ID = NodeID(len(g.nodes))
	g.nodes = append(g.nodes, n)
	g.deps = append(g.deps, nil)
	g.users = append(g.users, nil)
	return n.ID
}

// AddNetworkNode appends a request node.
func (g *Graph) AddNetworkNode(r *devtools.NetworkRecord) NodeID {
	return g.add(Node{Kind: NodeNetwork, StartTime: r.StartTime, EndTime: r.EndTime, Record: r})
}

// AddCPUNode appends a main-thread task node.
func (g *Graph) AddCPUNode(t *trace.TaskNode) NodeID {
	return g.add(Node{Kind: NodeCPU, StartTime: t.StartTime, EndTime: t.EndTime, Task: t})
}

// AddDependency records that node cannot start before dependency finishes.
// Duplicate edges are ignored.
func (g *Graph) AddDependency(node, dependency NodeID) {
	for _, d := range g.deps[node] {
		if d == dependency {
			return
		}
	}
	g.deps[node] = append(g.deps[node], dependency)
	g.users[dependency] = append(g.users[dependency], node)
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Root returns the root node's id.
func (g *Graph) Root() NodeID { return 0 }

// Node returns the node with the given id.
func (g *Graph) Node(id NodeID) *Node { return &g.nodes[id] }

// Dependencies returns the nodes id waits for.
func (g *Graph) Dependencies(id NodeID) []NodeID { return g.deps[id] }

// Dependents returns the nodes waiting for id.
func (g *Graph) Dependents(id NodeID) []NodeID { return g.users[id] }

// Validate checks that the graph is acyclic and rooted and returns a
// topological order, lowest id first among independent nodes.
func (g *Graph) Validate() ([]NodeID, error) {
	if len(g.nodes) == 0 {
		return nil, fmt.Errorf("%w: empty graph", ErrConstruction)
	}
	pending := make([]int, len(g.nodes))
	for id := range g.nodes {
		pending[id] = len(g.deps[id])
		if id != int(g.Root()) && pending[id] == 0 {
			return nil, fmt.Errorf("%w: node %d is not reachable from the root", ErrConstruction, id)
		}
	}
	if pending[g.Root()] != 0 {
		return nil, fmt.Errorf("%w: root has dependencies", ErrConstruction)
	}

	order := make([]NodeID, 0, len(g.nodes))
	queue := []NodeID{g.Root()}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, user := range g.users[id] {
			pending[user]--
			if pending[user] == 0 {
				queue = append(queue, user)
			}
		}
	}
	if len(order) != len(g.nodes) {
		return nil, fmt.Errorf("%w: cycle among %d nodes", ErrConstruction, len(g.nodes)-len(order))
	}
	return order, nil
}

// Subgraph returns a new graph holding the root, the nodes keep accepts and
// all of their ancestors, with edges between retained nodes preserved.
func (g *Graph) Subgraph(keep func(*Node) bool) *Graph {
	retained := make([]bool, len(g.nodes))
	var stack []NodeID
	for id := range g.nodes {
		if NodeID(id) == g.Root() || keep(&g.nodes[id]) {
			stack = append(stack, NodeID(id))
		}
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if retained[id] {
			continue
		}
		retained[id] = true
		stack = append(stack, g.deps[id]...)
	}

	sub := NewGraph()
	remap := make(map[NodeID]NodeID)
	for id, n := range g.nodes {
		if retained[id] {
			remap[NodeID(id)] = sub.add(n)
		}
	}
	for id := range g.nodes {
		if !retained[id] {
			continue
		}
		for _, d := range g.deps[id] {
			sub.AddDependency(remap[NodeID(id)], remap[d])
		}
	}
	return sub
}
