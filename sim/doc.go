// Package sim is the root of the page load analysis engine.
//
// # Reading Guide
//
// Start with these three files to understand the engine:
//   - artifact/cache.go: memoized computations shared across one analysis run
//   - lantern/simulator.go: the discrete-event replay of a dependency graph
//   - elements/collector.go: ranking and resolving the elements behind trace events
//
// # Architecture
//
// Every derived value is an artifact: a named computation keyed by the
// structural fingerprint of its input and cached in an artifact.Context.
// Sub-packages:
//   - sim/artifact/: the run-scoped artifact cache
//   - sim/trace/: trace events, the processed main-thread view, the task tree
//   - sim/devtools/: protocol log decoding into network records
//   - sim/elements/: element resolution and visual impact scoring
//   - sim/lantern/: dependency graph, throttled replay, metric formulas
//
// # Key Interfaces
//
//   - elements.Resolver: backend node id to node descriptor (CDP-backed or static)
//   - cdp.Executor: the protocol transport the CDP resolver sends commands over
//   - artifact.Computed: a cached computation with typed input and output
package sim
