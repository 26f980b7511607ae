// Package mp implements the message-passing engine: a derived message graph
// with doubled forward/backward edges over a factor-graph model, ordered
// sweeps that delegate numerical updates to a pluggable Updater, damping,
// divergence diagnostics, free-energy bookkeeping, and the
// iterate-to-convergence control loop.
//
// # Architecture
//
// The engine owns a MessageGraph: an arena of edge records indexed by stable
// integer handles. For every model edge the arena holds two directed edges,
// one tagged fwd (same orientation as the model edge) and one tagged bwd
// (reverse orientation). Topology is frozen at construction; only edge
// payloads (message fields, iteration counts, damping) and node records
// (posteriors, objective contributions) mutate afterwards.
//
// One full iteration is:
//
//	forward sweep   - nodes in topological order, refresh outgoing fwd edges
//	backward sweep  - nodes in reverse order, refresh outgoing bwd edges
//	update pass     - per-variable posterior refresh (node state only)
//
// Sweeps are strictly sequential: a node's update consumes the freshly
// committed messages of its topological predecessors within the same sweep.
// The engine is single-threaded and assumes exclusive ownership of its
// message graph for the duration of an Iterate call.
//
// # Error model
//
// Configuration mistakes (warm start before initialization, unknown damping
// target, out-of-range damping) surface as *ConfigError at call time.
// Numerical breakdown (a non-finite message field produced by a sweep)
// surfaces as *DivergenceError, aborts the run before the offending edge is
// committed, and transitions the engine to StateFailed. A negative precision
// field is logged as a warning and tolerated: it can occur legitimately in
// indefinite quadratic approximations.
package mp
