// Package graph defines the factor-graph model consumed by the message
// passing engine.
//
// A model is a directed acyclic graph over two node kinds:
//   - Variable: a signal with an id, a shape (element count) and an optional
//     second moment tau.
//   - Factor: a functional relationship between variables, carrying an opaque
//     Op implementation that concrete algorithms inspect for capabilities.
//
// The graph is bipartite: every edge connects a factor and a variable. Models
// are built through a Builder and validated once at Build time; after that
// the structure is immutable. Build computes a deterministic topological
// forward ordering (Kahn's algorithm with insertion-order tie-breaking) so
// that repeated builds of the same spec order sweeps identically.
//
// Node ids are NFC-normalized at the builder boundary so that ids compare
// byte-for-byte regardless of the Unicode composition the caller used.
package graph
