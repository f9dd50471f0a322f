// Package loader implements the incremental module-loading engine.
//
// This package contains:
//   - The ordered load levels a unit passes through
//   - Unit: one image + decoded module within a domain, its level, its
//     captured failure and its one-shot notification flags
//   - Domain: the shared load lock, the unit registry and the
//     level-advancement driver with reentrancy and deadlock tolerance
//   - Decoding of the debuggable custom attribute
//
// Collaborators (images, modules, garbage collector, debugger, profiler,
// tracing) are narrow interfaces declared in collab.go.
package loader
