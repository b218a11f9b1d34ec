// Package graphflow provides an embeddable, graph-based
// process-execution engine for Go.
//
// Graphflow is designed for backend services that need long-lived,
// signal-driven processes: approval chains, order fulfilment, anything
// where work waits on people or external systems for hours or weeks. It
// runs fully in Go, supports multiple persistence backends, and
// integrates cleanly into existing codebases.
//
// # Core Concepts
//
//  1. Definition
//  2. Engine
//  3. Token
//  4. Job and Executor
//  5. LocalRunner
//
// # Definition
//
// A Definition is an immutable directed graph of nodes (states, tasks,
// forks, joins, decisions, super-states, milestones) connected by named
// transitions. Definitions are built with the fluent Builder and
// deployed to an Engine, which versions them; running instances keep the
// version they started on.
//
//	def, err := graphflow.NewBuilder("approval").
//	    Start("start").To("review").
//	    State("review").
//	        Transition("approve", "done").
//	        Transition("reject", "rework").
//	    ...
//	    Build()
//
// # Engine
//
// The Engine stores definitions, persists process instances and exposes
// the operational API: create instances, deliver signals, set variables,
// reach milestones, manage timers. Every signal is one atomic unit of
// work: the engine loads the instance, runs the traversal in memory, and
// commits the instance together with the jobs the traversal produced,
// guarded by an optimistic version check.
//
// Engines can be backed by different storage systems:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - BoltDB (embedded, pure-Go key/value file)
//
// # Token
//
// A Token marks one point of execution in the graph. Signalling a token
// moves it along a transition and keeps going through automatic nodes
// (decisions route by guard, forks spawn child tokens, joins wait for
// siblings, milestones park tokens until reached) until everything is at
// rest on a wait state again.
//
// # Job and Executor
//
// Work the engine defers is persisted as a Job: timers armed when a
// token enters a node, and continuations for nodes marked async. The
// Executor is a worker pool that claims due jobs with a TTL lock,
// executes them through the engine, reschedules repeating timers, and
// retries failures until the job's budget is spent.
//
// # LocalRunner
//
// LocalRunner bundles an in-memory engine and an executor into a single
// process-local helper useful for development and unit testing. It is
// intentionally not crash-durable.
//
// For examples, see the /examples directory.
package graphflow
