// Package health defines the result contract shared by every dependency
// probe and the registry the host uses to run them.
//
// A [Checker] returns a [Result] with a tri-state [Status]; failures are
// values, never raised errors. The error carried by an unhealthy result is
// normally a [*Fault] whose [FaultKind] tells connection, execution,
// cancellation and disposed-resource failures apart.
//
// The error-returning [Probe] remains for liveness and readiness gates.
// Probes combine with [All] (AND), [Any] (OR) and [Fixed] (static), and
// [FromProbe] / [AsProbe] convert between the two shapes.
//
// [ShutdownGate] coordinates graceful shutdown: once set, readiness fails
// immediately so load balancers stop sending traffic before drain.
//
// [Registry] holds named [Registration]s, builds their checkers lazily and
// aggregates them into a [Report].
package health
