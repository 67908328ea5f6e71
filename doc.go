// Package authchain provides an embeddable multi-step verification chain
// engine: an ordered sequence of slots, each satisfiable by one of several
// pluggable methods (time-based codes, recovery codes, emailed codes,
// hardware security keys), driven over a small request/response protocol.
//
// The package is designed for concurrent server workloads: Engine methods
// are safe to call from multiple goroutines after initialization through
// [Builder.Build].
//
// # Architecture boundaries
//
// authchain is the public surface. It exposes [Engine], [Builder], [Config],
// the [Method] contract, and value types (ChainResult, StepPayload,
// AuditEvent). Credential persistence lives in the credential subpackage,
// session-scoped staging in transient, and the HTTP binding in httpapi.
//
// # What this package must NOT do
//
//   - Expose redis clients or record encodings in its public API.
//   - Return a confirmed secret to a client after promotion; recovery codes
//     are visible exactly once, at generation.
//   - Skip ahead: Perform only ever verifies the run's current slot.
package authchain
