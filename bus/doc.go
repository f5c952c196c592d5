// Package bus provides the message bus that carries task traffic between the
// workflow coordinator and agent workers.
//
// # Overview
//
// The MessageBus interface offers filtered subscriptions with handler
// callbacks and best-effort sends. Messages are typed envelopes (TaskRequest,
// TaskResponse, StatusUpdate, Control) addressed by sender and recipient id.
//
// # Available Implementations
//
//   - MemoryBus: in-process delivery for tests and single-process use
//   - NATSBus: distributed delivery over NATS subjects
//
// # Delivery semantics
//
// Delivery is best-effort. A subscriber whose handler panics is isolated:
// the failure is logged and neither the sender nor other subscribers are
// affected.
package bus
