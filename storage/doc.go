// Package storage provides pluggable persistence for agent registration
// records, keyed by agent id.
//
// # Available Implementations
//
//   - MemoryBackend: in-memory map, for tests and single-process use
//   - FileBackend: one JSON file per record in a directory, durable and
//     human-inspectable
//   - NATSBackend: NATS JetStream KV bucket, for distributed deployments
//
// All implementations are safe for concurrent use. The registry depends only
// on the Backend interface, so backends are drop-in replacements for each
// other.
package storage
