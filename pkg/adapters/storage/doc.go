// Package storage provides execution trace store implementations.
//
// Implementations:
//   - redis: Redis with JSON serialization and TTL
//   - memory: bounded in-memory store for single-process deployments and tests
package storage
