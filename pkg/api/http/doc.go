// Package http provides the HTTP REST API implementation.
//
// The HTTP server exposes endpoints for:
//   - Chat completion orchestration (/v1/example-service, /v1/chat/completions)
//   - Graph introspection and execution traces
//   - Health checks
//   - Prometheus metrics
//
// Orchestration failures are returned as {"detail": "..."} with the status
// chosen by the error translator. Raw backend bodies never reach clients.
package http
