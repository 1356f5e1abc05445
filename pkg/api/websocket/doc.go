// Package websocket provides real-time event streaming via WebSocket.
//
// Clients connect to /api/v1/events/ws to receive orchestration events as
// JSON text frames. The optional request_id query parameter restricts the
// stream to the events of one request.
package websocket
