// Package health probes the backend nodes of the execution graph.
//
// The monitor dials every remote node on a fixed interval, records the
// result in the node_healthy gauge and keeps the latest status for the
// /health endpoint. Probing never affects request handling: an unreachable
// node is still invoked and fails through the normal error path.
package health
