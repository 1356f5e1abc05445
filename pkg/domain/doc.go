// Package domain holds the value types shared by the orchestration core,
// its adapters and its API surfaces: the inbound chat completion request,
// the canonical response, per-node raw results, events and execution traces.
package domain
