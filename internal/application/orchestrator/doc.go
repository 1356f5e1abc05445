// Package orchestrator implements the service-orchestration core.
//
// A Service handles one inbound chat completion request by:
//   - Validating the request
//   - Dispatching it through the execution graph (Dispatcher)
//   - Assembling the terminal node's raw result into a canonical response (Assembler)
//   - Translating any failure into exactly one OrchestrationError (Translate)
//
// BuildGraph turns a static topology into a validated graph at start-up.
package orchestrator
