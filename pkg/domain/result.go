package domain

import "time"

// NodeStatus is the outcome of dispatching one node
type NodeStatus string

const (
	NodeStatusOK             NodeStatus = "ok"
	NodeStatusTimeout        NodeStatus = "timeout"
	NodeStatusTransportError NodeStatus = "transport_error"
	NodeStatusEmptyBody      NodeStatus = "empty_body"
	NodeStatusDecodeError    NodeStatus = "decode_error"
)

// RawNodeResult is what one node produced for one request. Body is only
// set when Status is ok and holds the fully reassembled payload.
type RawNodeResult struct {
	NodeName   string
	Status     NodeStatus
	Body       []byte
	HTTPStatus int
	Duration   time.Duration

	// Err describes the failure when Status is not ok
	Err error

	// SkippedBecause names the failed upstream node when no call was made
	SkippedBecause string

	// FailedUpstream names the node a skip originates from. It differs
	// from SkippedBecause when the skip propagated through skipped nodes.
	FailedUpstream string

	// UpstreamStatus is the status FailedUpstream's failure maps to
	UpstreamStatus NodeStatus

	// UpstreamBody is FailedUpstream's payload when it could not be merged
	UpstreamBody []byte
}

// OK reports whether the node succeeded
func (r *RawNodeResult) OK() bool {
	return r != nil && r.Status == NodeStatusOK
}
