package orchestrator

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/aescanero/megaservice/pkg/domain"
	"github.com/aescanero/megaservice/pkg/domain/graph"
)

// Reason is the cause code of an AssemblyError
type Reason string

const (
	ReasonUpstreamFailed Reason = "upstream_failed"
	ReasonEmptyBody      Reason = "empty_body"
	ReasonDecodeError    Reason = "decode_error"
)

// AssemblyError is returned when a raw node result cannot be turned into
// a canonical response
type AssemblyError struct {
	Reason Reason
	Node   string

	// UpstreamStatus is the node status when Reason is upstream_failed
	UpstreamStatus domain.NodeStatus

	// RawBody keeps the undecodable payload for diagnostics
	RawBody []byte

	Err error
}

func (e *AssemblyError) Error() string {
	msg := fmt.Sprintf("assembly of node %s failed: %s", e.Node, e.Reason)
	if e.Reason == ReasonUpstreamFailed && e.UpstreamStatus != "" {
		msg += " (" + string(e.UpstreamStatus) + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AssemblyError) Unwrap() error {
	return e.Err
}

// RequestValidationError is returned when an inbound request lacks required fields
type RequestValidationError struct {
	Err error
}

func (e *RequestValidationError) Error() string {
	return "invalid request: " + e.Err.Error()
}

func (e *RequestValidationError) Unwrap() error {
	return e.Err
}

// Kind classifies an OrchestrationError
type Kind string

const (
	KindConfiguration             Kind = "configuration_error"
	KindUpstreamUnavailable       Kind = "upstream_unavailable"
	KindUpstreamEmptyResponse     Kind = "upstream_empty_response"
	KindUpstreamMalformedResponse Kind = "upstream_malformed_response"
	KindInternal                  Kind = "internal_orchestration_error"
	KindInvalidRequest            Kind = "invalid_request"
)

// OrchestrationError is the only error type that leaves the orchestration
// boundary. Detail is safe to show to clients; RawBody and Err are not.
type OrchestrationError struct {
	Kind      Kind
	Status    int
	Retryable bool
	Detail    string

	// Node is the node the failure is attributed to, if any
	Node string

	// RawBody holds the upstream payload of a malformed response
	RawBody []byte

	Err error
}

func (e *OrchestrationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
}

func (e *OrchestrationError) Unwrap() error {
	return e.Err
}

// Translate maps any failure of the orchestration pipeline to an
// OrchestrationError. It returns nil for a nil error.
func Translate(err error) *OrchestrationError {
	if err == nil {
		return nil
	}

	var oe *OrchestrationError
	if errors.As(err, &oe) {
		return oe
	}

	var (
		dup   *graph.DuplicateNodeError
		unk   *graph.UnknownNodeError
		cycle *graph.CycleError
	)
	if errors.As(err, &dup) || errors.As(err, &unk) || errors.As(err, &cycle) ||
		errors.Is(err, graph.ErrAmbiguousTerminal) {
		return configurationError(err)
	}

	var invalid *RequestValidationError
	if errors.As(err, &invalid) {
		return &OrchestrationError{
			Kind:   KindInvalidRequest,
			Status: http.StatusBadRequest,
			Detail: invalid.Error(),
			Err:    err,
		}
	}

	var ae *AssemblyError
	if errors.As(err, &ae) {
		return translateAssembly(ae)
	}

	return internalError(err)
}

func translateAssembly(ae *AssemblyError) *OrchestrationError {
	reason := ae.Reason
	if reason == ReasonUpstreamFailed {
		switch ae.UpstreamStatus {
		case domain.NodeStatusEmptyBody:
			reason = ReasonEmptyBody
		case domain.NodeStatusDecodeError:
			reason = ReasonDecodeError
		}
	}

	switch reason {
	case ReasonEmptyBody:
		return &OrchestrationError{
			Kind:      KindUpstreamEmptyResponse,
			Status:    http.StatusBadGateway,
			Retryable: true,
			Detail:    fmt.Sprintf("Upstream service %q returned an empty response body.", ae.Node),
			Node:      ae.Node,
			Err:       ae,
		}
	case ReasonDecodeError:
		return &OrchestrationError{
			Kind:    KindUpstreamMalformedResponse,
			Status:  http.StatusInternalServerError,
			Detail:  fmt.Sprintf("Upstream service %q returned a malformed response.", ae.Node),
			Node:    ae.Node,
			RawBody: ae.RawBody,
			Err:     ae,
		}
	default:
		return &OrchestrationError{
			Kind:      KindUpstreamUnavailable,
			Status:    http.StatusBadGateway,
			Retryable: true,
			Detail:    fmt.Sprintf("Upstream service %q is unavailable (%s).", ae.Node, unavailableCause(ae.UpstreamStatus)),
			Node:      ae.Node,
			Err:       ae,
		}
	}
}

func unavailableCause(status domain.NodeStatus) string {
	if status == domain.NodeStatusTimeout {
		return "timeout"
	}
	return "transport error"
}

func configurationError(err error) *OrchestrationError {
	return &OrchestrationError{
		Kind:   KindConfiguration,
		Status: http.StatusInternalServerError,
		Detail: "Orchestration graph is misconfigured: " + err.Error(),
		Err:    err,
	}
}

func internalError(err error) *OrchestrationError {
	return &OrchestrationError{
		Kind:   KindInternal,
		Status: http.StatusInternalServerError,
		Detail: "Internal orchestration error.",
		Err:    err,
	}
}
