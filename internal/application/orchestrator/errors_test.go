package orchestrator

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/aescanero/megaservice/pkg/domain"
	"github.com/aescanero/megaservice/pkg/domain/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranslate(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantKind      Kind
		wantStatus    int
		wantRetryable bool
	}{
		{"cycle", &graph.CycleError{From: "a", To: "b"}, KindConfiguration, http.StatusInternalServerError, false},
		{"unknown node", fmt.Errorf("wrapped: %w", &graph.UnknownNodeError{Name: "x"}), KindConfiguration, http.StatusInternalServerError, false},
		{"duplicate node", &graph.DuplicateNodeError{Name: "x"}, KindConfiguration, http.StatusInternalServerError, false},
		{"ambiguous terminal", graph.ErrAmbiguousTerminal, KindConfiguration, http.StatusInternalServerError, false},
		{"timeout", &AssemblyError{Reason: ReasonUpstreamFailed, Node: "llm", UpstreamStatus: domain.NodeStatusTimeout}, KindUpstreamUnavailable, http.StatusBadGateway, true},
		{"transport error", &AssemblyError{Reason: ReasonUpstreamFailed, Node: "llm", UpstreamStatus: domain.NodeStatusTransportError}, KindUpstreamUnavailable, http.StatusBadGateway, true},
		{"empty body", &AssemblyError{Reason: ReasonEmptyBody, Node: "llm"}, KindUpstreamEmptyResponse, http.StatusBadGateway, true},
		{"upstream empty body status", &AssemblyError{Reason: ReasonUpstreamFailed, Node: "llm", UpstreamStatus: domain.NodeStatusEmptyBody}, KindUpstreamEmptyResponse, http.StatusBadGateway, true},
		{"decode error", &AssemblyError{Reason: ReasonDecodeError, Node: "llm", RawBody: []byte("x")}, KindUpstreamMalformedResponse, http.StatusInternalServerError, false},
		{"upstream decode status", &AssemblyError{Reason: ReasonUpstreamFailed, Node: "llm", UpstreamStatus: domain.NodeStatusDecodeError}, KindUpstreamMalformedResponse, http.StatusInternalServerError, false},
		{"invalid request", &RequestValidationError{Err: errors.New("model failed required")}, KindInvalidRequest, http.StatusBadRequest, false},
		{"anything else", errors.New("boom"), KindInternal, http.StatusInternalServerError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			oe := Translate(tt.err)
			require.NotNil(t, oe)
			assert.Equal(t, tt.wantKind, oe.Kind)
			assert.Equal(t, tt.wantStatus, oe.Status)
			assert.Equal(t, tt.wantRetryable, oe.Retryable)
			assert.NotEmpty(t, oe.Detail)
			assert.ErrorIs(t, oe, tt.err)
		})
	}
}

func TestTranslate_Nil(t *testing.T) {
	assert.Nil(t, Translate(nil))
}

func TestTranslate_IsIdempotent(t *testing.T) {
	first := Translate(&AssemblyError{Reason: ReasonEmptyBody, Node: "llm"})
	assert.Same(t, first, Translate(first))
	assert.Same(t, first, Translate(fmt.Errorf("again: %w", first)))
}

func TestTranslate_DetailNeverCarriesRawBody(t *testing.T) {
	oe := Translate(&AssemblyError{Reason: ReasonDecodeError, Node: "llm", RawBody: []byte("secret-token-123"), Err: errors.New("invalid character")})
	assert.Equal(t, []byte("secret-token-123"), oe.RawBody)
	assert.Equal(t, "llm", oe.Node)
	assert.NotContains(t, oe.Detail, "secret-token-123")
	assert.NotContains(t, oe.Detail, "invalid character")
}

func TestTranslate_InternalDetailIsGeneric(t *testing.T) {
	oe := Translate(errors.New("nil pointer at orchestrator.go:42"))
	assert.Equal(t, "Internal orchestration error.", oe.Detail)
}

func TestTranslate_UnavailableDetailNamesCause(t *testing.T) {
	timeout := Translate(&AssemblyError{Reason: ReasonUpstreamFailed, Node: "embedding", UpstreamStatus: domain.NodeStatusTimeout})
	assert.Equal(t, "embedding", timeout.Node)
	assert.Contains(t, timeout.Detail, `"embedding"`)
	assert.Contains(t, timeout.Detail, "timeout")

	transport := Translate(&AssemblyError{Reason: ReasonUpstreamFailed, Node: "embedding", UpstreamStatus: domain.NodeStatusTransportError})
	assert.Contains(t, transport.Detail, "transport error")
	assert.NotContains(t, transport.Detail, "timeout")
}

func TestTranslate_UpstreamDecodeCarriesRawBody(t *testing.T) {
	oe := Translate(&AssemblyError{
		Reason:         ReasonUpstreamFailed,
		Node:           "embedding",
		UpstreamStatus: domain.NodeStatusDecodeError,
		RawBody:        []byte("<html>oops</html>"),
	})
	assert.Equal(t, KindUpstreamMalformedResponse, oe.Kind)
	assert.Equal(t, "embedding", oe.Node)
	assert.Equal(t, []byte("<html>oops</html>"), oe.RawBody)
}
