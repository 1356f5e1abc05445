package http

import (
	"bytes"
	"encoding/json"
	"net"
	nethttp "net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/aescanero/megaservice/internal/application/health"
	"github.com/aescanero/megaservice/internal/application/orchestrator"
	"github.com/aescanero/megaservice/pkg/adapters/storage/memory"
	"github.com/aescanero/megaservice/pkg/domain"
	"github.com/aescanero/megaservice/pkg/domain/graph"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const chatBody = `{"model":"m","messages":[{"role":"user","content":"hi"}]}`

type staticHealth struct{ status *health.Status }

func (h staticHealth) GetStatus() *health.Status { return h.status }

// backendNode starts a backend answering with body and returns its node
func backendNode(t *testing.T, name string, status int, body string) graph.ServiceNode {
	t.Helper()
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	host, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)

	return graph.ServiceNode{
		Name:   name,
		Host:   host,
		Port:   p,
		Path:   "/v1/chat/completions",
		Role:   graph.RoleLLM,
		Remote: true,
	}
}

func newTestServer(t *testing.T, node graph.ServiceNode, rps float64) (*Server, *memory.ExecutionStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	g, err := orchestrator.BuildGraph(orchestrator.Topology{Nodes: []graph.ServiceNode{node}})
	require.NoError(t, err)

	store := memory.NewExecutionStore(10)
	svc, err := orchestrator.NewService(orchestrator.Config{
		Graph:        g,
		ResponseNode: node.Name,
		Store:        store,
	})
	require.NoError(t, err)

	srv := NewServer(&Config{
		Service:        svc,
		Store:          store,
		Gatherer:       prometheus.NewRegistry(),
		RateLimitRPS:   rps,
		RateLimitBurst: 1,
		Health: staticHealth{status: &health.Status{
			Healthy: false,
			Nodes:   []health.NodeStatus{{Name: node.Name, Remote: true, Error: "connection refused"}},
		}},
	})
	return srv, store
}

func post(t *testing.T, s *Server, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(nethttp.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(nethttp.MethodGet, path, nil))
	return rec
}

func TestHandleChatCompletion_Success(t *testing.T) {
	node := backendNode(t, "llm", nethttp.StatusOK, `{
		"id": "chatcmpl-1", "model": "m", "created": 1700000000,
		"choices": [{"index": 0, "message": {"role": "assistant", "content": "hello"}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 1, "completion_tokens": 2, "total_tokens": 3}
	}`)
	s, store := newTestServer(t, node, 0)

	for i, path := range []string{"/v1/example-service", "/v1/chat/completions"} {
		id := "req-" + strconv.Itoa(i)
		rec := post(t, s, path, chatBody, headerRequestID, id)
		require.Equal(t, nethttp.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, id, rec.Header().Get(headerRequestID))

		var resp domain.ChatCompletionResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "chatcmpl-1", resp.ID)
		assert.Equal(t, "chat.completion", resp.Object)
		require.Len(t, resp.Choices, 1)
		assert.Equal(t, "hello", resp.Choices[0].Message.Content)
		assert.Equal(t, domain.Usage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3}, resp.Usage)
	}

	records, err := store.List(t.Context(), 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "req-1", records[0].RequestID)
	assert.Equal(t, domain.OutcomeSuccess, records[0].Outcome)
}

func TestHandleChatCompletion_FallbackDefaults(t *testing.T) {
	node := backendNode(t, "llm", nethttp.StatusOK, `{"choices":[],"usage":null}`)
	s, _ := newTestServer(t, node, 0)

	rec := post(t, s, "/v1/example-service", chatBody)
	require.Equal(t, nethttp.StatusOK, rec.Code)

	var resp domain.ChatCompletionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, orchestrator.FallbackContent, resp.Choices[0].Message.Content)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	assert.Equal(t, orchestrator.DefaultUsage, resp.Usage)
}

func TestHandleChatCompletion_Errors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		request    string
		wantStatus int
		wantDetail string
	}{
		{
			name:       "empty body",
			status:     nethttp.StatusOK,
			body:       "",
			request:    chatBody,
			wantStatus: nethttp.StatusBadGateway,
			wantDetail: `Upstream service "llm" returned an empty response body.`,
		},
		{
			name:       "malformed body",
			status:     nethttp.StatusOK,
			body:       "<html>secret stack trace</html>",
			request:    chatBody,
			wantStatus: nethttp.StatusInternalServerError,
			wantDetail: `Upstream service "llm" returned a malformed response.`,
		},
		{
			name:       "backend error status",
			status:     nethttp.StatusServiceUnavailable,
			body:       `{"error":"down"}`,
			request:    chatBody,
			wantStatus: nethttp.StatusBadGateway,
			wantDetail: `Upstream service "llm" is unavailable (transport error).`,
		},
		{
			name:       "invalid request",
			status:     nethttp.StatusOK,
			body:       `{}`,
			request:    `{"model":"m","messages":[]}`,
			wantStatus: nethttp.StatusBadRequest,
		},
		{
			name:       "malformed JSON request",
			status:     nethttp.StatusOK,
			body:       `{}`,
			request:    `{"model":`,
			wantStatus: nethttp.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestServer(t, backendNode(t, "llm", tt.status, tt.body), 0)

			rec := post(t, s, "/v1/example-service", tt.request)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.NotContains(t, rec.Body.String(), "secret")

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp.Detail)
			if tt.wantDetail != "" {
				assert.Equal(t, tt.wantDetail, resp.Detail)
			}
		})
	}
}

func TestRateLimit(t *testing.T) {
	node := backendNode(t, "llm", nethttp.StatusOK, `{"choices":[]}`)
	s, _ := newTestServer(t, node, 0.001)

	assert.Equal(t, nethttp.StatusOK, post(t, s, "/v1/example-service", chatBody).Code)

	rec := post(t, s, "/v1/example-service", chatBody)
	assert.Equal(t, nethttp.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	// Introspection is not rate limited
	assert.Equal(t, nethttp.StatusOK, get(t, s, "/api/v1/graph").Code)
}

func TestHandleGetGraph(t *testing.T) {
	s, _ := newTestServer(t, backendNode(t, "llm", nethttp.StatusOK, `{}`), 0)

	rec := get(t, s, "/api/v1/graph")
	require.Equal(t, nethttp.StatusOK, rec.Code)

	var resp GraphResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Nodes, 1)
	assert.Equal(t, "llm", resp.Nodes[0].Name)
	assert.Equal(t, "llm", resp.ResponseNode)
	assert.Equal(t, "llm", resp.TerminalNode)
	assert.Empty(t, resp.Edges)
}

func TestHandleExecutions(t *testing.T) {
	s, _ := newTestServer(t, backendNode(t, "llm", nethttp.StatusOK, ""), 0)

	rec := post(t, s, "/v1/example-service", chatBody, headerRequestID, "req-1")
	require.Equal(t, nethttp.StatusBadGateway, rec.Code)
	require.Equal(t, nethttp.StatusBadGateway, post(t, s, "/v1/example-service", chatBody, headerRequestID, "req-2").Code)

	var list struct {
		Executions []domain.ExecutionRecord `json:"executions"`
		Total      int                      `json:"total"`
		Limit      int                      `json:"limit"`
	}
	rec = get(t, s, "/api/v1/executions?request_id=req-1")
	require.Equal(t, nethttp.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Equal(t, 1, list.Total)
	executionID := list.Executions[0].ExecutionID
	require.NotEmpty(t, executionID)

	rec = get(t, s, "/api/v1/executions/"+executionID)
	require.Equal(t, nethttp.StatusOK, rec.Code)

	var record domain.ExecutionRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &record))
	assert.Equal(t, executionID, record.ExecutionID)
	assert.Equal(t, "req-1", record.RequestID)
	assert.Equal(t, string(orchestrator.KindUpstreamEmptyResponse), record.Outcome)
	assert.Equal(t, nethttp.StatusBadGateway, record.HTTPStatus)
	require.Len(t, record.Nodes, 1)
	assert.Equal(t, domain.NodeStatusOK, record.Nodes[0].Status)

	rec = get(t, s, "/api/v1/executions?limit=5")
	require.Equal(t, nethttp.StatusOK, rec.Code)
	list.Executions = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 2, list.Total)
	assert.Equal(t, 5, list.Limit)

	assert.Equal(t, nethttp.StatusBadRequest, get(t, s, "/api/v1/executions?limit=0").Code)
	assert.Equal(t, nethttp.StatusNotFound, get(t, s, "/api/v1/executions/req-1").Code)
}

func TestHandleHealth(t *testing.T) {
	s, _ := newTestServer(t, backendNode(t, "llm", nethttp.StatusOK, `{}`), 0)

	rec := get(t, s, "/health")
	require.Equal(t, nethttp.StatusOK, rec.Code)

	var body struct {
		Status string              `json:"status"`
		Nodes  []health.NodeStatus `json:"nodes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	require.Len(t, body.Nodes, 1)
	assert.Equal(t, "connection refused", body.Nodes[0].Error)
}

func TestHandleMetrics(t *testing.T) {
	s, _ := newTestServer(t, backendNode(t, "llm", nethttp.StatusOK, `{}`), 0)
	assert.Equal(t, nethttp.StatusOK, get(t, s, "/metrics").Code)
}

func TestClientLimiter_Nil(t *testing.T) {
	var l *clientLimiter
	assert.True(t, l.Allow("1.2.3.4", time.Now()))
	assert.Nil(t, newClientLimiter(0, 10, time.Minute))
}
