package http

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/aescanero/megaservice/internal/application/orchestrator"
	"github.com/aescanero/megaservice/pkg/domain"
	"github.com/aescanero/megaservice/pkg/domain/graph"
	"github.com/aescanero/megaservice/pkg/ports"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultListLimit = 20
	maxListLimit     = 1000
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// GraphResponse describes the execution graph
type GraphResponse struct {
	Nodes        []graph.ServiceNode `json:"nodes"`
	Edges        []graph.Edge        `json:"edges"`
	ResponseNode string              `json:"response_node"`
	TerminalNode string              `json:"terminal_node"`
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if s.health != nil {
		status := s.health.GetStatus()
		if !status.Healthy {
			body["status"] = "degraded"
		}
		body["nodes"] = status.Nodes
	}
	c.JSON(http.StatusOK, body)
}

// handleChatCompletion orchestrates one chat completion request
func (s *Server) handleChatCompletion(c *gin.Context) {
	var req domain.ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		oe := orchestrator.Translate(&orchestrator.RequestValidationError{Err: fmt.Errorf("malformed JSON body: %w", err)})
		c.JSON(oe.Status, ErrorResponse{Detail: oe.Detail})
		return
	}

	resp, err := s.service.Handle(c.Request.Context(), &req)
	if err != nil {
		oe := orchestrator.Translate(err)
		c.JSON(oe.Status, ErrorResponse{Detail: oe.Detail})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// handleGetGraph returns the execution graph in topological order
func (s *Server) handleGetGraph(c *gin.Context) {
	g := s.service.Graph()

	nodes, err := g.TopologicalOrder()
	if err != nil {
		s.logger.Error("failed to order graph", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Detail: "Internal orchestration error."})
		return
	}

	c.JSON(http.StatusOK, GraphResponse{
		Nodes:        nodes,
		Edges:        g.Edges(),
		ResponseNode: s.service.ResponseNode(),
		TerminalNode: s.service.TerminalNode(),
	})
}

// handleListExecutions lists recent execution traces, newest first,
// optionally only those carrying ?request_id=
func (s *Server) handleListExecutions(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Detail: "Execution traces are disabled."})
		return
	}

	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxListLimit {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Detail: fmt.Sprintf("limit must be between 1 and %d", maxListLimit),
			})
			return
		}
		limit = n
	}

	requestID := c.Query("request_id")
	fetch := limit
	if requestID != "" {
		fetch = maxListLimit
	}

	records, err := s.store.List(c.Request.Context(), fetch)
	if err != nil {
		s.logger.Error("failed to list executions", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Detail: "Failed to list executions."})
		return
	}
	if requestID != "" {
		records = filterByRequestID(records, requestID, limit)
	}
	if records == nil {
		records = []*domain.ExecutionRecord{}
	}

	c.JSON(http.StatusOK, gin.H{
		"executions": records,
		"total":      len(records),
		"limit":      limit,
	})
}

func filterByRequestID(records []*domain.ExecutionRecord, requestID string, limit int) []*domain.ExecutionRecord {
	out := make([]*domain.ExecutionRecord, 0, limit)
	for _, r := range records {
		if r.RequestID != requestID {
			continue
		}
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	return out
}

// handleGetExecution returns one execution trace by execution ID
func (s *Server) handleGetExecution(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Detail: "Execution traces are disabled."})
		return
	}

	id := c.Param("id")
	record, err := s.store.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Detail: "Execution not found."})
			return
		}
		s.logger.Error("failed to get execution", zap.String("execution_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Detail: "Failed to get execution."})
		return
	}

	c.JSON(http.StatusOK, record)
}
