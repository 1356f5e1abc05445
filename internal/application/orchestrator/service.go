package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aescanero/megaservice/pkg/domain"
	"github.com/aescanero/megaservice/pkg/domain/graph"
	"github.com/aescanero/megaservice/pkg/ports"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	maxLoggedBody       = 4 * 1024
	recordSaveTimeout   = 5 * time.Second
	defaultReqTimeout   = 300 * time.Second
	defaultResponseNode = "llm"
)

// Config holds the collaborators of a Service
type Config struct {
	Graph *graph.Graph

	// ResponseNode designates the node whose reachable sink carries the response
	ResponseNode string

	Dispatcher *Dispatcher
	Assembler  *Assembler
	Validator  *Validator

	// EventBus and Store are optional
	EventBus ports.EventBus
	Store    ports.ExecutionStore

	Metrics ports.MetricsCollector
	Logger  *zap.Logger

	// RequestTimeout bounds a whole request across all nodes
	RequestTimeout time.Duration
}

// Service is the orchestration boundary: it handles one inbound request
// and returns either a canonical response or an *OrchestrationError.
type Service struct {
	graph        *graph.Graph
	order        []graph.ServiceNode
	responseNode string
	terminal     string

	dispatcher *Dispatcher
	assembler  *Assembler
	validator  *Validator
	eventBus   ports.EventBus
	store      ports.ExecutionStore
	metrics    ports.MetricsCollector
	tracer     trace.Tracer
	logger     *zap.Logger

	requestTimeout time.Duration

	// In-flight requests by execution ID, cancelled on Shutdown
	inflight      sync.Map // map[string]context.CancelFunc
	inflightCount atomic.Int64
}

// NewService validates the configuration and creates a service. Every
// error is an *OrchestrationError of kind configuration_error.
func NewService(cfg Config) (*Service, error) {
	if cfg.Graph == nil || cfg.Graph.Len() == 0 {
		return nil, configurationError(fmt.Errorf("graph is empty"))
	}

	order, err := cfg.Graph.TopologicalOrder()
	if err != nil {
		return nil, configurationError(err)
	}

	responseNode := cfg.ResponseNode
	if responseNode == "" {
		responseNode = defaultResponseNode
	}
	terminal, err := cfg.Graph.TerminalFrom(responseNode)
	if err != nil {
		return nil, configurationError(fmt.Errorf("response node: %w", err))
	}

	s := &Service{
		graph:          cfg.Graph,
		order:          order,
		responseNode:   responseNode,
		terminal:       terminal,
		dispatcher:     cfg.Dispatcher,
		assembler:      cfg.Assembler,
		validator:      cfg.Validator,
		eventBus:       cfg.EventBus,
		store:          cfg.Store,
		metrics:        cfg.Metrics,
		tracer:         otel.Tracer("github.com/aescanero/megaservice/orchestrator"),
		logger:         cfg.Logger,
		requestTimeout: cfg.RequestTimeout,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.metrics == nil {
		s.metrics = nopMetrics{}
	}
	if s.dispatcher == nil {
		s.dispatcher = NewDispatcher(DispatcherConfig{Metrics: s.metrics, Logger: s.logger})
	}
	if s.assembler == nil {
		s.assembler = NewAssembler(s.metrics)
	}
	if s.validator == nil {
		s.validator = NewValidator()
	}
	if s.requestTimeout <= 0 {
		s.requestTimeout = defaultReqTimeout
	}

	for _, node := range order {
		if !node.Remote && !s.dispatcher.HasLocalHandler(node.Name) {
			return nil, configurationError(fmt.Errorf("node %s is not remote and has no in-process handler", node.Name))
		}
	}

	s.logger.Info("orchestration graph ready",
		zap.Int("nodes", len(order)),
		zap.Int("edges", len(cfg.Graph.Edges())),
		zap.String("response_node", responseNode),
		zap.String("terminal_node", terminal))

	return s, nil
}

// Graph returns the execution graph
func (s *Service) Graph() *graph.Graph {
	return s.graph
}

// TerminalNode returns the node whose result becomes the response
func (s *Service) TerminalNode() string {
	return s.terminal
}

// ResponseNode returns the designated response-bearing node
func (s *Service) ResponseNode() string {
	return s.responseNode
}

// Nodes returns the graph's nodes in dispatch order
func (s *Service) Nodes() []graph.ServiceNode {
	return append([]graph.ServiceNode(nil), s.order...)
}

// Handle orchestrates one request. A non-nil error is always an
// *OrchestrationError; the response is nil whenever the error is not.
//
// The request ID from ctx is a caller-supplied correlation ID and may be
// shared by concurrent requests; every call gets its own execution ID.
func (s *Service) Handle(ctx context.Context, req *domain.ChatCompletionRequest) (resp *domain.ChatCompletionResponse, err error) {
	requestID := RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
		ctx = ContextWithRequestID(ctx, requestID)
	}
	ex := execution{id: uuid.New().String(), requestID: requestID, started: time.Now()}

	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()
	s.track(ex.id, cancel)
	defer s.untrack(ex.id)

	ctx, span := s.tracer.Start(ctx, "orchestrate", trace.WithAttributes(
		attribute.String("execution.id", ex.id),
		attribute.String("request.id", requestID),
	))
	defer span.End()

	var results map[string]*domain.RawNodeResult
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic during orchestration",
				zap.String("execution_id", ex.id),
				zap.String("request_id", requestID),
				zap.Any("panic", r),
				zap.Stack("stack"))
			err = fmt.Errorf("panic: %v", r)
		}

		var oe *OrchestrationError
		if err != nil {
			oe = Translate(err)
			resp, err = nil, oe
			span.RecordError(oe)
			span.SetStatus(codes.Error, string(oe.Kind))
		}
		s.finish(ctx, ex, req, results, oe)
	}()

	s.publish(ctx, ex, domain.Event{Type: domain.EventTypeRequestStarted})

	if err := s.validator.ValidateRequest(req); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("request.model", req.Model))

	payload, err := requestPayload(req)
	if err != nil {
		return nil, err
	}

	results, err = s.dispatcher.Run(ctx, s.graph, payload)
	if err != nil {
		return nil, err
	}

	raw, ok := results[s.terminal]
	if !ok {
		return nil, fmt.Errorf("no result for terminal node %s", s.terminal)
	}

	out, err := s.assembler.Assemble(raw, req.Model)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Shutdown cancels every in-flight request
func (s *Service) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down orchestration service",
		zap.Int64("in_flight", s.inflightCount.Load()))

	s.inflight.Range(func(key, value interface{}) bool {
		value.(context.CancelFunc)()
		return true
	})

	s.logger.Info("orchestration service shut down complete")
	return nil
}

// execution identifies one Handle call
type execution struct {
	id        string
	requestID string
	started   time.Time
}

func (s *Service) track(executionID string, cancel context.CancelFunc) {
	s.inflight.Store(executionID, cancel)
	s.metrics.SetInFlight(int(s.inflightCount.Add(1)))
}

func (s *Service) untrack(executionID string) {
	s.inflight.Delete(executionID)
	s.metrics.SetInFlight(int(s.inflightCount.Add(-1)))
}

// finish logs, records and publishes the outcome of a request
func (s *Service) finish(ctx context.Context, ex execution, req *domain.ChatCompletionRequest, results map[string]*domain.RawNodeResult, oe *OrchestrationError) {
	completed := time.Now()
	duration := completed.Sub(ex.started)

	record := &domain.ExecutionRecord{
		ExecutionID:  ex.id,
		RequestID:    ex.requestID,
		Outcome:      domain.OutcomeSuccess,
		HTTPStatus:   http.StatusOK,
		TerminalNode: s.terminal,
		StartedAt:    ex.started,
		CompletedAt:  completed,
	}
	if req != nil {
		record.Model = req.Model
	}
	for _, node := range s.order {
		res, ok := results[node.Name]
		if !ok {
			continue
		}
		record.Nodes = append(record.Nodes, domain.NodeTrace{
			Name:           res.NodeName,
			Status:         res.Status,
			HTTPStatus:     res.HTTPStatus,
			DurationMs:     res.Duration.Milliseconds(),
			SkippedBecause: res.SkippedBecause,
		})
	}

	if oe != nil {
		record.Outcome = string(oe.Kind)
		record.HTTPStatus = oe.Status
		s.logFailure(ex, oe, duration)
	} else {
		s.logger.Info("request orchestrated",
			zap.String("execution_id", ex.id),
			zap.String("request_id", ex.requestID),
			zap.String("model", record.Model),
			zap.Duration("duration", duration))
	}
	s.metrics.RecordRequest(record.Outcome, duration)

	// Outcome bookkeeping must survive a cancelled request context
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordSaveTimeout)
	defer cancel()

	for _, nt := range record.Nodes {
		s.publish(bg, ex, domain.Event{
			Type:     domain.EventTypeNodeCompleted,
			NodeName: nt.Name,
			Data: map[string]interface{}{
				"status":      string(nt.Status),
				"http_status": nt.HTTPStatus,
				"duration_ms": nt.DurationMs,
			},
		})
	}
	s.publish(bg, ex, domain.Event{
		Type: domain.EventTypeRequestCompleted,
		Data: map[string]interface{}{
			"outcome":     record.Outcome,
			"http_status": record.HTTPStatus,
			"duration_ms": duration.Milliseconds(),
		},
	})

	if s.store != nil {
		if err := s.store.Save(bg, record); err != nil {
			s.logger.Error("failed to save execution record",
				zap.String("execution_id", ex.id),
				zap.String("request_id", ex.requestID),
				zap.Error(err))
		}
	}
}

func (s *Service) logFailure(ex execution, oe *OrchestrationError, duration time.Duration) {
	fields := []zap.Field{
		zap.String("execution_id", ex.id),
		zap.String("request_id", ex.requestID),
		zap.String("kind", string(oe.Kind)),
		zap.Int("status", oe.Status),
		zap.Bool("retryable", oe.Retryable),
		zap.String("node", oe.Node),
		zap.Duration("duration", duration),
		zap.Error(oe.Err),
	}

	switch oe.Kind {
	case KindUpstreamMalformedResponse:
		body := oe.RawBody
		if len(body) > maxLoggedBody {
			body = body[:maxLoggedBody]
		}
		fields = append(fields, zap.ByteString("raw_body", body), zap.Int("raw_body_len", len(oe.RawBody)))
		s.logger.Error("upstream returned malformed response", fields...)
	case KindInternal, KindConfiguration:
		s.logger.Error("orchestration failed", fields...)
	default:
		s.logger.Warn("orchestration failed", fields...)
	}
}

func (s *Service) publish(ctx context.Context, ex execution, event domain.Event) {
	if s.eventBus == nil {
		return
	}
	event.ID = uuid.New().String()
	event.ExecutionID = ex.id
	event.RequestID = ex.requestID
	event.Timestamp = time.Now()

	if err := s.eventBus.Publish(ctx, domain.EventsTopic, event); err != nil {
		s.logger.Error("failed to publish event",
			zap.String("request_id", event.RequestID),
			zap.String("event_type", string(event.Type)),
			zap.Error(err))
	}
}

// requestPayload converts the request into the JSON object sent to entry nodes
func requestPayload(req *domain.ChatCompletionRequest) (map[string]interface{}, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	return payload, nil
}
