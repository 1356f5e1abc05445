package orchestrator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/aescanero/megaservice/pkg/domain"
	"github.com/aescanero/megaservice/pkg/domain/graph"
	"github.com/aescanero/megaservice/pkg/ports"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	chunkSize           = 4 * 1024
	defaultMaxBodyBytes = 16 << 20
	defaultNodeTimeout  = 120 * time.Second
)

var errBodyTooLarge = errors.New("response body exceeds size limit")

// LocalHandler serves a non-remote node in process. It receives the merged
// JSON payload and returns the node's response body.
type LocalHandler func(ctx context.Context, payload []byte) ([]byte, error)

// DispatcherConfig holds dispatcher configuration
type DispatcherConfig struct {
	Client *http.Client

	// NodeTimeout bounds every node call, including streamed body reads
	NodeTimeout time.Duration

	// MaxConcurrency bounds the number of nodes dispatched at once; 0 means no limit
	MaxConcurrency int

	MaxBodyBytes  int64
	LocalHandlers map[string]LocalHandler
	Metrics       ports.MetricsCollector
	Logger        *zap.Logger
}

// Dispatcher walks a graph in dependency order and invokes every node
type Dispatcher struct {
	client         *http.Client
	nodeTimeout    time.Duration
	maxConcurrency int
	maxBodyBytes   int64
	locals         map[string]LocalHandler
	metrics        ports.MetricsCollector
	tracer         trace.Tracer
	logger         *zap.Logger
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	d := &Dispatcher{
		client:         cfg.Client,
		nodeTimeout:    cfg.NodeTimeout,
		maxConcurrency: cfg.MaxConcurrency,
		maxBodyBytes:   cfg.MaxBodyBytes,
		locals:         cfg.LocalHandlers,
		metrics:        cfg.Metrics,
		tracer:         otel.Tracer("github.com/aescanero/megaservice/orchestrator"),
		logger:         cfg.Logger,
	}
	if d.client == nil {
		d.client = &http.Client{}
	}
	if d.nodeTimeout <= 0 {
		d.nodeTimeout = defaultNodeTimeout
	}
	if d.maxBodyBytes <= 0 {
		d.maxBodyBytes = defaultMaxBodyBytes
	}
	if d.metrics == nil {
		d.metrics = nopMetrics{}
	}
	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	return d
}

// HasLocalHandler reports whether an in-process handler serves the node
func (d *Dispatcher) HasLocalHandler(name string) bool {
	_, ok := d.locals[name]
	return ok
}

// Run dispatches request through g and returns one result per node.
// Node failures are reported as result statuses, never as an error; the
// error return is reserved for a graph that cannot be ordered.
func (d *Dispatcher) Run(ctx context.Context, g *graph.Graph, request map[string]interface{}) (map[string]*domain.RawNodeResult, error) {
	order, err := g.TopologicalOrder()
	if err != nil {
		return nil, err
	}

	base, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	var mu sync.Mutex
	results := make(map[string]*domain.RawNodeResult, len(order))
	done := make(map[string]chan struct{}, len(order))
	for _, n := range order {
		done[n.Name] = make(chan struct{})
	}

	eg := new(errgroup.Group)
	if d.maxConcurrency > 0 {
		eg.SetLimit(d.maxConcurrency)
	}

	// Nodes are started in topological order, so every predecessor a
	// goroutine waits on has already been started.
	for _, node := range order {
		eg.Go(func() error {
			defer close(done[node.Name])

			preds := g.Predecessors(node.Name)
			upstream := make([]*domain.RawNodeResult, 0, len(preds))
			for _, p := range preds {
				<-done[p]
				mu.Lock()
				upstream = append(upstream, results[p])
				mu.Unlock()
			}

			res := d.runNode(ctx, node, base, upstream)

			mu.Lock()
			results[node.Name] = res
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()

	return results, nil
}

// runNode builds the node payload from its upstream results and invokes it
func (d *Dispatcher) runNode(ctx context.Context, node graph.ServiceNode, base []byte, upstream []*domain.RawNodeResult) *domain.RawNodeResult {
	for _, up := range upstream {
		if !up.OK() {
			res := &domain.RawNodeResult{
				NodeName:       node.Name,
				Status:         domain.NodeStatusTransportError,
				Err:            fmt.Errorf("upstream node %s failed: %s", up.NodeName, up.Status),
				SkippedBecause: up.NodeName,
				FailedUpstream: up.NodeName,
				UpstreamStatus: up.Status,
			}
			// Keep pointing at the node the failure started from
			if up.FailedUpstream != "" {
				res.FailedUpstream = up.FailedUpstream
				res.UpstreamStatus = up.UpstreamStatus
				res.UpstreamBody = up.UpstreamBody
			}
			d.logger.Warn("skipping node after upstream failure",
				zap.String("node", node.Name),
				zap.String("upstream", up.NodeName),
				zap.String("upstream_status", string(up.Status)),
				zap.String("failed_upstream", res.FailedUpstream))
			d.metrics.RecordNode(node.Name, string(node.Role), res.Status, 0)
			return res
		}
	}

	payload, culprit, status, err := mergePayload(base, upstream)
	if err != nil {
		res := &domain.RawNodeResult{NodeName: node.Name, Status: status, Err: err}
		if culprit != nil {
			res.SkippedBecause = culprit.NodeName
			res.FailedUpstream = culprit.NodeName
			res.UpstreamStatus = status
			res.UpstreamBody = culprit.Body
		}
		d.logger.Warn("cannot build node payload",
			zap.String("node", node.Name),
			zap.String("failed_upstream", res.FailedUpstream),
			zap.Error(err))
		d.metrics.RecordNode(node.Name, string(node.Role), res.Status, 0)
		return res
	}

	ctx, span := d.tracer.Start(ctx, "node "+node.Name, trace.WithAttributes(
		attribute.String("node.name", node.Name),
		attribute.String("node.role", string(node.Role)),
		attribute.Bool("node.remote", node.Remote),
	))
	defer span.End()

	start := time.Now()
	var res *domain.RawNodeResult
	if node.Remote {
		res = d.invokeRemote(ctx, node, payload)
	} else {
		res = d.invokeLocal(ctx, node, payload)
	}
	res.NodeName = node.Name
	res.Duration = time.Since(start)

	span.SetAttributes(attribute.String("node.status", string(res.Status)))
	if res.HTTPStatus != 0 {
		span.SetAttributes(attribute.Int("http.status_code", res.HTTPStatus))
	}
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, string(res.Status))
	}

	d.metrics.RecordNode(node.Name, string(node.Role), res.Status, res.Duration)
	d.logger.Debug("node dispatched",
		zap.String("node", node.Name),
		zap.String("status", string(res.Status)),
		zap.Int("http_status", res.HTTPStatus),
		zap.Int("bytes", len(res.Body)),
		zap.Duration("duration", res.Duration))

	return res
}

// mergePayload overlays the decoded output of every upstream node on the
// request. Upstream results arrive sorted by node name; later ones win.
// On failure the upstream whose output could not be used is returned.
func mergePayload(base []byte, upstream []*domain.RawNodeResult) ([]byte, *domain.RawNodeResult, domain.NodeStatus, error) {
	if len(upstream) == 0 {
		return base, nil, domain.NodeStatusOK, nil
	}

	merged := make(map[string]json.RawMessage)
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, nil, domain.NodeStatusDecodeError, fmt.Errorf("failed to decode request payload: %w", err)
	}

	for _, up := range upstream {
		body := bytes.TrimSpace(up.Body)
		if len(body) == 0 {
			return nil, up, domain.NodeStatusEmptyBody, fmt.Errorf("upstream node %s returned an empty body", up.NodeName)
		}
		var out map[string]json.RawMessage
		if body[0] != '{' {
			return nil, up, domain.NodeStatusDecodeError, fmt.Errorf("upstream node %s output is not a JSON object", up.NodeName)
		}
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, up, domain.NodeStatusDecodeError, fmt.Errorf("failed to decode output of upstream node %s: %w", up.NodeName, err)
		}
		for k, v := range out {
			merged[k] = v
		}
	}

	payload, err := json.Marshal(merged)
	if err != nil {
		return nil, nil, domain.NodeStatusDecodeError, fmt.Errorf("failed to encode payload: %w", err)
	}
	return payload, nil, domain.NodeStatusOK, nil
}

// invokeRemote POSTs the payload to the node and reads the whole body
func (d *Dispatcher) invokeRemote(ctx context.Context, node graph.ServiceNode, payload []byte) *domain.RawNodeResult {
	ctx, cancel := context.WithTimeout(ctx, d.nodeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, node.URL(), bytes.NewReader(payload))
	if err != nil {
		return &domain.RawNodeResult{Status: domain.NodeStatusTransportError, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if node.Streaming {
		req.Header.Set("Accept", "text/event-stream, application/json")
	} else {
		req.Header.Set("Accept", "application/json")
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := d.client.Do(req)
	if err != nil {
		return &domain.RawNodeResult{Status: classify(ctx, err), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, chunkSize))
		return &domain.RawNodeResult{
			Status:     domain.NodeStatusTransportError,
			HTTPStatus: resp.StatusCode,
			Err:        fmt.Errorf("node %s responded with HTTP %d", node.Name, resp.StatusCode),
		}
	}

	var body []byte
	if node.Streaming {
		body, err = readChunks(resp.Body, d.maxBodyBytes)
		if err == nil && isEventStream(resp.Header.Get("Content-Type")) {
			body = eventStreamData(body)
		}
	} else {
		body, err = readAll(resp.Body, d.maxBodyBytes)
	}
	if err != nil {
		return &domain.RawNodeResult{Status: classify(ctx, err), HTTPStatus: resp.StatusCode, Err: err}
	}

	return &domain.RawNodeResult{Status: domain.NodeStatusOK, Body: body, HTTPStatus: resp.StatusCode}
}

// invokeLocal runs an in-process node handler under the node deadline
func (d *Dispatcher) invokeLocal(ctx context.Context, node graph.ServiceNode, payload []byte) *domain.RawNodeResult {
	handler, ok := d.locals[node.Name]
	if !ok {
		return &domain.RawNodeResult{
			Status: domain.NodeStatusTransportError,
			Err:    fmt.Errorf("no in-process handler for node %s", node.Name),
		}
	}

	ctx, cancel := context.WithTimeout(ctx, d.nodeTimeout)
	defer cancel()

	type reply struct {
		body []byte
		err  error
	}
	ch := make(chan reply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- reply{err: fmt.Errorf("in-process handler panicked: %v", r)}
			}
		}()
		body, err := handler(ctx, payload)
		ch <- reply{body: body, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return &domain.RawNodeResult{Status: classify(ctx, r.err), Err: r.err}
		}
		return &domain.RawNodeResult{Status: domain.NodeStatusOK, Body: r.body}
	case <-ctx.Done():
		return &domain.RawNodeResult{Status: classify(ctx, ctx.Err()), Err: ctx.Err()}
	}
}

// readChunks reads a streamed body chunk by chunk until EOF
func readChunks(r io.Reader, limit int64) ([]byte, error) {
	var buf bytes.Buffer
	chunk := make([]byte, chunkSize)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			if int64(buf.Len()+n) > limit {
				return nil, errBodyTooLarge
			}
			buf.Write(chunk[:n])
		}
		if err == io.EOF {
			return buf.Bytes(), nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func readAll(r io.Reader, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, errBodyTooLarge
	}
	return body, nil
}

func isEventStream(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "text/event-stream"
}

// eventStreamData concatenates the data fields of a server-sent event stream
func eventStreamData(raw []byte) []byte {
	var out bytes.Buffer
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, chunkSize), len(raw)+1)
	for scanner.Scan() {
		line := scanner.Bytes()
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		data := bytes.TrimSpace(line[len("data:"):])
		if bytes.Equal(data, []byte("[DONE]")) {
			continue
		}
		out.Write(data)
	}
	return out.Bytes()
}

// classify maps a call failure to timeout or transport_error
func classify(ctx context.Context, err error) domain.NodeStatus {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.NodeStatusTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.NodeStatusTimeout
	}
	return domain.NodeStatusTransportError
}
