package orchestrator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aescanero/megaservice/pkg/domain"
	"github.com/aescanero/megaservice/pkg/ports"
	"github.com/google/uuid"
)

const (
	// FallbackContent is the content of the choice synthesized when the
	// backend produced none
	FallbackContent = "I'm not sure how to respond to that."

	defaultObject       = "chat.completion"
	defaultRole         = "assistant"
	defaultFinishReason = "stop"
)

// DefaultUsage is the placeholder accounting used when a backend does not
// report usage. It marks a backend that needs fixing, not real token counts.
var DefaultUsage = domain.Usage{
	PromptTokens:     10,
	CompletionTokens: 15,
	TotalTokens:      25,
}

// Names passed to MetricsCollector.RecordDefaultApplied
const (
	DefaultFallbackChoice   = "fallback_choice"
	DefaultUsagePlaceholder = "default_usage"
)

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

type wireChoice struct {
	Index        *int         `json:"index" validate:"omitempty,gte=0"`
	Message      *wireMessage `json:"message"`
	FinishReason *string      `json:"finish_reason"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens" validate:"gte=0"`
	CompletionTokens int `json:"completion_tokens" validate:"gte=0"`
	TotalTokens      int `json:"total_tokens" validate:"gte=0"`
}

type wireResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []wireChoice `json:"choices"`
	Usage   *wireUsage   `json:"usage"`
}

// Assembler turns a raw node result into a canonical response
type Assembler struct {
	metrics ports.MetricsCollector
	now     func() time.Time
	newID   func() string
}

// NewAssembler creates an assembler. metrics may be nil.
func NewAssembler(metrics ports.MetricsCollector) *Assembler {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Assembler{
		metrics: metrics,
		now:     time.Now,
		newID:   func() string { return "chatcmpl-" + uuid.New().String() },
	}
}

// Assemble decodes raw into a canonical response. model fills the response
// model when the backend leaves it out. Failures are *AssemblyError.
func (a *Assembler) Assemble(raw *domain.RawNodeResult, model string) (domain.ChatCompletionResponse, error) {
	if raw == nil {
		return domain.ChatCompletionResponse{}, fmt.Errorf("no result to assemble")
	}
	if raw.Status != domain.NodeStatusOK {
		ae := &AssemblyError{
			Reason:         ReasonUpstreamFailed,
			Node:           raw.NodeName,
			UpstreamStatus: raw.Status,
			Err:            raw.Err,
		}
		// A node that was never called reports the failure it inherited
		if raw.FailedUpstream != "" {
			ae.Node = raw.FailedUpstream
			ae.UpstreamStatus = raw.UpstreamStatus
			if len(raw.UpstreamBody) > 0 {
				ae.RawBody = append([]byte(nil), raw.UpstreamBody...)
			}
		}
		return domain.ChatCompletionResponse{}, ae
	}
	if len(bytes.TrimSpace(raw.Body)) == 0 {
		return domain.ChatCompletionResponse{}, &AssemblyError{Reason: ReasonEmptyBody, Node: raw.NodeName}
	}

	wire, err := decodeResponse(raw.Body)
	if err != nil {
		return domain.ChatCompletionResponse{}, &AssemblyError{
			Reason:  ReasonDecodeError,
			Node:    raw.NodeName,
			RawBody: append([]byte(nil), raw.Body...),
			Err:     err,
		}
	}

	out := domain.ChatCompletionResponse{
		ID:      wire.ID,
		Object:  wire.Object,
		Created: wire.Created,
		Model:   wire.Model,
	}
	if out.ID == "" {
		out.ID = a.newID()
	}
	if out.Object == "" {
		out.Object = defaultObject
	}
	if out.Created == 0 {
		out.Created = a.now().Unix()
	}
	if out.Model == "" {
		out.Model = model
	}

	out.Choices = make([]domain.Choice, 0, len(wire.Choices))
	for i, wc := range wire.Choices {
		out.Choices = append(out.Choices, canonicalChoice(i, wc))
	}
	if len(out.Choices) == 0 {
		out.Choices = append(out.Choices, domain.Choice{
			Index:        0,
			Message:      domain.ChatMessage{Role: defaultRole, Content: FallbackContent},
			FinishReason: defaultFinishReason,
		})
		a.metrics.RecordDefaultApplied(DefaultFallbackChoice)
	}

	if wire.Usage != nil {
		out.Usage = domain.Usage(*wire.Usage)
	} else {
		out.Usage = DefaultUsage
		a.metrics.RecordDefaultApplied(DefaultUsagePlaceholder)
	}

	return out, nil
}

func decodeResponse(body []byte) (*wireResponse, error) {
	trimmed := bytes.TrimSpace(body)
	if trimmed[0] != '{' {
		return nil, fmt.Errorf("response is not a JSON object")
	}

	var wire wireResponse
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	if err := dec.Decode(&wire); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("unexpected data after response object")
	}

	for i := range wire.Choices {
		if err := validate.Struct(&wire.Choices[i]); err != nil {
			return nil, fmt.Errorf("invalid choice %d: %w", i, err)
		}
	}
	if wire.Usage != nil {
		if err := validate.Struct(wire.Usage); err != nil {
			return nil, fmt.Errorf("invalid usage: %w", err)
		}
	}
	return &wire, nil
}

func canonicalChoice(pos int, wc wireChoice) domain.Choice {
	c := domain.Choice{
		Index:        pos,
		Message:      domain.ChatMessage{Role: defaultRole},
		FinishReason: defaultFinishReason,
	}
	if wc.Index != nil {
		c.Index = *wc.Index
	}
	if wc.Message != nil {
		c.Message.Content = wc.Message.Content
		c.Message.Name = wc.Message.Name
		if wc.Message.Role != "" {
			c.Message.Role = wc.Message.Role
		}
	}
	if wc.FinishReason != nil && *wc.FinishReason != "" {
		c.FinishReason = *wc.FinishReason
	}
	return c
}
