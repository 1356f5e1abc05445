package domain

// ChatMessage is a single message of a conversation
type ChatMessage struct {
	Role    string `json:"role" validate:"required,oneof=system user assistant tool function developer"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// ChatCompletionRequest is the inbound completion-style request
type ChatCompletionRequest struct {
	Model            string        `json:"model" validate:"required"`
	Messages         []ChatMessage `json:"messages" validate:"required,min=1,dive"`
	Temperature      *float64      `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	TopP             *float64      `json:"top_p,omitempty" validate:"omitempty,gte=0,lte=1"`
	MaxTokens        *int          `json:"max_tokens,omitempty" validate:"omitempty,gt=0"`
	Stream           bool          `json:"stream,omitempty"`
	Stop             []string      `json:"stop,omitempty"`
	PresencePenalty  *float64      `json:"presence_penalty,omitempty" validate:"omitempty,gte=-2,lte=2"`
	FrequencyPenalty *float64      `json:"frequency_penalty,omitempty" validate:"omitempty,gte=-2,lte=2"`
	User             string        `json:"user,omitempty"`
}

// Choice is one completion entry of a response
type Choice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// Usage is the token accounting of a response
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletionResponse is the canonical response returned to callers.
// Choices is never empty and Usage is always set.
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}
