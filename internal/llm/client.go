package llm

import (
	"context"
	"errors"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 1000
)

// ErrEmptyResponse is returned when a backend answers without any text.
var ErrEmptyResponse = errors.New("llm returned empty response")

type Message struct {
	Role    string
	Content string
}

// Params are the sampling knobs passed with every generation.
type Params struct {
	Temperature float64
	MaxTokens   int
}

func DefaultParams() Params {
	return Params{Temperature: DefaultTemperature, MaxTokens: DefaultMaxTokens}
}

type Response struct {
	Content          string
	Model            string
	Provider         string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type Client interface {
	Generate(ctx context.Context, messages []Message, params Params) (Response, error)
}
