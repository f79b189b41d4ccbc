// Package llm provides the live model providers behind the generative
// specialists. Specialists ask for a single JSON completion; there is
// no streaming or tool calling.
package llm

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/nugget/planwright/internal/fault"
)

// Client is the interface that all LLM providers must implement.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	Chat(ctx context.Context, model string, messages []Message, opts Options) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}

// Message represents a chat message for the LLM.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// Options are per-request model parameters.
type Options struct {
	// JSON asks the provider to constrain output to a JSON object when
	// it supports doing so.
	JSON        bool
	Temperature float64
	MaxTokens   int
}

// ChatResponse is the unified response from any LLM provider.
type ChatResponse struct {
	Model   string
	Message Message

	// Token usage (provider-neutral)
	InputTokens  int
	OutputTokens int

	// TotalDuration is populated when the provider reports it.
	TotalDuration time.Duration
}

// System builds a system message.
func System(content string) Message { return Message{Role: "system", Content: content} }

// User builds a user message.
func User(content string) Message { return Message{Role: "user", Content: content} }

// statusError classifies an HTTP error response. Rate limiting and
// server errors are transient; other client errors are not worth
// repeating.
func statusError(provider string, status int, body string) error {
	base := fault.ErrInvalid
	if status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500 {
		base = fault.ErrTransient
	}
	return fmt.Errorf("%s API error %d: %w: %s", provider, status, base, body)
}

// transportError marks a failed round trip as transient unless the
// context itself ended.
func transportError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("request failed: %w", ctx.Err())
	}
	return fmt.Errorf("request failed: %w: %w", fault.ErrTransient, err)
}
