// Package llm provides the chat-completion clients used to turn mailing list
// threads into FAQ entries.
package llm

import (
	"context"
	"errors"
)

// Providers accepted by faq.provider.
const (
	ProviderOpenRouter = "openrouter"
	ProviderOllama     = "ollama"
)

// ErrRateLimited is returned when the provider keeps answering 429.
var ErrRateLimited = errors.New("llm: rate limited")

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// System and User build messages with the matching role.
func System(content string) Message { return Message{Role: "system", Content: content} }
func User(content string) Message   { return Message{Role: "user", Content: content} }

// Request is a single non-streaming completion.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	// JSON asks the provider for a JSON object reply.
	JSON bool
}

// Chatter returns the assistant's reply text for a request.
type Chatter interface {
	Chat(ctx context.Context, req Request) (string, error)
}
