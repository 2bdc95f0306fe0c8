// Package llm defines the Provider interface for Large Language Model backends.
//
// An LLM provider wraps a local model server (an OpenAI-compatible endpoint,
// Ollama, llama.cpp, llamafile) and exposes a uniform request/response
// interface to the interpretation orchestrator without coupling it to any
// specific SDK. Only on-device or LAN inference backends are wired: audio
// derived text never leaves the local network.
//
// Implementors must be safe for concurrent use.
package llm

import (
	"context"

	"github.com/MrWong99/earmark/pkg/types"
)

// Usage holds token accounting information returned by the LLM backend.
type Usage struct {
	// PromptTokens is the number of tokens consumed by the input messages and
	// system prompt.
	PromptTokens int

	// CompletionTokens is the number of tokens generated in the response.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens.
	TotalTokens int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation. The last message is typically
	// from the "user" role and drives the response.
	Messages []types.Message

	// Temperature controls output randomness in the range [0.0, 2.0]. A value
	// of 0.0 typically requests greedy decoding.
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero means use the
	// provider default.
	MaxTokens int

	// SystemPrompt is an optional instruction injected before Messages. If the
	// provider has no dedicated system field it is prepended as a "system"-role
	// message.
	SystemPrompt string

	// JSONMode asks the backend to constrain output to a single JSON object
	// when it supports doing so. Callers must still validate the response.
	JSONMode bool
}

// CompletionResponse is returned by Complete.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any LLM backend.
//
// Implementations must propagate context cancellation promptly: when ctx is
// cancelled the method must return as quickly as possible.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// ModelID returns the model identifier requests are sent to. It is part of
	// the version snapshot bound to each session.
	ModelID() string
}
