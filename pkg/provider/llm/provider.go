// Package llm defines the Provider interface for Large Language Model backends.
//
// A provider wraps a remote or local model API (OpenAI, Anthropic, a local
// Ollama instance, ...) and exposes a uniform completion call. Loreweave uses
// the same contract for two roles: the narrator that writes the next
// assistant reply, and the extraction oracle that turns recent conversation
// into structured lore.
//
// Implementors must be safe for concurrent use.
package llm

import "context"

// Usage holds token accounting information returned by the LLM backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// At minimum Messages or SystemPrompt must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history.
	Messages []Message

	// SystemPrompt is injected before the conversation history as a
	// "system"-role message.
	SystemPrompt string

	// Temperature controls output randomness. Nil leaves the provider default
	// in place; a pointer to 0 requests greedy decoding, which is what the
	// extraction oracle needs.
	Temperature *float64

	// TopP is the nucleus sampling cutoff. Nil leaves the provider default.
	TopP *float64

	// MaxTokens caps the number of completion tokens. Zero means provider default.
	MaxTokens int

	// Stop lists sequences at which generation halts.
	Stop []string
}

// CompletionResponse is returned by Complete.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	// Returns an error if the request fails or if ctx is cancelled before
	// the completion arrives.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates the number of tokens the given messages would
	// consume in the model's context window. The turn pipeline uses it to
	// trim narrator history. The result need not be exact but should not
	// undercount.
	CountTokens(messages []Message) (int, error)

	// Capabilities returns static metadata describing the underlying model.
	Capabilities() ModelCapabilities
}

// Float returns a pointer to v. It is a convenience for the optional
// sampling fields of [CompletionRequest].
func Float(v float64) *float64 {
	return &v
}

// EstimateTokens is the shared character-based approximation used by
// providers that have no tokeniser endpoint: roughly four characters per
// token plus a fixed per-message overhead for role and formatting.
func EstimateTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += (len(m.Content) + 3) / 4
		total += 4
	}
	return total
}
