package resilience

import (
	"context"

	"github.com/MrWong99/loreweave/internal/observe"
	"github.com/MrWong99/loreweave/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] on top of a [FallbackGroup]. It is
// used for both model roles: role is "narrator" or "extractor" and labels
// the provider metrics.
type LLMFallback struct {
	group   *FallbackGroup[llm.Provider]
	role    string
	metrics *observe.Metrics
}

var _ llm.Provider = (*LLMFallback)(nil)

// LLMOption configures an [LLMFallback].
type LLMOption func(*LLMFallback)

// WithRole labels metrics with the model role. Default: "narrator".
func WithRole(role string) LLMOption {
	return func(f *LLMFallback) { f.role = role }
}

// WithMetrics records a request and, on failure, an error per backend call.
func WithMetrics(m *observe.Metrics) LLMOption {
	return func(f *LLMFallback) { f.metrics = m }
}

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig, opts ...LLMOption) *LLMFallback {
	f := &LLMFallback{role: "narrator"}
	for _, o := range opts {
		o(f)
	}
	f.group = NewFallbackGroup(f.instrument(primaryName, primary), primaryName, cfg)
	return f
}

// AddFallback registers an additional backend tried after the ones already
// added.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, f.instrument(name, provider))
}

// Names lists the backends in failover order.
func (f *LLMFallback) Names() []string {
	return f.group.Names()
}

// Complete sends req to the first healthy backend.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(ctx, f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// CountTokens uses the primary's counter. Counting is local and does not
// take part in failover, so it is the primary's view of the context window
// that trims history.
func (f *LLMFallback) CountTokens(messages []llm.Message) (int, error) {
	return f.group.Primary().CountTokens(messages)
}

// Capabilities returns the primary's capabilities.
func (f *LLMFallback) Capabilities() llm.ModelCapabilities {
	return f.group.Primary().Capabilities()
}

func (f *LLMFallback) instrument(name string, p llm.Provider) llm.Provider {
	if f.metrics == nil {
		return p
	}
	return &instrumented{Provider: p, name: name, role: f.role, metrics: f.metrics}
}

// instrumented counts the Complete calls of one backend.
type instrumented struct {
	llm.Provider
	name    string
	role    string
	metrics *observe.Metrics
}

func (i *instrumented) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := i.Provider.Complete(ctx, req)
	status := "ok"
	if err != nil {
		status = "error"
		i.metrics.RecordProviderError(ctx, i.name, i.role)
	}
	i.metrics.RecordProviderRequest(ctx, i.name, i.role, status)
	return resp, err
}
