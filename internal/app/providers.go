package app

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/loreweave/internal/config"
	"github.com/MrWong99/loreweave/internal/observe"
	"github.com/MrWong99/loreweave/internal/resilience"
	"github.com/MrWong99/loreweave/pkg/provider/llm"
	"github.com/MrWong99/loreweave/pkg/provider/llm/anyllm"
	"github.com/MrWong99/loreweave/pkg/provider/llm/mock"
	"github.com/MrWong99/loreweave/pkg/provider/llm/openai"
)

// Providers holds the two model roles. Extractor is nil when extraction is
// disabled.
type Providers struct {
	Narrator  llm.Provider
	Extractor llm.Provider
}

// RegisterBuiltinProviders wires the provider factories that ship with
// loreweave into reg:
//
//   - "openai": the OpenAI chat completions API (or any compatible server
//     via base_url). Options: organization, timeout.
//   - "anyllm:<backend>": any backend supported by any-llm-go.
//   - "mock": a canned reply for local runs. Options: reply.
func RegisterBuiltinProviders(reg *config.Registry) {
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org, ok := entry.Options["organization"].(string); ok && org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if raw, ok := entry.Options["timeout"].(string); ok && raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return nil, fmt.Errorf("openai: options.timeout: %w", err)
			}
			opts = append(opts, openai.WithTimeout(d))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	// "anyllm:<backend>" resolves to this family factory.
	reg.RegisterLLM("anyllm", func(entry config.ProviderEntry) (llm.Provider, error) {
		backend, ok := strings.CutPrefix(entry.Name, "anyllm:")
		if !ok || backend == "" {
			return nil, fmt.Errorf("anyllm: name %q must look like anyllm:<backend>", entry.Name)
		}
		var opts []anyllmlib.Option
		if entry.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New(backend, entry.Model, opts...)
	})

	reg.RegisterLLM("mock", func(entry config.ProviderEntry) (llm.Provider, error) {
		reply, _ := entry.Options["reply"].(string)
		if reply == "" {
			reply = "The story waits for your next move."
		}
		return &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: reply}}, nil
	})
}

// BuildProviders instantiates the narrator, its fallbacks and the
// extractor. Every role is wrapped in a [resilience.LLMFallback] so it gets a
// circuit breaker and provider metrics even without fallbacks. The extractor
// reuses the narrator entry when providers.extractor is empty.
func BuildProviders(cfg *config.Config, reg *config.Registry, metrics *observe.Metrics) (*Providers, error) {
	fbCfg := cfg.Fallback()

	narrator, err := reg.CreateLLM(cfg.Providers.Narrator)
	if err != nil {
		return nil, fmt.Errorf("create narrator %q: %w", cfg.Providers.Narrator.Name, err)
	}
	nfb := resilience.NewLLMFallback(narrator, cfg.Providers.Narrator.Name, fbCfg,
		resilience.WithRole("narrator"), resilience.WithMetrics(metrics))
	for i, entry := range cfg.Providers.NarratorFallbacks {
		p, err := reg.CreateLLM(entry)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("narrator fallback not registered, skipping", "index", i, "name", entry.Name)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create narrator fallback %d %q: %w", i, entry.Name, err)
		}
		nfb.AddFallback(fmt.Sprintf("%s#%d", entry.Name, i+1), p)
	}
	slog.Info("provider created", "role", "narrator", "chain", nfb.Names())

	ps := &Providers{Narrator: nfb}
	if !cfg.Extraction.IsEnabled() {
		return ps, nil
	}

	entry := cfg.Providers.Extractor
	if entry.Name == "" {
		entry = cfg.Providers.Narrator
	}
	extractor, err := reg.CreateLLM(entry)
	if err != nil {
		return nil, fmt.Errorf("create extractor %q: %w", entry.Name, err)
	}
	ps.Extractor = resilience.NewLLMFallback(extractor, entry.Name, fbCfg,
		resilience.WithRole("extractor"), resilience.WithMetrics(metrics))
	slog.Info("provider created", "role", "extractor", "name", entry.Name)
	return ps, nil
}
