package anyllm

import (
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/loreweave/pkg/provider/llm"
)

// ── Constructor ───────────────────────────────────────────────────────────────

func TestNew_Validation(t *testing.T) {
	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("expected error for empty providerName")
	}
	if _, err := New("openai", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("fakecloud", "some-model", anyllmlib.WithAPIKey("dummy")); err == nil {
		t.Error("expected error for unsupported provider")
	}
}

func TestNew_Backends(t *testing.T) {
	tests := []struct {
		provider string
		model    string
		opts     []anyllmlib.Option
	}{
		{"openai", "gpt-4o", []anyllmlib.Option{anyllmlib.WithAPIKey("sk-test")}},
		{"anthropic", "claude-3-5-sonnet-latest", []anyllmlib.Option{anyllmlib.WithAPIKey("sk-ant-test")}},
		{"ollama", "llama3", nil},
		{"llamacpp", "llama3", nil},
	}
	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			p, err := New(tt.provider, tt.model, tt.opts...)
			if err != nil {
				t.Fatalf("New(%q): unexpected error: %v", tt.provider, err)
			}
			if p.model != tt.model {
				t.Errorf("expected model %q, got %q", tt.model, p.model)
			}
		})
	}
}

// ── buildParams ───────────────────────────────────────────────────────────────

func TestBuildParams(t *testing.T) {
	p := &Provider{model: "claude-3-5-haiku-latest"}
	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "Extract entities.",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "USER: hi"}},
		Temperature:  llm.Float(0),
		TopP:         llm.Float(0.9),
		MaxTokens:    1024,
		Stop:         []string{"\nUser:"},
	})

	if params.Model != "claude-3-5-haiku-latest" {
		t.Errorf("expected model to be forwarded, got %q", params.Model)
	}
	if len(params.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(params.Messages))
	}
	if params.Messages[0].Role != anyllmlib.RoleSystem {
		t.Errorf("expected first message to be system, got %q", params.Messages[0].Role)
	}
	if params.Temperature == nil || *params.Temperature != 0 {
		t.Errorf("expected explicit temperature 0, got %v", params.Temperature)
	}
	if params.TopP == nil || *params.TopP != 0.9 {
		t.Errorf("expected top_p 0.9, got %v", params.TopP)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 1024 {
		t.Errorf("expected max tokens 1024, got %v", params.MaxTokens)
	}
	if len(params.Stop) != 1 {
		t.Errorf("expected 1 stop sequence, got %d", len(params.Stop))
	}
}

func TestBuildParams_DefaultsOmitted(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	params := p.buildParams(llm.CompletionRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}})
	if params.Temperature != nil || params.TopP != nil || params.MaxTokens != nil {
		t.Error("expected unset sampling parameters to stay nil")
	}
}

// ── Capabilities ──────────────────────────────────────────────────────────────

func TestModelCapabilities(t *testing.T) {
	tests := []struct {
		model     string
		context   int
		maxOutput int
	}{
		{"gpt-4o-mini", 128_000, 16_384},
		{"gpt-4", 8_192, 4_096},
		{"claude-3-opus-20240229", 200_000, 4_096},
		{"claude-future-model", 200_000, 8_192},
		{"gemini-1.5-pro", 2_097_152, 8_192},
		{"gemini-2.0-flash", 1_048_576, 8_192},
		{"llama3", 8_192, 2_048},
		{"GPT-4O", 128_000, 16_384},
	}
	for _, tc := range tests {
		caps := modelCapabilities(tc.model)
		if caps.ContextWindow != tc.context || caps.MaxOutputTokens != tc.maxOutput {
			t.Errorf("modelCapabilities(%q) = %+v, want context %d output %d", tc.model, caps, tc.context, tc.maxOutput)
		}
	}
}

func TestCountTokens(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	one, err := p.CountTokens([]llm.Message{{Role: "user", Content: "Hello"}})
	if err != nil {
		t.Fatalf("CountTokens: unexpected error: %v", err)
	}
	two, _ := p.CountTokens([]llm.Message{
		{Role: "user", Content: "Hello"},
		{Role: "assistant", Content: "The innkeeper nods."},
	})
	if two <= one {
		t.Errorf("expected more tokens for two messages than one: %d <= %d", two, one)
	}
	if n, _ := p.CountTokens(nil); n != 0 {
		t.Errorf("expected 0 tokens for no messages, got %d", n)
	}
}
