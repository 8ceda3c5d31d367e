package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/loreweave/internal/config"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		yaml     string
		wantErrs []string
	}{
		{
			name:     "missing narrator",
			yaml:     "server:\n  log_level: info\n",
			wantErrs: []string{"providers.narrator.name is required"},
		},
		{
			name:     "bad log level",
			yaml:     "server:\n  log_level: loud\nproviders:\n  narrator:\n    name: mock\n",
			wantErrs: []string{"server.log_level"},
		},
		{
			name:     "sqlite without path",
			yaml:     "store:\n  backend: sqlite\nproviders:\n  narrator:\n    name: mock\n",
			wantErrs: []string{"store.path is required"},
		},
		{
			name:     "postgres without dsn",
			yaml:     "store:\n  backend: postgres\nproviders:\n  narrator:\n    name: mock\n",
			wantErrs: []string{"store.dsn is required"},
		},
		{
			name:     "unknown store",
			yaml:     "store:\n  backend: mongo\nproviders:\n  narrator:\n    name: mock\n",
			wantErrs: []string{"store.backend"},
		},
		{
			name:     "redis without addr",
			yaml:     "lock:\n  backend: redis\nproviders:\n  narrator:\n    name: mock\n",
			wantErrs: []string{"lock.redis.addr is required"},
		},
		{
			name: "sampling out of range",
			yaml: `
providers:
  narrator:
    name: mock
narration:
  sampling:
    temperature: 3
  regeneration:
    top_p: 0
`,
			wantErrs: []string{"narration.sampling.temperature", "narration.regeneration.top_p"},
		},
		{
			name: "bad matching policy",
			yaml: `
providers:
  narrator:
    name: mock
matching:
  character:
    algorithm: soundex
`,
			wantErrs: []string{"matching", "soundex"},
		},
		{
			name: "decay back to candidate",
			yaml: `
providers:
  narrator:
    name: mock
lifecycle:
  decay:
    place:
      - from: active
        to: candidate
        idle_turns: 3
`,
			wantErrs: []string{"lifecycle", "not a decay"},
		},
		{
			name: "fallback without name",
			yaml: `
providers:
  narrator:
    name: mock
  narrator_fallbacks:
    - model: gpt-4o
`,
			wantErrs: []string{"narrator_fallbacks[0].name is required"},
		},
		{
			name: "errors are joined",
			yaml: `
server:
  log_level: loud
store:
  backend: postgres
`,
			wantErrs: []string{"server.log_level", "store.dsn", "providers.narrator.name"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected an error, got nil")
			}
			for _, want := range tt.wantErrs {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("error %q does not mention %q", err, want)
				}
			}
		})
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("providers:\n  narrator:\n    name: mock\n    colour: blue\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
	if !strings.Contains(err.Error(), "colour") {
		t.Errorf("error should name the field, got: %v", err)
	}
}

func TestLoadFromReader_EmptyDocument(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(""))
	if err == nil || !strings.Contains(err.Error(), "providers.narrator.name") {
		t.Errorf("empty document should only fail validation, got %v", err)
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()
		_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
		if !errors.Is(err, os.ErrNotExist) {
			t.Errorf("err = %v, want os.ErrNotExist", err)
		}
	})

	t.Run("valid file", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "loreweave.yaml")
		if err := os.WriteFile(path, []byte(fullYAML), 0o644); err != nil {
			t.Fatal(err)
		}
		cfg, err := config.Load(path)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.Providers.Narrator.Model != "gpt-4o" {
			t.Errorf("narrator model = %q", cfg.Providers.Narrator.Model)
		}
	})
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	for _, want := range []string{"openai", "mock", "anyllm:anthropic", "anyllm:ollama"} {
		found := false
		for _, n := range config.ValidProviderNames {
			if n == want {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("ValidProviderNames is missing %q", want)
		}
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.Load(filepath.Join("..", "..", "configs", "example.yaml"))
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}
	if cfg.Store.Backend != config.StoreSQLite {
		t.Errorf("store backend = %q, want sqlite", cfg.Store.Backend)
	}
	if cfg.Providers.Narrator.Name != "openai" {
		t.Errorf("narrator = %q, want openai", cfg.Providers.Narrator.Name)
	}
}
