package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/loreweave/internal/reconcile"
	"github.com/MrWong99/loreweave/pkg/provider/llm/anyllm"
)

// Default values applied by [LoadFromReader] to unset fields.
const (
	DefaultListenAddr = ":8080"
	DefaultLogLevel   = LogInfo
)

// ValidProviderNames lists the provider names that ship with loreweave.
// Used by [Validate] to warn about unrecognised names. The any-llm backends
// are accepted as "anyllm:<backend>".
var ValidProviderNames = func() []string {
	names := []string{"openai", "mock"}
	for _, b := range anyllm.Backends {
		names = append(names, "anyllm:"+b)
	}
	return names
}()

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills defaults and validates
// the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills the server, store and lock selections left empty.
// Narration, extraction, matching and lifecycle defaults are applied when
// the sections are converted.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = DefaultLogLevel
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = StoreMemory
	}
	if cfg.Lock.Backend == "" {
		cfg.Lock.Backend = LockLocal
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Store
	switch cfg.Store.Backend {
	case "", StoreMemory:
	case StoreSQLite:
		if cfg.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for the sqlite backend"))
		}
	case StorePostgres:
		if cfg.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend %q is invalid; valid values: memory, sqlite, postgres", cfg.Store.Backend))
	}

	// Lock
	switch cfg.Lock.Backend {
	case "", LockLocal:
	case LockRedis:
		if cfg.Lock.Redis.Addr == "" {
			errs = append(errs, errors.New("lock.redis.addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("lock.backend %q is invalid; valid values: local, redis", cfg.Lock.Backend))
	}
	if r := cfg.Lock.Redis; r.LeaseTTL < 0 || r.RetryInterval < 0 {
		errs = append(errs, errors.New("lock.redis durations must not be negative"))
	}

	// Providers
	if cfg.Providers.Narrator.Name == "" {
		errs = append(errs, errors.New("providers.narrator.name is required"))
	}
	validateProviderName("providers.narrator", cfg.Providers.Narrator.Name)
	validateProviderName("providers.extractor", cfg.Providers.Extractor.Name)
	for i, fb := range cfg.Providers.NarratorFallbacks {
		field := fmt.Sprintf("providers.narrator_fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", field))
		}
		validateProviderName(field, fb.Name)
	}
	if b := cfg.Providers.Breaker; b.MaxFailures < 0 || b.HalfOpenMax < 0 || b.ResetTimeout < 0 {
		errs = append(errs, errors.New("providers.breaker values must not be negative"))
	}

	// Narration
	n := cfg.Narration
	if n.HistoryLimit < 0 {
		errs = append(errs, fmt.Errorf("narration.history_limit %d must not be negative", n.HistoryLimit))
	}
	if n.Timeout < 0 {
		errs = append(errs, fmt.Errorf("narration.timeout %s must not be negative", n.Timeout))
	}
	errs = append(errs, validateSampling("narration.sampling", n.Sampling)...)
	errs = append(errs, validateSampling("narration.regeneration", n.Regeneration)...)

	// Extraction
	if cfg.Extraction.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("extraction.max_tokens %d must not be negative", cfg.Extraction.MaxTokens))
	}
	if cfg.Extraction.Timeout < 0 {
		errs = append(errs, fmt.Errorf("extraction.timeout %s must not be negative", cfg.Extraction.Timeout))
	}
	if !cfg.Extraction.IsEnabled() {
		slog.Warn("extraction is disabled; the lore store will only change through the API")
	}

	// Matching and lifecycle reuse the domain validators.
	if _, err := reconcile.NewMatcher(cfg.MatchingPolicies()); err != nil {
		errs = append(errs, fmt.Errorf("matching: %w", err))
	}
	if err := cfg.LifecycleRules().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("lifecycle: %w", err))
	}

	return errors.Join(errs...)
}

func validateSampling(field string, s SamplingConfig) []error {
	var errs []error
	if t := s.Temperature; t != nil && (*t < 0 || *t > 2) {
		errs = append(errs, fmt.Errorf("%s.temperature %.2f is out of range [0, 2]", field, *t))
	}
	if p := s.TopP; p != nil && (*p <= 0 || *p > 1) {
		errs = append(errs, fmt.Errorf("%s.top_p %.2f is out of range (0, 1]", field, *p))
	}
	if s.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("%s.max_tokens %d must not be negative", field, s.MaxTokens))
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not one of
// [ValidProviderNames].
func validateProviderName(field, name string) {
	if name == "" || slices.Contains(ValidProviderNames, name) {
		return
	}
	if backend, ok := strings.CutPrefix(name, "anyllm:"); ok {
		slog.Warn("unknown any-llm backend", "field", field, "backend", backend, "known", anyllm.Backends)
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"field", field,
		"name", name,
		"known", ValidProviderNames,
	)
}
