package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/loreweave/internal/config"
	"github.com/MrWong99/loreweave/pkg/lore"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, fullYAML)
	if d := config.Diff(cfg, cfg); !d.Empty() {
		t.Errorf("expected empty diff, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogInfo}}
	new := &config.Config{Server: config.ServerConfig{LogLevel: config.LogDebug}}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
	}
}

func TestDiff_HotSections(t *testing.T) {
	t.Parallel()
	temp := 0.9

	tests := []struct {
		name   string
		mutate func(*config.Config)
		check  func(config.ConfigDiff) bool
	}{
		{
			name:   "narration sampling",
			mutate: func(c *config.Config) { c.Narration.Sampling.Temperature = &temp },
			check:  func(d config.ConfigDiff) bool { return d.NarrationChanged },
		},
		{
			name:   "base prompt",
			mutate: func(c *config.Config) { c.Narration.BasePrompt = "Something new." },
			check:  func(d config.ConfigDiff) bool { return d.NarrationChanged },
		},
		{
			name: "matching",
			mutate: func(c *config.Config) {
				c.Matching = map[lore.Kind]config.MatchingConfig{
					lore.KindPlace: {Algorithm: "substring"},
				}
			},
			check: func(d config.ConfigDiff) bool { return d.MatchingChanged },
		},
		{
			name: "lifecycle",
			mutate: func(c *config.Config) {
				c.Lifecycle.Promotion = map[lore.Kind]config.PromotionConfig{
					lore.KindCharacter: {Reinforcement: 4},
				}
			},
			check: func(d config.ConfigDiff) bool { return d.LifecycleChanged },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old := &config.Config{}
			new := &config.Config{}
			tt.mutate(new)
			d := config.Diff(old, new)
			if !tt.check(d) {
				t.Errorf("change not reported: %+v", d)
			}
			if len(d.RestartRequired) != 0 {
				t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
			}
		})
	}
}

func TestDiff_DefaultsSpelledOutAreNotChanges(t *testing.T) {
	t.Parallel()
	stock := 0.6
	old := &config.Config{}
	new := &config.Config{Narration: config.NarrationConfig{
		HistoryLimit: 20,
		Sampling:     config.SamplingConfig{Temperature: &stock},
	}}
	if d := config.Diff(old, new); d.NarrationChanged {
		t.Error("restating the stock sampling should not count as a change")
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old := mustLoad(t, fullYAML)
	new := mustLoad(t, fullYAML)
	new.Store.Path = "/tmp/other.db"
	new.Lock.Redis.Addr = "redis:6379"
	new.Providers.Narrator.Model = "gpt-4o-mini"
	new.Server.ListenAddr = ":1"

	d := config.Diff(old, new)
	for _, section := range []string{"server", "store", "lock", "providers"} {
		if !slices.Contains(d.RestartRequired, section) {
			t.Errorf("RestartRequired = %v, missing %q", d.RestartRequired, section)
		}
	}
	if d.NarrationChanged || d.MatchingChanged || d.LifecycleChanged {
		t.Errorf("unexpected hot changes: %+v", d)
	}
}
