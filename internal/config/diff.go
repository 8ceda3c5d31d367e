package config

import "reflect"

// ConfigDiff describes what changed between two configs. The first group of
// fields covers settings that are applied without a restart; RestartRequired
// names the sections whose change only takes effect on the next start.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// NarrationChanged covers prompts, history limit, timeout and sampling.
	NarrationChanged bool

	MatchingChanged  bool
	LifecycleChanged bool

	RestartRequired []string
}

// Empty reports whether d carries no change at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.NarrationChanged && !d.MatchingChanged &&
		!d.LifecycleChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Conversions compare effective values, so spelling out a default is not
	// reported as a change.
	d.NarrationChanged = !reflect.DeepEqual(old.TurnConfig(), new.TurnConfig())
	d.MatchingChanged = !reflect.DeepEqual(old.MatchingPolicies(), new.MatchingPolicies())
	d.LifecycleChanged = !reflect.DeepEqual(old.LifecycleRules(), new.LifecycleRules())

	if old.Server.ListenAddr != new.Server.ListenAddr || !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Store != new.Store {
		d.RestartRequired = append(d.RestartRequired, "store")
	}
	if old.Lock != new.Lock {
		d.RestartRequired = append(d.RestartRequired, "lock")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if !reflect.DeepEqual(old.Extraction, new.Extraction) {
		d.RestartRequired = append(d.RestartRequired, "extraction")
	}
	return d
}
