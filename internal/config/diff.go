package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked explicitly; the
// rest is reported as changed sections so the app can log what a reload
// touched even when it requires a restart to take effect.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// AssistantChanged is set when the name, language, or style changed.
	// System prompts pick up the new values on the next session or pipeline run.
	AssistantChanged bool

	// ExecutorChanged is set when the allow-list or confirmation list changed.
	// The executor re-reads both lists per run, so this applies live.
	ExecutorChanged bool

	// Sections lists every top-level section whose content differs.
	Sections []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}
	if old == nil || new == nil {
		d.Sections = []string{"all"}
		return d
	}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if !reflect.DeepEqual(old.Assistant, new.Assistant) {
		d.AssistantChanged = true
	}
	if !reflect.DeepEqual(old.HomeAssistant.AllowedServices, new.HomeAssistant.AllowedServices) ||
		!reflect.DeepEqual(old.HomeAssistant.RequireConfirmationServices, new.HomeAssistant.RequireConfirmationServices) {
		d.ExecutorChanged = true
	}

	sections := []struct {
		name     string
		old, new any
	}{
		{"server", old.Server, new.Server},
		{"providers", old.Providers, new.Providers},
		{"homeassistant", old.HomeAssistant, new.HomeAssistant},
		{"search", old.Search, new.Search},
		{"habr", old.Habr, new.Habr},
		{"telegram", old.Telegram, new.Telegram},
		{"memory", old.Memory, new.Memory},
		{"limits", old.Limits, new.Limits},
		{"assistant", old.Assistant, new.Assistant},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			d.Sections = append(d.Sections, s.name)
		}
	}
	return d
}

// ChangedSections is a convenience wrapper around [Diff] returning only the
// changed section names. Used by the watcher's reload log line.
func ChangedSections(old, new *Config) []string {
	return Diff(old, new).Sections
}
