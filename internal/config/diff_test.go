package config_test

import (
	"strings"
	"testing"

	"github.com/domovoy-ai/domovoy/internal/config"
)

func loadValid(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("load valid config: %v", err)
	}
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	a := loadValid(t)
	b := loadValid(t)

	d := config.Diff(a, b)
	if d.LogLevelChanged || d.AssistantChanged || d.ExecutorChanged {
		t.Errorf("expected no changes, got %+v", d)
	}
	if len(d.Sections) != 0 {
		t.Errorf("expected no changed sections, got %v", d.Sections)
	}
}

func TestDiff_LogLevel(t *testing.T) {
	t.Parallel()
	a := loadValid(t)
	b := loadValid(t)
	b.Server.LogLevel = config.LogDebug

	d := config.Diff(a, b)
	if !d.LogLevelChanged {
		t.Fatal("expected LogLevelChanged")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("NewLogLevel = %q, want debug", d.NewLogLevel)
	}
	if len(d.Sections) != 1 || d.Sections[0] != "server" {
		t.Errorf("Sections = %v, want [server]", d.Sections)
	}
}

func TestDiff_ExecutorLists(t *testing.T) {
	t.Parallel()
	a := loadValid(t)
	b := loadValid(t)
	b.HomeAssistant.AllowedServices = append(b.HomeAssistant.AllowedServices, "switch.*")

	d := config.Diff(a, b)
	if !d.ExecutorChanged {
		t.Fatal("expected ExecutorChanged")
	}
}

func TestDiff_AssistantPersonality(t *testing.T) {
	t.Parallel()
	a := loadValid(t)
	b := loadValid(t)
	b.Assistant.Style = []string{"sarcastic"}

	d := config.Diff(a, b)
	if !d.AssistantChanged {
		t.Fatal("expected AssistantChanged")
	}
}

func TestDiff_NilConfigs(t *testing.T) {
	t.Parallel()
	d := config.Diff(nil, loadValid(t))
	if len(d.Sections) != 1 || d.Sections[0] != "all" {
		t.Errorf("Sections = %v, want [all]", d.Sections)
	}
}
