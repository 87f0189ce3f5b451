package agentconfig

import (
	"strings"
	"testing"
)

func TestValidateClean(t *testing.T) {
	if errs := Validate(Preset()); len(errs) != 0 {
		t.Fatalf("preset should validate, got %v", errs)
	}
	if errs := Validate(Default()); len(errs) != 0 {
		t.Fatalf("default should validate, got %v", errs)
	}
}

func TestValidateReportsEveryViolation(t *testing.T) {
	cfg := Default()
	cfg.Tools["empty"] = ToolConfig{Name: "empty", Enabled: true}
	cfg.Tools["mismatch"] = ToolConfig{Name: "other", Connection: ConnectionDescriptor{Command: "x"}}
	cfg.Tools["Other"] = ToolConfig{Name: "Other", Connection: ConnectionDescriptor{Command: "x"}}
	cfg.Tools["sse"] = ToolConfig{Name: "sse", Connection: ConnectionDescriptor{Transport: TransportSSE, Command: "x"}}
	cfg.Tools["weird"] = ToolConfig{Name: "weird", Connection: ConnectionDescriptor{Transport: "pigeon", URL: "x"}}
	cfg.Prompts["p1"] = PromptConfig{Name: "p1", Active: true}
	cfg.Prompts["p2"] = PromptConfig{Name: "p2", Active: true}
	cfg.Settings[SettingMaxParallel] = "lots"

	errs := Validate(cfg)

	want := []string{
		"tools.empty: enabled tool has an empty connection descriptor",
		"tools.mismatch: name \"other\" does not match its key",
		"tools.mismatch: duplicate tool name",
		"tools.sse: sse transport requires a url",
		"tools.weird: unknown transport \"pigeon\"",
		"prompts: 2 prompts are active (p1, p2)",
		"settings.max_parallel_connects: must be a positive integer",
	}
	var got []string
	for _, e := range errs {
		got = append(got, e.Error())
	}
	joined := strings.Join(got, "\n")
	for _, w := range want {
		if !strings.Contains(joined, w) {
			t.Errorf("missing violation %q in:\n%s", w, joined)
		}
	}
	if len(errs) != len(want) {
		t.Errorf("got %d violations, want %d:\n%s", len(errs), len(want), joined)
	}
}

func TestValidateDisabledToolWithoutDescriptor(t *testing.T) {
	cfg := Default()
	cfg.Tools["later"] = ToolConfig{Name: "later"}
	if errs := Validate(cfg); len(errs) != 0 {
		t.Fatalf("disabled tool without descriptor should be allowed, got %v", errs)
	}
}

func TestSettingHelpers(t *testing.T) {
	cfg := &Configuration{Settings: map[string]any{
		"flag":    "true",
		"count":   float64(8),
		"timeout": "2s",
		"bad":     "??",
	}}

	if !cfg.BoolSetting("flag", false) {
		t.Error("BoolSetting(flag) = false")
	}
	if got := cfg.IntSetting("count", 1); got != 8 {
		t.Errorf("IntSetting(count) = %d", got)
	}
	if got := cfg.DurationSetting("timeout", 0); got.String() != "2s" {
		t.Errorf("DurationSetting(timeout) = %s", got)
	}
	if got := cfg.IntSetting("bad", 3); got != 3 {
		t.Errorf("IntSetting(bad) = %d, want default", got)
	}
	if got := cfg.StringSetting("missing", "dflt"); got != "dflt" {
		t.Errorf("StringSetting(missing) = %q", got)
	}
}
