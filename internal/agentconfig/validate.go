package agentconfig

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// Validate checks the whole configuration and returns every violation it
// finds, ordered by section and name.
func Validate(cfg *Configuration) []ValidationError {
	var errs []ValidationError
	add := func(section, name, format string, args ...any) {
		errs = append(errs, ValidationError{Section: section, Name: name, Message: fmt.Sprintf(format, args...)})
	}

	seenTools := make(map[string]string)
	for _, key := range cfg.ToolNames() {
		t := cfg.Tools[key]
		if strings.TrimSpace(key) == "" {
			add("tools", key, "empty tool name")
			continue
		}
		if t.Name != key {
			add("tools", key, "name %q does not match its key", t.Name)
		}
		folded := foldName(t.Name)
		if other, ok := seenTools[folded]; ok {
			add("tools", key, "duplicate tool name (also %q)", other)
		} else {
			seenTools[folded] = key
		}
		errs = append(errs, validateDescriptor(key, t)...)
	}

	seenPrompts := make(map[string]string)
	var active []string
	for _, key := range sortedKeys(cfg.Prompts) {
		p := cfg.Prompts[key]
		if strings.TrimSpace(key) == "" {
			add("prompts", key, "empty prompt name")
			continue
		}
		if p.Name != key {
			add("prompts", key, "name %q does not match its key", p.Name)
		}
		folded := foldName(p.Name)
		if other, ok := seenPrompts[folded]; ok {
			add("prompts", key, "duplicate prompt name (also %q)", other)
		} else {
			seenPrompts[folded] = key
		}
		if p.Active {
			active = append(active, key)
		}
	}
	if len(active) > 1 {
		add("prompts", "", "%d prompts are active (%s), at most one is allowed", len(active), strings.Join(active, ", "))
	}

	if v, ok := cfg.Settings[SettingConnectTimeout]; ok {
		if d, err := cast.ToDurationE(v); err != nil || d <= 0 {
			add("settings", SettingConnectTimeout, "must be a positive duration, got %v", v)
		}
	}
	if v, ok := cfg.Settings[SettingMaxParallel]; ok {
		if n, err := cast.ToIntE(v); err != nil || n <= 0 {
			add("settings", SettingMaxParallel, "must be a positive integer, got %v", v)
		}
	}

	return errs
}

// Tool and prompt names are unique ignoring case.
func foldName(name string) string { return strings.ToLower(name) }

func findFold[V any](m map[string]V, name string) (string, bool) {
	want := foldName(name)
	for key := range m {
		if foldName(key) == want {
			return key, true
		}
	}
	return "", false
}

// FindTool returns the key of the tool whose name matches name ignoring case.
func (c *Configuration) FindTool(name string) (string, bool) {
	return findFold(c.Tools, name)
}

// FindPrompt returns the key of the prompt whose name matches name ignoring case.
func (c *Configuration) FindPrompt(name string) (string, bool) {
	return findFold(c.Prompts, name)
}

func validateDescriptor(name string, t ToolConfig) []ValidationError {
	d := t.Connection
	var errs []ValidationError
	add := func(format string, args ...any) {
		errs = append(errs, ValidationError{Section: "tools", Name: name, Message: fmt.Sprintf(format, args...)})
	}

	if d.IsZero() {
		if t.Enabled {
			add("enabled tool has an empty connection descriptor")
		}
		return errs
	}
	switch d.Kind() {
	case TransportStdio:
		if d.Command == "" {
			add("stdio transport requires a command")
		}
	case TransportSSE, TransportHTTP:
		if d.URL == "" {
			add("%s transport requires a url", d.Kind())
		}
	default:
		add("unknown transport %q", d.Transport)
	}
	if d.Timeout < 0 {
		add("timeout must not be negative")
	}
	return errs
}

// Setting helpers. Values decoded from JSON arrive as float64, bool or
// string, so every read goes through cast.

// BoolSetting returns settings[key] as a bool, or def when missing or invalid.
func (c *Configuration) BoolSetting(key string, def bool) bool {
	v, ok := c.Settings[key]
	if !ok {
		return def
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return def
	}
	return b
}

// IntSetting returns settings[key] as an int, or def when missing or invalid.
func (c *Configuration) IntSetting(key string, def int) int {
	v, ok := c.Settings[key]
	if !ok {
		return def
	}
	n, err := cast.ToIntE(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// DurationSetting returns settings[key] as a duration, or def when missing or invalid.
func (c *Configuration) DurationSetting(key string, def time.Duration) time.Duration {
	v, ok := c.Settings[key]
	if !ok {
		return def
	}
	d, err := cast.ToDurationE(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// StringSetting returns settings[key] as a string, or def when missing or empty.
func (c *Configuration) StringSetting(key, def string) string {
	s := cast.ToString(c.Settings[key])
	if s == "" {
		return def
	}
	return s
}
