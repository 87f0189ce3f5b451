package agentconfig

import (
	"maps"
	"slices"
	"time"
)

// Transport kinds understood by the tool dialer.
const (
	TransportStdio = "stdio"
	TransportSSE   = "sse"
	TransportHTTP  = "http"
)

// Setting keys with built-in defaults.
const (
	SettingDebug          = "debug"
	SettingModelID        = "model_id"
	SettingConnectTimeout = "connect_timeout"
	SettingMaxParallel    = "max_parallel_connects"
)

// ConnectionDescriptor holds everything needed to reach one MCP tool server.
// Env and header values of the form ${VAR} are resolved when the connection
// is opened, so secrets never land in the file.
type ConnectionDescriptor struct {
	Transport string            `json:"transport,omitempty" yaml:"transport,omitempty"`
	Command   string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args      []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	URL       string            `json:"url,omitempty" yaml:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Timeout   Duration          `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// IsZero reports whether the descriptor carries no way to connect.
func (d ConnectionDescriptor) IsZero() bool {
	return d.Command == "" && d.URL == ""
}

// Kind returns the transport, defaulting to stdio the way command-only
// descriptors are written by hand.
func (d ConnectionDescriptor) Kind() string {
	if d.Transport == "" {
		return TransportStdio
	}
	return d.Transport
}

// ConnectTimeout returns the descriptor's own timeout, or def when unset.
func (d ConnectionDescriptor) ConnectTimeout(def time.Duration) time.Duration {
	if d.Timeout > 0 {
		return time.Duration(d.Timeout)
	}
	return def
}

func (d ConnectionDescriptor) clone() ConnectionDescriptor {
	d.Args = slices.Clone(d.Args)
	d.Env = maps.Clone(d.Env)
	d.Headers = maps.Clone(d.Headers)
	return d
}

// ToolConfig is one addressable MCP tool server.
type ToolConfig struct {
	Name        string               `json:"name" yaml:"name"`
	Enabled     bool                 `json:"enabled" yaml:"enabled"`
	Connection  ConnectionDescriptor `json:"connection" yaml:"connection"`
	Description string               `json:"description,omitempty" yaml:"description,omitempty"`
}

// PromptConfig is a named instruction template.
type PromptConfig struct {
	Name        string `json:"name" yaml:"name"`
	Content     string `json:"content" yaml:"content"`
	Active      bool   `json:"active" yaml:"active"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Version     string `json:"version,omitempty" yaml:"version,omitempty"`
}

// Configuration is the aggregate persisted as a single JSON document.
type Configuration struct {
	Tools    map[string]ToolConfig   `json:"tools" yaml:"tools"`
	Prompts  map[string]PromptConfig `json:"prompts" yaml:"prompts"`
	Settings map[string]any          `json:"settings" yaml:"settings"`
}

// DefaultSettings returns the settings a fresh configuration starts with.
func DefaultSettings() map[string]any {
	return map[string]any{
		SettingDebug:          false,
		SettingModelID:        "openai/gpt-5",
		SettingConnectTimeout: "30s",
		SettingMaxParallel:    4,
	}
}

// Default returns an empty configuration with default settings.
func Default() *Configuration {
	return &Configuration{
		Tools:    map[string]ToolConfig{},
		Prompts:  map[string]PromptConfig{},
		Settings: DefaultSettings(),
	}
}

// Clone returns a deep copy safe to hand outside the store lock.
func (c *Configuration) Clone() *Configuration {
	out := &Configuration{
		Tools:    make(map[string]ToolConfig, len(c.Tools)),
		Prompts:  maps.Clone(c.Prompts),
		Settings: maps.Clone(c.Settings),
	}
	for name, t := range c.Tools {
		t.Connection = t.Connection.clone()
		out.Tools[name] = t
	}
	if out.Prompts == nil {
		out.Prompts = map[string]PromptConfig{}
	}
	if out.Settings == nil {
		out.Settings = map[string]any{}
	}
	return out
}

// ToolNames returns the tool names in sorted order.
func (c *Configuration) ToolNames() []string {
	return slices.Sorted(maps.Keys(c.Tools))
}

// EnabledTools returns the names of tools marked enabled.
func (c *Configuration) EnabledTools() []string {
	var names []string
	for _, name := range c.ToolNames() {
		if c.Tools[name].Enabled {
			names = append(names, name)
		}
	}
	return names
}

// normalize fills in what a hand-edited or older file may leave out.
func (c *Configuration) normalize() {
	if c.Tools == nil {
		c.Tools = map[string]ToolConfig{}
	}
	if c.Prompts == nil {
		c.Prompts = map[string]PromptConfig{}
	}
	if c.Settings == nil {
		c.Settings = map[string]any{}
	}
	for key, t := range c.Tools {
		if t.Name == "" {
			t.Name = key
			c.Tools[key] = t
		}
	}
	for key, p := range c.Prompts {
		if p.Name == "" {
			p.Name = key
			c.Prompts[key] = p
		}
	}
	for k, v := range DefaultSettings() {
		if _, ok := c.Settings[k]; !ok {
			c.Settings[k] = v
		}
	}
}

// Duration is a time.Duration that reads and writes as "30s" in JSON and YAML.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}
