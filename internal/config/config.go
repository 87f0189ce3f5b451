package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const defaultBaseURL = "https://openrouter.ai/api/v1"

type ModelConfig struct {
	Name          string `mapstructure:"name"`
	BaseURL       string `mapstructure:"base_url"`
	APIKey        string `mapstructure:"api_key"`
	MaxIterations int    `mapstructure:"max_iterations"`
}

type ServerConfig struct {
	Port        int    `mapstructure:"port"`
	MetricsPath string `mapstructure:"metrics_path"`
}

type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type TraceConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	URLPath  string `mapstructure:"url_path"`
	Insecure bool   `mapstructure:"insecure"`
}

// Config is the process-level configuration of the webagent binary. The
// tool and prompt document lives separately at ConfigFile.
type Config struct {
	ConfigFile string        `mapstructure:"config_file"`
	Watch      bool          `mapstructure:"watch"`
	Model      ModelConfig   `mapstructure:"model"`
	Server     ServerConfig  `mapstructure:"server"`
	Storage    StorageConfig `mapstructure:"storage"`
	Log        LogConfig     `mapstructure:"log"`
	Trace      TraceConfig   `mapstructure:"trace"`
}

// Load reads webagent.yaml from the working directory or $HOME/.webagent
// (both optional), WEBAGENT_* environment variables, the launcher's legacy
// variables, and any flags bound in flags (keyed by viper key).
func Load(flags map[string]*pflag.Flag) (*Config, error) {
	v := viper.New()
	v.SetConfigName("webagent")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.webagent")

	v.SetEnvPrefix("WEBAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	home, _ := os.UserHomeDir()
	v.SetDefault("config_file", "config.json")
	v.SetDefault("watch", false)
	v.SetDefault("model.base_url", defaultBaseURL)
	v.SetDefault("model.max_iterations", 10)
	v.SetDefault("server.port", 3773)
	v.SetDefault("server.metrics_path", "/metrics")
	v.SetDefault("storage.db_path", filepath.Join(home, ".webagent", "webagent.db"))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Variables the original launcher documented.
	_ = v.BindEnv("config_file", "WEBAGENT_CONFIG_FILE", "CONFIG_FILE")
	_ = v.BindEnv("model.name", "WEBAGENT_MODEL_NAME", "MODEL_NAME")
	_ = v.BindEnv("model.api_key", "WEBAGENT_MODEL_API_KEY", "OPENROUTER_API_KEY")

	for key, f := range flags {
		if f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("binding flag %s: %w", f.Name, err)
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.Model.APIKey = expandEnv(cfg.Model.APIKey)
	return &cfg, nil
}

// expandEnv resolves a whole-value ${VAR} reference.
func expandEnv(v string) string {
	if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
		return os.Getenv(v[2 : len(v)-1])
	}
	return v
}

// IsOpenRouter reports whether the model endpoint is OpenRouter.
func (m ModelConfig) IsOpenRouter() bool {
	return strings.Contains(strings.ToLower(m.BaseURL), "openrouter.ai")
}
