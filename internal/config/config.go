// Package config resolves the process configuration from defaults, an
// optional config.yaml under the GCC base, a .env file and OPSH_/plain
// environment variables. A fsnotify-backed watch lets the log level
// change without a restart.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config is the resolved process configuration.
type Config struct {
	BasePath   string `mapstructure:"gcc_base_path"`
	SkillsPath string `mapstructure:"skills_path"`
	AgentName  string `mapstructure:"agent_name"`
	LogLevel   string `mapstructure:"log_level"`

	CommandTimeoutSeconds int `mapstructure:"command_timeout_seconds"`

	// Planner model (Ollama-compatible endpoint).
	OllamaHost           string  `mapstructure:"ollama_host"`
	OllamaModel          string  `mapstructure:"ollama_model"`
	OllamaTemperature    float64 `mapstructure:"ollama_temperature"`
	OllamaNumCtx         int     `mapstructure:"ollama_num_ctx"`
	OllamaTimeoutSeconds int     `mapstructure:"ollama_timeout_seconds"`

	// Reflex model for the fast path. Empty disables the fast path.
	ReflexModel string `mapstructure:"reflex_model"`

	EmbedModel string `mapstructure:"embed_model"`

	// Tracing keys are accepted and stored; the trace writer surfaces them.
	TraceEndpoint string `mapstructure:"trace_endpoint"`
	TraceAPIKey   string `mapstructure:"trace_api_key"`
}

// CommandTimeout returns the executor default timeout as a duration.
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutSeconds) * time.Second
}

// OllamaTimeout returns the LLM HTTP timeout as a duration.
func (c *Config) OllamaTimeout() time.Duration {
	return time.Duration(c.OllamaTimeoutSeconds) * time.Second
}

// FastPathEnabled reports whether a reflex model is configured.
func (c *Config) FastPathEnabled() bool { return c.ReflexModel != "" }

// envKeys maps the documented plain environment variables onto viper keys.
// OPSH_-prefixed variants also work via AutomaticEnv.
var envKeys = map[string]string{
	"gcc_base_path":           "GCC_BASE_PATH",
	"skills_path":             "SKILLS_PATH",
	"agent_name":              "AGENT_NAME",
	"log_level":               "LOG_LEVEL",
	"command_timeout_seconds": "COMMAND_TIMEOUT_SECONDS",
	"ollama_host":             "OLLAMA_HOST",
	"ollama_model":            "OLLAMA_MODEL",
	"ollama_temperature":      "OLLAMA_TEMPERATURE",
	"ollama_num_ctx":          "OLLAMA_NUM_CTX",
	"ollama_timeout_seconds":  "OLLAMA_TIMEOUT_SECONDS",
	"reflex_model":            "REFLEX_MODEL",
	"embed_model":             "EMBED_MODEL",
	"trace_endpoint":          "TRACE_ENDPOINT",
	"trace_api_key":           "TRACE_API_KEY",
}

func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()
	v.SetDefault("gcc_base_path", filepath.Join(home, ".opsh"))
	v.SetDefault("skills_path", "")
	v.SetDefault("agent_name", "opsh")
	v.SetDefault("log_level", "info")
	v.SetDefault("command_timeout_seconds", 120)
	v.SetDefault("ollama_host", "http://localhost:11434")
	v.SetDefault("ollama_model", "qwen2.5-coder:14b")
	v.SetDefault("ollama_temperature", 0.2)
	v.SetDefault("ollama_num_ctx", 8192)
	v.SetDefault("ollama_timeout_seconds", 180)
	v.SetDefault("reflex_model", "")
	v.SetDefault("embed_model", "nomic-embed-text")
}

// Load builds the configuration. Precedence low to high: defaults,
// config.yaml under the base path, .env file, environment variables.
func Load() (*Config, error) {
	// .env first so its values are visible as plain env to viper.
	_ = godotenv.Load(".env")

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("OPSH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envKeys {
		_ = v.BindEnv(key, "OPSH_"+env, env)
	}

	base := v.GetString("gcc_base_path")
	v.SetConfigFile(filepath.Join(base, "config.yaml"))
	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; anything else is a real failure.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %s: %w", v.ConfigFileUsed(), err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.BasePath == "" {
		return fmt.Errorf("config: gcc_base_path must not be empty")
	}
	if c.CommandTimeoutSeconds <= 0 {
		return fmt.Errorf("config: command_timeout_seconds must be positive, got %d", c.CommandTimeoutSeconds)
	}
	if c.OllamaHost == "" || c.OllamaModel == "" {
		return fmt.Errorf("config: ollama_host and ollama_model must be set")
	}
	return nil
}

// Watch observes config.yaml under the base path and invokes onLevel with
// the new log_level whenever the file changes. Returns a stop function.
// A base path without a config file watches the directory so a later
// creation is picked up.
func (c *Config) Watch(log *zap.Logger, onLevel func(string)) (func(), error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config")

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watcher: %w", err)
	}
	if err := w.Add(c.BasePath); err != nil {
		w.Close()
		return nil, fmt.Errorf("config: watch %s: %w", c.BasePath, err)
	}

	cfgFile := filepath.Join(c.BasePath, "config.yaml")
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Name != cfgFile || !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
					continue
				}
				v := viper.New()
				v.SetConfigFile(cfgFile)
				if err := v.ReadInConfig(); err != nil {
					log.Warn("config reload failed", zap.Error(err))
					continue
				}
				if lvl := v.GetString("log_level"); lvl != "" && lvl != c.LogLevel {
					c.LogLevel = lvl
					log.Info("log level changed", zap.String("level", lvl))
					onLevel(lvl)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("config watcher error", zap.Error(err))
			}
		}
	}()
	return func() { w.Close() }, nil
}
