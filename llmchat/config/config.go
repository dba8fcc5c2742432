package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	internal "github.com/ZanzyTHEbar/llmchat/llmchat"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	LLM      LLMConfig      `mapstructure:"llm"`
	Sampling SamplingConfig `mapstructure:"sampling"`
	Persona  PersonaConfig  `mapstructure:"persona"`
	Harness  HarnessConfig  `mapstructure:"harness"`
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
}

// LLMConfig stores model loading configuration.
type LLMConfig struct {
	ModelPath        string        `mapstructure:"model_path"`        // Path to the GGUF file
	ContextSize      int           `mapstructure:"context_size"`      // Context window in tokens
	GPULayers        int           `mapstructure:"gpu_layers"`        // Layers offloaded to GPU
	Threads          int           `mapstructure:"threads"`           // CPU threads per prediction
	PoolSize         int           `mapstructure:"pool_size"`         // Model instances loaded
	BorrowTimeout    time.Duration `mapstructure:"borrow_timeout"`    // Wait for a free instance
	BreakerThreshold int           `mapstructure:"breaker_threshold"` // Consecutive failures before opening
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
}

// SamplingConfig stores per-call inference parameters. Reloadable at runtime.
type SamplingConfig struct {
	Temperature   float32 `mapstructure:"temperature"`
	TopK          int     `mapstructure:"top_k"`
	TopP          float32 `mapstructure:"top_p"`
	RepeatPenalty float32 `mapstructure:"repeat_penalty"`
	RepeatLastN   int     `mapstructure:"repeat_last_n"`
	Seed          int     `mapstructure:"seed"`       // 0 = random
	MaxTokens     int     `mapstructure:"max_tokens"` // 0 = unset
}

// SeedTurn is one canned line of the persona's seed dialogue.
type SeedTurn struct {
	Speaker string `mapstructure:"speaker"`
	Text    string `mapstructure:"text"`
}

// PersonaConfig stores the prompt framing text.
type PersonaConfig struct {
	AssistantMarker string     `mapstructure:"assistant_marker"`
	UserMarker      string     `mapstructure:"user_marker"`
	Description     string     `mapstructure:"description"`
	Seed            []SeedTurn `mapstructure:"seed"`
}

// HarnessConfig stores conversation harness configuration.
type HarnessConfig struct {
	EnableTracing  bool          `mapstructure:"enable_tracing"`  // Enable structured logging/tracing
	RequestTimeout time.Duration `mapstructure:"request_timeout"` // 0 = no deadline
}

// ServerConfig stores HTTP server configuration.
type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
}

// LogConfig stores logger configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	var errs []error
	if c.LLM.PoolSize < 1 {
		errs = append(errs, fmt.Errorf("llm.pool_size must be at least 1, got %d", c.LLM.PoolSize))
	}
	if c.LLM.ContextSize < 1 {
		errs = append(errs, fmt.Errorf("llm.context_size must be positive, got %d", c.LLM.ContextSize))
	}
	if c.Sampling.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("sampling.max_tokens cannot be negative, got %d", c.Sampling.MaxTokens))
	}
	if c.Sampling.Temperature < 0 {
		errs = append(errs, fmt.Errorf("sampling.temperature cannot be negative, got %v", c.Sampling.Temperature))
	}
	if c.Sampling.TopP < 0 || c.Sampling.TopP > 1 {
		errs = append(errs, fmt.Errorf("sampling.top_p must be within [0,1], got %v", c.Sampling.TopP))
	}
	if c.Persona.UserMarker == "" || c.Persona.AssistantMarker == "" {
		errs = append(errs, errors.New("persona markers cannot be empty"))
	}
	return errors.Join(errs...)
}

// Loader owns a viper instance so separate loads never share state.
type Loader struct {
	v *viper.Viper
}

// NewLoader prepares a loader for configPath, or for the default search
// locations when configPath is empty.
func NewLoader(configPath string) *Loader {
	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("..")
		v.AddConfigPath(filepath.Join("/etc", internal.DefaultAppName))
		v.AddConfigPath(internal.DefaultConfigPath)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	setDefaults(v)

	v.SetEnvPrefix(internal.DefaultEnvPrefix)
	v.AutomaticEnv()
	// Replace dots with underscores in env var names e.g. sampling.top_k becomes LLMCHAT_SAMPLING_TOP_K
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	return &Loader{v: v}
}

func setDefaults(v *viper.Viper) {
	// Model defaults
	v.SetDefault("llm.model_path", internal.DefaultModelPath)
	v.SetDefault("llm.context_size", 2048)
	v.SetDefault("llm.gpu_layers", 0)
	v.SetDefault("llm.threads", 4)
	v.SetDefault("llm.pool_size", 1)
	v.SetDefault("llm.borrow_timeout", "5s")
	v.SetDefault("llm.breaker_threshold", 5)
	v.SetDefault("llm.breaker_cooldown", "60s")

	// Sampling defaults
	v.SetDefault("sampling.temperature", 0.80)
	v.SetDefault("sampling.top_k", 40)
	v.SetDefault("sampling.top_p", 0.95)
	v.SetDefault("sampling.repeat_penalty", 1.30)
	v.SetDefault("sampling.repeat_last_n", 64)
	v.SetDefault("sampling.seed", 0)
	v.SetDefault("sampling.max_tokens", 0)

	// Persona defaults
	v.SetDefault("persona.assistant_marker", "### Assistant")
	v.SetDefault("persona.user_marker", "### Human")
	v.SetDefault("persona.description", "A chat between a human and an assistant")
	v.SetDefault("persona.seed", []map[string]any{
		{"speaker": "assistant", "text": "Hello - How may I help you?"},
		{"speaker": "user", "text": "How can you help me?"},
		{"speaker": "assistant", "text": "I am here to provide answers to your questions"},
	})

	v.SetDefault("harness.enable_tracing", true)
	v.SetDefault("harness.request_timeout", "0s")

	v.SetDefault("server.addr", internal.DefaultListenAddr)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "0s") // replies may take minutes
	v.SetDefault("server.max_body_bytes", 1<<20)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

// Load reads the config file, if any, and decodes it over the defaults.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No file in the search path; defaults and env apply.
	}
	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// ConfigFileUsed returns the path of the file that was read, if any.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// Watch re-decodes the file on every change and hands the result to
// onChange. Decode failures are reported through onError and the previous
// configuration stays in effect. Watch needs a file to have been read.
func (l *Loader) Watch(onChange func(*Config, fsnotify.Event), onError func(error)) error {
	if l.v.ConfigFileUsed() == "" {
		return errors.New("no config file loaded, nothing to watch")
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.decode()
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(cfg, e)
	})
	l.v.WatchConfig()
	return nil
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
