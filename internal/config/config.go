package config

import (
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ClientType selects the MCP transport used to reach an MCP server.
type ClientType string

const (
	ClientTypeSSE            ClientType = "sse"
	ClientTypeStreamableHTTP ClientType = "streamable_http"
	ClientTypeStdio          ClientType = "stdio"
)

// Config holds the application configuration
type Config struct {
	LLM      LLMConfig
	Speech   SpeechConfig
	Image    ImageConfig
	Video    VideoConfig
	Server   ServerConfig
	Store    StoreConfig
	Settings SettingsConfig
	Location LocationConfig
	Log      LogConfig
}

// LLMConfig holds the LLM configuration
type LLMConfig struct {
	Provider      string `mapstructure:"provider"` // openai | gemini
	BaseURL       string `mapstructure:"base_url"`
	APIKey        string `mapstructure:"api_key"`
	FastModel     string `mapstructure:"fast_model"`
	AdvancedModel string `mapstructure:"advanced_model"`
	TitleModel    string `mapstructure:"title_model"`
	SystemPrompt  string `mapstructure:"system_prompt"`
	// ThinkingBudget is only honoured by the gemini provider for the advanced tier.
	ThinkingBudget int `mapstructure:"thinking_budget"`
}

// SpeechConfig holds the text-to-speech configuration
type SpeechConfig struct {
	Model string `mapstructure:"model"`
}

// ImageConfig holds the image generation configuration
type ImageConfig struct {
	Model string `mapstructure:"model"`
}

// VideoConfig holds the video generation configuration
type VideoConfig struct {
	Backend      string          `mapstructure:"backend"` // gemini | mcp | none
	Model        string          `mapstructure:"model"`
	PollInterval time.Duration   `mapstructure:"poll_interval"`
	MaxPolls     int             `mapstructure:"max_polls"`
	MCP          MCPServerConfig `mapstructure:"mcp"`
}

// MCPServerConfig describes how to reach an MCP server
type MCPServerConfig struct {
	Name    string            `mapstructure:"name"`
	Type    ClientType        `mapstructure:"type"`
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`
}

// ServerConfig holds the server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
}

// StoreConfig holds the persistence configuration
type StoreConfig struct {
	Path          string        `mapstructure:"path"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// SettingsConfig holds the user-facing defaults. These are live-reloaded.
type SettingsConfig struct {
	DefaultModel       string `mapstructure:"default_model"`
	Voice              string `mapstructure:"voice"`
	Units              string `mapstructure:"units"`
	ConversationalMode bool   `mapstructure:"conversational_mode"`
}

// LocationConfig stands in for device geolocation.
type LocationConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Latitude  float64       `mapstructure:"latitude"`
	Longitude float64       `mapstructure:"longitude"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// LogConfig holds logging options
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults() {
	viper.SetDefault("llm.provider", "gemini")
	viper.SetDefault("llm.api_key", "")
	viper.SetDefault("llm.base_url", "")
	viper.SetDefault("llm.fast_model", "gemini-2.5-flash")
	viper.SetDefault("llm.advanced_model", "gemini-3-pro-preview")
	viper.SetDefault("llm.title_model", "gemini-2.5-flash")
	viper.SetDefault("llm.thinking_budget", 32768)
	viper.SetDefault("speech.model", "gemini-2.5-flash-preview-tts")
	viper.SetDefault("image.model", "gemini-2.5-flash-image")
	viper.SetDefault("video.backend", "gemini")
	viper.SetDefault("video.model", "veo-3.1-fast-generate-preview")
	viper.SetDefault("video.poll_interval", 10*time.Second)
	viper.SetDefault("video.max_polls", 90)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("store.path", "weathergpt.db")
	viper.SetDefault("store.flush_interval", 250*time.Millisecond)
	viper.SetDefault("settings.default_model", "fast")
	viper.SetDefault("settings.voice", "Zephyr")
	viper.SetDefault("settings.units", "metric")
	viper.SetDefault("settings.conversational_mode", false)
	viper.SetDefault("location.timeout", 10*time.Second)
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
}

// Load loads the configuration from config.yaml, or from the file named by
// CONFIG_PATH. Environment variables prefixed with WEATHERGPT_ override file
// values (WEATHERGPT_LLM_API_KEY -> llm.api_key). A missing config file is
// not an error; defaults apply.
func Load() (*Config, error) {
	viper.Reset()
	setDefaults()

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("WEATHERGPT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	return unmarshal()
}

func unmarshal() (*Config, error) {
	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

// Watch re-reads the configuration whenever the underlying file changes and
// hands the fresh Config to onChange. Must be called after Load.
func Watch(onChange func(*Config), onError func(error)) {
	viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := unmarshal()
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(cfg)
	})
	viper.WatchConfig()
}
