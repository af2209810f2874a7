package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// MCP client transport types for prompt discovery.
const (
	ClientTypeStdio          = "stdio"
	ClientTypeSSE            = "sse"
	ClientTypeStreamableHTTP = "streamable_http"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendMongo  = "mongo"
)

// Config holds the application configuration
type Config struct {
	LLM    LLMConfig
	Store  StoreConfig
	Prompt PromptConfig
	Server ServerConfig
	Log    LogConfig
}

// LLMConfig holds the completion-provider configuration
type LLMConfig struct {
	Provider string `mapstructure:"provider"`
	BaseURL  string `mapstructure:"base_url"`
	APIKey   string `mapstructure:"api_key"`
	Model    string `mapstructure:"model"`
	// TokenCounter selects the counting strategy: "tiktoken" for exact BPE
	// counts, "heuristic" for models without a known encoding.
	TokenCounter string `mapstructure:"token_counter"`
}

// StoreConfig selects and configures the session store backend.
type StoreConfig struct {
	Backend  string `mapstructure:"backend"`
	Path     string `mapstructure:"path"`     // sqlite file
	URI      string `mapstructure:"uri"`      // mongo connection string
	Database string `mapstructure:"database"` // mongo database name
}

// PromptConfig selects the instruction-prompt variant for this deployment.
type PromptConfig struct {
	Variant    string            `mapstructure:"variant"`
	MCPServers []MCPServerConfig `mapstructure:"mcp_servers"`
}

// MCPServerConfig describes one MCP server queried for extra system prompts.
type MCPServerConfig struct {
	Name    string            `mapstructure:"name"`
	Type    string            `mapstructure:"type"`
	URL     string            `mapstructure:"url"`
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`
	Headers map[string]string `mapstructure:"headers"`
}

// ServerConfig holds the HTTP server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
}

// LogConfig holds the logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads the configuration from config.yaml (or the file named by the
// CONFIG_PATH env var) and validates the parts that are fatal at startup.
func Load() (*Config, error) {
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("store.backend", BackendMemory)
	viper.SetDefault("store.path", "sessions.db")
	viper.SetDefault("store.database", "semar_bot_db")
	viper.SetDefault("prompt.variant", "iot-assistant")
	viper.SetDefault("llm.token_counter", "tiktoken")
	viper.SetDefault("log.level", "info")

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// validate rejects configurations that cannot possibly serve a conversation.
// Missing credentials are a startup failure, never a runtime one.
func (c *Config) validate() error {
	if c.LLM.Model == "" {
		return fmt.Errorf("config: llm.model is required")
	}
	if c.LLM.APIKey == "" {
		return fmt.Errorf("config: llm.api_key is required")
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("config: store.path is required for the sqlite backend")
		}
	case BackendMongo:
		if c.Store.URI == "" {
			return fmt.Errorf("config: store.uri is required for the mongo backend")
		}
		if c.Store.Database == "" {
			return fmt.Errorf("config: store.database is required for the mongo backend")
		}
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	return nil
}
