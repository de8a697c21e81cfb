/*
Package core provides configuration management and logging initialization
for the agentlink client.

This file handles:
- Loading configuration from the environment and an optional .env file
- Structured logging setup with configurable levels
- Pipeline tuning parameters (buffers, delays, timeouts, refresh cadence)

Environment variables take precedence over .env values, which take precedence
over the defaults below. Invalid numeric values fall back to their defaults.
*/
package core

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config holds all configurable values for the client.
type Config struct {
	// Host API
	Port string // HTTP port of the host API (default: "8080")

	// Backend connection
	BackendURL   string        // WebSocket URL of the agent runtime; empty runs offline
	BackendToken string        // Sent as a bearer header on the WebSocket handshake
	CallTimeout  time.Duration // Upper bound for one backend command (default: 60s)

	// Agent initialization
	AgentName        string // Name announced in initAgent (default: "agentlink")
	AgentDescription string // Description announced in initAgent
	LLMProvider      string // Provider forwarded to the backend (default: "openai")
	LLMModel         string // Model forwarded to the backend
	LLMAPIKey        string // API key forwarded to the backend

	// Tools
	WorkingDir     string        // Root for relative paths of the file tool (default: cwd)
	ToolTimeout    time.Duration // Per tool execution limit, 0 disables (default: 0)
	FetchCacheSize int           // Entries in the fetch tool cache (default: 64)
	FetchMaxBytes  int64         // Largest body the fetch tool reads (default: 1 MiB)

	// Pipeline
	EventBuffer   int           // Bus queue capacity (default: 256)
	PlaybackDelay time.Duration // Delay between replayed entries (default: 100ms)
	TaskRefresh   time.Duration // Task list polling interval (default: 5s)

	// Logging and debugging
	LogLevel          string // Minimum log level: debug, info, warn, error (default: "info")
	LogTruncateLength int    // Maximum length of payloads in log fields (default: 500)
	DebugMode         bool   // Log every bus event and command (default: false)
}

const defaultAgentDescription = "A helpful assistant that can use client-side tools for arithmetic, files, web pages and time."

// setDefaults registers every default on v.
func setDefaults(v *viper.Viper) {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}

	v.SetDefault("PORT", "8080")
	v.SetDefault("BACKEND_URL", "")
	v.SetDefault("BACKEND_TOKEN", "")
	v.SetDefault("CALL_TIMEOUT_SECONDS", 60)
	v.SetDefault("AGENT_NAME", "agentlink")
	v.SetDefault("AGENT_DESCRIPTION", defaultAgentDescription)
	v.SetDefault("LLM_PROVIDER", "openai")
	v.SetDefault("LLM_MODEL", "")
	v.SetDefault("LLM_API_KEY", "")
	v.SetDefault("WORKING_DIR", cwd)
	v.SetDefault("TOOL_TIMEOUT_SECONDS", 0)
	v.SetDefault("FETCH_CACHE_SIZE", 64)
	v.SetDefault("FETCH_MAX_BYTES", 1<<20)
	v.SetDefault("EVENT_BUFFER", 256)
	v.SetDefault("PLAYBACK_DELAY_MS", 100)
	v.SetDefault("TASK_REFRESH_SECONDS", 5)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_TRUNCATE_LENGTH", 500)
	v.SetDefault("DEBUG_MODE", false)
}

// LoadConfig loads configuration from a .env file (if present) and the environment.
//
// Returns:
//   - *Config: Fully populated configuration
func LoadConfig() *Config {
	return LoadConfigFrom(viper.New())
}

// LoadConfigFrom loads configuration through v, so callers can bind command
// line flags (keys are the upper-case environment names) before loading.
//
// Parameters:
//   - v: Viper instance, possibly with flags already bound
//
// Returns:
//   - *Config: Fully populated configuration
func LoadConfigFrom(v *viper.Viper) *Config {
	// A missing .env file is the normal case; real environment wins over it.
	_ = godotenv.Load()

	v.AutomaticEnv()
	setDefaults(v)

	config := &Config{
		Port:              v.GetString("PORT"),
		BackendURL:        strings.TrimSpace(v.GetString("BACKEND_URL")),
		BackendToken:      v.GetString("BACKEND_TOKEN"),
		CallTimeout:       time.Duration(intSetting(v, "CALL_TIMEOUT_SECONDS", 60, 1)) * time.Second,
		AgentName:         v.GetString("AGENT_NAME"),
		AgentDescription:  v.GetString("AGENT_DESCRIPTION"),
		LLMProvider:       v.GetString("LLM_PROVIDER"),
		LLMModel:          v.GetString("LLM_MODEL"),
		LLMAPIKey:         v.GetString("LLM_API_KEY"),
		WorkingDir:        v.GetString("WORKING_DIR"),
		ToolTimeout:       time.Duration(intSetting(v, "TOOL_TIMEOUT_SECONDS", 0, 0)) * time.Second,
		FetchCacheSize:    intSetting(v, "FETCH_CACHE_SIZE", 64, 1),
		FetchMaxBytes:     int64(intSetting(v, "FETCH_MAX_BYTES", 1<<20, 1)),
		EventBuffer:       intSetting(v, "EVENT_BUFFER", 256, 1),
		PlaybackDelay:     time.Duration(intSetting(v, "PLAYBACK_DELAY_MS", 100, 0)) * time.Millisecond,
		TaskRefresh:       time.Duration(intSetting(v, "TASK_REFRESH_SECONDS", 5, 1)) * time.Second,
		LogLevel:          v.GetString("LOG_LEVEL"),
		LogTruncateLength: intSetting(v, "LOG_TRUNCATE_LENGTH", 500, 1),
		DebugMode:         boolSetting(v, "DEBUG_MODE"),
	}

	if provider, err := NormalizeProvider(config.LLMProvider); err == nil {
		config.LLMProvider = provider
	} else {
		config.LLMProvider = defaultProvider
	}

	return config
}

// intSetting reads key as an integer no smaller than floor, falling back to def
// when the value is missing or invalid.
func intSetting(v *viper.Viper, key string, def, floor int) int {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < floor {
		return def
	}
	return n
}

func boolSetting(v *viper.Viper, key string) bool {
	raw := strings.ToLower(strings.TrimSpace(v.GetString(key)))
	return raw == "true" || raw == "1" || raw == "yes"
}

// InitializeLogger configures and returns a JSON logger at the configured level.
//
// Parameters:
//   - config: Configuration object containing logging preferences
//
// Returns:
//   - *logrus.Logger: Configured logger instance ready for use
func InitializeLogger(config *Config) *logrus.Logger {
	logger := logrus.New()

	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
	})

	switch strings.ToLower(config.LogLevel) {
	case "debug":
		logger.SetLevel(logrus.DebugLevel)
	case "info":
		logger.SetLevel(logrus.InfoLevel)
	case "warn", "warning":
		logger.SetLevel(logrus.WarnLevel)
	case "error":
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	logger.SetOutput(os.Stdout)

	// Tools log through the standard logger; keep it consistent.
	logrus.SetFormatter(logger.Formatter)
	logrus.SetLevel(logger.GetLevel())

	logger.WithFields(logrus.Fields{
		"backendURL":        config.BackendURL,
		"callTimeout":       config.CallTimeout,
		"agentName":         config.AgentName,
		"llmProvider":       config.LLMProvider,
		"llmModel":          config.LLMModel,
		"workingDir":        config.WorkingDir,
		"toolTimeout":       config.ToolTimeout,
		"eventBuffer":       config.EventBuffer,
		"playbackDelay":     config.PlaybackDelay,
		"taskRefresh":       config.TaskRefresh,
		"logTruncateLength": config.LogTruncateLength,
		"debugMode":         config.DebugMode,
	}).Info("Configuration loaded")

	return logger
}

// truncateForLog shortens text to limit runes for log fields.
func truncateForLog(text string, limit int) string {
	if limit <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "...[truncated]"
}
