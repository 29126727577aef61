package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/ent0n29/convmem/internal/memory"
)

// Config contains all runtime settings for the conversation memory service.
type Config struct {
	BindAddr             string
	AdminBindAddr        string
	ShutdownTimeout      time.Duration
	SessionIdleTimeout   time.Duration
	JanitorInterval      time.Duration
	MetricsNamespace     string
	AllowAnyOrigin       bool
	LogLevel             string
	LogFormat            string
	DatabaseURL          string
	DatabaseConnectTries int
	ArchivePath          string
	MemoryTable          string
	MaxMessages          int
	ConfusionThreshold   int
	ConfusionWindow      int
	ConfusionPhrases     []string
	LongPauseThreshold   time.Duration
	PersistenceOpTimeout time.Duration
}

// LoadDotEnv loads key=value files into the environment without overriding variables
// that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:             envOrDefault("APP_BIND_ADDR", ":8080"),
		AdminBindAddr:        envOrDefault("APP_ADMIN_BIND_ADDR", "127.0.0.1:8081"),
		MetricsNamespace:     envOrDefault("APP_METRICS_NAMESPACE", "convmem"),
		LogLevel:             envOrDefault("APP_LOG_LEVEL", "info"),
		LogFormat:            envOrDefault("APP_LOG_FORMAT", "json"),
		DatabaseURL:          stringsTrimSpace("DATABASE_URL"),
		ArchivePath:          stringsTrimSpace("MEMORY_ARCHIVE_PATH"),
		MemoryTable:          envOrDefault("MEMORY_TABLE", "conversation_memory"),
		ConfusionPhrases:     listFromEnv("MEMORY_CONFUSION_PHRASES"),
		ShutdownTimeout:      15 * time.Second,
		SessionIdleTimeout:   15 * time.Minute,
		JanitorInterval:      30 * time.Second,
		DatabaseConnectTries: 5,
		MaxMessages:          20,
		ConfusionThreshold:   memory.DefaultConfusionThreshold,
		ConfusionWindow:      memory.DefaultConfusionWindowSize,
		LongPauseThreshold:   memory.DefaultLongPauseThreshold,
		PersistenceOpTimeout: 5 * time.Second,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionIdleTimeout, err = durationFromEnv("APP_SESSION_IDLE_TIMEOUT", cfg.SessionIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.JanitorInterval, err = durationFromEnv("APP_JANITOR_INTERVAL", cfg.JanitorInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.DatabaseConnectTries, err = intFromEnv("DATABASE_CONNECT_ATTEMPTS", cfg.DatabaseConnectTries)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxMessages, err = intFromEnv("MEMORY_MAX_MESSAGES", cfg.MaxMessages)
	if err != nil {
		return Config{}, err
	}
	cfg.ConfusionThreshold, err = intFromEnv("MEMORY_CONFUSION_THRESHOLD", cfg.ConfusionThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.ConfusionWindow, err = intFromEnv("MEMORY_CONFUSION_WINDOW", cfg.ConfusionWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.LongPauseThreshold, err = durationFromEnv("MEMORY_LONG_PAUSE", cfg.LongPauseThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.PersistenceOpTimeout, err = durationFromEnv("MEMORY_OP_TIMEOUT", cfg.PersistenceOpTimeout)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionIdleTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_IDLE_TIMEOUT must be at least 5s")
	}
	if cfg.JanitorInterval <= 0 {
		return Config{}, fmt.Errorf("APP_JANITOR_INTERVAL must be positive")
	}
	if cfg.DatabaseConnectTries <= 0 {
		return Config{}, fmt.Errorf("DATABASE_CONNECT_ATTEMPTS must be positive")
	}
	if cfg.PersistenceOpTimeout < 0 {
		return Config{}, fmt.Errorf("MEMORY_OP_TIMEOUT must be >= 0")
	}
	if err := cfg.StoreDefaults().Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// StoreDefaults is the per-session store configuration shared by every session.
func (c Config) StoreDefaults() memory.StoreConfig {
	return memory.StoreConfig{
		SessionID:           "defaults",
		Target:              c.MemoryTable,
		MaxMessages:         c.MaxMessages,
		ConfusionThreshold:  c.ConfusionThreshold,
		ConfusionWindowSize: c.ConfusionWindow,
		LongPauseThreshold:  c.LongPauseThreshold,
		OpTimeout:           c.PersistenceOpTimeout,
	}
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func listFromEnv(key string) []string {
	v := stringsTrimSpace(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
