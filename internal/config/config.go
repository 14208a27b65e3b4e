package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type Config struct {
	Host           string
	Port           int
	StaticDir      string
	ConfigDir      string
	ClaudeRoot     string
	CommandTimeout time.Duration

	HeartbeatInterval time.Duration
	SettingsDebounce  time.Duration
	RescanInterval    time.Duration
}

func DefaultConfig() Config {
	return Config{
		Host:              envOr("HOST", "localhost"),
		Port:              envIntOr("PORT", 3002),
		StaticDir:         os.Getenv("STATIC_DIR"),
		ConfigDir:         defaultConfigDir(),
		ClaudeRoot:        defaultClaudeRoot(),
		CommandTimeout:    5 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		SettingsDebounce:  300 * time.Millisecond,
		RescanInterval:    5 * time.Minute,
	}
}

func (c Config) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

func (c Config) SettingsFile() string {
	return filepath.Join(c.ConfigDir, "settings.json")
}

func (c Config) DefaultsFile() string {
	return filepath.Join(c.ConfigDir, "defaults.jsonc")
}

func (c Config) OrderFile() string {
	return filepath.Join(c.ConfigDir, "session-order.json")
}

func (c Config) HistoryFile() string {
	return filepath.Join(c.ConfigDir, "history.json")
}

func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".muxtunnel"
	}
	return filepath.Join(home, ".muxtunnel")
}

func defaultClaudeRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".claude", "projects")
	}
	return filepath.Join(home, ".claude", "projects")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
