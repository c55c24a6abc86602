package cfg

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Settings struct {
	Connections []ConnectionConfig

	HandshakeTimeout time.Duration
	TeardownTimeout  time.Duration
	BackoffMin       time.Duration
	BackoffMax       time.Duration
	MaxRetries       int
	RateWindow       time.Duration

	Ping       time.Duration
	StaleAfter time.Duration

	StatsInterval time.Duration

	ProbeInterval time.Duration
	RESTTimeout   time.Duration
	ProbeTargets  []ProbeTarget

	DataPath    string
	MetricsPort int
}

type ConnectionConfig struct {
	ID            string               `yaml:"id"`
	Name          string               `yaml:"name"`
	Exchange      string               `yaml:"exchange"`
	URL           string               `yaml:"url"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
}

type SubscriptionConfig struct {
	Channel string            `yaml:"channel"`
	Symbols []string          `yaml:"symbols"`
	Params  map[string]string `yaml:"params"`
}

type ProbeTarget struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

type ConfigFile struct {
	Connections []ConnectionConfig `yaml:"connections"`

	Reconnect struct {
		HandshakeTimeout string `yaml:"handshakeTimeout"`
		TeardownTimeout  string `yaml:"teardownTimeout"`
		BackoffMin       string `yaml:"backoffMin"`
		BackoffMax       string `yaml:"backoffMax"`
		MaxRetries       int    `yaml:"maxRetries"`
	} `yaml:"reconnect"`

	Statistics struct {
		RateWindow string `yaml:"rateWindow"`
		Interval   string `yaml:"interval"`
	} `yaml:"statistics"`

	Probes struct {
		Interval string        `yaml:"interval"`
		Timeout  string        `yaml:"timeout"`
		Targets  []ProbeTarget `yaml:"targets"`
	} `yaml:"probes"`

	System struct {
		DataPath     string `yaml:"dataPath"`
		PingInterval string `yaml:"pingInterval"`
		StaleAfter   string `yaml:"staleAfter"`
		MetricsPort  int    `yaml:"metricsPort"`
	} `yaml:"system"`
}

func Load() (Settings, error) {
	// Try to load from YAML file first
	if configPath := os.Getenv("CONFIG_FILE"); configPath != "" {
		return loadFromYAML(configPath)
	}

	// Fallback to environment variables
	return loadFromEnv()
}

func loadFromYAML(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config ConfigFile
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Settings{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	settings := Settings{
		Connections:      config.Connections,
		HandshakeTimeout: getDurationFromEnvOrConfig("HANDSHAKE_TIMEOUT", config.Reconnect.HandshakeTimeout, 10*time.Second),
		TeardownTimeout:  getDurationFromEnvOrConfig("TEARDOWN_TIMEOUT", config.Reconnect.TeardownTimeout, 5*time.Second),
		BackoffMin:       getDurationFromEnvOrConfig("BACKOFF_MIN", config.Reconnect.BackoffMin, time.Second),
		BackoffMax:       getDurationFromEnvOrConfig("BACKOFF_MAX", config.Reconnect.BackoffMax, 30*time.Second),
		MaxRetries:       getIntFromEnvOrConfig("MAX_RETRIES", config.Reconnect.MaxRetries, 10),
		RateWindow:       getDurationFromEnvOrConfig("RATE_WINDOW", config.Statistics.RateWindow, 10*time.Second),
		StatsInterval:    getDurationFromEnvOrConfig("STATS_INTERVAL", config.Statistics.Interval, time.Second),
		ProbeInterval:    getDurationFromEnvOrConfig("PROBE_INTERVAL", config.Probes.Interval, 30*time.Second),
		RESTTimeout:      getDurationFromEnvOrConfig("REST_TIMEOUT", config.Probes.Timeout, 5*time.Second),
		ProbeTargets:     config.Probes.Targets,
		DataPath:         getEnvOrDefault("DATA_PATH", config.System.DataPath),
		Ping:             getDurationFromEnvOrConfig("PING_INTERVAL", config.System.PingInterval, 15*time.Second),
		StaleAfter:       getDurationFromEnvOrConfig("STALE_AFTER", config.System.StaleAfter, time.Minute),
		MetricsPort:      getIntFromEnvOrConfig("METRICS_PORT", config.System.MetricsPort, 8080),
	}

	// A single feed can still come from the environment even with a file
	if len(settings.Connections) == 0 {
		settings.Connections = connectionsFromEnv()
	}

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

func loadFromEnv() (Settings, error) {
	settings := Settings{
		Connections:      connectionsFromEnv(),
		HandshakeTimeout: getDurationOrDefault("HANDSHAKE_TIMEOUT", 10*time.Second),
		TeardownTimeout:  getDurationOrDefault("TEARDOWN_TIMEOUT", 5*time.Second),
		BackoffMin:       getDurationOrDefault("BACKOFF_MIN", time.Second),
		BackoffMax:       getDurationOrDefault("BACKOFF_MAX", 30*time.Second),
		MaxRetries:       getIntOrDefault("MAX_RETRIES", 10),
		RateWindow:       getDurationOrDefault("RATE_WINDOW", 10*time.Second),
		StatsInterval:    getDurationOrDefault("STATS_INTERVAL", time.Second),
		ProbeInterval:    getDurationOrDefault("PROBE_INTERVAL", 30*time.Second),
		RESTTimeout:      getDurationOrDefault("REST_TIMEOUT", 5*time.Second),
		DataPath:         os.Getenv("DATA_PATH"), // optional
		Ping:             getDurationOrDefault("PING_INTERVAL", 15*time.Second),
		StaleAfter:       getDurationOrDefault("STALE_AFTER", time.Minute),
		MetricsPort:      getIntOrDefault("METRICS_PORT", 8080),
	}

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

// connectionsFromEnv builds a single-connection roster from WS_URL and
// SYMBOLS. Returns nil when WS_URL is unset.
func connectionsFromEnv() []ConnectionConfig {
	wsURL := os.Getenv("WS_URL")
	if wsURL == "" {
		return nil
	}

	conn := ConnectionConfig{
		ID:       getEnvOrDefault("CONNECTION_ID", "default"),
		Name:     getEnvOrDefault("CONNECTION_NAME", "default"),
		Exchange: os.Getenv("EXCHANGE"),
		URL:      wsURL,
	}
	if symbols := os.Getenv("SYMBOLS"); symbols != "" {
		conn.Subscriptions = []SubscriptionConfig{{
			Channel: getEnvOrDefault("CHANNEL", "trade"),
			Symbols: strings.Split(symbols, ","),
		}}
	}
	return []ConnectionConfig{conn}
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getIntFromEnvOrConfig(key string, configValue, defaultValue int) int {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.Atoi(env); err == nil {
			return val
		}
	}
	if configValue != 0 {
		return configValue
	}
	return defaultValue
}

func getDurationFromEnvOrConfig(key, configValue string, defaultValue time.Duration) time.Duration {
	if env := os.Getenv(key); env != "" {
		if d, err := time.ParseDuration(env); err == nil {
			return d
		}
	}
	if configValue != "" {
		if d, err := time.ParseDuration(configValue); err == nil {
			return d
		}
	}
	return defaultValue
}

// validateSettings performs comprehensive validation of configuration values
func validateSettings(settings *Settings) error {
	if len(settings.Connections) == 0 {
		return fmt.Errorf("at least one connection must be configured")
	}
	seen := make(map[string]bool, len(settings.Connections))
	for i, conn := range settings.Connections {
		if conn.URL == "" {
			return fmt.Errorf("connection %d: URL cannot be empty", i)
		}
		if conn.ID != "" && seen[conn.ID] {
			return fmt.Errorf("connection %d: duplicate id %q", i, conn.ID)
		}
		seen[conn.ID] = true
		for j, sub := range conn.Subscriptions {
			if sub.Channel == "" {
				return fmt.Errorf("connection %d subscription %d: channel cannot be empty", i, j)
			}
		}
	}

	// Validate time durations
	if settings.HandshakeTimeout < time.Second || settings.HandshakeTimeout > 5*time.Minute {
		return fmt.Errorf("handshake timeout must be between 1s and 5m, got %v", settings.HandshakeTimeout)
	}
	if settings.TeardownTimeout < 100*time.Millisecond || settings.TeardownTimeout > time.Minute {
		return fmt.Errorf("teardown timeout must be between 100ms and 1m, got %v", settings.TeardownTimeout)
	}
	if settings.BackoffMin <= 0 || settings.BackoffMax < settings.BackoffMin {
		return fmt.Errorf("backoff range must satisfy 0 < min <= max, got %v..%v", settings.BackoffMin, settings.BackoffMax)
	}
	if settings.RateWindow < time.Second || settings.RateWindow > time.Hour {
		return fmt.Errorf("rate window must be between 1s and 1h, got %v", settings.RateWindow)
	}
	if settings.Ping < time.Second || settings.Ping > 5*time.Minute {
		return fmt.Errorf("ping interval must be between 1s and 5m, got %v", settings.Ping)
	}
	if settings.RESTTimeout < time.Second || settings.RESTTimeout > time.Minute {
		return fmt.Errorf("REST timeout must be between 1s and 1m, got %v", settings.RESTTimeout)
	}

	// Validate integer values
	if settings.MaxRetries < 0 || settings.MaxRetries > 1000 {
		return fmt.Errorf("max retries must be between 0 and 1000, got %d", settings.MaxRetries)
	}
	if settings.MetricsPort < 1024 || settings.MetricsPort > 65535 {
		return fmt.Errorf("metrics port must be between 1024 and 65535, got %d", settings.MetricsPort)
	}

	return nil
}
