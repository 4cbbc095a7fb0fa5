// Package config loads and normalizes the Edge and Worker configuration inputs
// described in spec.md §6. Both processes read a YAML file, then apply
// environment variables (including any loaded from .env) as overrides on top
// of it (the YAML file wins only for fields environment variables don't set).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EdgeConfig holds every Edge-side configuration input from spec.md §6.
type EdgeConfig struct {
	Port               int      `yaml:"port"`
	Host               string   `yaml:"host"`
	APIKey             string   `yaml:"api-key"`
	JWTSecret          string   `yaml:"jwt-secret"`
	JWTExpiresIn       Duration `yaml:"jwt-expires-in"`
	WSPath             string   `yaml:"ws-path"`
	WSPingIntervalMS   int      `yaml:"ws-ping-interval-ms"`
	EnableStreaming    bool     `yaml:"enable-streaming"`
	LogLevel           string   `yaml:"log-level"`
	LoggingToFile      bool     `yaml:"logging-to-file"`
	LogsMaxTotalSizeMB int      `yaml:"logs-max-total-size-mb"`
}

// WorkerConfig holds every Worker-side configuration input from spec.md §6.
type WorkerConfig struct {
	RemoteServerURL     string `yaml:"remote-server-url"`
	APIKey              string `yaml:"api-key"`
	ClientID            string `yaml:"client-id"`
	LMStudioHost        string `yaml:"lm-studio-host"`
	LMStudioPort        int    `yaml:"lm-studio-port"`
	HealthCheckPort     int    `yaml:"health-check-port"`
	ReconnectIntervalMS int    `yaml:"reconnect-interval"`
	LogLevel            string `yaml:"log-level"`
	LoggingToFile       bool   `yaml:"logging-to-file"`
	LogsMaxTotalSizeMB  int    `yaml:"logs-max-total-size-mb"`
}

// Duration wraps time.Duration so it can be parsed from YAML strings such as "24h".
type Duration struct{ time.Duration }

// UnmarshalYAML accepts either a bare integer (seconds) or a Go duration string.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var raw string
	if err := unmarshal(&raw); err == nil {
		raw = strings.TrimSpace(raw)
		if seconds, errInt := strconv.ParseInt(raw, 10, 64); errInt == nil {
			d.Duration = time.Duration(seconds) * time.Second
			return nil
		}
		parsed, errParse := time.ParseDuration(raw)
		if errParse != nil {
			return fmt.Errorf("config: invalid duration %q: %w", raw, errParse)
		}
		d.Duration = parsed
		return nil
	}
	var seconds int64
	if err := unmarshal(&seconds); err != nil {
		return err
	}
	d.Duration = time.Duration(seconds) * time.Second
	return nil
}

func defaultEdgeConfig() EdgeConfig {
	return EdgeConfig{
		Port:             8080,
		Host:             "0.0.0.0",
		WSPath:           "/ws",
		WSPingIntervalMS: 30000,
		EnableStreaming:  true,
		LogLevel:         "info",
		JWTExpiresIn:     Duration{24 * time.Hour},
	}
}

func defaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		LMStudioHost:        "localhost",
		LMStudioPort:        1234,
		HealthCheckPort:     3001,
		ReconnectIntervalMS: 5000,
		LogLevel:            "info",
	}
}

// LoadEdgeConfig reads path (if it exists) and layers environment overrides on top.
func LoadEdgeConfig(path string) (*EdgeConfig, error) {
	cfg := defaultEdgeConfig()
	if err := loadYAMLIfExists(path, &cfg); err != nil {
		return nil, err
	}
	applyEdgeEnvOverrides(&cfg)
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("config: API_KEY is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("config: JWT_SECRET is required")
	}
	if cfg.WSPingIntervalMS < 1000 {
		cfg.WSPingIntervalMS = 1000
	}
	if !strings.HasPrefix(cfg.WSPath, "/") {
		cfg.WSPath = "/" + cfg.WSPath
	}
	return &cfg, nil
}

// LoadWorkerConfig reads path (if it exists) and layers environment overrides on top.
func LoadWorkerConfig(path string) (*WorkerConfig, error) {
	cfg := defaultWorkerConfig()
	if err := loadYAMLIfExists(path, &cfg); err != nil {
		return nil, err
	}
	applyWorkerEnvOverrides(&cfg)
	if cfg.RemoteServerURL == "" {
		return nil, fmt.Errorf("config: REMOTE_SERVER_URL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("config: API_KEY is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("config: CLIENT_ID is required")
	}
	return &cfg, nil
}

func loadYAMLIfExists(path string, out any) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func applyEdgeEnvOverrides(cfg *EdgeConfig) {
	if v, ok := lookupEnv("PORT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v, ok := lookupEnv("HOST"); ok {
		cfg.Host = v
	}
	if v, ok := lookupEnv("API_KEY"); ok {
		cfg.APIKey = v
	}
	if v, ok := lookupEnv("JWT_SECRET"); ok {
		cfg.JWTSecret = v
	}
	if v, ok := lookupEnv("JWT_EXPIRES_IN"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.JWTExpiresIn = Duration{d}
		}
	}
	if v, ok := lookupEnv("WS_PATH"); ok {
		cfg.WSPath = v
	}
	if v, ok := lookupEnv("WS_PING_INTERVAL_MS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WSPingIntervalMS = n
		}
	}
	if v, ok := lookupEnv("ENABLE_STREAMING"); ok {
		cfg.EnableStreaming = strings.EqualFold(v, "true") || v == "1"
	}
	if v, ok := lookupEnv("LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
}

func applyWorkerEnvOverrides(cfg *WorkerConfig) {
	if v, ok := lookupEnv("REMOTE_SERVER_URL"); ok {
		cfg.RemoteServerURL = v
	}
	if v, ok := lookupEnv("API_KEY"); ok {
		cfg.APIKey = v
	}
	if v, ok := lookupEnv("CLIENT_ID"); ok {
		cfg.ClientID = v
	}
	if v, ok := lookupEnv("LM_STUDIO_HOST"); ok {
		cfg.LMStudioHost = v
	}
	if v, ok := lookupEnv("LM_STUDIO_PORT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LMStudioPort = n
		}
	}
	if v, ok := lookupEnv("HEALTH_CHECK_PORT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HealthCheckPort = n
		}
	}
	if v, ok := lookupEnv("RECONNECT_INTERVAL"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ReconnectIntervalMS = n
		}
	}
	if v, ok := lookupEnv("LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
}

func lookupEnv(key string) (string, bool) {
	if v, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(v)
		if trimmed != "" {
			return trimmed, true
		}
	}
	return "", false
}
