package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Accounts   AccountsConfig   `yaml:"accounts"`
	Storage    StorageConfig    `yaml:"storage"`
	ChannelAPI ChannelAPIConfig `yaml:"channel_api"`
	Upload     UploadConfig     `yaml:"upload"`
	Monitor    MonitorConfig    `yaml:"monitor"`
}

type ServerConfig struct {
	Port     int    `yaml:"port" validate:"min=1,max=65535"`
	Host     string `yaml:"host" validate:"required"`
	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`
}

type AccountsConfig struct {
	Dir string `yaml:"dir" validate:"required"`
}

type StorageConfig struct {
	Driver string `yaml:"driver" validate:"oneof=sqlite3 postgres"`
	DSN    string `yaml:"dsn" validate:"required"`
}

type ChannelAPIConfig struct {
	BaseURL        string `yaml:"base_url" validate:"required,url"`
	Token          string `yaml:"token"`
	UserID         string `yaml:"user_id"`
	SearchPath     string `yaml:"search_path" validate:"required,startswith=/"`
	SearchParams   string `yaml:"search_params"`
	TimeoutSeconds int    `yaml:"timeout_seconds" validate:"min=1"`
}

type UploadConfig struct {
	Path           string         `yaml:"path" validate:"required,startswith=/"`
	MaxAttempts    int            `yaml:"max_attempts" validate:"min=1,max=10"`
	RetryDelayMs   int            `yaml:"retry_delay_ms" validate:"min=0"`
	TimeoutSeconds int            `yaml:"timeout_seconds" validate:"min=1"`
	Concurrency    int            `yaml:"concurrency" validate:"min=1,max=64"`
	Template       map[string]any `yaml:"template"`
}

type MonitorConfig struct {
	MinChannels         int  `yaml:"min_channels" validate:"min=0,ltefield=TargetChannels"`
	TargetChannels      int  `yaml:"target_channels" validate:"min=1"`
	IntervalSeconds     int  `yaml:"interval_seconds" validate:"min=1"`
	ErrorBackoffSeconds int  `yaml:"error_backoff_seconds" validate:"min=1"`
	Watch               bool `yaml:"watch"`
	DebounceMs          int  `yaml:"debounce_ms" validate:"min=0"`
}

// Interval returns the pause between scheduled cycles
func (m MonitorConfig) Interval() time.Duration {
	return time.Duration(m.IntervalSeconds) * time.Second
}

// ErrorBackoff returns the pause after a failed cycle
func (m MonitorConfig) ErrorBackoff() time.Duration {
	return time.Duration(m.ErrorBackoffSeconds) * time.Second
}

// Debounce returns how long the pool watcher waits before triggering
func (m MonitorConfig) Debounce() time.Duration {
	return time.Duration(m.DebounceMs) * time.Millisecond
}

// RetryDelay returns the pause between upload attempts
func (u UploadConfig) RetryDelay() time.Duration {
	return time.Duration(u.RetryDelayMs) * time.Millisecond
}

// Timeout returns the per-attempt upload timeout
func (u UploadConfig) Timeout() time.Duration {
	return time.Duration(u.TimeoutSeconds) * time.Second
}

// Timeout returns the channel status request timeout
func (c ChannelAPIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// DefaultTemplate returns the fixed channel fields sent with every upload
func DefaultTemplate() map[string]any {
	return map[string]any{
		"type":                41,
		"openai_organization": "",
		"max_input_tokens":    0,
		"base_url":            "",
		"other":               "{\n  \"default\": \"us-central1\",\n  \"gemini-2.5-flash-lite-preview-06-17\": \"global\",\n  \"gemini-2.5-pro-exp-03-25\": \"global\",\n  \"gemini-2.5-pro-preview-06-05\": \"global\"\n}",
		"model_mapping":       "",
		"status_code_mapping": "",
		"models":              "gemini-2.5-pro-exp-03-25,gemini-2.0-flash-001,gemini-2.5-flash-preview-04-17,gemini-2.5-flash-preview-05-20,gemini-2.5-pro-preview-03-25,gemini-2.5-pro-preview-05-06,gemini-2.5-pro-preview-06-05,gemini-2.5-flash,gemini-2.5-flash-lite-preview-06-17,gemini-2.5-pro",
		"auto_ban":            1,
		"test_model":          "gemini-2.5-pro",
		"groups":              []any{"default", "vip", "svip"},
		"priority":            1,
		"weight":              1,
		"tag":                 "Vertex-vip",
		"group":               "default,vip,svip",
	}
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     5000,
			Host:     "0.0.0.0",
			LogLevel: "info",
		},
		Accounts: AccountsConfig{
			Dir: "./accounts",
		},
		Storage: StorageConfig{
			Driver: "sqlite3",
			DSN:    "./data/poolkeeper.db",
		},
		ChannelAPI: ChannelAPIConfig{
			BaseURL:        "http://localhost:3000",
			UserID:         "1",
			SearchPath:     "/api/channel/search",
			SearchParams:   "keyword=&group=svip&model=&id_sort=true&tag_mode=false",
			TimeoutSeconds: 30,
		},
		Upload: UploadConfig{
			Path:           "/api/channel/",
			MaxAttempts:    3,
			RetryDelayMs:   1000,
			TimeoutSeconds: 15,
			Concurrency:    5,
			Template:       DefaultTemplate(),
		},
		Monitor: MonitorConfig{
			MinChannels:         10,
			TargetChannels:      15,
			IntervalSeconds:     300,
			ErrorBackoffSeconds: 60,
			Watch:               false,
			DebounceMs:          2000,
		},
	}
}

// Load reads the YAML file at path when it exists, otherwise it builds the
// configuration from the environment. The result is validated.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) || path == "":
		if err := applyEnv(cfg, os.LookupEnv); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if len(cfg.Upload.Template) == 0 {
		cfg.Upload.Template = DefaultTemplate()
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves configuration to file
func Save(path string, c *Config) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

var validate = validator.New()

// Validate checks field constraints
func Validate(c *Config) error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

type lookupFunc func(key string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	strs := map[string]*string{
		"NEW_API_BASE_URL":      &cfg.ChannelAPI.BaseURL,
		"NEW_API_TOKEN":         &cfg.ChannelAPI.Token,
		"NEW_API_USER":          &cfg.ChannelAPI.UserID,
		"NEW_API_SEARCH_PATH":   &cfg.ChannelAPI.SearchPath,
		"NEW_API_SEARCH_PARAMS": &cfg.ChannelAPI.SearchParams,
		"DB_DRIVER":             &cfg.Storage.Driver,
		"DB_DSN":                &cfg.Storage.DSN,
		"ACCOUNTS_DIR":          &cfg.Accounts.Dir,
		"WEB_HOST":              &cfg.Server.Host,
		"LOG_LEVEL":             &cfg.Server.LogLevel,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"MIN_CHANNELS":    &cfg.Monitor.MinChannels,
		"TARGET_CHANNELS": &cfg.Monitor.TargetChannels,
		"CHECK_INTERVAL":  &cfg.Monitor.IntervalSeconds,
		"WEB_PORT":        &cfg.Server.Port,
	}
	for key, dst := range ints {
		v, ok := lookup(key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %q is not an integer", key, v)
		}
		*dst = n
	}
	return nil
}
