package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Server  ServerConfig
	Model   ModelConfig
	Browser BrowserConfig
	Storage StorageConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port      int
	AuthToken string
}

type ModelConfig struct {
	BaseURL      string
	APIKey       string
	Name         string
	EndpointPath string
	SystemPrompt string
	// TimeoutMS bounds one model request; 0 disables the timeout.
	TimeoutMS       int
	Temperature     float64
	MaxOutputTokens int
}

// Timeout converts TimeoutMS for the model transport, where a negative
// duration disables the timeout.
func (m ModelConfig) Timeout() time.Duration {
	if m.TimeoutMS <= 0 {
		return -1
	}
	return time.Duration(m.TimeoutMS) * time.Millisecond
}

type BrowserConfig struct {
	RemoteURL string
	Headless  bool
	Stealth   bool
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Model: ModelConfig{
			BaseURL:     "https://api.openai.com/v1",
			Name:        "gpt-4o-mini",
			TimeoutMS:   20000,
			Temperature: 0.2,
		},
		Browser: BrowserConfig{
			Headless: true,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the config file, then PAGETWEAK_*
// environment variables, then the secrets file for secrets still unset.
//
// The config file is JSON or YAML (by extension) under
// $XDG_CONFIG_HOME/pagetweak/, or the path in $PAGETWEAK_CONFIG.
// Secrets are never read from the config file.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), secretFile{path: secretsFilePath()})
}

// secretStore abstracts the secrets file for testing.
type secretStore interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, secrets secretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	for _, s := range specs {
		if !s.secret || s.extract(cfg).(string) != "" {
			continue
		}
		if v, err := secrets.Get(appName, s.key); err == nil && v != "" {
			s.apply(&cfg, v)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges that would otherwise fail later at startup.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid config: server.port %d out of range", c.Server.Port)
	}
	if strings.TrimSpace(c.Model.BaseURL) == "" {
		return fmt.Errorf("invalid config: model.base_url is required. Set it via PAGETWEAK_MODEL_BASE_URL or `pagetweak config set model.base_url <url>`")
	}
	if c.Model.Temperature < 0 || c.Model.Temperature > 2 {
		return fmt.Errorf("invalid config: model.temperature %v must be between 0 and 2", c.Model.Temperature)
	}
	if c.Model.MaxOutputTokens < 0 {
		return fmt.Errorf("invalid config: model.max_output_tokens must not be negative")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid config: log.level %q (want debug, info, warn or error)", c.Log.Level)
	}
	return nil
}
