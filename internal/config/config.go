package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "LODESTAR"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "lodestar.db"
	defaultLogLevel      = "info"
	defaultPullRowLimit  = 3000
	defaultTxMaxAttempts = 10
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress   string
	DatabasePath  string
	LogLevel      string
	PullRowLimit  int
	TxMaxAttempts int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("sync.pull_limit", defaultPullRowLimit)
	configViper.SetDefault("sync.tx_attempts", defaultTxMaxAttempts)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		DatabasePath:  configViper.GetString("database.path"),
		LogLevel:      configViper.GetString("log.level"),
		PullRowLimit:  configViper.GetInt("sync.pull_limit"),
		TxMaxAttempts: configViper.GetInt("sync.tx_attempts"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if c.PullRowLimit <= 0 {
		return fmt.Errorf("sync.pull_limit must be positive")
	}
	if c.TxMaxAttempts <= 0 {
		return fmt.Errorf("sync.tx_attempts must be positive")
	}
	return nil
}
