package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	ListenAddr     string
	PGDSN          string
	RPCURL         string
	ExplorerURL    string
	ExplorerAPIKey string
	PriceFeedURL   string
	FeeQuoteSymbol string
	PollInterval   time.Duration
	MaxBatch       int
	LogLevel       string
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("POOLPULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen", ":8080")
	v.SetDefault("explorer-url", "https://api.etherscan.io/api")
	v.SetDefault("pricefeed-url", "https://api.binance.com")
	v.SetDefault("fee-symbol", "ETHUSDT")
	v.SetDefault("poll-interval", 10*time.Second)
	v.SetDefault("max-batch", 20)
	v.SetDefault("log-level", "info")

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Config{
		ListenAddr:     v.GetString("listen"),
		PGDSN:          v.GetString("pg-dsn"),
		RPCURL:         v.GetString("rpc"),
		ExplorerURL:    v.GetString("explorer-url"),
		ExplorerAPIKey: v.GetString("explorer-api-key"),
		PriceFeedURL:   v.GetString("pricefeed-url"),
		FeeQuoteSymbol: v.GetString("fee-symbol"),
		PollInterval:   v.GetDuration("poll-interval"),
		MaxBatch:       v.GetInt("max-batch"),
		LogLevel:       v.GetString("log-level"),
	}

	return cfg, nil
}
