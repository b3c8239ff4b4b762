package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/spf13/viper"

	"github.com/isometry/adsync/internal/lease"
)

// loadConfiguration reads path, or adsync.{yaml,json,toml} from the standard
// locations when path is empty, and enables ADSYNC_* environment overrides.
// A missing default file is not an error.
func loadConfiguration(path string) error {
	viper.SetEnvPrefix("ADSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("adsync")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.adsync")
		viper.AddConfigPath("/etc/adsync/")
	}

	if err := viper.MergeInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("load configuration: %w", err)
	}
	return nil
}

// leaseConfig reads the optional "lease" section over the defaults.
func leaseConfig() (lease.RedisConfig, error) {
	cfg := lease.DefaultRedisConfig()
	if viper.IsSet("lease") {
		if err := viper.UnmarshalKey("lease", &cfg); err != nil {
			return cfg, fmt.Errorf("parse lease config: %w", err)
		}
	}
	return cfg, nil
}

// holderName identifies this process in the sync lease.
func holderName(ctx context.Context, configured string) string {
	if configured != "" {
		return configured
	}
	host, err := os.Hostname()
	if err != nil {
		tflog.Debug(ctx, "Failed to read hostname", map[string]any{"error": err.Error()})
		host = "adsync"
	}
	return host + ":" + strconv.Itoa(os.Getpid())
}
