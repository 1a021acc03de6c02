package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the process configuration. Values come from flags, environment
// variables prefixed RELAY_, and an optional config file, in that precedence.
type Config struct {
	NamePrefix    string
	DataDir       string
	LogFile       string
	TelemetryFile string

	// PairClearsSaved makes a pairing request forget all saved devices
	// before opening the window.
	PairClearsSaved bool

	GradeLimiter bool

	TickInterval time.Duration
}

func loadConfig(args []string) (Config, error) {
	flags := pflag.NewFlagSet("relay", pflag.ContinueOnError)

	configFile := flags.String("config", "", "config file path")
	flags.String("name-prefix", "TrainerRelay", "advertised device name prefix, also filters own advertisements from scans")
	flags.String("data-dir", "/var/lib/trainer-relay", "directory for persistent records")
	flags.String("log-file", "", "rotated log file path, empty logs to stderr only")
	flags.String("telemetry-file", "", "JSON lines telemetry output path, empty disables")
	flags.Bool("pair-clears-saved", false, "forget saved devices when a pairing request arrives")
	flags.Bool("grade-limiter", true, "adapt simulation grades to the trainer's observed limits")
	flags.Duration("tick-interval", time.Second, "housekeeping tick period")

	if err := flags.Parse(args); err != nil {
		return Config{}, err
	}

	v := viper.New()
	if err := v.BindPFlags(flags); err != nil {
		return Config{}, err
	}
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if *configFile != "" {
		v.SetConfigFile(*configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", *configFile, err)
		}
	}

	cfg := Config{
		NamePrefix:      v.GetString("name-prefix"),
		DataDir:         v.GetString("data-dir"),
		LogFile:         v.GetString("log-file"),
		TelemetryFile:   v.GetString("telemetry-file"),
		PairClearsSaved: v.GetBool("pair-clears-saved"),
		GradeLimiter:    v.GetBool("grade-limiter"),
		TickInterval:    v.GetDuration("tick-interval"),
	}
	if cfg.NamePrefix == "" {
		return Config{}, fmt.Errorf("name-prefix cannot be empty")
	}
	if cfg.TickInterval <= 0 {
		return Config{}, fmt.Errorf("tick-interval must be positive")
	}
	return cfg, nil
}
