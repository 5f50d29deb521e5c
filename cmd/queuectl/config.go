package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/queuectl/queuectl"
)

// fileConfig mirrors queuectl.Config in the JSON config file. Durations
// are stored as seconds. Absent keys fall back to the defaults.
type fileConfig struct {
	DefaultMaxRetries  *int     `json:"default_max_retries,omitempty"`
	BackoffBase        *int     `json:"backoff_base,omitempty"`
	PollInterval       *float64 `json:"poll_interval,omitempty"`
	WorkerTimeout      *float64 `json:"worker_timeout,omitempty"`
	StaleLockThreshold *float64 `json:"stale_lock_threshold,omitempty"`
	OutputCap          *int     `json:"output_cap,omitempty"`
	ShutdownGrace      *float64 `json:"shutdown_grace,omitempty"`
	DBPath             *string  `json:"db_path,omitempty"`
}

func configDir() string {
	if dir := os.Getenv("QUEUECTL_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".queuectl"
	}
	return filepath.Join(home, ".queuectl")
}

func configPath() string {
	return filepath.Join(configDir(), "config.json")
}

// loadConfig merges the config file, if present, over the defaults.
// A corrupted file is an error rather than silently ignored.
func loadConfig() (queuectl.Config, error) {
	cfg := queuectl.DefaultConfig()
	cfg.DBPath = filepath.Join(configDir(), "queuectl.db")

	data, err := os.ReadFile(configPath())
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", configPath(), err)
	}
	fc.apply(&cfg)
	return cfg, cfg.Validate()
}

func (fc *fileConfig) apply(cfg *queuectl.Config) {
	if fc.DefaultMaxRetries != nil {
		cfg.DefaultMaxRetries = *fc.DefaultMaxRetries
	}
	if fc.BackoffBase != nil {
		cfg.BackoffBase = *fc.BackoffBase
	}
	if fc.PollInterval != nil {
		cfg.PollInterval = secondsToDuration(*fc.PollInterval)
	}
	if fc.WorkerTimeout != nil {
		cfg.WorkerTimeout = secondsToDuration(*fc.WorkerTimeout)
	}
	if fc.StaleLockThreshold != nil {
		cfg.StaleLockThreshold = secondsToDuration(*fc.StaleLockThreshold)
	}
	if fc.OutputCap != nil {
		cfg.OutputCap = *fc.OutputCap
	}
	if fc.ShutdownGrace != nil {
		cfg.ShutdownGrace = secondsToDuration(*fc.ShutdownGrace)
	}
	if fc.DBPath != nil {
		cfg.DBPath = *fc.DBPath
	}
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func readFileConfig() (*fileConfig, error) {
	fc := &fileConfig{}
	data, err := os.ReadFile(configPath())
	if errors.Is(err, os.ErrNotExist) {
		return fc, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, fc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", configPath(), err)
	}
	return fc, nil
}

func writeFileConfig(fc *fileConfig) error {
	if err := os.MkdirAll(configDir(), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(fc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(configPath(), append(data, '\n'), 0o644)
}

// set parses value for the given key and stores it in the file config.
func (fc *fileConfig) set(key, value string) error {
	switch key {
	case "default_max_retries", "backoff_base", "output_cap":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %q (must be an integer)", key, value)
		}
		switch key {
		case "default_max_retries":
			fc.DefaultMaxRetries = &n
		case "backoff_base":
			fc.BackoffBase = &n
		case "output_cap":
			fc.OutputCap = &n
		}
	case "poll_interval", "worker_timeout", "stale_lock_threshold", "shutdown_grace":
		s, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %q (must be a number of seconds)", key, value)
		}
		switch key {
		case "poll_interval":
			fc.PollInterval = &s
		case "worker_timeout":
			fc.WorkerTimeout = &s
		case "stale_lock_threshold":
			fc.StaleLockThreshold = &s
		case "shutdown_grace":
			fc.ShutdownGrace = &s
		}
	case "db_path":
		fc.DBPath = &value
	default:
		return fmt.Errorf("unknown configuration key %q", key)
	}
	return nil
}

// resolved returns the effective settings as printable strings.
func resolved(cfg queuectl.Config) map[string]string {
	return map[string]string{
		"default_max_retries":  strconv.Itoa(cfg.DefaultMaxRetries),
		"backoff_base":         strconv.Itoa(cfg.BackoffBase),
		"poll_interval":        fmt.Sprintf("%g", cfg.PollInterval.Seconds()),
		"worker_timeout":       fmt.Sprintf("%g", cfg.WorkerTimeout.Seconds()),
		"stale_lock_threshold": fmt.Sprintf("%g", cfg.StaleLockThreshold.Seconds()),
		"output_cap":           strconv.Itoa(cfg.OutputCap),
		"shutdown_grace":       fmt.Sprintf("%g", cfg.ShutdownGrace.Seconds()),
		"db_path":              cfg.DBPath,
	}
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `Get and set configuration values. Settings are stored in ` + "`config.json`" + ` under the queuectl home directory.`,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		fc, err := readFileConfig()
		if err != nil {
			return err
		}
		if err := fc.set(args[0], args[1]); err != nil {
			return err
		}
		if err := writeFileConfig(fc); err != nil {
			return err
		}
		fmt.Printf("Configuration %q set to %q\n", args[0], args[1])
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		values := resolved(cfg)
		value, ok := values[args[0]]
		if !ok {
			return fmt.Errorf("unknown configuration key %q", args[0])
		}
		fmt.Println(value)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		values := resolved(cfg)
		keys := make([]string, 0, len(values))
		for key := range values {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			fmt.Printf("%-22s %s\n", key, values[key])
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configListCmd)
}
