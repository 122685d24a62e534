package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Probe        string        `mapstructure:"probe"`
	Port         uint16        `mapstructure:"port"`
	SourcePort   uint16        `mapstructure:"source-port"`
	TTL          uint8         `mapstructure:"ttl"`
	Workers      int           `mapstructure:"workers"`
	Retries      int           `mapstructure:"retries"`
	Prefixes     string        `mapstructure:"prefixes"`
	Split        int           `mapstructure:"split"`
	Output       string        `mapstructure:"output"`
	Flush        int           `mapstructure:"flush"`
	PacketTrace  bool          `mapstructure:"packet-trace"`
	FullChecksum bool          `mapstructure:"full-checksum"`
	Wait         time.Duration `mapstructure:"wait"`
	Log          LogConfig     `mapstructure:"log"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max-size-mb"`
	MaxBackups int    `mapstructure:"max-backups"`
	MaxAgeDays int    `mapstructure:"max-age-days"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("probe", "8.8.8.8")
	v.SetDefault("port", 443)
	v.SetDefault("source-port", 12138)
	v.SetDefault("ttl", 128)
	v.SetDefault("workers", 4)
	v.SetDefault("retries", 5)
	v.SetDefault("prefixes", "")
	v.SetDefault("split", 16)
	v.SetDefault("output", "ip.txt")
	v.SetDefault("flush", 256)
	v.SetDefault("packet-trace", false)
	v.SetDefault("full-checksum", true)
	v.SetDefault("wait", "3s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max-size-mb", 100)
	v.SetDefault("log.max-backups", 5)
	v.SetDefault("log.max-age-days", 30)
}

// flagKeys maps command line flags onto their configuration keys.
var flagKeys = map[string]string{
	"probe":         "probe",
	"port":          "port",
	"source-port":   "source-port",
	"ttl":           "ttl",
	"workers":       "workers",
	"retries":       "retries",
	"prefixes":      "prefixes",
	"split":         "split",
	"output":        "output",
	"flush":         "flush",
	"packet-trace":  "packet-trace",
	"full-checksum": "full-checksum",
	"wait":          "wait",
	"log-level":     "log.level",
	"log-format":    "log.format",
	"log-file":      "log.file",
}

// loadConfig merges defaults, the optional config file, SYNSCAN_* environment
// variables and explicitly set flags, in increasing priority.
func loadConfig(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("synscan")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if _, err := parseAddr4(c.Probe); err != nil {
		return fmt.Errorf("probe: %w", err)
	}
	if c.Port == 0 {
		return fmt.Errorf("port must be non-zero")
	}
	if c.SourcePort == 0 {
		return fmt.Errorf("source-port must be non-zero")
	}
	if c.TTL == 0 {
		return fmt.Errorf("ttl must be non-zero")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.Retries < 1 {
		return fmt.Errorf("retries must be at least 1, got %d", c.Retries)
	}
	if c.Split < 1 || c.Split > 32 {
		return fmt.Errorf("split must be within [1, 32], got %d", c.Split)
	}
	if c.Output == "" {
		return fmt.Errorf("output must not be empty")
	}
	if c.Flush < 1 {
		return fmt.Errorf("flush must be at least 1, got %d", c.Flush)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("unsupported log format: %s (must be json or text)", c.Log.Format)
	}
	return nil
}
