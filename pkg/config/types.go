package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Duration is a yaml scalar accepted either as a Go duration string ("90s",
// "15m") or a bare integer of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		if dur, perr := time.ParseDuration(s); perr == nil {
			*d = Duration(dur)
			return nil
		}
	}
	var secs int64
	if err := value.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	return fmt.Errorf("invalid duration %q", value.Value)
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// SizeBytes is a yaml scalar accepted as a human size ("4MB", "512KiB") or a
// bare byte count.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err == nil {
		n, perr := humanize.ParseBytes(strings.TrimSpace(raw))
		if perr != nil {
			return fmt.Errorf("invalid size %q: %w", raw, perr)
		}
		*s = SizeBytes(n)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err == nil {
		*s = SizeBytes(n)
		return nil
	}
	return fmt.Errorf("invalid size %q", value.Value)
}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Security  SecurityConfig  `yaml:"security"`
	Logging   LoggingConfig   `yaml:"logging"`
	Retention RetentionConfig `yaml:"retention"`
	Limits    LimitsConfig    `yaml:"limits"`
}

type ServerConfig struct {
	Address string    `yaml:"address"`
	Port    int       `yaml:"port"`
	DBPath  string    `yaml:"db_path"`
	TLS     TLSConfig `yaml:"tls"`
}

type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type SecurityConfig struct {
	CORS      CORSConfig      `yaml:"cors"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	// Tokens is the accepted bearer token set. Empty means any non-empty
	// token is accepted (dev mode).
	Tokens []string `yaml:"tokens"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type RetentionConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Cron      string   `yaml:"cron"`
	Period    Duration `yaml:"period"`
	BatchSize int      `yaml:"batch_size"`
	DryRun    bool     `yaml:"dry_run"`
}

type LimitsConfig struct {
	MaxBodyBytes SizeBytes `yaml:"max_body_bytes"`
}
