package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied before the yaml file and env overrides.
func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address: "127.0.0.1",
			Port:    8080,
			DBPath:  "./data/scenedb",
		},
		Security: SecurityConfig{
			RateLimit: RateLimitConfig{RPS: 50, Burst: 100},
		},
		Logging: LoggingConfig{Level: "info"},
		Retention: RetentionConfig{
			Cron:      "0 3 * * *",
			Period:    Duration(30 * 24 * time.Hour),
			BatchSize: 500,
		},
		Limits: LimitsConfig{MaxBodyBytes: 4 << 20},
	}
}

// Load reads the yaml config at path (optional), then applies SCENEDB_* env
// overrides. Precedence: env > file > defaults.
func Load(path string) (Config, error) {
	cfg := defaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SCENEDB_ADDR"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("SCENEDB_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("SCENEDB_DB_PATH"); v != "" {
		cfg.Server.DBPath = v
	}
	if v := os.Getenv("SCENEDB_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SCENEDB_API_TOKENS"); v != "" {
		var toks []string
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				toks = append(toks, t)
			}
		}
		cfg.Security.Tokens = toks
	}
	if v := os.Getenv("SCENEDB_RATE_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Security.RateLimit.RPS = f
		}
	}
	if v := os.Getenv("SCENEDB_RETENTION_ENABLED"); v != "" {
		cfg.Retention.Enabled = v == "1" || strings.EqualFold(v, "true")
	}
}

func validate(cfg Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", cfg.Server.Port)
	}
	if cfg.Server.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if cfg.Security.RateLimit.RPS <= 0 {
		return fmt.Errorf("rate_limit.rps must be positive")
	}
	if cfg.Retention.Enabled && cfg.Retention.Cron == "" {
		return fmt.Errorf("retention.cron is required when retention is enabled")
	}
	return nil
}

// ListenAddr joins address and port for net.Listen.
func (c Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Address, c.Server.Port)
}
