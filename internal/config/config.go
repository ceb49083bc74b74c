package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type ServerCfg struct {
	Listen         string `yaml:"listen"`
	ReadTimeoutMs  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMs int    `yaml:"write_timeout_ms"`
}

type UpstreamCfg struct {
	URL string `yaml:"url"`
}

type RedisCfg struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type LockoutCfg struct {
	Threshold   int `yaml:"threshold"`
	DurationSec int `yaml:"duration_sec"`
}

type RateLimitCfg struct {
	RPM      int  `yaml:"rpm"` // per-IP requests per minute; 0 disables
	FailOpen bool `yaml:"fail_open"`
}

type OCRCfg struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

type LoggingCfg struct {
	Level string `yaml:"level"` // info|debug
}

type Config struct {
	Server         ServerCfg    `yaml:"server"`
	Upstream       UpstreamCfg  `yaml:"upstream"`
	AllowedOrigins []string     `yaml:"allowed_origins"`
	KillSwitch     bool         `yaml:"kill_switch"`
	Redis          RedisCfg     `yaml:"redis"`
	Lockout        LockoutCfg   `yaml:"lockout"`
	RateLimit      RateLimitCfg `yaml:"rate_limit"`
	OCR            OCRCfg       `yaml:"ocr"`
	Logging        LoggingCfg   `yaml:"logging"`
}

// Load reads the optional YAML file at path (empty path skips the file),
// then applies environment variables on top. The environment is the
// authoritative configuration surface; the file only supplies base values.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, err
		}
	}
	rpmSet := cfg.RateLimit.RPM != 0 || os.Getenv("RATE_LIMIT_RPM") != ""
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	// defaults
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":8080"
	}
	if cfg.Server.ReadTimeoutMs == 0 {
		cfg.Server.ReadTimeoutMs = 5000
	}
	if cfg.Server.WriteTimeoutMs == 0 {
		cfg.Server.WriteTimeoutMs = 60000
	}
	if cfg.Lockout.Threshold == 0 {
		cfg.Lockout.Threshold = 5
	}
	if cfg.Lockout.DurationSec == 0 {
		cfg.Lockout.DurationSec = 900
	}
	if !rpmSet {
		cfg.RateLimit.RPM = 300
	}
	if cfg.OCR.BaseURL == "" {
		cfg.OCR.BaseURL = "https://api.mistral.ai"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("LISTEN"); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv("UPSTREAM_URL"); v != "" {
		c.Upstream.URL = v
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		origins, err := ParseAllowedOrigins(v)
		if err != nil {
			return err
		}
		c.AllowedOrigins = origins
	}
	if v := os.Getenv("KILL_SWITCH"); v != "" {
		c.KillSwitch = parseBool(v)
	}
	if v := os.Getenv("MISTRAL_API_KEY"); v != "" {
		c.OCR.APIKey = v
	}
	if v := os.Getenv("MISTRAL_BASE_URL"); v != "" {
		c.OCR.BaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	var err error
	if c.Redis.DB, err = envInt("REDIS_DB", c.Redis.DB); err != nil {
		return err
	}
	if c.Lockout.Threshold, err = envInt("LOCKOUT_THRESHOLD", c.Lockout.Threshold); err != nil {
		return err
	}
	if c.Lockout.DurationSec, err = envInt("LOCKOUT_DURATION_SEC", c.Lockout.DurationSec); err != nil {
		return err
	}
	if c.RateLimit.RPM, err = envInt("RATE_LIMIT_RPM", c.RateLimit.RPM); err != nil {
		return err
	}
	if v := os.Getenv("RATE_LIMIT_FAIL_OPEN"); v != "" {
		c.RateLimit.FailOpen = parseBool(v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	return nil
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func parseBool(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}

// ParseAllowedOrigins splits a comma-separated origin list and normalizes
// each entry: lowercase, trailing slash stripped. A malformed entry is a
// configuration error, not a silent skip.
func ParseAllowedOrigins(raw string) ([]string, error) {
	var origins []string
	for _, part := range strings.Split(raw, ",") {
		origin := strings.TrimSpace(part)
		if origin == "" {
			continue
		}
		origin = strings.ToLower(strings.TrimRight(origin, "/"))
		origins = append(origins, origin)
	}
	if len(origins) == 0 {
		return nil, errors.New("ALLOWED_ORIGINS contains no origins")
	}
	if err := ValidateAllowedOrigins(origins); err != nil {
		return nil, err
	}
	return origins, nil
}

// ValidateAllowedOrigins rejects origins carrying anything beyond scheme
// and host: a path, query, fragment or userinfo in an allow-list entry is
// always a deployment mistake.
func ValidateAllowedOrigins(origins []string) error {
	for _, origin := range origins {
		u, err := url.Parse(origin)
		if err != nil {
			return fmt.Errorf("invalid origin %q: %w", origin, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("invalid origin %q: scheme must be http or https", origin)
		}
		if u.Host == "" {
			return fmt.Errorf("invalid origin %q: missing host", origin)
		}
		if u.Path != "" || u.RawQuery != "" || u.Fragment != "" || u.User != nil {
			return fmt.Errorf("invalid origin %q: must not include a path, query, fragment or userinfo", origin)
		}
	}
	return nil
}

func (c *Config) UpstreamURL() (*url.URL, error) {
	u, err := url.Parse(c.Upstream.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL %q: %w", c.Upstream.URL, err)
	}
	return u, nil
}

func (c *Config) LockoutDuration() time.Duration {
	return time.Duration(c.Lockout.DurationSec) * time.Second
}

func (c *Config) Validate() error {
	if c.Upstream.URL == "" {
		return errors.New("upstream.url (UPSTREAM_URL) is required")
	}
	u, err := url.Parse(c.Upstream.URL)
	if err != nil {
		return fmt.Errorf("invalid upstream URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("upstream URL scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("upstream URL must include a host")
	}
	if strings.TrimRight(u.Path, "/") != "" {
		return errors.New("upstream URL must not include a path")
	}
	if len(c.AllowedOrigins) == 0 {
		return errors.New("allowed_origins (ALLOWED_ORIGINS) is required")
	}
	if err := ValidateAllowedOrigins(c.AllowedOrigins); err != nil {
		return err
	}
	if c.Redis.Addr == "" {
		return errors.New("redis.addr (REDIS_ADDR) is required")
	}
	if c.Lockout.Threshold <= 0 {
		return errors.New("lockout.threshold must be > 0")
	}
	if c.Lockout.DurationSec <= 0 {
		return errors.New("lockout.duration_sec must be > 0")
	}
	if c.RateLimit.RPM < 0 {
		return errors.New("rate_limit.rpm must be >= 0")
	}
	switch c.Logging.Level {
	case "info", "debug":
	default:
		return errors.New("logging.level must be 'info' or 'debug'")
	}
	return nil
}
