package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	otelPkg "github.com/basket/taskboard/internal/otel"
)

type AuthConfig struct {
	JWTSecret     string        `yaml:"jwt_secret"`
	RefreshSecret string        `yaml:"refresh_secret"`
	AccessTTL     time.Duration `yaml:"access_ttl"`
	RefreshTTL    time.Duration `yaml:"refresh_ttl"`
	BcryptCost    int           `yaml:"bcrypt_cost"`
}

// SweepConfig holds the cron schedules of the background jobs.
type SweepConfig struct {
	Schedule             string `yaml:"schedule"`
	TokenCleanupSchedule string `yaml:"token_cleanup_schedule"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`

	// AuthRequestsPerMinute limits login, setup and refresh per client.
	AuthRequestsPerMinute int `yaml:"auth_requests_per_minute"`
}

type UsageConfig struct {
	// EstimateMissingCost prices completions that report tokens but no cost.
	EstimateMissingCost bool `yaml:"estimate_missing_cost"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`

	// AllowOrigins lists browser origins accepted on the websocket. Empty
	// accepts same-host requests only.
	AllowOrigins []string `yaml:"allow_origins"`
	DefaultModel string   `yaml:"default_model"`

	// MaxBodyBytes caps request bodies. 0 uses 1 MiB.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	Auth      AuthConfig      `yaml:"auth"`
	Sweep     SweepConfig     `yaml:"sweep"`
	CORS      CORSConfig      `yaml:"cors"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Usage     UsageConfig     `yaml:"usage"`
	Telemetry otelPkg.Config  `yaml:"telemetry"`

	// FileMissing is set when config.yaml does not exist and defaults apply.
	FileMissing bool `yaml:"-"`
}

const (
	defaultBindAddr     = "127.0.0.1:3000"
	defaultModel        = "claude-sonnet-4"
	defaultSweep        = "* * * * *"
	defaultTokenCleanup = "0 * * * *"
	defaultBcryptCost   = 12
	defaultMaxBodyBytes = 1 << 20
)

const (
	configFileName = "config.yaml"
	policyFileName = "policy.yaml"
)

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, configFileName)
}

// PolicyPath returns the path to policy.yaml within the given home directory.
func PolicyPath(homeDir string) string {
	return filepath.Join(homeDir, policyFileName)
}

// Fingerprint returns a stable hash of the settings that change runtime
// behaviour. Secrets are excluded.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|db=%s|origins=%v|model=%s|sweep=%s|cleanup=%s|access=%s|refresh=%s|cost=%d|rl=%t/%d/%d/%d|estimate=%t",
		c.BindAddr, c.LogLevel, c.DBPath, c.AllowOrigins, c.DefaultModel,
		c.Sweep.Schedule, c.Sweep.TokenCleanupSchedule,
		c.Auth.AccessTTL, c.Auth.RefreshTTL, c.Auth.BcryptCost,
		c.RateLimit.Enabled, c.RateLimit.RequestsPerMinute, c.RateLimit.BurstSize, c.RateLimit.AuthRequestsPerMinute,
		c.Usage.EstimateMissingCost)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:     defaultBindAddr,
		LogLevel:     "info",
		DefaultModel: defaultModel,
		MaxBodyBytes: defaultMaxBodyBytes,
		Auth: AuthConfig{
			AccessTTL:  15 * time.Minute,
			RefreshTTL: 7 * 24 * time.Hour,
			BcryptCost: defaultBcryptCost,
		},
		Sweep: SweepConfig{
			Schedule:             defaultSweep,
			TokenCleanupSchedule: defaultTokenCleanup,
		},
		CORS: CORSConfig{
			Enabled:        true,
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "PATCH", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Authorization", "X-Agent-Id"},
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute:     600,
			BurstSize:             60,
			AuthRequestsPerMinute: 10,
		},
	}
}

// HomeDir resolves TASKBOARD_HOME, falling back to ~/.taskboard.
func HomeDir() string {
	if override := os.Getenv("TASKBOARD_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskboard")
}

// loadDotEnv reads .env from the working directory and then the home
// directory. Variables already present in the environment win.
func loadDotEnv(homeDir string) error {
	for _, path := range []string{".env", filepath.Join(homeDir, ".env")} {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create taskboard home: %w", err)
	}
	if err := loadDotEnv(cfg.HomeDir); err != nil {
		return cfg, err
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
		cfg.FileMissing = true
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = defaultBindAddr
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "taskboard.db")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultModel
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.Auth.AccessTTL <= 0 {
		cfg.Auth.AccessTTL = 15 * time.Minute
	}
	if cfg.Auth.RefreshTTL <= 0 {
		cfg.Auth.RefreshTTL = 7 * 24 * time.Hour
	}
	if cfg.Auth.BcryptCost == 0 {
		cfg.Auth.BcryptCost = defaultBcryptCost
	}
	if strings.TrimSpace(cfg.Sweep.Schedule) == "" {
		cfg.Sweep.Schedule = defaultSweep
	}
	if strings.TrimSpace(cfg.Sweep.TokenCleanupSchedule) == "" {
		cfg.Sweep.TokenCleanupSchedule = defaultTokenCleanup
	}
}

func validate(cfg Config) error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q must be one of debug, info, warn, error", cfg.LogLevel)
	}
	if cfg.Auth.BcryptCost < 4 || cfg.Auth.BcryptCost > 31 {
		return fmt.Errorf("auth.bcrypt_cost %d out of range 4..31", cfg.Auth.BcryptCost)
	}
	if cfg.RateLimit.RequestsPerMinute < 0 || cfg.RateLimit.BurstSize < 0 || cfg.RateLimit.AuthRequestsPerMinute < 0 {
		return errors.New("rate_limit values must not be negative")
	}
	for name, spec := range map[string]string{
		"sweep.schedule":               cfg.Sweep.Schedule,
		"sweep.token_cleanup_schedule": cfg.Sweep.TokenCleanupSchedule,
	} {
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("%s %q: %w", name, spec, err)
		}
	}
	return cfg.Telemetry.Validate()
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("PORT"); raw != "" {
		cfg.BindAddr = ":" + raw
	}
	if raw := os.Getenv("TASKBOARD_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("TASKBOARD_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("TASKBOARD_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("JWT_SECRET"); raw != "" {
		cfg.Auth.JWTSecret = raw
	}
	if raw := os.Getenv("JWT_REFRESH_SECRET"); raw != "" {
		cfg.Auth.RefreshSecret = raw
	}
	if raw := os.Getenv("TASKBOARD_SWEEP_SCHEDULE"); raw != "" {
		cfg.Sweep.Schedule = raw
	}
	if raw := os.Getenv("TASKBOARD_BCRYPT_COST"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Auth.BcryptCost = v
		}
	}
	if raw := os.Getenv("TASKBOARD_ESTIMATE_MISSING_COST"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Usage.EstimateMissingCost = v
		}
	}
}
