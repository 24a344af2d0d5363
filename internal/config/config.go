package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces every environment variable read by Load.
const EnvPrefix = "INTERJORNADA_"

type Config struct {
	Env            string `yaml:"env" env:"ENV"` // "dev" | "prod"
	DBPath         string `yaml:"db_path" env:"DB_PATH"`
	HTTPAddr       string `yaml:"http_addr" env:"HTTP_ADDR"`
	GRPCHealthAddr string `yaml:"grpc_health_addr" env:"GRPC_HEALTH_ADDR"` // empty disables

	Device    DeviceConfig    `yaml:"device" envPrefix:"DEVICE_"`
	Groups    GroupConfig     `yaml:"groups" envPrefix:"GROUP_"`
	Rules     RuleConfig      `yaml:"rules" envPrefix:"RULE_"`
	Ingest    IngestConfig    `yaml:"ingest" envPrefix:"INGEST_"`
	Schedule  ScheduleConfig  `yaml:"schedule" envPrefix:"SCHEDULE_"`
	Alerts    AlertConfig     `yaml:"alerts" envPrefix:"ALERT_"`
	Telemetry TelemetryConfig `yaml:"telemetry" envPrefix:"OTEL_"`
}

type DeviceConfig struct {
	BaseURL        string        `yaml:"base_url" env:"URL"`
	Login          string        `yaml:"login" env:"LOGIN"`
	Password       string        `yaml:"password" env:"PASSWORD"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`
	ReadTimeout    time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`

	// ClockOffset is added to every device timestamp. It compensates for
	// a device whose clock is known to be wrong and must stay zero on a
	// correctly configured unit.
	ClockOffset time.Duration `yaml:"clock_offset" env:"CLOCK_OFFSET"`

	EntryPortals []int64 `yaml:"entry_portals" env:"ENTRY_PORTALS"`
	ExitPortals  []int64 `yaml:"exit_portals" env:"EXIT_PORTALS"`

	BackoffBase       time.Duration `yaml:"backoff_base" env:"BACKOFF_BASE"`
	BackoffMax        time.Duration `yaml:"backoff_max" env:"BACKOFF_MAX"`
	MaxAttempts       int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	AuthFailThreshold int           `yaml:"auth_fail_threshold" env:"AUTH_FAIL_THRESHOLD"`
	AuthFailWindow    time.Duration `yaml:"auth_fail_window" env:"AUTH_FAIL_WINDOW"`
	PageLimit         int           `yaml:"page_limit" env:"PAGE_LIMIT"`
}

type GroupConfig struct {
	DenialName    string `yaml:"denial_name" env:"DENIAL_NAME"`
	ExemptionName string `yaml:"exemption_name" env:"EXEMPTION_NAME"`
	DefaultName   string `yaml:"default_name" env:"DEFAULT_NAME"`
}

type RuleConfig struct {
	WorkMinutes          int           `yaml:"work_minutes" env:"WORK_MINUTES"`
	RestMinutes          int           `yaml:"rest_minutes" env:"REST_MINUTES"`
	EarlyAccessThreshold time.Duration `yaml:"early_access_threshold" env:"EARLY_ACCESS_THRESHOLD"`
	OvertimeThreshold    time.Duration `yaml:"overtime_threshold" env:"OVERTIME_THRESHOLD"`
}

type IngestConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	BatchSize       int           `yaml:"batch_size" env:"BATCH_SIZE"`
	RetryDelay      time.Duration `yaml:"retry_delay" env:"RETRY_DELAY"`
	ErrorCeiling    int           `yaml:"error_ceiling" env:"ERROR_CEILING"`
	ResetProbeEvery int           `yaml:"reset_probe_every" env:"RESET_PROBE_EVERY"` // 0 disables
}

type ScheduleConfig struct {
	SweepInterval      time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
	ReconcileInterval  time.Duration `yaml:"reconcile_interval" env:"RECONCILE_INTERVAL"`
	RetentionDays      int           `yaml:"retention_days" env:"RETENTION_DAYS"` // 0 = keep forever
	PruneIntervalHours int           `yaml:"prune_interval_hours" env:"PRUNE_INTERVAL_HOURS"`
}

type AlertConfig struct {
	TelegramToken  string `yaml:"telegram_token" env:"TELEGRAM_TOKEN"`
	TelegramChatID int64  `yaml:"telegram_chat_id" env:"TELEGRAM_CHAT_ID"`
}

type TelemetryConfig struct {
	Endpoint    string `yaml:"endpoint" env:"ENDPOINT"`
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
}

// Default returns the built-in configuration every other source overrides.
func Default() Config {
	return Config{
		Env:            "dev",
		DBPath:         "./data/interjornada.db",
		HTTPAddr:       ":8080",
		GRPCHealthAddr: ":9090",
		Device: DeviceConfig{
			ConnectTimeout:    5 * time.Second,
			ReadTimeout:       15 * time.Second,
			EntryPortals:      []int64{1},
			ExitPortals:       []int64{2},
			BackoffBase:       time.Second,
			BackoffMax:        60 * time.Second,
			MaxAttempts:       5,
			AuthFailThreshold: 5,
			AuthFailWindow:    5 * time.Minute,
			PageLimit:         1000,
		},
		Groups: GroupConfig{
			DenialName:    "Interjornada",
			ExemptionName: "Isentos",
			DefaultName:   "Colaboradores",
		},
		Rules: RuleConfig{
			WorkMinutes:          480,
			RestMinutes:          660,
			EarlyAccessThreshold: 5 * time.Minute,
			OvertimeThreshold:    15 * time.Minute,
		},
		Ingest: IngestConfig{
			PollInterval:    3 * time.Second,
			BatchSize:       100,
			RetryDelay:      5 * time.Second,
			ErrorCeiling:    10,
			ResetProbeEvery: 20,
		},
		Schedule: ScheduleConfig{
			SweepInterval:      time.Minute,
			ReconcileInterval:  5 * time.Minute,
			RetentionDays:      90,
			PruneIntervalHours: 6,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "interjornada-server",
		},
	}
}

// Load layers defaults, the optional YAML file at path, a .env file in the
// working directory and INTERJORNADA_* environment variables, then
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvPrefix + "CONFIG")
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	// A missing .env is normal outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	cfg.Env = strings.ToLower(strings.TrimSpace(cfg.Env))
	if cfg.Env != "dev" && cfg.Env != "prod" {
		// fail-soft: treat unknown as dev
		cfg.Env = "dev"
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the services cannot run with.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(strings.TrimSpace(c.Device.BaseURL) != "", "device.base_url is required")
	check(c.Device.ConnectTimeout > 0, "device.connect_timeout must be positive")
	check(c.Device.ReadTimeout > 0, "device.read_timeout must be positive")
	check(len(c.Device.EntryPortals) > 0, "device.entry_portals must not be empty")
	check(c.Device.BackoffBase > 0, "device.backoff_base must be positive")
	check(c.Device.BackoffMax >= c.Device.BackoffBase, "device.backoff_max must be >= backoff_base")
	check(c.Device.MaxAttempts > 0, "device.max_attempts must be positive")
	check(c.Device.AuthFailThreshold > 0, "device.auth_fail_threshold must be positive")
	check(c.Device.AuthFailWindow > 0, "device.auth_fail_window must be positive")
	check(c.Device.PageLimit > 0 && c.Device.PageLimit <= 1000, "device.page_limit must be in 1..1000")

	check(strings.TrimSpace(c.Groups.DenialName) != "", "groups.denial_name is required")
	check(strings.TrimSpace(c.Groups.DefaultName) != "", "groups.default_name is required")

	check(c.Rules.WorkMinutes > 0, "rules.work_minutes must be positive")
	check(c.Rules.RestMinutes > 0, "rules.rest_minutes must be positive")
	check(c.Rules.EarlyAccessThreshold >= 0, "rules.early_access_threshold must not be negative")
	check(c.Rules.OvertimeThreshold >= 0, "rules.overtime_threshold must not be negative")

	check(c.Ingest.PollInterval > 0, "ingest.poll_interval must be positive")
	check(c.Ingest.BatchSize > 0 && c.Ingest.BatchSize <= c.Device.PageLimit, "ingest.batch_size must be in 1..device.page_limit")
	check(c.Ingest.RetryDelay > 0, "ingest.retry_delay must be positive")
	check(c.Ingest.ErrorCeiling > 0, "ingest.error_ceiling must be positive")
	check(c.Ingest.ResetProbeEvery >= 0, "ingest.reset_probe_every must not be negative")

	check(c.Schedule.SweepInterval > 0, "schedule.sweep_interval must be positive")
	check(c.Schedule.ReconcileInterval > 0, "schedule.reconcile_interval must be positive")
	check(c.Schedule.RetentionDays >= 0, "schedule.retention_days must not be negative")

	return errors.Join(errs...)
}
