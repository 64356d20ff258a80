// Package config loads the platform configuration: a YAML file for the
// structured parts, overridden by environment variables for everything
// an operator tunes per deployment. A missing file is fine; a present
// but broken file is a configuration error (exit code 2 in the mains).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// ErrInvalid marks configuration errors so mains can exit 2 instead
// of 1.
var ErrInvalid = errors.New("config: invalid")

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	KV        KVConfig        `yaml:"kv"`
	Database  DatabaseConfig  `yaml:"database"`
	Queue     QueueConfig     `yaml:"queue"`
	Locks     LocksConfig     `yaml:"locks"`
	CRM       CRMConfig       `yaml:"crm"`
	Payments  PaymentsConfig  `yaml:"payments"`
	Slack     SlackConfig     `yaml:"slack"`
	Push      PushConfig      `yaml:"push"`
	Warehouse WarehouseConfig `yaml:"warehouse"`
	Actions   ActionsConfig   `yaml:"actions"`
	Outbound  OutboundConfig  `yaml:"outbound"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Registry  RegistryConfig  `yaml:"registry"`
	PubSub    PubSubConfig    `yaml:"pubsub"`
	Blocklist BlocklistConfig `yaml:"blocklist"`
}

type ServerConfig struct {
	Port               int    `yaml:"port"`
	AdminToken         string `yaml:"admin_token"`
	ChannelVerifyToken string `yaml:"channel_verify_token"`
	Env                string `yaml:"env"`
}

type KVConfig struct {
	// URL is a redis connection string. Empty runs on the in-process
	// fallback store.
	URL string `yaml:"url"`
}

type DatabaseConfig struct {
	// DSN is a postgres connection string. Empty runs on the in-memory
	// store.
	DSN string `yaml:"dsn"`
}

type QueueConfig struct {
	Name        string        `yaml:"name"`
	MaxAttempts int           `yaml:"max_attempts"`
	BackoffBase time.Duration `yaml:"-"`
	StallLease  time.Duration `yaml:"-"`
	Concurrency int           `yaml:"concurrency"`

	BackoffBaseRaw string `yaml:"backoff_base"`
	StallLeaseRaw  string `yaml:"stall_lease"`
}

type LocksConfig struct {
	TTL  time.Duration `yaml:"-"`
	Wait time.Duration `yaml:"-"`

	TTLRaw  string `yaml:"ttl"`
	WaitRaw string `yaml:"wait"`
}

type CRMConfig struct {
	BaseURL  string `yaml:"base_url"`
	APIToken string `yaml:"api_token"`
}

type PaymentsConfig struct {
	Stripe  ProviderConfig `yaml:"stripe"`
	Conekta ProviderConfig `yaml:"conekta"`
}

type ProviderConfig struct {
	APIKey        string `yaml:"api_key"`
	WebhookSecret string `yaml:"webhook_secret"`
	SuccessURL    string `yaml:"success_url"`
}

type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Username   string `yaml:"username"`
}

type PushConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
}

// WarehouseConfig points at the business-data collaborator detectors
// load their input products from.
type WarehouseConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
}

type ActionsConfig struct {
	// TwoFactorHashes maps approver names to bcrypt hashes of their
	// verification codes. Plaintext codes never live in config.
	TwoFactorHashes map[string]string `yaml:"two_factor_hashes"`
}

type OutboundConfig struct {
	QuietHoursStart int `yaml:"quiet_hours_start"`
	QuietHoursEnd   int `yaml:"quiet_hours_end"`
	DailyCap        int `yaml:"daily_cap"`
}

type SchedulerConfig struct {
	Timezone        string `yaml:"timezone"`
	Concurrency     int    `yaml:"concurrency"`
	StartsPerMinute int    `yaml:"starts_per_minute"`
}

type RegistryConfig struct {
	Path         string        `yaml:"path"`
	RefreshEvery time.Duration `yaml:"-"`

	RefreshEveryRaw string `yaml:"refresh_every"`
}

type PubSubConfig struct {
	ProjectID string `yaml:"project_id"`
	Topic     string `yaml:"topic"`
}

type BlocklistConfig struct {
	Contacts []string `yaml:"contacts"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{Port: 8080, Env: "production"},
		Queue: QueueConfig{
			Name:        "messages",
			MaxAttempts: 3,
			BackoffBase: 5 * time.Second,
			StallLease:  90 * time.Second,
			Concurrency: 4,
		},
		Locks: LocksConfig{TTL: 30 * time.Second, Wait: 15 * time.Second},
		Outbound: OutboundConfig{
			QuietHoursStart: 22, QuietHoursEnd: 8, DailyCap: 20,
		},
		Scheduler: SchedulerConfig{
			Timezone: "America/Mexico_City", Concurrency: 3, StartsPerMinute: 10,
		},
		Registry: RegistryConfig{RefreshEvery: time.Minute},
	}
}

// Load reads path (optional), applies environment overrides, and
// validates. Every returned error wraps ErrInvalid.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// fall through to env-only config
		case err != nil:
			return nil, fmt.Errorf("%w: read %s: %v", ErrInvalid, path, err)
		default:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalid, path, err)
			}
		}
	}

	if err := cfg.parseDurations(); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) parseDurations() error {
	entries := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{c.Queue.BackoffBaseRaw, &c.Queue.BackoffBase, "queue.backoff_base"},
		{c.Queue.StallLeaseRaw, &c.Queue.StallLease, "queue.stall_lease"},
		{c.Locks.TTLRaw, &c.Locks.TTL, "locks.ttl"},
		{c.Locks.WaitRaw, &c.Locks.Wait, "locks.wait"},
		{c.Registry.RefreshEveryRaw, &c.Registry.RefreshEvery, "registry.refresh_every"},
	}
	for _, e := range entries {
		if e.raw == "" {
			continue
		}
		d, err := time.ParseDuration(e.raw)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, e.name, err)
		}
		*e.dst = d
	}
	return nil
}

// applyEnv overlays the operator-facing environment variables.
func (c *Config) applyEnv() error {
	envString("PLATFORM_KV_URL", &c.KV.URL)
	envString("PLATFORM_DB_DSN", &c.Database.DSN)
	envString("PLATFORM_ADMIN_TOKEN", &c.Server.AdminToken)
	envString("PLATFORM_CHANNEL_VERIFY_TOKEN", &c.Server.ChannelVerifyToken)
	envString("PLATFORM_QUEUE_NAME", &c.Queue.Name)
	envString("PLATFORM_TZ", &c.Scheduler.Timezone)
	envString("PLATFORM_CRM_URL", &c.CRM.BaseURL)
	envString("PLATFORM_CRM_TOKEN", &c.CRM.APIToken)
	envString("PLATFORM_REGISTRY_PATH", &c.Registry.Path)
	envString("PLATFORM_PUBSUB_PROJECT", &c.PubSub.ProjectID)
	envString("PLATFORM_PUBSUB_TOPIC", &c.PubSub.Topic)
	envString("PLATFORM_STRIPE_KEY", &c.Payments.Stripe.APIKey)
	envString("PLATFORM_STRIPE_WEBHOOK_SECRET", &c.Payments.Stripe.WebhookSecret)
	envString("PLATFORM_CONEKTA_KEY", &c.Payments.Conekta.APIKey)
	envString("PLATFORM_CONEKTA_WEBHOOK_SECRET", &c.Payments.Conekta.WebhookSecret)
	envString("PLATFORM_SLACK_WEBHOOK", &c.Slack.WebhookURL)
	envString("PLATFORM_PUSH_URL", &c.Push.BaseURL)
	envString("PLATFORM_PUSH_TOKEN", &c.Push.Token)
	envString("PLATFORM_WAREHOUSE_URL", &c.Warehouse.BaseURL)
	envString("PLATFORM_WAREHOUSE_TOKEN", &c.Warehouse.Token)

	if err := envInt("PLATFORM_PORT", &c.Server.Port); err != nil {
		return err
	}
	if err := envInt("PLATFORM_WORKER_CONCURRENCY", &c.Queue.Concurrency); err != nil {
		return err
	}
	if err := envInt("PLATFORM_JOB_MAX_ATTEMPTS", &c.Queue.MaxAttempts); err != nil {
		return err
	}
	if err := envDuration("PLATFORM_JOB_BACKOFF_BASE", &c.Queue.BackoffBase); err != nil {
		return err
	}
	if err := envDuration("PLATFORM_LOCK_TTL", &c.Locks.TTL); err != nil {
		return err
	}
	return envDuration("PLATFORM_LOCK_WAIT", &c.Locks.Wait)
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port %d out of range", ErrInvalid, c.Server.Port)
	}
	if c.Queue.Name == "" {
		return fmt.Errorf("%w: queue.name is empty", ErrInvalid)
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("%w: queue.max_attempts must be at least 1", ErrInvalid)
	}
	if c.Locks.TTL <= 0 || c.Locks.Wait < 0 {
		return fmt.Errorf("%w: lock ttl/wait out of range", ErrInvalid)
	}
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		return fmt.Errorf("%w: scheduler.timezone: %v", ErrInvalid, err)
	}
	return nil
}

// Location resolves the validated scheduler timezone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func envString(name string, dst *string) {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) error {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalid, name, err)
	}
	*dst = n
	return nil
}

func envDuration(name string, dst *time.Duration) error {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalid, name, err)
	}
	*dst = d
	return nil
}
