// Package config loads service configuration from defaults, an optional YAML
// file and YARDLINK_ environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const (
	// PathEnvVar names the optional YAML config file.
	PathEnvVar = "YARDLINK_CONFIG"
	envPrefix  = "YARDLINK_"

	minSecretLength = 32
)

type Config struct {
	HTTP     HTTPConfig     `koanf:"http"`
	Database DatabaseConfig `koanf:"database"`
	Links    LinksConfig    `koanf:"links"`
	WhatsApp WhatsAppConfig `koanf:"whatsapp"`
	SMTP     SMTPConfig     `koanf:"smtp"`
	Webhook  WebhookConfig  `koanf:"webhook"`
	NATS     NATSConfig     `koanf:"nats"`
	Redis    RedisConfig    `koanf:"redis"`
	Auth     AuthConfig     `koanf:"auth"`
	Dispatch DispatchConfig `koanf:"dispatch"`
	Log      LogConfig      `koanf:"log"`
}

type HTTPConfig struct {
	Addr            string        `koanf:"addr"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	TrustedProxies  []string      `koanf:"trusted_proxies"`
	ValidateRPS     float64       `koanf:"validate_rps"`
	ValidateBurst   int           `koanf:"validate_burst"`
}

// DatabaseConfig selects PostgreSQL when DSN is set and the in-memory store otherwise.
type DatabaseConfig struct {
	DSN string `koanf:"dsn"`
}

type LinksConfig struct {
	BaseURL string        `koanf:"base_url"`
	TTL     time.Duration `koanf:"ttl"`
}

type WhatsAppConfig struct {
	APIURL         string        `koanf:"api_url"`
	AccountSID     string        `koanf:"account_sid"`
	AuthToken      string        `koanf:"auth_token"`
	From           string        `koanf:"from"`
	StatusCallback string        `koanf:"status_callback"`
	Timeout        time.Duration `koanf:"timeout"`
}

type SMTPConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	Username        string        `koanf:"username"`
	Password        string        `koanf:"password"`
	From            string        `koanf:"from"`
	FromName        string        `koanf:"from_name"`
	StartTLS        bool          `koanf:"starttls"`
	Timeout         time.Duration `koanf:"timeout"`
	MessageIDDomain string        `koanf:"message_id_domain"`
}

type WebhookConfig struct {
	Secret string `koanf:"secret"`
	// Async publishes verified reports to the status topic instead of
	// processing them inline. Requires NATS.
	Async bool `koanf:"async"`
}

// NATSConfig enables the status consumer when URL is set.
type NATSConfig struct {
	URL         string        `koanf:"url"`
	StatusTopic string        `koanf:"status_topic"`
	DLQTopic    string        `koanf:"dlq_topic"`
	QueueGroup  string        `koanf:"queue_group"`
	DurableName string        `koanf:"durable_name"`
	Subscribers int           `koanf:"subscribers"`
	AckWait     time.Duration `koanf:"ack_wait"`
	MaxDeliver  int           `koanf:"max_deliver"`
}

// RedisConfig enables the shared status deduper when Addr is set.
type RedisConfig struct {
	Addr     string        `koanf:"addr"`
	Password string        `koanf:"password"`
	DB       int           `koanf:"db"`
	DedupTTL time.Duration `koanf:"dedup_ttl"`
}

type AuthConfig struct {
	Secret     string        `koanf:"secret"`
	Issuer     string        `koanf:"issuer"`
	SessionTTL time.Duration `koanf:"session_ttl"`
	// OperatorAuth requires a bearer token on the operator websocket.
	OperatorAuth bool `koanf:"operator_auth"`
}

type DispatchConfig struct {
	Workers     int           `koanf:"workers"`
	QueueSize   int           `koanf:"queue_size"`
	SendTimeout time.Duration `koanf:"send_timeout"`
	Chain       []string      `koanf:"chain"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

func defaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 20 * time.Second,
			ValidateRPS:     5,
			ValidateBurst:   10,
		},
		Links: LinksConfig{TTL: 24 * time.Hour},
		WhatsApp: WhatsAppConfig{
			APIURL:  "https://api.twilio.com",
			Timeout: 10 * time.Second,
		},
		SMTP: SMTPConfig{
			Port:     587,
			StartTLS: true,
			Timeout:  10 * time.Second,
			FromName: "Yardlink",
		},
		NATS: NATSConfig{
			StatusTopic: "delivery.status",
			DLQTopic:    "delivery.status.dlq",
			QueueGroup:  "yardlink",
			DurableName: "yardlink-status",
			Subscribers: 1,
			AckWait:     30 * time.Second,
			MaxDeliver:  5,
		},
		Redis: RedisConfig{DedupTTL: 24 * time.Hour},
		Auth: AuthConfig{
			Issuer:       "yardlink",
			SessionTTL:   12 * time.Hour,
			OperatorAuth: true,
		},
		Dispatch: DispatchConfig{
			Workers:     4,
			QueueSize:   256,
			SendTimeout: 15 * time.Second,
			Chain:       []string{"whatsapp", "email", "operator"},
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// envKeys maps variable names (without the YARDLINK_ prefix, lower-cased)
// to config paths. Variables not listed are ignored.
var envKeys = map[string]string{
	"http_addr":             "http.addr",
	"http_read_timeout":     "http.read_timeout",
	"http_write_timeout":    "http.write_timeout",
	"http_shutdown_timeout": "http.shutdown_timeout",
	"cors_origins":          "http.cors_origins",
	"trusted_proxies":       "http.trusted_proxies",
	"validate_rps":          "http.validate_rps",
	"validate_burst":        "http.validate_burst",

	"pg_dsn":       "database.dsn",
	"database_dsn": "database.dsn",

	"base_url": "links.base_url",
	"link_ttl": "links.ttl",

	"whatsapp_api_url":         "whatsapp.api_url",
	"whatsapp_account_sid":     "whatsapp.account_sid",
	"whatsapp_auth_token":      "whatsapp.auth_token",
	"whatsapp_from":            "whatsapp.from",
	"whatsapp_status_callback": "whatsapp.status_callback",
	"whatsapp_timeout":         "whatsapp.timeout",

	"smtp_host":              "smtp.host",
	"smtp_port":              "smtp.port",
	"smtp_username":          "smtp.username",
	"smtp_password":          "smtp.password",
	"smtp_from":              "smtp.from",
	"smtp_from_name":         "smtp.from_name",
	"smtp_starttls":          "smtp.starttls",
	"smtp_timeout":           "smtp.timeout",
	"smtp_message_id_domain": "smtp.message_id_domain",

	"webhook_secret": "webhook.secret",
	"webhook_async":  "webhook.async",

	"nats_url":          "nats.url",
	"nats_status_topic": "nats.status_topic",
	"nats_dlq_topic":    "nats.dlq_topic",
	"nats_queue_group":  "nats.queue_group",
	"nats_durable_name": "nats.durable_name",
	"nats_subscribers":  "nats.subscribers",
	"nats_ack_wait":     "nats.ack_wait",
	"nats_max_deliver":  "nats.max_deliver",

	"redis_addr":      "redis.addr",
	"redis_password":  "redis.password",
	"redis_db":        "redis.db",
	"redis_dedup_ttl": "redis.dedup_ttl",

	"auth_secret":        "auth.secret",
	"auth_issuer":        "auth.issuer",
	"session_ttl":        "auth.session_ttl",
	"operator_auth":      "auth.operator_auth",
	"dispatch_workers":   "dispatch.workers",
	"dispatch_queue":     "dispatch.queue_size",
	"dispatch_timeout":   "dispatch.send_timeout",
	"notification_chain": "dispatch.chain",

	"log_level":  "log.level",
	"log_format": "log.format",
}

// sliceKeys are parsed from comma-separated strings when they come from env.
var sliceKeys = []string{"http.cors_origins", "http.trusted_proxies", "dispatch.chain"}

func envTransform(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
	return envKeys[key]
}

// Load builds the configuration and validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}
	if path := strings.TrimSpace(os.Getenv(PathEnvVar)); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(envPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}
	if err := splitSlices(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitSlices(k *koanf.Koanf) error {
	for _, path := range sliceKeys {
		raw, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		var parts []string
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if err := k.Set(path, parts); err != nil {
			return fmt.Errorf("config: set %s: %w", path, err)
		}
	}
	return nil
}

// Validate checks settings that have no usable default.
func (c *Config) Validate() error {
	var errs []error

	u, err := url.Parse(strings.TrimSpace(c.Links.BaseURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, errors.New("links.base_url must be an absolute http(s) URL"))
	}
	if c.Links.TTL <= 0 {
		errs = append(errs, errors.New("links.ttl must be positive"))
	}
	if len(c.Webhook.Secret) < minSecretLength {
		errs = append(errs, fmt.Errorf("webhook.secret must be at least %d bytes", minSecretLength))
	}
	if len(c.Auth.Secret) < minSecretLength {
		errs = append(errs, fmt.Errorf("auth.secret must be at least %d bytes", minSecretLength))
	}
	if c.Webhook.Async && c.NATS.URL == "" {
		errs = append(errs, errors.New("webhook.async requires nats.url"))
	}
	if c.Dispatch.Workers <= 0 || c.Dispatch.QueueSize <= 0 {
		errs = append(errs, errors.New("dispatch.workers and dispatch.queue_size must be positive"))
	}
	if len(c.Dispatch.Chain) == 0 {
		errs = append(errs, errors.New("dispatch.chain must not be empty"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
