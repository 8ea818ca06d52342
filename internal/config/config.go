package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is built once at process start and handed to every constructor.
// Nothing below internal/config reads the environment directly.
type Config struct {
	Environment string
	ServiceName string

	Server        ServerConfig
	Logging       LoggingConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Kafka         KafkaConfig
	Elasticsearch ElasticsearchConfig
	Clickhouse    ClickhouseConfig
	Scylla        ScyllaConfig
	Bucketing     BucketingConfig

	RateLimit RateLimitConfig
	Alerts    AlertConfig
	Security  SecurityConfig
}

type ServerConfig struct {
	Port         int
	TLSPort      int
	EnableTLS    bool
	AutoCert     bool
	Domain       string
	Email        string
	CertFile     string
	KeyFile      string
	AutoCertDir  string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	AllowedOrigins []string
}

type LoggingConfig struct {
	Level  string
	Format string
}

type DatabaseConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	QueryTimeout    time.Duration
	AutoMigrate     bool
}

type RedisConfig struct {
	Enabled     bool
	URL         string
	Password    string
	DB          int
	PoolSize    int
	TLSCAFile   string
	TLSCertFile string
	TLSKeyFile  string
	// Retention bounds how long request markers are kept in the window sets.
	Retention   time.Duration
}

type KafkaConfig struct {
	Enabled      bool
	Brokers      []string
	EventTopic   string
	AlertTopic   string
	WriteTimeout time.Duration
}

type ElasticsearchConfig struct {
	Enabled    bool
	URL        string
	Username   string
	Password   string
	EventIndex string
	AlertIndex string
}

type ClickhouseConfig struct {
	Enabled  bool
	URL      string
	Username string
	Password string
	Database string
	CAFile   string
}

type ScyllaConfig struct {
	Enabled  bool
	Nodes    []string
	Keyspace string
	Username string
	Password string
	UseTLS   bool
	CAPath   string
}

type BucketingConfig struct {
	EventBuckets int
}

// RateLimit backends.
const (
	BackendDatabase = "database"
	BackendRedis    = "redis"
)

// LimitRule is one configured rate-limit scope. A zero Window or negative
// Burst means "inherit from the IP default".
type LimitRule struct {
	Limit  int
	Window time.Duration
	Burst  int
}

type RateLimitConfig struct {
	Backend     string
	Default     LimitRule
	Endpoints   map[string]LimitRule
	APIKeys     map[string]LimitRule
	AlertOnDeny bool
}

type AlertConfig struct {
	DedupEnabled    bool
	DedupWindow     time.Duration
	DeliveryTimeout time.Duration

	DefaultAdmin       string
	CriticalRecipients []string
	WarningRecipients  []string
	InfoRecipients     []string

	Mail    MailConfig
	Webhook WebhookConfig
}

type MailConfig struct {
	Enabled  bool
	Relay    string
	Username string
	Password string
	From     string
}

type WebhookConfig struct {
	Enabled      bool
	URL          string
	Channel      string
	Username     string
	IconEmoji    string
	RatePerSec   float64
	MaxFailures  uint32
	OpenInterval time.Duration
}

type SecurityConfig struct {
	DefaultBlockDuration time.Duration
}

// LoadConfig loads an optional .env file and then reads the environment.
func LoadConfig() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from an arbitrary lookup function, which keeps
// parsing testable without touching the process environment.
func FromLookup(lookup func(string) (string, bool)) (*Config, error) {
	e := env{lookup: lookup}

	cfg := &Config{
		Environment: e.str("ENVIRONMENT", "development"),
		ServiceName: e.str("SERVICE_NAME", "secmon"),
		Server: ServerConfig{
			Port:         e.int("SERVER_PORT", 8080),
			TLSPort:      e.int("SERVER_TLS_PORT", 8443),
			EnableTLS:    e.bool("SERVER_ENABLE_TLS", false),
			AutoCert:     e.bool("SERVER_AUTOCERT", false),
			Domain:       e.str("SERVER_DOMAIN", "localhost"),
			Email:        e.str("SERVER_ACME_EMAIL", ""),
			CertFile:     e.str("SERVER_CERT_FILE", ""),
			KeyFile:      e.str("SERVER_KEY_FILE", ""),
			AutoCertDir:  e.str("SERVER_AUTOCERT_DIR", "./certs"),
			ReadTimeout:  e.duration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: e.duration("SERVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:  e.duration("SERVER_IDLE_TIMEOUT", 60*time.Second),

			AllowedOrigins: e.list("SERVER_CORS_ORIGINS", []string{"https://*"}),
		},
		Logging: LoggingConfig{
			Level:  e.str("LOG_LEVEL", "info"),
			Format: e.str("LOG_FORMAT", "json"),
		},
		Database: DatabaseConfig{
			DSN:             e.str("DATABASE_DSN", "host=localhost port=5432 user=secmon password=secmon dbname=secmon sslmode=disable"),
			MaxOpenConns:    e.int("DATABASE_MAX_OPEN_CONNS", 20),
			MaxIdleConns:    e.int("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: e.duration("DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
			QueryTimeout:    e.duration("DATABASE_QUERY_TIMEOUT", 3*time.Second),
			AutoMigrate:     e.bool("DATABASE_AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			Enabled:     e.bool("REDIS_ENABLED", false),
			URL:         e.str("REDIS_URL", "redis://localhost:6379/0"),
			Password:    e.str("REDIS_PASSWORD", ""),
			DB:          e.int("REDIS_DB", 0),
			PoolSize:    e.int("REDIS_POOL_SIZE", 20),
			TLSCAFile:   e.str("REDIS_TLS_CA_FILE", "/app/certs/ca.crt"),
			TLSCertFile: e.str("REDIS_TLS_CERT_FILE", "/app/certs/redis.crt"),
			TLSKeyFile:  e.str("REDIS_TLS_KEY_FILE", "/app/certs/redis.key"),
			Retention:   e.duration("REDIS_WINDOW_RETENTION", time.Hour),
		},
		Kafka: KafkaConfig{
			Enabled:      e.bool("KAFKA_ENABLED", false),
			Brokers:      e.list("KAFKA_BROKERS", []string{"localhost:9092"}),
			EventTopic:   e.str("KAFKA_EVENT_TOPIC", "security-events"),
			AlertTopic:   e.str("KAFKA_ALERT_TOPIC", "security-alerts"),
			WriteTimeout: e.duration("KAFKA_WRITE_TIMEOUT", 3*time.Second),
		},
		Elasticsearch: ElasticsearchConfig{
			Enabled:    e.bool("ELASTICSEARCH_ENABLED", false),
			URL:        e.str("ELASTICSEARCH_URL", "http://localhost:9200"),
			Username:   e.str("ELASTICSEARCH_USERNAME", ""),
			Password:   e.str("ELASTICSEARCH_PASSWORD", ""),
			EventIndex: e.str("ELASTICSEARCH_EVENT_INDEX", "security-events"),
			AlertIndex: e.str("ELASTICSEARCH_ALERT_INDEX", "security-alerts"),
		},
		Clickhouse: ClickhouseConfig{
			Enabled:  e.bool("CLICKHOUSE_ENABLED", false),
			URL:      e.str("CLICKHOUSE_URL", "http://localhost:9000"),
			Username: e.str("CLICKHOUSE_USERNAME", "default"),
			Password: e.str("CLICKHOUSE_PASSWORD", ""),
			Database: e.str("CLICKHOUSE_DATABASE", "secmon"),
			CAFile:   e.str("CLICKHOUSE_CA_FILE", ""),
		},
		Scylla: ScyllaConfig{
			Enabled:  e.bool("SCYLLA_ENABLED", false),
			Nodes:    e.list("SCYLLA_NODES", []string{"localhost:9042"}),
			Keyspace: e.str("SCYLLA_KEYSPACE", "secmon"),
			Username: e.str("SCYLLA_USERNAME", ""),
			Password: e.str("SCYLLA_PASSWORD", ""),
			UseTLS:   e.bool("SCYLLA_TLS", false),
			CAPath:   e.str("SCYLLA_CA_PATH", ""),
		},
		Bucketing: BucketingConfig{
			EventBuckets: e.int("EVENT_BUCKETS", 64),
		},
		RateLimit: RateLimitConfig{
			Backend:     strings.ToLower(e.str("RATE_LIMIT_BACKEND", BackendDatabase)),
			AlertOnDeny: e.bool("RATE_LIMIT_ALERT_ON_DENY", true),
		},
		Alerts: AlertConfig{
			DedupEnabled:       e.bool("ALERT_DEDUP_ENABLED", true),
			DedupWindow:        e.duration("ALERT_DEDUP_WINDOW", 5*time.Minute),
			DeliveryTimeout:    e.duration("ALERT_DELIVERY_TIMEOUT", 5*time.Second),
			DefaultAdmin:       e.str("ALERT_DEFAULT_ADMIN", ""),
			CriticalRecipients: e.list("ALERT_CRITICAL_RECIPIENTS", nil),
			WarningRecipients:  e.list("ALERT_WARNING_RECIPIENTS", nil),
			InfoRecipients:     e.list("ALERT_INFO_RECIPIENTS", nil),
			Mail: MailConfig{
				Enabled:  e.bool("ALERT_MAIL_ENABLED", false),
				Relay:    e.str("ALERT_MAIL_RELAY", ""),
				Username: e.str("ALERT_MAIL_USERNAME", ""),
				Password: e.str("ALERT_MAIL_PASSWORD", ""),
				From:     e.str("ALERT_MAIL_FROM", "secmon@localhost"),
			},
			Webhook: WebhookConfig{
				Enabled:      e.bool("ALERT_WEBHOOK_ENABLED", false),
				URL:          e.str("ALERT_WEBHOOK_URL", ""),
				Channel:      e.str("ALERT_WEBHOOK_CHANNEL", ""),
				Username:     e.str("ALERT_WEBHOOK_USERNAME", "secmon"),
				IconEmoji:    e.str("ALERT_WEBHOOK_ICON_EMOJI", ":rotating_light:"),
				RatePerSec:   e.float("ALERT_WEBHOOK_RATE", 1),
				MaxFailures:  uint32(e.int("ALERT_WEBHOOK_MAX_FAILURES", 5)),
				OpenInterval: e.duration("ALERT_WEBHOOK_OPEN_INTERVAL", 30*time.Second),
			},
		},
		Security: SecurityConfig{
			DefaultBlockDuration: e.duration("BLOCK_DEFAULT_DURATION", time.Hour),
		},
	}

	var err error
	cfg.RateLimit.Default, err = ParseLimitRule(e.str("RATE_LIMIT_DEFAULT", "60:60s:10"))
	if err != nil {
		return nil, fmt.Errorf("RATE_LIMIT_DEFAULT: %w", err)
	}
	if cfg.RateLimit.Default.Window <= 0 {
		cfg.RateLimit.Default.Window = 60 * time.Second
	}
	if cfg.RateLimit.Default.Burst < 0 {
		cfg.RateLimit.Default.Burst = 0
	}
	if cfg.RateLimit.Endpoints, err = ParseLimitRules(e.str("RATE_LIMIT_ENDPOINTS", "")); err != nil {
		return nil, fmt.Errorf("RATE_LIMIT_ENDPOINTS: %w", err)
	}
	if cfg.RateLimit.APIKeys, err = ParseLimitRules(e.str("RATE_LIMIT_API_KEYS", "")); err != nil {
		return nil, fmt.Errorf("RATE_LIMIT_API_KEYS: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if e.err != nil {
		return nil, e.err
	}
	return cfg, nil
}

// Validate rejects combinations the components cannot run with.
func (c *Config) Validate() error {
	switch c.RateLimit.Backend {
	case BackendDatabase:
	case BackendRedis:
		if !c.Redis.Enabled {
			return fmt.Errorf("rate limit backend %q requires REDIS_ENABLED=true", c.RateLimit.Backend)
		}
	default:
		return fmt.Errorf("unknown rate limit backend %q", c.RateLimit.Backend)
	}
	if c.Alerts.DedupEnabled && c.Alerts.DedupWindow <= 0 {
		return fmt.Errorf("ALERT_DEDUP_WINDOW must be positive when deduplication is enabled")
	}
	if c.Security.DefaultBlockDuration <= 0 {
		return fmt.Errorf("BLOCK_DEFAULT_DURATION must be positive")
	}
	if c.Bucketing.EventBuckets <= 0 {
		return fmt.Errorf("EVENT_BUCKETS must be positive")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// ParseLimitRule parses "limit[:window[:burst]]", e.g. "60", "60:30s" or "60:1m:10".
// Omitted parts inherit from the default rule (zero window, burst -1).
func ParseLimitRule(raw string) (LimitRule, error) {
	rule := LimitRule{Burst: -1}
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) == 0 || len(parts) > 3 || parts[0] == "" {
		return rule, fmt.Errorf("invalid limit rule %q", raw)
	}

	limit, err := strconv.Atoi(parts[0])
	if err != nil || limit < 0 {
		return rule, fmt.Errorf("invalid limit %q", parts[0])
	}
	rule.Limit = limit

	if len(parts) > 1 && parts[1] != "" {
		window, err := time.ParseDuration(parts[1])
		if err != nil || window <= 0 {
			return rule, fmt.Errorf("invalid window %q", parts[1])
		}
		rule.Window = window
	}
	if len(parts) > 2 && parts[2] != "" {
		burst, err := strconv.Atoi(parts[2])
		if err != nil || burst < 0 {
			return rule, fmt.Errorf("invalid burst %q", parts[2])
		}
		rule.Burst = burst
	}
	return rule, nil
}

// ParseLimitRules parses a comma separated "key=rule" list.
func ParseLimitRules(raw string) (map[string]LimitRule, error) {
	rules := make(map[string]LimitRule)
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		key, value, ok := strings.Cut(item, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid rule entry %q", item)
		}
		rule, err := ParseLimitRule(value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		rules[key] = rule
	}
	return rules, nil
}

type env struct {
	lookup func(string) (string, bool)
	err    error
}

func (e *env) str(key, def string) string {
	if v, ok := e.lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (e *env) int(key string, def int) int {
	raw := e.str(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		e.fail(key, raw)
		return def
	}
	return v
}

func (e *env) float(key string, def float64) float64 {
	raw := e.str(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		e.fail(key, raw)
		return def
	}
	return v
}

func (e *env) bool(key string, def bool) bool {
	raw := e.str(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		e.fail(key, raw)
		return def
	}
	return v
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	raw := e.str(key, "")
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		// Bare integers are seconds.
		secs, intErr := strconv.Atoi(raw)
		if intErr != nil {
			e.fail(key, raw)
			return def
		}
		return time.Duration(secs) * time.Second
	}
	return v
}

func (e *env) list(key string, def []string) []string {
	raw := e.str(key, "")
	if raw == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (e *env) fail(key, raw string) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid value %q for %s", raw, key)
	}
}
