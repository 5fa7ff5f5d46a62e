// Package config loads service settings from an optional YAML file and the
// environment. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"meshtrust/pkg/keys"
)

type Config struct {
	Service     string `yaml:"service"`
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`
	// StrictProdSecurity enables ValidateProduction in production-like
	// environments.
	StrictProdSecurity bool `yaml:"strict_prod_security"`

	HTTP      HTTPConfig      `yaml:"http"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Keys      KeysConfig      `yaml:"keys"`
	Authz     AuthzConfig     `yaml:"authz"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Replay    ReplayConfig    `yaml:"replay"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	S3        S3Config        `yaml:"s3"`
	Ingest    IngestConfig    `yaml:"ingest"`
}

type HTTPConfig struct {
	Addr                string        `yaml:"addr"`
	MaxRequestBodyBytes int64         `yaml:"max_request_body_bytes"`
	ReadHeaderTimeout   time.Duration `yaml:"read_header_timeout"`
	ReadTimeout         time.Duration `yaml:"read_timeout"`
	// WriteTimeout is not applied to websocket streams.
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins string        `yaml:"cors_allowed_origins"`
	// StatusTokens is a comma separated list of name=token pairs for the
	// status API.
	StatusTokens string `yaml:"status_tokens"`
}

type DatabaseConfig struct {
	URL            string `yaml:"url"`
	RequireTLS     bool   `yaml:"require_tls"`
	MaxConns       int32  `yaml:"max_conns"`
	ConnectRetries int    `yaml:"connect_retries"`
}

type RedisConfig struct {
	Addr             string `yaml:"addr"`
	Password         string `yaml:"password"`
	DB               int    `yaml:"db"`
	TLS              bool   `yaml:"tls"`
	RequireTLS       bool   `yaml:"require_tls"`
	TLSInsecure      bool   `yaml:"tls_insecure"`
	AllowInsecureTLS bool   `yaml:"allow_insecure_tls"`
	TLSServerName    string `yaml:"tls_server_name"`
	CACertFile       string `yaml:"ca_cert_file"`
	CertFile         string `yaml:"cert_file"`
	KeyFile          string `yaml:"key_file"`
}

type KeysConfig struct {
	// SigningKeyB64 holds a base64 ed25519 seed or private key. It takes
	// precedence over SigningKeyPath.
	SigningKeyB64  string `yaml:"signing_key_b64"`
	SigningKeyPath string `yaml:"signing_key_path"`
	// ServerPubkey is the base58 key clients expect responses signed with.
	ServerPubkey string `yaml:"server_pubkey"`
	// AdminPubkeys are registered as administrators on startup.
	AdminPubkeys []string `yaml:"admin_pubkeys"`
}

type AuthzConfig struct {
	LookupTimeout   time.Duration `yaml:"lookup_timeout"`
	MaxStaleness    time.Duration `yaml:"max_staleness"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	// RemoteURL points verifierd at a configd instance instead of the local
	// key table.
	RemoteURL string `yaml:"remote_url"`
}

type RateLimitConfig struct {
	Window time.Duration `yaml:"window"`
	Limit  int           `yaml:"limit"`
}

type ReplayConfig struct {
	Skew time.Duration `yaml:"skew"`
	TTL  time.Duration `yaml:"ttl"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

type S3Config struct {
	Endpoint       string `yaml:"endpoint"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	UseTLS         bool   `yaml:"use_tls"`
	IncomingBucket string `yaml:"incoming_bucket"`
	AuditBucket    string `yaml:"audit_bucket"`
}

type IngestConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval"`
	Lookback      time.Duration `yaml:"lookback"`
	FileTimeout   time.Duration `yaml:"file_timeout"`
	StartAfter    time.Time     `yaml:"start_after"`
	AuditDir      string        `yaml:"audit_dir"`
	AuditMaxBytes int64         `yaml:"audit_max_bytes"`
}

func Default() Config {
	return Config{
		Environment:        "development",
		LogLevel:           "info",
		StrictProdSecurity: true,
		HTTP: HTTPConfig{
			Addr:                ":8090",
			MaxRequestBodyBytes: 1 << 20,
			ReadHeaderTimeout:   5 * time.Second,
			ReadTimeout:         15 * time.Second,
			WriteTimeout:        30 * time.Second,
			IdleTimeout:         120 * time.Second,
		},
		Database: DatabaseConfig{MaxConns: 10, ConnectRetries: 30},
		Redis:    RedisConfig{Addr: "localhost:6379"},
		Authz: AuthzConfig{
			LookupTimeout:   2 * time.Second,
			MaxStaleness:    5 * time.Minute,
			RefreshInterval: time.Minute,
		},
		RateLimit: RateLimitConfig{Window: time.Minute, Limit: 600},
		Replay:    ReplayConfig{Skew: 5 * time.Minute, TTL: 10 * time.Minute},
		Kafka:     KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "meshtrust.files", GroupID: "verifierd"},
		S3: S3Config{
			Endpoint:       "localhost:9000",
			IncomingBucket: "ingest",
			AuditBucket:    "verified",
		},
		Ingest: IngestConfig{
			PollInterval:  time.Minute,
			Lookback:      10 * time.Minute,
			FileTimeout:   5 * time.Minute,
			AuditDir:      os.TempDir(),
			AuditMaxBytes: 50 << 20,
		},
	}
}

// Load builds defaults, overlays the YAML file at path when path is not
// empty, then overlays the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Environment = env("ENVIRONMENT", env("APP_ENV", c.Environment))
	c.LogLevel = env("LOG_LEVEL", c.LogLevel)
	c.StrictProdSecurity = envBool("STRICT_PROD_SECURITY", c.StrictProdSecurity)

	c.HTTP.Addr = env("ADDR", c.HTTP.Addr)
	c.HTTP.MaxRequestBodyBytes = int64(envInt("MAX_REQUEST_BODY_BYTES", int(c.HTTP.MaxRequestBodyBytes)))
	c.HTTP.CORSAllowedOrigins = env("CORS_ALLOWED_ORIGINS", c.HTTP.CORSAllowedOrigins)
	c.HTTP.StatusTokens = env("STATUS_TOKENS", c.HTTP.StatusTokens)

	c.Database.URL = env("DATABASE_URL", c.Database.URL)
	c.Database.RequireTLS = envBool("DATABASE_REQUIRE_TLS", c.Database.RequireTLS)
	c.Database.MaxConns = int32(envInt("DATABASE_MAX_CONNS", int(c.Database.MaxConns)))

	c.Redis.Addr = env("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = env("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = envInt("REDIS_DB", c.Redis.DB)
	c.Redis.TLS = envBool("REDIS_TLS", c.Redis.TLS)
	c.Redis.RequireTLS = envBool("REDIS_REQUIRE_TLS", c.Redis.RequireTLS)
	c.Redis.TLSInsecure = envBool("REDIS_TLS_INSECURE", c.Redis.TLSInsecure)
	c.Redis.AllowInsecureTLS = envBool("REDIS_ALLOW_INSECURE_TLS", c.Redis.AllowInsecureTLS)
	c.Redis.TLSServerName = env("REDIS_TLS_SERVER_NAME", c.Redis.TLSServerName)
	c.Redis.CACertFile = env("REDIS_TLS_CA_CERT_FILE", c.Redis.CACertFile)
	c.Redis.CertFile = env("REDIS_TLS_CERT_FILE", c.Redis.CertFile)
	c.Redis.KeyFile = env("REDIS_TLS_KEY_FILE", c.Redis.KeyFile)

	c.Keys.SigningKeyB64 = env("SIGNING_KEY_B64", c.Keys.SigningKeyB64)
	c.Keys.SigningKeyPath = env("SIGNING_KEY_PATH", c.Keys.SigningKeyPath)
	c.Keys.ServerPubkey = env("SERVER_PUBKEY", c.Keys.ServerPubkey)
	c.Keys.AdminPubkeys = envList("ADMIN_PUBKEYS", c.Keys.AdminPubkeys)

	c.Authz.RemoteURL = env("AUTHZ_REMOTE_URL", c.Authz.RemoteURL)
	c.Authz.LookupTimeout = envDurationMS("AUTHZ_LOOKUP_TIMEOUT_MS", c.Authz.LookupTimeout)
	c.Authz.RefreshInterval = envDurationSec("AUTHZ_REFRESH_INTERVAL_SEC", c.Authz.RefreshInterval)

	c.RateLimit.Limit = envInt("RATE_LIMIT_PER_WINDOW", c.RateLimit.Limit)

	c.Kafka.Enabled = envBool("KAFKA_ENABLED", c.Kafka.Enabled)
	c.Kafka.Brokers = envList("KAFKA_BROKERS", c.Kafka.Brokers)
	c.Kafka.Topic = env("KAFKA_TOPIC", c.Kafka.Topic)
	c.Kafka.GroupID = env("KAFKA_GROUP_ID", c.Kafka.GroupID)

	c.S3.Endpoint = env("S3_ENDPOINT", c.S3.Endpoint)
	c.S3.AccessKey = env("S3_ACCESS_KEY", c.S3.AccessKey)
	c.S3.SecretKey = env("S3_SECRET_KEY", c.S3.SecretKey)
	c.S3.UseTLS = envBool("S3_USE_TLS", c.S3.UseTLS)
	c.S3.IncomingBucket = env("S3_INCOMING_BUCKET", c.S3.IncomingBucket)
	c.S3.AuditBucket = env("S3_AUDIT_BUCKET", c.S3.AuditBucket)

	c.Ingest.PollInterval = envDurationSec("INGEST_POLL_INTERVAL_SEC", c.Ingest.PollInterval)
	c.Ingest.FileTimeout = envDurationSec("INGEST_FILE_TIMEOUT_SEC", c.Ingest.FileTimeout)
	c.Ingest.AuditDir = env("AUDIT_DIR", c.Ingest.AuditDir)
	if raw := strings.TrimSpace(os.Getenv("INGEST_START_AFTER")); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return fmt.Errorf("INGEST_START_AFTER: %w", err)
		}
		c.Ingest.StartAfter = ts
	}
	return nil
}

// Validate checks settings every binary depends on.
func (c Config) Validate() error {
	var errs []error
	if c.HTTP.MaxRequestBodyBytes <= 0 {
		errs = append(errs, errors.New("http.max_request_body_bytes must be positive"))
	}
	if c.Authz.LookupTimeout <= 0 {
		errs = append(errs, errors.New("authz.lookup_timeout must be positive"))
	}
	if c.RateLimit.Limit <= 0 || c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("rate_limit.limit and rate_limit.window must be positive"))
	}
	if c.Replay.Skew <= 0 || c.Replay.TTL < c.Replay.Skew {
		errs = append(errs, errors.New("replay.ttl must cover replay.skew"))
	}
	if c.Ingest.FileTimeout <= 0 {
		errs = append(errs, errors.New("ingest.file_timeout must be positive"))
	}
	for _, raw := range c.Keys.AdminPubkeys {
		if _, err := keys.Parse(raw); err != nil {
			errs = append(errs, fmt.Errorf("keys.admin_pubkeys: %w", err))
		}
	}
	if c.Keys.ServerPubkey != "" {
		if _, err := keys.Parse(c.Keys.ServerPubkey); err != nil {
			errs = append(errs, fmt.Errorf("keys.server_pubkey: %w", err))
		}
	}
	return errors.Join(errs...)
}

// AdminKeys parses Keys.AdminPubkeys. Call Validate first.
func (c Config) AdminKeys() []keys.PublicKey {
	out := make([]keys.PublicKey, 0, len(c.Keys.AdminPubkeys))
	for _, raw := range c.Keys.AdminPubkeys {
		if pk, err := keys.Parse(raw); err == nil {
			out = append(out, pk)
		}
	}
	return out
}

func (c Config) SigningKeypair() (*keys.Keypair, error) {
	return keys.Load(c.Keys.SigningKeyB64, c.Keys.SigningKeyPath)
}

func env(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envBool(k string, def bool) bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(k)))
	switch raw {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func envList(k string, def []string) []string {
	raw := strings.TrimSpace(os.Getenv(k))
	if raw == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envDurationSec(k string, def time.Duration) time.Duration {
	if v := envInt(k, -1); v > 0 {
		return time.Duration(v) * time.Second
	}
	return def
}

func envDurationMS(k string, def time.Duration) time.Duration {
	if v := envInt(k, -1); v > 0 {
		return time.Duration(v) * time.Millisecond
	}
	return def
}
