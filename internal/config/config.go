package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

type ServerConfig struct {
	Host         string
	Port         int
	TLSPort      int
	EnableTLS    bool
	AutoCert     bool
	Domain       string
	CertFile     string
	KeyFile      string
	AutoCertDir  string
	Email        string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	Enabled  bool
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Enabled  bool
	Nodes    []string
	Keyspace string
	Username string
	Password string
	CAPath   string
	CertPath string
	KeyPath  string
}

type KafkaConfig struct {
	Enabled    bool
	Brokers    []string
	AuditTopic string
}

type ClickhouseConfig struct {
	Enabled    bool
	URL        string
	Username   string
	Password   string
	Database   string
	AuditTable string
}

type ElasticsearchConfig struct {
	Enabled    bool
	URL        string
	Username   string
	Password   string
	AuditIndex string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

type HashingConfig struct {
	Argon2MemoryCost   int
	Argon2TimeCost     int
	Argon2Parallelism  int
	PepperSecret       string
	PepperRotationDays int
}

// OTPConfig carries the challenge lifecycle knobs: per-channel TTLs and
// attempt budgets, the proactive fallback timeout, the send retry bound
// and resend throttling.
type OTPConfig struct {
	Digits           int
	SMSTTL           time.Duration
	EmailTTL         time.Duration
	SMSMaxAttempts   int
	EmailMaxAttempts int
	FallbackTimeout  time.Duration
	SendRetries      int
	ResendCooldown   time.Duration
	ResendMax        int
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Subject  string
}

type BucketingConfig struct {
	ConsentBuckets int
	EventBuckets   int
}

type Config struct {
	Environment   string
	Server        ServerConfig
	Logging       LoggingConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Clickhouse    ClickhouseConfig
	Elasticsearch ElasticsearchConfig
	KMS           KMSConfig
	Hashing       HashingConfig
	OTP           OTPConfig
	Twilio        TwilioConfig
	SMTP          SMTPConfig
	Bucketing     BucketingConfig
}

var (
	globalConfig *Config
	loadOnce     sync.Once
)

// LoadConfig reads configuration from the environment, loading a .env file
// first when present (development convenience, same layout as docker-compose).
func LoadConfig() *Config {
	loadOnce.Do(func() {
		_ = godotenv.Load()

		globalConfig = &Config{
			Environment: getEnv("ENVIRONMENT", "development"),
			Server: ServerConfig{
				Host:         getEnv("SERVER_HOST", "0.0.0.0"),
				Port:         getEnvInt("SERVER_PORT", 8080),
				TLSPort:      getEnvInt("SERVER_TLS_PORT", 8443),
				EnableTLS:    getEnvBool("SERVER_ENABLE_TLS", false),
				AutoCert:     getEnvBool("SERVER_AUTO_CERT", false),
				Domain:       getEnv("SERVER_DOMAIN", ""),
				CertFile:     getEnv("SERVER_CERT_FILE", ""),
				KeyFile:      getEnv("SERVER_KEY_FILE", ""),
				AutoCertDir:  getEnv("SERVER_AUTOCERT_DIR", "/var/cache/autocert"),
				Email:        getEnv("SERVER_ACME_EMAIL", ""),
				ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
				WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
				IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			},
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "json"),
			},
			Redis: RedisConfig{
				Enabled:  getEnvBool("REDIS_ENABLED", false),
				URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
				Password: getEnv("REDIS_PASSWORD", ""),
				DB:       getEnvInt("REDIS_DB", 0),
				PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
			},
			Scylla: ScyllaConfig{
				Enabled:  getEnvBool("SCYLLA_ENABLED", false),
				Nodes:    getEnvList("SCYLLA_NODES", "localhost:9042"),
				Keyspace: getEnv("SCYLLA_KEYSPACE", "consent_otp"),
				Username: getEnv("SCYLLA_USERNAME", ""),
				Password: getEnv("SCYLLA_PASSWORD", ""),
				CAPath:   getEnv("SCYLLA_CA_FILE", "/etc/certs/ca.pem"),
				CertPath: getEnv("SCYLLA_CERT_FILE", "/etc/certs/client.pem"),
				KeyPath:  getEnv("SCYLLA_KEY_FILE", "/etc/certs/client.key"),
			},
			Kafka: KafkaConfig{
				Enabled:    getEnvBool("KAFKA_ENABLED", false),
				Brokers:    getEnvList("KAFKA_BROKERS", "localhost:9092"),
				AuditTopic: getEnv("KAFKA_AUDIT_TOPIC", "otp-audit-events"),
			},
			Clickhouse: ClickhouseConfig{
				Enabled:    getEnvBool("CLICKHOUSE_ENABLED", false),
				URL:        getEnv("CLICKHOUSE_URL", "http://localhost:8123"),
				Username:   getEnv("CLICKHOUSE_USERNAME", "default"),
				Password:   getEnv("CLICKHOUSE_PASSWORD", ""),
				Database:   getEnv("CLICKHOUSE_DATABASE", "consent_otp"),
				AuditTable: getEnv("CLICKHOUSE_AUDIT_TABLE", "otp_audit_events"),
			},
			Elasticsearch: ElasticsearchConfig{
				Enabled:    getEnvBool("ELASTIC_ENABLED", false),
				URL:        getEnv("ELASTIC_URL", "http://localhost:9200"),
				Username:   getEnv("ELASTIC_USERNAME", ""),
				Password:   getEnv("ELASTIC_PASSWORD", ""),
				AuditIndex: getEnv("ELASTIC_AUDIT_INDEX", "otp-audit"),
			},
			KMS: KMSConfig{
				Enabled: getEnvBool("KMS_ENABLED", false),
				KeyID:   getEnv("KMS_KEY_ID", ""),
				Region:  getEnv("KMS_REGION", "us-east-1"),
			},
			Hashing: HashingConfig{
				Argon2MemoryCost:   getEnvInt("ARGON2_MEMORY_COST", 64*1024),
				Argon2TimeCost:     getEnvInt("ARGON2_TIME_COST", 3),
				Argon2Parallelism:  getEnvInt("ARGON2_PARALLELISM", 2),
				PepperSecret:       getEnv("HASH_PEPPER_SECRET", ""),
				PepperRotationDays: getEnvInt("PEPPER_ROTATION_DAYS", 30),
			},
			OTP: OTPConfig{
				Digits:           getEnvInt("OTP_DIGITS", 6),
				SMSTTL:           getEnvDuration("OTP_SMS_TTL", 10*time.Minute),
				EmailTTL:         getEnvDuration("OTP_EMAIL_TTL", 10*time.Minute),
				SMSMaxAttempts:   getEnvInt("OTP_SMS_MAX_ATTEMPTS", 5),
				EmailMaxAttempts: getEnvInt("OTP_EMAIL_MAX_ATTEMPTS", 5),
				FallbackTimeout:  getEnvDuration("OTP_FALLBACK_TIMEOUT", 10*time.Minute),
				SendRetries:      getEnvInt("OTP_SEND_RETRIES", 2),
				ResendCooldown:   getEnvDuration("OTP_RESEND_COOLDOWN", 60*time.Second),
				ResendMax:        getEnvInt("OTP_RESEND_MAX", 3),
			},
			Twilio: TwilioConfig{
				AccountSID: getEnv("TWILIO_ACCOUNT_SID", ""),
				AuthToken:  getEnv("TWILIO_AUTH_TOKEN", ""),
				FromNumber: getEnv("TWILIO_FROM_NUMBER", ""),
			},
			SMTP: SMTPConfig{
				Host:     getEnv("SMTP_HOST", ""),
				Port:     getEnvInt("SMTP_PORT", 587),
				Username: getEnv("SMTP_USERNAME", ""),
				Password: getEnv("SMTP_PASSWORD", ""),
				From:     getEnv("SMTP_FROM", "no-reply@congente.co"),
				Subject:  getEnv("SMTP_SUBJECT", "Codigo OTP de autorizacion"),
			},
			Bucketing: BucketingConfig{
				ConsentBuckets: getEnvInt("CONSENT_BUCKETS", 64),
				EventBuckets:   getEnvInt("EVENT_BUCKETS", 16),
			},
		}
	})

	return globalConfig
}

// Get returns the loaded configuration, loading it on first use.
func Get() *Config {
	if globalConfig == nil {
		return LoadConfig()
	}
	return globalConfig
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return !c.IsProduction()
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvList(key, defaultValue string) []string {
	raw := getEnv(key, defaultValue)
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
