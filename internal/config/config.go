package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config captures all runtime configuration for the notification dispatch
// service. Everything is read once at startup; there is no hot reload.
type Config struct {
	App       AppConfig
	Redis     RedisConfig
	Queues    QueueConfig
	Retry     RetryConfig
	SMTP      SMTPConfig
	EmailAPI  EmailAPIConfig
	Templates TemplateConfig
	Retention RetentionConfig
}

// AppConfig contains generic application level settings.
type AppConfig struct {
	Env      string
	Port     int
	LogLevel string
}

// RedisConfig describes the queue backend connection and the bounded
// startup retry policy applied by the connectivity monitor.
type RedisConfig struct {
	Host            string
	Port            int
	Password        string
	DB              int
	MaxConnRetries  int
	RetryDelayMs    int
	MaxRetryDelayMs int
}

// QueueConfig enumerates the queue names used by the pipeline.
type QueueConfig struct {
	Verification  string
	PasswordReset string
	Ack           string
}

// RetryConfig controls processor retry and backoff behaviour.
type RetryConfig struct {
	MaxAttempts        int
	BaseBackoffSeconds int
	MaxBackoffSeconds  int
	WorkerConcurrency  int
}

// SMTPConfig stores SMTP relay credentials for direct email delivery.
type SMTPConfig struct {
	Host string
	Port int
	User string
	Pass string
	From string
}

// EmailAPIConfig stores settings for the HTTP email API transport.
type EmailAPIConfig struct {
	BaseURL        string
	Token          string
	SenderEmail    string
	SenderName     string
	TimeoutSeconds int
}

// TemplateConfig controls template loading and rendering.
type TemplateConfig struct {
	Dir      string
	Locale   string
	Timezone string
}

// RetentionConfig controls cleanup of aged terminal notification records.
type RetentionConfig struct {
	Days int
}

// TransportKind selects which transport implementation a worker binds.
// Exactly one is active per deployment; this is the composition switch
// that prevents two senders competing for the same queue.
type TransportKind string

const (
	TransportSMTP TransportKind = "smtp"
	TransportAPI  TransportKind = "api"
)

// Load reads environment variables, applies defaults, validates required
// values and returns a populated Config instance.
func Load() (*Config, error) {
	_ = godotenv.Load()

	ldr := &envLoader{}

	cfg := &Config{}
	cfg.App.Env = ldr.getString("APP_ENV", "development", false)
	cfg.App.Port = ldr.getInt("APP_PORT", 8080, false)
	cfg.App.LogLevel = ldr.getString("LOG_LEVEL", "info", false)

	cfg.Redis.Host = ldr.getString("REDIS_HOST", "localhost", false)
	cfg.Redis.Port = ldr.getInt("REDIS_PORT", 6379, false)
	cfg.Redis.Password = ldr.getString("REDIS_PASSWORD", "", false)
	cfg.Redis.DB = ldr.getInt("REDIS_DB", 0, false)
	cfg.Redis.MaxConnRetries = ldr.getInt("REDIS_MAX_CONN_RETRIES", 5, false)
	cfg.Redis.RetryDelayMs = ldr.getInt("REDIS_RETRY_DELAY_MS", 500, false)
	cfg.Redis.MaxRetryDelayMs = ldr.getInt("REDIS_MAX_RETRY_DELAY_MS", 5000, false)

	cfg.Queues.Verification = ldr.getString("QUEUE_VERIFICATION", "email-verification", false)
	cfg.Queues.PasswordReset = ldr.getString("QUEUE_PASSWORD_RESET", "password-reset", false)
	cfg.Queues.Ack = ldr.getString("QUEUE_ACK", "notification-ack", false)

	cfg.Retry.MaxAttempts = ldr.getInt("MAX_ATTEMPTS", 3, false)
	cfg.Retry.BaseBackoffSeconds = ldr.getInt("BASE_BACKOFF_SECONDS", 10, false)
	cfg.Retry.MaxBackoffSeconds = ldr.getInt("MAX_BACKOFF_SECONDS", 120, false)
	cfg.Retry.WorkerConcurrency = ldr.getInt("WORKER_CONCURRENCY", 10, false)

	cfg.SMTP.Host = ldr.getString("SMTP_HOST", "", false)
	cfg.SMTP.Port = ldr.getInt("SMTP_PORT", 587, false)
	cfg.SMTP.User = ldr.getString("SMTP_USER", "", false)
	cfg.SMTP.Pass = ldr.getString("SMTP_PASS", "", false)
	cfg.SMTP.From = ldr.getString("SMTP_FROM", "", false)

	cfg.EmailAPI.BaseURL = ldr.getString("EMAIL_API_BASE_URL", "https://api.unisender.com/v1", false)
	cfg.EmailAPI.Token = ldr.getString("EMAIL_API_TOKEN", "", false)
	cfg.EmailAPI.SenderEmail = ldr.getString("EMAIL_API_SENDER_EMAIL", "", false)
	cfg.EmailAPI.SenderName = ldr.getString("EMAIL_API_SENDER_NAME", "", false)
	cfg.EmailAPI.TimeoutSeconds = ldr.getInt("EMAIL_API_TIMEOUT_SECONDS", 30, false)

	cfg.Templates.Dir = ldr.getString("TEMPLATE_DIR", "templates", false)
	cfg.Templates.Locale = ldr.getString("TEMPLATE_LOCALE", "ru-RU", false)
	cfg.Templates.Timezone = ldr.getString("TEMPLATE_TIMEZONE", "Europe/Moscow", false)

	cfg.Retention.Days = ldr.getInt("RETENTION_DAYS", 30, false)

	if err := ldr.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Transport reads the transport selection for worker binaries. It is kept
// separate from Load because only workers bind a transport.
func Transport() (TransportKind, error) {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("EMAIL_TRANSPORT")))
	switch raw {
	case "", string(TransportSMTP):
		return TransportSMTP, nil
	case string(TransportAPI):
		return TransportAPI, nil
	default:
		return "", fmt.Errorf("EMAIL_TRANSPORT must be %q or %q, got %q", TransportSMTP, TransportAPI, raw)
	}
}

type envLoader struct {
	errs []string
}

func (l *envLoader) validate() error {
	if len(l.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config validation failed: %s", strings.Join(l.errs, "; "))
}

func (l *envLoader) getString(key, def string, required bool) string {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		return val
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getInt(key string, def int, required bool) int {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		i, err := strconv.Atoi(val)
		if err != nil {
			l.addError(fmt.Sprintf("%s must be a valid integer", key))
			return def
		}
		return i
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) addError(err string) {
	l.errs = append(l.errs, err)
}
