package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the delivery and bounce pipelines.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string

	// Installation identity.
	Domain      string // mail domain, used to synthesize reply-to addresses
	Website     string // marketing site domain, excluded from click tracking
	PublicURL   string // base URL of the subscriber-facing pages
	TrackingURL string // absolute URL of the click redirect endpoint
	Secret      string // XOR secret for masked link ids

	// Outgoing SMTP relay.
	SMTPAddr string
	SMTPFrom string

	// Send queue.
	QueueName      string
	MaxSenders     int
	BatchSize      int
	BatchPeriod    time.Duration
	Throttle       time.Duration
	MaxMailSize    int
	ClickTrack     bool
	AnalyticsTag   string // appended to links when click tracking is off
	MaxProcessTime time.Duration
	ProviderLimits string // "domain=maxbatch,minperiod,minthrottle;..."

	// Process lock.
	LockForce         bool // evict existing holders instead of deferring
	LockStaleAfter    time.Duration
	LockRetryInterval time.Duration
	LockMaxRetries    int

	// Bounce processing.
	BounceMailbox           string // "mbox:/path/to/file" or "imap:host:993"
	BounceMailboxUser       string
	BounceMailboxPassword   string
	BouncePurgeUnidentified bool
	UnsubscribeThreshold    int
	BlacklistThreshold      int // 0 disables blacklisting
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),

		Domain:      getEnv("MAIL_DOMAIN", ""),
		Website:     getEnv("WEBSITE_DOMAIN", ""),
		PublicURL:   getEnv("PUBLIC_URL", ""),
		TrackingURL: getEnv("TRACKING_URL", ""),
		Secret:      getEnv("LINK_SECRET", ""),

		SMTPAddr: getEnv("SMTP_ADDR", "localhost:25"),
		SMTPFrom: getEnv("SMTP_FROM", ""),

		QueueName:      getEnv("SEND_QUEUE", "sendqueue"),
		MaxSenders:     getEnvInt("MAX_SENDERS", 1),
		BatchSize:      getEnvInt("BATCH_SIZE", 0),
		BatchPeriod:    getEnvDuration("BATCH_PERIOD", 0),
		Throttle:       getEnvDuration("THROTTLE", 0),
		MaxMailSize:    getEnvInt("MAX_MAIL_SIZE", 0),
		ClickTrack:     getEnvBool("CLICK_TRACK", true),
		AnalyticsTag:   getEnv("ANALYTICS_TAG", ""),
		MaxProcessTime: getEnvDuration("MAX_PROCESS_TIME", 0),
		ProviderLimits: getEnv("PROVIDER_LIMITS", ""),

		LockForce:         getEnvBool("LOCK_FORCE", false),
		LockStaleAfter:    getEnvDuration("LOCK_STALE_AFTER", 600*time.Second),
		LockRetryInterval: getEnvDuration("LOCK_RETRY_INTERVAL", 10*time.Second),
		LockMaxRetries:    getEnvInt("LOCK_MAX_RETRIES", 10),

		BounceMailbox:           getEnv("BOUNCE_MAILBOX", ""),
		BounceMailboxUser:       getEnv("BOUNCE_MAILBOX_USER", ""),
		BounceMailboxPassword:   getEnv("BOUNCE_MAILBOX_PASSWORD", ""),
		BouncePurgeUnidentified: getEnvBool("BOUNCE_PURGE_UNIDENTIFIED", false),
		UnsubscribeThreshold:    getEnvInt("BOUNCE_UNSUBSCRIBE_THRESHOLD", 5),
		BlacklistThreshold:      getEnvInt("BOUNCE_BLACKLIST_THRESHOLD", 0),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}
	if cfg.Domain == "" {
		return nil, fmt.Errorf("MAIL_DOMAIN is required")
	}
	if cfg.ClickTrack && cfg.Secret == "" {
		return nil, fmt.Errorf("LINK_SECRET is required when CLICK_TRACK is on")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		b, err := strconv.ParseBool(val)
		if err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		// Bare numbers are taken as seconds.
		if n, err := strconv.Atoi(val); err == nil {
			return time.Duration(n) * time.Second
		}
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return fallback
}
