package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"github.com/znz-systems/mailslot/internal/blob"
	"github.com/znz-systems/mailslot/internal/logging"
)

type Config struct {
	Port        int
	DatabaseURL string

	InternalAPIKey string
	OperatorAPIKey string

	Blob blob.Config

	PlanFreeHardCap      int64
	PlanProHardCap       int64
	PrivateSenderDomains []string

	RateLimitRPS   float64
	RateLimitBurst int
	MaxBodyBytes   int64

	AnomalyCheckInterval time.Duration
	OutboxPollInterval   time.Duration
	OutboxMaxAttempts    int
	OutboxClaimLease     time.Duration

	NotifyWebhookURL    string
	NotifyWebhookSecret string

	InboundSMTPAddr   string
	InboundSMTPDomain string

	Log logging.Config
}

// Load reads configuration from the environment, after applying an optional
// .env file. Variables already set in the environment win over .env.
func Load() (*Config, error) {
	loadEnvFile()
	return fromViper(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", 8080)
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("INTERNAL_API_KEY", "")
	v.SetDefault("OPERATOR_API_KEY", "")
	v.SetDefault("BLOB_BACKEND", "filesystem")
	v.SetDefault("BLOB_FS_ROOT", "./data/blobs")
	v.SetDefault("S3_ENDPOINT", "")
	v.SetDefault("S3_BUCKET", "")
	v.SetDefault("S3_REGION", "us-east-1")
	v.SetDefault("S3_ACCESS_KEY_ID", "")
	v.SetDefault("S3_SECRET_ACCESS_KEY", "")
	v.SetDefault("S3_USE_SSL", true)
	v.SetDefault("S3_FORCE_PATH_STYLE", false)
	v.SetDefault("PLAN_FREE_HARD_CAP", 500)
	v.SetDefault("PLAN_PRO_HARD_CAP", 0)
	v.SetDefault("PRIVATE_SENDER_DOMAINS", "")
	v.SetDefault("RATE_LIMIT_RPS", 20.0)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("MAX_BODY_BYTES", 12*1024*1024)
	v.SetDefault("ANOMALY_CHECK_INTERVAL", "15m")
	v.SetDefault("OUTBOX_POLL_INTERVAL", "1s")
	v.SetDefault("OUTBOX_MAX_ATTEMPTS", 5)
	v.SetDefault("OUTBOX_CLAIM_LEASE", "5m")
	v.SetDefault("NOTIFY_WEBHOOK_URL", "")
	v.SetDefault("NOTIFY_WEBHOOK_SECRET", "")
	v.SetDefault("INBOUND_SMTP_ADDR", "")
	v.SetDefault("INBOUND_SMTP_DOMAIN", "localhost")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_DEVELOPMENT", false)
	v.SetDefault("LOG_FILE", "")
	return v
}

func fromViper(v *viper.Viper) (*Config, error) {
	port := v.GetInt("PORT")
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid PORT: %q", v.GetString("PORT"))
	}

	anomalyInterval, err := parseDuration(v, "ANOMALY_CHECK_INTERVAL")
	if err != nil {
		return nil, err
	}
	outboxPoll, err := parseDuration(v, "OUTBOX_POLL_INTERVAL")
	if err != nil {
		return nil, err
	}
	outboxLease, err := parseDuration(v, "OUTBOX_CLAIM_LEASE")
	if err != nil {
		return nil, err
	}

	freeCap := v.GetInt64("PLAN_FREE_HARD_CAP")
	if freeCap < 0 {
		return nil, fmt.Errorf("invalid PLAN_FREE_HARD_CAP: must not be negative")
	}
	proCap := v.GetInt64("PLAN_PRO_HARD_CAP")
	if proCap < 0 {
		return nil, fmt.Errorf("invalid PLAN_PRO_HARD_CAP: must not be negative")
	}

	if _, err := blob.ParseBackend(v.GetString("BLOB_BACKEND")); err != nil {
		return nil, fmt.Errorf("invalid BLOB_BACKEND: %w", err)
	}

	maxBody := v.GetInt64("MAX_BODY_BYTES")
	if maxBody <= 0 {
		return nil, fmt.Errorf("invalid MAX_BODY_BYTES: must be positive")
	}

	cfg := &Config{
		Port:           port,
		DatabaseURL:    strings.TrimSpace(v.GetString("DATABASE_URL")),
		InternalAPIKey: v.GetString("INTERNAL_API_KEY"),
		OperatorAPIKey: v.GetString("OPERATOR_API_KEY"),
		Blob: blob.Config{
			Backend: v.GetString("BLOB_BACKEND"),
			FSRoot:  v.GetString("BLOB_FS_ROOT"),
			S3: blob.S3Config{
				Bucket:          v.GetString("S3_BUCKET"),
				Region:          v.GetString("S3_REGION"),
				Endpoint:        v.GetString("S3_ENDPOINT"),
				AccessKeyID:     v.GetString("S3_ACCESS_KEY_ID"),
				SecretAccessKey: v.GetString("S3_SECRET_ACCESS_KEY"),
				UseSSL:          v.GetBool("S3_USE_SSL"),
				ForcePathStyle:  v.GetBool("S3_FORCE_PATH_STYLE"),
			},
		},
		PlanFreeHardCap:      freeCap,
		PlanProHardCap:       proCap,
		PrivateSenderDomains: parseDomains(v.GetString("PRIVATE_SENDER_DOMAINS")),
		RateLimitRPS:         v.GetFloat64("RATE_LIMIT_RPS"),
		RateLimitBurst:       v.GetInt("RATE_LIMIT_BURST"),
		MaxBodyBytes:         maxBody,
		AnomalyCheckInterval: anomalyInterval,
		OutboxPollInterval:   outboxPoll,
		OutboxMaxAttempts:    v.GetInt("OUTBOX_MAX_ATTEMPTS"),
		OutboxClaimLease:     outboxLease,
		NotifyWebhookURL:     strings.TrimSpace(v.GetString("NOTIFY_WEBHOOK_URL")),
		NotifyWebhookSecret:  v.GetString("NOTIFY_WEBHOOK_SECRET"),
		InboundSMTPAddr:      strings.TrimSpace(v.GetString("INBOUND_SMTP_ADDR")),
		InboundSMTPDomain:    v.GetString("INBOUND_SMTP_DOMAIN"),
		Log: logging.Config{
			Level:       v.GetString("LOG_LEVEL"),
			Development: v.GetBool("LOG_DEVELOPMENT"),
			LogFile:     v.GetString("LOG_FILE"),
			Compress:    true,
		},
	}
	return cfg, nil
}

func parseDuration(v *viper.Viper, key string) (time.Duration, error) {
	d, err := time.ParseDuration(v.GetString(key))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}

func parseDomains(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		d := strings.ToLower(strings.TrimSpace(part))
		if d != "" {
			out = append(out, d)
		}
	}
	return out
}

func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}
	parent := filepath.Join("..", ".env")
	if _, err := os.Stat(parent); err == nil {
		_ = godotenv.Load(parent)
	}
}
