package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// AWS services
	AWSRegion      string
	SESFromEmail   string
	SNSRegion      string // AWS region for SNS (SMS)
	AlertTopicARN  string // SNS topic for operator paging (empty disables)
	TriageQueueURL string // SQS queue for issue-report triage (empty disables)

	// SMTP config for the secondary email provider
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string

	// HTTP SMS gateway (secondary SMS provider)
	SMSGatewayURL string // empty disables the provider
	SMSGatewayKey string

	// Provider priorities, lower number tried first
	SNSPriority        int
	SMSGatewayPriority int
	SESPriority        int
	SMTPPriority       int

	// Orchestration
	ProviderTimeout  time.Duration // per-provider send timeout
	DeliveryDeadline time.Duration // overall deadline across all retries
	MaxAttempts      int           // total attempts per logical request
	ChannelFallback  bool          // allow alternate-channel restart on permanent failure

	// Health monitor thresholds
	DegradedThreshold  int           // consecutive transient failures before degraded
	DownThreshold      int           // consecutive failures before down
	SoftFailureRate    float64       // window failure rate for degraded
	HardFailureRate    float64       // window failure rate for down
	ProbeFailThreshold int           // consecutive probe failures before down
	RecoveryThreshold  int           // consecutive successes for degraded->healthy
	HealthWindow       time.Duration // rolling window for failure rates
	ProbeInterval      time.Duration // synthetic probe cadence

	// Alert engine thresholds
	AlertWindow         time.Duration // failure-rate evaluation window
	AlertTick           time.Duration // periodic evaluation cadence
	AlertMinSamples     int           // minimum samples before rate alerts fire
	CriticalFailureRate float64
	WarningFailureRate  float64
	EscalationWindow    time.Duration // unacknowledged time before auto-escalation

	// Request-path protection
	RateLimitPerDest int // OTP requests per destination per window
	RateLimitWindow  time.Duration
	ResendCooldown   time.Duration // minimum gap between sends to one destination
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "otpgate",
		DBPassword: "",
		DBName:     "otpgate",
		DBSSLMode:  "disable",

		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		AWSRegion:    "us-east-1",
		SESFromEmail: "verify@casavia.local",

		SMTPHost: "", // empty disables the SMTP provider
		SMTPPort: 587,
		SMTPFrom: "verify@casavia.local",

		SNSPriority:        1,
		SMSGatewayPriority: 2,
		SESPriority:        1,
		SMTPPriority:       2,

		ProviderTimeout:  10 * time.Second,
		DeliveryDeadline: 30 * time.Second,
		MaxAttempts:      3,
		ChannelFallback:  true,

		DegradedThreshold:  3,
		DownThreshold:      5,
		SoftFailureRate:    0.30,
		HardFailureRate:    0.70,
		ProbeFailThreshold: 3,
		RecoveryThreshold:  2,
		HealthWindow:       5 * time.Minute,
		ProbeInterval:      60 * time.Second,

		AlertWindow:         15 * time.Minute,
		AlertTick:           60 * time.Second,
		AlertMinSamples:     10,
		CriticalFailureRate: 0.50,
		WarningFailureRate:  0.25,
		EscalationWindow:    10 * time.Minute,

		RateLimitPerDest: 5,
		RateLimitWindow:  time.Minute,
		ResendCooldown:   30 * time.Second,
	}

	cfg.loadStrings()
	if err := cfg.loadInts(); err != nil {
		return nil, err
	}
	if err := cfg.loadRates(); err != nil {
		return nil, err
	}
	if err := cfg.loadDurations(); err != nil {
		return nil, err
	}

	if fb := os.Getenv("CHANNEL_FALLBACK"); fb != "" {
		cfg.ChannelFallback = strings.EqualFold(fb, "true") || fb == "1"
	}

	return cfg, nil
}

func (cfg *Config) loadStrings() {
	strs := []struct {
		env string
		dst *string
	}{
		{"LOG_LEVEL", &cfg.LogLevel},
		{"ENV", &cfg.Env},
		{"DB_HOST", &cfg.DBHost},
		{"DB_USER", &cfg.DBUser},
		{"DB_PASSWORD", &cfg.DBPassword},
		{"DB_NAME", &cfg.DBName},
		{"DB_SSLMODE", &cfg.DBSSLMode},
		{"REDIS_HOST", &cfg.RedisHost},
		{"REDIS_PASSWORD", &cfg.RedisPassword},
		{"AWS_REGION", &cfg.AWSRegion},
		{"SES_FROM_EMAIL", &cfg.SESFromEmail},
		{"ALERT_TOPIC_ARN", &cfg.AlertTopicARN},
		{"TRIAGE_QUEUE_URL", &cfg.TriageQueueURL},
		{"SMTP_HOST", &cfg.SMTPHost},
		{"SMTP_USERNAME", &cfg.SMTPUsername},
		{"SMTP_PASSWORD", &cfg.SMTPPassword},
		{"SMTP_FROM", &cfg.SMTPFrom},
		{"SMS_GATEWAY_URL", &cfg.SMSGatewayURL},
		{"SMS_GATEWAY_KEY", &cfg.SMSGatewayKey},
	}
	for _, s := range strs {
		if v := os.Getenv(s.env); v != "" {
			*s.dst = v
		}
	}

	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}
}

func (cfg *Config) loadInts() error {
	ints := []struct {
		env string
		dst *int
	}{
		{"PORT", &cfg.Port},
		{"DB_PORT", &cfg.DBPort},
		{"REDIS_PORT", &cfg.RedisPort},
		{"REDIS_DB", &cfg.RedisDB},
		{"SMTP_PORT", &cfg.SMTPPort},
		{"SNS_PRIORITY", &cfg.SNSPriority},
		{"SMS_GATEWAY_PRIORITY", &cfg.SMSGatewayPriority},
		{"SES_PRIORITY", &cfg.SESPriority},
		{"SMTP_PRIORITY", &cfg.SMTPPriority},
		{"MAX_ATTEMPTS", &cfg.MaxAttempts},
		{"DEGRADED_THRESHOLD", &cfg.DegradedThreshold},
		{"DOWN_THRESHOLD", &cfg.DownThreshold},
		{"PROBE_FAIL_THRESHOLD", &cfg.ProbeFailThreshold},
		{"RECOVERY_THRESHOLD", &cfg.RecoveryThreshold},
		{"ALERT_MIN_SAMPLES", &cfg.AlertMinSamples},
		{"RATE_LIMIT_PER_DEST", &cfg.RateLimitPerDest},
	}
	for _, i := range ints {
		if v := os.Getenv(i.env); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", i.env, err)
			}
			*i.dst = n
		}
	}
	return nil
}

func (cfg *Config) loadRates() error {
	rates := []struct {
		env string
		dst *float64
	}{
		{"SOFT_FAILURE_RATE", &cfg.SoftFailureRate},
		{"HARD_FAILURE_RATE", &cfg.HardFailureRate},
		{"CRITICAL_FAILURE_RATE", &cfg.CriticalFailureRate},
		{"WARNING_FAILURE_RATE", &cfg.WarningFailureRate},
	}
	for _, r := range rates {
		if v := os.Getenv(r.env); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", r.env, err)
			}
			*r.dst = f
		}
	}
	return nil
}

func (cfg *Config) loadDurations() error {
	durs := []struct {
		env string
		dst *time.Duration
	}{
		{"PROVIDER_TIMEOUT", &cfg.ProviderTimeout},
		{"DELIVERY_DEADLINE", &cfg.DeliveryDeadline},
		{"HEALTH_WINDOW", &cfg.HealthWindow},
		{"PROBE_INTERVAL", &cfg.ProbeInterval},
		{"ALERT_WINDOW", &cfg.AlertWindow},
		{"ALERT_TICK", &cfg.AlertTick},
		{"ESCALATION_WINDOW", &cfg.EscalationWindow},
		{"RATE_LIMIT_WINDOW", &cfg.RateLimitWindow},
		{"RESEND_COOLDOWN", &cfg.ResendCooldown},
	}
	for _, d := range durs {
		if v := os.Getenv(d.env); v != "" {
			dur, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", d.env, err)
			}
			*d.dst = dur
		}
	}
	return nil
}
