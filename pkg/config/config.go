// Package config loads runtime configuration from environment variables.
// Every knob has a default suitable for local development; production
// deployments override via the environment or a .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LLMConfig selects the language-model provider and models.
type LLMConfig struct {
	Provider string // "openai" or "anthropic"
	APIKey   string
	BaseURL  string

	// FastModel handles supervisor routing and chat inquiries.
	FastModel string
	// ReasoningModel renders verdicts.
	ReasoningModel string
}

// PollingConfig tunes the alert intake pipeline.
type PollingConfig struct {
	Interval          time.Duration
	CorrelationWindow time.Duration
	MinRuleLevel      int
	MaxAlertsPerPoll  int
	BatchSize         int
	SeenCacheCapacity int
	QueueMaxSize      int
}

// WorkflowConfig bounds the investigation loop.
type WorkflowConfig struct {
	MaxIterations   int
	MaxVerdictRetry int
}

// HILConfig tunes human-in-the-loop review.
type HILConfig struct {
	Timeout      time.Duration
	PollInterval time.Duration

	SlackBotToken string
	SlackAppToken string
	SlackChannel  string
	WebhookURL    string
}

// ResumeConfig tunes the decision resume loop.
type ResumeConfig struct {
	BatchSize int
	BusySleep time.Duration
	IdleSleep time.Duration
}

// RetentionConfig bounds how long finished workflow artifacts are kept.
// The event log itself is never cleaned up.
type RetentionConfig struct {
	CheckpointTTL time.Duration
	ReviewTTL     time.Duration
	Interval      time.Duration
}

// AuthConfig selects the dashboard authentication mode.
type AuthConfig struct {
	Mode              string // "none", "static", or "proxy"
	Users             string // static mode: "username:hash[:roles]" CSV
	SessionSecret     string
	SessionTTL        time.Duration
	TrustedProxyCIDRs []string
}

// IntegrationsConfig carries external system endpoints and credentials.
type IntegrationsConfig struct {
	WazuhURL        string
	WazuhIndexerURL string
	WazuhUser       string
	WazuhPassword   string

	// InsecureTLS skips certificate verification for all integration
	// clients; security appliances commonly ship self-signed certs.
	InsecureTLS bool

	CortexURL    string
	CortexAPIKey string

	MISPURL    string
	MISPAPIKey string

	TheHiveURL    string
	TheHiveAPIKey string
}

// Config is the full application configuration.
type Config struct {
	Host string
	Port int

	LLM          LLMConfig
	Polling      PollingConfig
	Workflow     WorkflowConfig
	HIL          HILConfig
	Resume       ResumeConfig
	Retention    RetentionConfig
	Auth         AuthConfig
	Integrations IntegrationsConfig

	SettingsReadonly bool
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	port, err := getEnvInt("PORT", 8080)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Host: getEnv("HOST", "0.0.0.0"),
		Port: port,
		LLM: LLMConfig{
			Provider:       getEnv("LLM_PROVIDER", "openai"),
			APIKey:         os.Getenv("LLM_API_KEY"),
			BaseURL:        os.Getenv("LLM_BASE_URL"),
			FastModel:      getEnv("LLM_FAST_MODEL", "gpt-4o-mini"),
			ReasoningModel: getEnv("LLM_REASONING_MODEL", "gpt-4o"),
		},
		Polling: PollingConfig{
			Interval:          getEnvDuration("POLL_INTERVAL", 30*time.Second),
			CorrelationWindow: getEnvDuration("CORRELATION_WINDOW", 15*time.Minute),
			MinRuleLevel:      mustInt("MIN_RULE_LEVEL", 4),
			MaxAlertsPerPoll:  mustInt("MAX_ALERTS_PER_POLL", 100),
			BatchSize:         mustInt("POLL_BATCH_SIZE", 5),
			SeenCacheCapacity: mustInt("SEEN_CACHE_CAPACITY", 10000),
			QueueMaxSize:      mustInt("QUEUE_MAX_SIZE", 100),
		},
		Workflow: WorkflowConfig{
			MaxIterations:   mustInt("MAX_ITERATIONS", 10),
			MaxVerdictRetry: mustInt("MAX_VERDICT_RETRY", 2),
		},
		HIL: HILConfig{
			Timeout:       getEnvDuration("HIL_TIMEOUT", time.Hour),
			PollInterval:  getEnvDuration("HIL_POLL_INTERVAL", 5*time.Second),
			SlackBotToken: os.Getenv("SLACK_BOT_TOKEN"),
			SlackAppToken: os.Getenv("SLACK_APP_TOKEN"),
			SlackChannel:  os.Getenv("SLACK_CHANNEL"),
			WebhookURL:    os.Getenv("SLACK_WEBHOOK_URL"),
		},
		Resume: ResumeConfig{
			BatchSize: mustInt("RESUME_BATCH_SIZE", 10),
			BusySleep: getEnvDuration("RESUME_BUSY_SLEEP", 500*time.Millisecond),
			IdleSleep: getEnvDuration("RESUME_IDLE_SLEEP", 1500*time.Millisecond),
		},
		Retention: RetentionConfig{
			CheckpointTTL: getEnvDuration("CHECKPOINT_TTL", 7*24*time.Hour),
			ReviewTTL:     getEnvDuration("REVIEW_TTL", 30*24*time.Hour),
			Interval:      getEnvDuration("CLEANUP_INTERVAL", time.Hour),
		},
		Auth: AuthConfig{
			Mode:              getEnv("AUTH_MODE", "none"),
			Users:             os.Getenv("AUTH_USERS"),
			SessionSecret:     os.Getenv("AUTH_SESSION_SECRET"),
			SessionTTL:        getEnvDuration("AUTH_SESSION_TTL", 43200*time.Second),
			TrustedProxyCIDRs: splitCSV(os.Getenv("AUTH_TRUSTED_PROXY_CIDRS")),
		},
		Integrations: IntegrationsConfig{
			WazuhURL:        os.Getenv("WAZUH_URL"),
			WazuhIndexerURL: getEnv("WAZUH_INDEXER_URL", os.Getenv("WAZUH_URL")),
			WazuhUser:       os.Getenv("WAZUH_USER"),
			WazuhPassword:   os.Getenv("WAZUH_PASSWORD"),
			InsecureTLS:     getEnvBool("INTEGRATIONS_INSECURE_TLS", false),
			CortexURL:       os.Getenv("CORTEX_URL"),
			CortexAPIKey:    os.Getenv("CORTEX_API_KEY"),
			MISPURL:         os.Getenv("MISP_URL"),
			MISPAPIKey:      os.Getenv("MISP_API_KEY"),
			TheHiveURL:      os.Getenv("THEHIVE_URL"),
			TheHiveAPIKey:   os.Getenv("THEHIVE_API_KEY"),
		},
		SettingsReadonly: getEnvBool("SETTINGS_READONLY", false),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.LLM.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("unsupported LLM_PROVIDER %q", c.LLM.Provider)
	}
	switch c.Auth.Mode {
	case "none", "static", "proxy":
	default:
		return fmt.Errorf("unsupported AUTH_MODE %q", c.Auth.Mode)
	}
	if c.Auth.Mode == "static" && c.Auth.Users == "" {
		return fmt.Errorf("AUTH_MODE=static requires AUTH_USERS")
	}
	if c.Workflow.MaxIterations < 1 {
		return fmt.Errorf("MAX_ITERATIONS must be at least 1")
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

// mustInt is getEnvInt for knobs where a malformed value should fall back
// rather than fail startup.
func mustInt(key string, defaultVal int) int {
	n, err := getEnvInt(key, defaultVal)
	if err != nil {
		return defaultVal
	}
	return n
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	// Accept plain seconds for compatibility with numeric-only deployments.
	if n, err := strconv.Atoi(val); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal
	}
	return d
}

func getEnvBool(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal
	}
	return b
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
