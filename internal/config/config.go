package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all node configuration from environment variables, optionally
// overlaid with a YAML file pointed to by AI2AI_CONFIG.
type Config struct {
	// Identity
	Name      string `yaml:"name"`
	HumanName string `yaml:"humanName"`

	// Transport
	Port    int           `yaml:"port"`
	Timeout time.Duration `yaml:"timeout"` // outbound HTTP timeout

	// Envelope freshness
	MessageTTL       time.Duration `yaml:"messageTTL"`
	AcceptedVersions []string      `yaml:"acceptedVersions"`

	// Storage
	DataDir string `yaml:"dataDir"`

	// Discovery
	Registry string `yaml:"registry"` // registry base URL, empty disables

	// Security
	RateLimit         int           `yaml:"rateLimit"` // inbound msgs per peer per window
	RateLimitWindow   time.Duration `yaml:"rateLimitWindow"`
	RotationInterval  time.Duration `yaml:"rotationInterval"`
	EncryptionEnabled bool          `yaml:"encryptionEnabled"`
	NonceRetention    time.Duration `yaml:"nonceRetention"`
	DedupTTL          time.Duration `yaml:"dedupTTL"`
	DedupCap          int           `yaml:"dedupCap"`
	VerifyCacheTTL    time.Duration `yaml:"verifyCacheTTL"`

	// Delivery
	MaxRetries       int           `yaml:"maxRetries"`
	BaseDelay        time.Duration `yaml:"baseDelay"`
	MaxDelay         time.Duration `yaml:"maxDelay"`
	BackoffFactor    float64       `yaml:"backoffFactor"`
	FailureThreshold int           `yaml:"failureThreshold"`
	ResetTimeout     time.Duration `yaml:"resetTimeout"`
	HalfOpenMax      int           `yaml:"halfOpenMax"`
	QueuePoll        time.Duration `yaml:"queuePoll"`
	MaxInflight      int           `yaml:"maxInflight"`

	// Conversations
	ApprovalTTL        time.Duration `yaml:"approvalTTL"`
	ConversationExpiry time.Duration `yaml:"conversationExpiry"`

	// Approval policy: intents that always require operator action, in
	// addition to the built-in commerce.* prefix.
	AlwaysApprove []string `yaml:"alwaysApprove"`

	// Notifications. NotifyChannelsFile points at a JSON array of channel
	// definitions (type, settings, event allowlist) for the richer
	// providers; the URL/broker shortcuts configure single channels.
	NotifyWebhookURL   string `yaml:"notifyWebhookURL"`
	MQTTBroker         string `yaml:"mqttBroker"`
	MQTTTopic          string `yaml:"mqttTopic"`
	NotifyChannelsFile string `yaml:"notifyChannelsFile"`

	// Logging
	LogJSON bool `yaml:"logJSON"`
}

// Load reads all configuration from environment variables with defaults,
// then overlays the YAML file named by AI2AI_CONFIG if set.
func Load() (*Config, error) {
	cfg := &Config{
		Name:               envStr("AI2AI_NAME", "agent"),
		HumanName:          envStr("AI2AI_HUMAN_NAME", ""),
		Port:               envInt("AI2AI_PORT", 18800),
		Timeout:            envDuration("AI2AI_TIMEOUT", 30*time.Second),
		MessageTTL:         envDuration("AI2AI_MESSAGE_TTL", 24*time.Hour),
		AcceptedVersions:   envList("AI2AI_ACCEPTED_VERSIONS", []string{"1.0", "0.1"}),
		DataDir:            envStr("AI2AI_DATA_DIR", "/data/ai2ai"),
		Registry:           envStr("AI2AI_REGISTRY", ""),
		RateLimit:          envInt("AI2AI_RATE_LIMIT", 20),
		RateLimitWindow:    envDuration("AI2AI_RATE_LIMIT_WINDOW", time.Minute),
		RotationInterval:   envDuration("AI2AI_ROTATION_INTERVAL", 30*24*time.Hour),
		EncryptionEnabled:  envBool("AI2AI_ENCRYPTION", true),
		NonceRetention:     envDuration("AI2AI_NONCE_RETENTION", time.Hour),
		DedupTTL:           envDuration("AI2AI_DEDUP_TTL", time.Hour),
		DedupCap:           envInt("AI2AI_DEDUP_CAP", 10000),
		VerifyCacheTTL:     envDuration("AI2AI_VERIFY_CACHE_TTL", 5*time.Minute),
		MaxRetries:         envInt("AI2AI_MAX_RETRIES", 3),
		BaseDelay:          envDuration("AI2AI_BASE_DELAY", time.Second),
		MaxDelay:           envDuration("AI2AI_MAX_DELAY", 30*time.Second),
		BackoffFactor:      envFloat("AI2AI_BACKOFF_FACTOR", 2.0),
		FailureThreshold:   envInt("AI2AI_FAILURE_THRESHOLD", 5),
		ResetTimeout:       envDuration("AI2AI_RESET_TIMEOUT", 60*time.Second),
		HalfOpenMax:        envInt("AI2AI_HALF_OPEN_MAX", 1),
		QueuePoll:          envDuration("AI2AI_QUEUE_POLL", 15*time.Second),
		MaxInflight:        envInt("AI2AI_MAX_INFLIGHT", 4),
		ApprovalTTL:        envDuration("AI2AI_APPROVAL_TTL", 24*time.Hour),
		ConversationExpiry: envDuration("AI2AI_CONVERSATION_EXPIRY", 7*24*time.Hour),
		AlwaysApprove:      envList("AI2AI_ALWAYS_APPROVE", nil),
		NotifyWebhookURL:   envStr("AI2AI_NOTIFY_WEBHOOK", ""),
		MQTTBroker:         envStr("AI2AI_MQTT_BROKER", ""),
		MQTTTopic:          envStr("AI2AI_MQTT_TOPIC", "ai2ai/events"),
		NotifyChannelsFile: envStr("AI2AI_NOTIFY_CHANNELS", ""),
		LogJSON:            envBool("AI2AI_LOG_JSON", true),
	}

	if path := os.Getenv("AI2AI_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	return cfg, nil
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.Name == "" {
		errs = append(errs, errors.New("AI2AI_NAME must not be empty"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("AI2AI_PORT must be 1-65535, got %d", c.Port))
	}
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("AI2AI_TIMEOUT must be > 0, got %s", c.Timeout))
	}
	if c.MessageTTL <= 0 {
		errs = append(errs, fmt.Errorf("AI2AI_MESSAGE_TTL must be > 0, got %s", c.MessageTTL))
	}
	if len(c.AcceptedVersions) == 0 {
		errs = append(errs, errors.New("AI2AI_ACCEPTED_VERSIONS must list at least one version"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("AI2AI_DATA_DIR must not be empty"))
	}
	if c.RateLimit <= 0 {
		errs = append(errs, fmt.Errorf("AI2AI_RATE_LIMIT must be > 0, got %d", c.RateLimit))
	}
	if c.BackoffFactor < 1 {
		errs = append(errs, fmt.Errorf("AI2AI_BACKOFF_FACTOR must be >= 1, got %g", c.BackoffFactor))
	}
	if c.FailureThreshold <= 0 {
		errs = append(errs, fmt.Errorf("AI2AI_FAILURE_THRESHOLD must be > 0, got %d", c.FailureThreshold))
	}
	if c.HalfOpenMax <= 0 {
		errs = append(errs, fmt.Errorf("AI2AI_HALF_OPEN_MAX must be > 0, got %d", c.HalfOpenMax))
	}
	if c.MaxInflight <= 0 {
		errs = append(errs, fmt.Errorf("AI2AI_MAX_INFLIGHT must be > 0, got %d", c.MaxInflight))
	}
	return errors.Join(errs...)
}

// VersionAccepted reports whether an inbound protoVersion is on the allowlist.
func (c *Config) VersionAccepted(v string) bool {
	for _, ok := range c.AcceptedVersions {
		if v == ok {
			return true
		}
	}
	return false
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func envList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
