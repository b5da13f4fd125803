package notifications

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Channel names used in event routing.
const (
	ChannelSlack   = "slack"
	ChannelWebhook = "webhook"
)

// Config holds the configuration for the notification service
type Config struct {
	// Slack configuration
	SlackEnabled    bool
	SlackWebhookURL string
	SlackChannel    string

	// Generic webhook configuration
	WebhookEnabled bool
	WebhookURL     string
	WebhookSecret  string
	WebhookMethod  string
	WebhookHeaders map[string]string

	// Retry configuration
	MaxRetries       int
	RetryBackoffBase time.Duration
	RetryQueueSize   int
	RetryWorkers     int

	// Event routing: map event types to channels
	// e.g., {"budget.threshold_crossed": ["slack", "webhook"]}
	EventRouting map[string][]string

	// DashboardURL is linked from alert messages when set.
	DashboardURL string

	Enabled         bool
	DeliveryTimeout time.Duration
	DedupeTTL       time.Duration
}

// LoadConfig loads the notification configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		SlackEnabled:    getEnvBool("NOTIFICATIONS_SLACK_ENABLED", false),
		SlackWebhookURL: os.Getenv("NOTIFICATIONS_SLACK_WEBHOOK_URL"),
		SlackChannel:    getEnv("NOTIFICATIONS_SLACK_CHANNEL", ""),

		WebhookEnabled: getEnvBool("NOTIFICATIONS_WEBHOOK_ENABLED", false),
		WebhookURL:     os.Getenv("NOTIFICATIONS_WEBHOOK_URL"),
		WebhookSecret:  os.Getenv("NOTIFICATIONS_WEBHOOK_SECRET"),
		WebhookMethod:  getEnv("NOTIFICATIONS_WEBHOOK_METHOD", "POST"),
		WebhookHeaders: getEnvJSONMap("NOTIFICATIONS_WEBHOOK_HEADERS"),

		MaxRetries:       getEnvInt("NOTIFICATIONS_MAX_RETRIES", 3),
		RetryBackoffBase: getEnvDuration("NOTIFICATIONS_RETRY_BACKOFF_BASE", 5*time.Second),
		RetryQueueSize:   getEnvInt("NOTIFICATIONS_RETRY_QUEUE_SIZE", 100),
		RetryWorkers:     getEnvInt("NOTIFICATIONS_RETRY_WORKERS", 2),

		EventRouting: getEnvEventRouting("NOTIFICATIONS_EVENT_ROUTING"),
		DashboardURL: os.Getenv("NOTIFICATIONS_DASHBOARD_URL"),

		Enabled:         getEnvBool("NOTIFICATIONS_ENABLED", false),
		DeliveryTimeout: getEnvDuration("NOTIFICATIONS_DELIVERY_TIMEOUT", 10*time.Second),
		DedupeTTL:       getEnvDuration("NOTIFICATIONS_DEDUPE_TTL", 40*24*time.Hour),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid notification config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	if !c.SlackEnabled && !c.WebhookEnabled {
		return fmt.Errorf("no notification channels enabled")
	}
	if c.SlackEnabled && c.SlackWebhookURL == "" {
		return fmt.Errorf("slack enabled but webhook URL not provided")
	}
	if c.WebhookEnabled {
		if c.WebhookURL == "" {
			return fmt.Errorf("webhook enabled but URL not provided")
		}
		if c.WebhookMethod != "POST" && c.WebhookMethod != "PUT" {
			return fmt.Errorf("webhook method must be POST or PUT")
		}
	}

	for eventType, channels := range c.EventRouting {
		for _, ch := range channels {
			if ch != ChannelSlack && ch != ChannelWebhook {
				return fmt.Errorf("unknown channel %q routed for %s", ch, eventType)
			}
		}
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryBackoffBase <= 0 {
		return fmt.Errorf("retry backoff base must be positive")
	}
	if c.RetryQueueSize <= 0 {
		return fmt.Errorf("retry queue size must be positive")
	}
	if c.RetryWorkers <= 0 {
		return fmt.Errorf("retry workers must be positive")
	}

	return nil
}

// GetChannelsForEvent returns the list of notification channels for a given event type
func (c *Config) GetChannelsForEvent(eventType string) []string {
	if channels, ok := c.EventRouting[eventType]; ok {
		return channels
	}

	// Default: send to all enabled channels
	var channels []string
	if c.SlackEnabled {
		channels = append(channels, ChannelSlack)
	}
	if c.WebhookEnabled {
		channels = append(channels, ChannelWebhook)
	}
	return channels
}

// Helper functions for environment variables

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err != nil {
			return defaultValue
		}
		return b
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err != nil {
			return defaultValue
		}
		return i
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		d, err := time.ParseDuration(value)
		if err != nil {
			return defaultValue
		}
		return d
	}
	return defaultValue
}

func getEnvJSONMap(key string) map[string]string {
	if value := os.Getenv(key); value != "" {
		var m map[string]string
		if err := json.Unmarshal([]byte(value), &m); err != nil {
			return make(map[string]string)
		}
		return m
	}
	return make(map[string]string)
}

func getEnvEventRouting(key string) map[string][]string {
	if value := os.Getenv(key); value != "" {
		var routing map[string][]string
		if err := json.Unmarshal([]byte(value), &routing); err != nil {
			return make(map[string][]string)
		}
		return routing
	}
	return make(map[string][]string)
}
