package models

import "time"

// Caller is an identity on whose behalf upstream calls are metered.
type Caller struct {
	ID            string
	Fingerprint   string
	CredentialRef string
	MonthlyBudget *float64
	CreatedAt     time.Time
	LastActiveAt  time.Time
}

// HasBudget reports whether a positive monthly budget is configured.
func (c *Caller) HasBudget() bool {
	return c != nil && c.MonthlyBudget != nil && *c.MonthlyBudget > 0
}

// UsageRecord is the immutable record of one intercepted call.
type UsageRecord struct {
	ID           string         `json:"id"`
	CallerID     string         `json:"userId"`
	Model        string         `json:"model"`
	InputTokens  int64          `json:"inputTokens"`
	OutputTokens int64          `json:"outputTokens"`
	TotalTokens  int64          `json:"totalTokens"`
	Cost         float64        `json:"cost"`
	DurationMs   int64          `json:"duration"`
	StatusCode   int            `json:"statusCode"`
	ToolsUsed    []string       `json:"toolsUsed"`
	Metadata     map[string]any `json:"metadata"`
	Timestamp    time.Time      `json:"timestamp"`
}

// Succeeded reports whether the upstream call returned a 2xx status.
func (r *UsageRecord) Succeeded() bool {
	return IsSuccessStatus(r.StatusCode)
}

// IsSuccessStatus reports whether an HTTP status code is in the 2xx range.
func IsSuccessStatus(code int) bool {
	return code >= 200 && code < 300
}

// Tag is a caller-scoped label. A non-empty AutoPattern makes it eligible
// for automatic classification.
type Tag struct {
	ID          string    `json:"id"`
	CallerID    string    `json:"userId"`
	Name        string    `json:"name"`
	Color       string    `json:"color,omitempty"`
	AutoPattern string    `json:"autoPattern,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// AlertKind enumerates alert categories.
type AlertKind string

const (
	AlertKindBudget       AlertKind = "budget"
	AlertKindSpike        AlertKind = "spike"
	AlertKindDailySummary AlertKind = "daily_summary"
)

// Alert is a notification raised for a caller. Period is the billing period
// (YYYY-MM) the alert belongs to.
type Alert struct {
	ID           string    `json:"id"`
	CallerID     string    `json:"userId"`
	Kind         AlertKind `json:"type"`
	Threshold    float64   `json:"threshold"`
	Message      string    `json:"message"`
	Period       string    `json:"period"`
	CreatedAt    time.Time `json:"triggered"`
	Acknowledged bool      `json:"acknowledged"`
}

// RequestEntry is a usage record as returned by the paginated request log,
// with tags resolved to their names.
type RequestEntry struct {
	UsageRecord
	Tags []string `json:"tags"`
}
