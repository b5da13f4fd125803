package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/crosslogic/usage-meter/pkg/events"
	"go.uber.org/zap"
)

// SlackAdapter sends notifications to Slack via incoming webhooks
type SlackAdapter struct {
	webhookURL   string
	channel      string
	dashboardURL string
	client       *http.Client
	logger       *zap.Logger
}

// SlackWebhookPayload represents a Slack webhook message
type SlackWebhookPayload struct {
	Channel  string       `json:"channel,omitempty"`
	Username string       `json:"username,omitempty"`
	Blocks   []SlackBlock `json:"blocks,omitempty"`
	Text     string       `json:"text,omitempty"`
}

// SlackBlock represents a Slack Block Kit block
type SlackBlock struct {
	Type     string            `json:"type"`
	Text     *SlackTextObject  `json:"text,omitempty"`
	Fields   []SlackTextObject `json:"fields,omitempty"`
	Elements []SlackTextObject `json:"elements,omitempty"`
}

// SlackTextObject represents a text object in Slack
type SlackTextObject struct {
	Type  string `json:"type"` // "plain_text" or "mrkdwn"
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

// NewSlackAdapter creates a new Slack notification adapter
func NewSlackAdapter(webhookURL, channel, dashboardURL string, logger *zap.Logger) *SlackAdapter {
	return &SlackAdapter{
		webhookURL:   webhookURL,
		channel:      channel,
		dashboardURL: dashboardURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

func (s *SlackAdapter) Name() string { return ChannelSlack }

// Send posts event to the Slack webhook
func (s *SlackAdapter) Send(ctx context.Context, event events.Event) error {
	payload := SlackWebhookPayload{
		Channel:  s.channel,
		Username: "Usage Meter",
		Blocks:   s.formatEvent(event),
		Text:     fallbackText(event),
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send slack webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}

	s.logger.Debug("slack notification sent", zap.String("event_id", event.ID))
	return nil
}

func (s *SlackAdapter) formatEvent(event events.Event) []SlackBlock {
	switch event.Type {
	case events.EventBudgetThresholdCrossed:
		return s.formatThresholdCrossed(event)
	case events.EventBudgetUpdated:
		return s.formatBudgetUpdated(event)
	default:
		return s.formatGeneric(event)
	}
}

func (s *SlackAdapter) formatThresholdCrossed(event events.Event) []SlackBlock {
	blocks := []SlackBlock{
		{
			Type: "header",
			Text: &SlackTextObject{
				Type: "plain_text",
				Text: fmt.Sprintf("Budget alert: %.0f%% threshold crossed", getFloatField(event.Payload, "threshold")),
			},
		},
		{
			Type: "section",
			Text: &SlackTextObject{Type: "mrkdwn", Text: getStringField(event.Payload, "message")},
		},
		{
			Type: "section",
			Fields: []SlackTextObject{
				{Type: "mrkdwn", Text: fmt.Sprintf("*Caller:*\n`%s`", event.CallerID)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Period:*\n%s", getStringField(event.Payload, "period"))},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Spend:*\n$%.2f", getFloatField(event.Payload, "spend"))},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Budget:*\n$%.2f", getFloatField(event.Payload, "budget"))},
			},
		},
	}
	return append(blocks, s.footer(event))
}

func (s *SlackAdapter) formatBudgetUpdated(event events.Event) []SlackBlock {
	budget := "none"
	if v, ok := event.Payload["monthlyBudget"]; ok && v != nil {
		budget = fmt.Sprintf("$%.2f", getFloatField(event.Payload, "monthlyBudget"))
	}
	return []SlackBlock{
		{
			Type: "section",
			Text: &SlackTextObject{
				Type: "mrkdwn",
				Text: fmt.Sprintf("Monthly budget for `%s` set to *%s*", event.CallerID, budget),
			},
		},
		s.footer(event),
	}
}

func (s *SlackAdapter) formatGeneric(event events.Event) []SlackBlock {
	return []SlackBlock{
		{
			Type: "section",
			Fields: []SlackTextObject{
				{Type: "mrkdwn", Text: fmt.Sprintf("*Event:*\n%s", event.Type)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Caller:*\n`%s`", event.CallerID)},
			},
		},
		s.footer(event),
	}
}

func (s *SlackAdapter) footer(event events.Event) SlackBlock {
	text := fmt.Sprintf("<!date^%d^{date_num} {time_secs}|%s>", event.Timestamp.Unix(), event.Timestamp.Format(time.RFC3339))
	if s.dashboardURL != "" {
		text += fmt.Sprintf(" | <%s|Open dashboard>", s.dashboardURL)
	}
	return SlackBlock{
		Type:     "context",
		Elements: []SlackTextObject{{Type: "mrkdwn", Text: text}},
	}
}

func fallbackText(event events.Event) string {
	if msg := getStringField(event.Payload, "message"); msg != "" {
		return msg
	}
	return fmt.Sprintf("Event: %s", event.Type)
}

func getStringField(payload map[string]interface{}, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

func getFloatField(payload map[string]interface{}, key string) float64 {
	switch v := payload[key].(type) {
	case float64:
		return v
	case *float64:
		if v != nil {
			return *v
		}
	case int:
		return float64(v)
	}
	return 0
}
