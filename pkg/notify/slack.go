package notify

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/slack-go/slack"
)

// SlackNotifier posts messages to Slack incoming webhooks.
type SlackNotifier struct {
	defaultURL string
	httpClient *http.Client
}

func NewSlackNotifier(defaultWebhookURL string, timeout time.Duration) *SlackNotifier {
	return &SlackNotifier{
		defaultURL: strings.TrimSpace(defaultWebhookURL),
		httpClient: newTracedHTTPClient(timeout),
	}
}

// Post sends text to webhookURL, or to the configured workspace webhook when
// webhookURL is empty.
func (s *SlackNotifier) Post(ctx context.Context, webhookURL, text string) error {
	url := strings.TrimSpace(webhookURL)
	if url == "" {
		url = s.defaultURL
	}
	if url == "" {
		return ErrNotConfigured
	}
	return slack.PostWebhookCustomHTTPContext(ctx, url, s.httpClient, &slack.WebhookMessage{Text: text})
}
