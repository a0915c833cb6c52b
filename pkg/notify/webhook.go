package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

// WebhookRequest 通用 HTTP 回调
type WebhookRequest struct {
	URL     string
	Method  string // POST (default) or PUT
	Headers map[string]string
	Body    interface{}
}

// WebhookClient delivers generic JSON webhooks and Discord messages.
type WebhookClient struct {
	client            *resty.Client
	discordDefaultURL string
}

func NewWebhookClient(discordDefaultURL string, timeout time.Duration, logger *logrus.Logger) *WebhookClient {
	return &WebhookClient{
		client:            newRestyClient(newTracedHTTPClient(timeout), logger),
		discordDefaultURL: strings.TrimSpace(discordDefaultURL),
	}
}

// Send performs the request and returns the response status code.
func (c *WebhookClient) Send(ctx context.Context, req WebhookRequest) (int, error) {
	if strings.TrimSpace(req.URL) == "" {
		return 0, fmt.Errorf("webhook: url is empty")
	}
	r := c.client.R().SetContext(ctx).SetHeaders(req.Headers)
	if req.Body != nil {
		r.SetBody(req.Body)
	}

	var (
		resp *resty.Response
		err  error
	)
	switch strings.ToUpper(req.Method) {
	case "", http.MethodPost:
		resp, err = r.Post(req.URL)
	case http.MethodPut:
		resp, err = r.Put(req.URL)
	default:
		return 0, fmt.Errorf("webhook: unsupported method %s", req.Method)
	}
	if err != nil {
		return 0, fmt.Errorf("webhook: %w", err)
	}
	return resp.StatusCode(), checkResponse("webhook", resp)
}

// PostDiscord sends content to a Discord webhook, falling back to the
// configured default URL.
func (c *WebhookClient) PostDiscord(ctx context.Context, webhookURL, content string) error {
	url := strings.TrimSpace(webhookURL)
	if url == "" {
		url = c.discordDefaultURL
	}
	if url == "" {
		return ErrNotConfigured
	}
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"content": content}).
		Post(url)
	if err != nil {
		return fmt.Errorf("discord: %w", err)
	}
	return checkResponse("discord", resp)
}
