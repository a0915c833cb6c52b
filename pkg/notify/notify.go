// Package notify holds the outbound transports used by automation actions:
// SMTP mail, Slack and Discord incoming webhooks, generic HTTP webhooks and a
// calendar events endpoint.
package notify

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ErrNotConfigured is returned when a transport is asked to send without the
// endpoint or credentials it needs.
var ErrNotConfigured = errors.New("notify: transport not configured")

const defaultTimeout = 10 * time.Second

// StatusError 下游返回非 2xx 状态码
type StatusError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s responded with status %d", e.Service, e.StatusCode)
	}
	return fmt.Sprintf("%s responded with status %d: %s", e.Service, e.StatusCode, truncate(e.Body, 200))
}

// tracedTransport wraps base (or the default transport) with otel spans.
func tracedTransport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return otelhttp.NewTransport(base)
}

func newTracedHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{Transport: tracedTransport(nil), Timeout: timeout}
}

func newRestyClient(httpClient *http.Client, logger *logrus.Logger) *resty.Client {
	client := resty.NewWithClient(httpClient).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "planboard-automation/1.0")
	if logger != nil && logger.IsLevelEnabled(logrus.DebugLevel) {
		client.SetDebug(true)
		client.SetLogger(logger)
	}
	return client
}

func checkResponse(service string, resp *resty.Response) error {
	if resp.IsSuccess() {
		return nil
	}
	return &StatusError{Service: service, StatusCode: resp.StatusCode(), Body: resp.String()}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
