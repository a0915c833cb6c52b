package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"planboard/internal/metrics"
	"planboard/pkg/notify"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Mailer sends one plain-text message.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// ChatPoster posts a message to a chat incoming webhook.
type ChatPoster interface {
	Post(ctx context.Context, webhookURL, text string) error
}

// WebhookSender delivers generic webhooks and Discord messages.
type WebhookSender interface {
	Send(ctx context.Context, req notify.WebhookRequest) (int, error)
	PostDiscord(ctx context.Context, webhookURL, content string) error
}

// CalendarCreator inserts calendar events.
type CalendarCreator interface {
	CreateEvent(ctx context.Context, ev notify.CalendarEvent) (*notify.CreatedEvent, error)
}

var (
	_ Mailer          = (*notify.Mailer)(nil)
	_ ChatPoster      = (*notify.SlackNotifier)(nil)
	_ WebhookSender   = (*notify.WebhookClient)(nil)
	_ CalendarCreator = (*notify.CalendarClient)(nil)
)

// Transports groups the outbound channels. A nil member makes its action type
// fail with ErrTransportNotEnabled.
type Transports struct {
	Mail     Mailer
	Slack    ChatPoster
	Webhook  WebhookSender
	Calendar CalendarCreator
}

// StepResult 单个动作的执行结果
type StepResult struct {
	Index      int    `json:"index"`
	Type       string `json:"type"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	Detail     string `json:"detail,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// ActionContext carries what an action needs beyond its own definition.
type ActionContext struct {
	AutomationName   string
	Tokens           map[string]string
	DefaultRecipient string
	DueDate          *time.Time
	Now              time.Time
}

// ActionExecutor renders and dispatches a single action with its own timeout.
type ActionExecutor struct {
	transports Transports
	timeout    time.Duration
	logger     *logrus.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer
}

func NewActionExecutor(transports Transports, timeout time.Duration, logger *logrus.Logger, m *metrics.Metrics) *ActionExecutor {
	if logger == nil {
		logger = logrus.New()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ActionExecutor{
		transports: transports,
		timeout:    timeout,
		logger:     logger,
		metrics:    m,
		tracer:     otel.Tracer("planboard.automation"),
	}
}

// Execute never panics and never returns an error: every failure, including
// a timeout or a panic inside a transport, becomes a failed StepResult.
func (e *ActionExecutor) Execute(ctx context.Context, index int, action ActionSpec, ac ActionContext) StepResult {
	kind := string(action.Kind())
	ctx, span := e.tracer.Start(ctx, "automation.action")
	defer span.End()
	span.SetAttributes(
		attribute.Int("automation.action.index", index),
		attribute.String("automation.action.type", kind),
	)

	started := time.Now()
	res := StepResult{Index: index, Type: kind}

	detail, err := e.dispatchWithTimeout(ctx, action, ac)
	res.DurationMs = time.Since(started).Milliseconds()
	res.Detail = detail
	if err != nil {
		res.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.WithFields(logrus.Fields{
			"automation": ac.AutomationName,
			"action":     kind,
			"index":      index,
		}).WithError(err).Warn("automation action failed")
	} else {
		res.Success = true
	}
	e.metrics.RecordAction(kind, res.Success, time.Since(started).Seconds())
	return res
}

type dispatchOutcome struct {
	detail string
	err    error
}

func (e *ActionExecutor) dispatchWithTimeout(parent context.Context, action ActionSpec, ac ActionContext) (string, error) {
	ctx, cancel := context.WithTimeout(parent, e.timeout)
	defer cancel()

	done := make(chan dispatchOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- dispatchOutcome{err: fmt.Errorf("%w: panic: %v", ErrActionDispatch, r)}
			}
		}()
		detail, err := e.dispatch(ctx, action, ac)
		done <- dispatchOutcome{detail: detail, err: err}
	}()

	select {
	case out := <-done:
		return out.detail, out.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: timed out after %s", ErrActionDispatch, e.timeout)
		}
		return "", fmt.Errorf("%w: %v", ErrActionDispatch, ctx.Err())
	}
}

func (e *ActionExecutor) dispatch(ctx context.Context, action ActionSpec, ac ActionContext) (string, error) {
	tokens := ac.Tokens
	switch a := action.(type) {
	case *EmailAction:
		if e.transports.Mail == nil {
			return "", fmt.Errorf("email: %w", ErrTransportNotEnabled)
		}
		to := strings.TrimSpace(Render(a.Recipient, tokens))
		if to == "" {
			to = ac.DefaultRecipient
		}
		if to == "" {
			return "", fmt.Errorf("%w: email: no recipient and project has no stakeholder or owner email", ErrActionDispatch)
		}
		if err := e.transports.Mail.Send(ctx, to, Render(a.Subject, tokens), Render(a.Message, tokens)); err != nil {
			return "", fmt.Errorf("%w: email: %v", ErrActionDispatch, err)
		}
		return "sent to " + to, nil

	case *ChatAction:
		msg := Render(a.Message, tokens)
		hook := Render(a.WebhookURL, tokens)
		switch a.Platform {
		case ActionDiscord:
			if e.transports.Webhook == nil {
				return "", fmt.Errorf("discord: %w", ErrTransportNotEnabled)
			}
			if err := e.transports.Webhook.PostDiscord(ctx, hook, msg); err != nil {
				return "", fmt.Errorf("%w: discord: %v", ErrActionDispatch, err)
			}
			return "posted to discord", nil
		default:
			if e.transports.Slack == nil {
				return "", fmt.Errorf("slack: %w", ErrTransportNotEnabled)
			}
			if err := e.transports.Slack.Post(ctx, hook, msg); err != nil {
				return "", fmt.Errorf("%w: slack: %v", ErrActionDispatch, err)
			}
			return "posted to slack", nil
		}

	case *WebhookAction:
		if e.transports.Webhook == nil {
			return "", fmt.Errorf("webhook: %w", ErrTransportNotEnabled)
		}
		req := notify.WebhookRequest{
			URL:    Render(a.URL, tokens),
			Method: a.Method,
			Body:   webhookBody(a, ac),
		}
		if len(a.Headers) > 0 {
			req.Headers = make(map[string]string, len(a.Headers))
			for k, v := range a.Headers {
				req.Headers[k] = Render(v, tokens)
			}
		}
		status, err := e.transports.Webhook.Send(ctx, req)
		if err != nil {
			return "", fmt.Errorf("%w: webhook: %v", ErrActionDispatch, err)
		}
		return fmt.Sprintf("%s %s -> %d", req.Method, req.URL, status), nil

	case *CalendarAction:
		if e.transports.Calendar == nil {
			return "", fmt.Errorf("calendar: %w", ErrTransportNotEnabled)
		}
		ev := calendarEvent(a, ac)
		created, err := e.transports.Calendar.CreateEvent(ctx, ev)
		if err != nil {
			return "", fmt.Errorf("%w: calendar: %v", ErrActionDispatch, err)
		}
		if created != nil && created.ID != "" {
			return "event " + created.ID, nil
		}
		return "event created", nil

	case *NoopAction:
		return a.Note, nil

	case UnknownAction:
		if a.Reason != "" {
			return "", fmt.Errorf("%w: %q: %s", ErrUnknownActionType, a.Type, a.Reason)
		}
		return "", fmt.Errorf("%w: %q", ErrUnknownActionType, a.Type)

	default:
		return "", fmt.Errorf("%w: %T", ErrUnknownActionType, action)
	}
}

func webhookBody(a *WebhookAction, ac ActionContext) map[string]interface{} {
	if len(a.Payload) > 0 {
		return renderMap(a.Payload, ac.Tokens)
	}
	body := map[string]interface{}{
		"automation":   ac.AutomationName,
		"triggered_at": ac.Now.UTC().Format(time.RFC3339),
	}
	if a.Message != "" {
		body["message"] = Render(a.Message, ac.Tokens)
	}
	for _, key := range []string{"project_name", "task_title", "task_status", "task_priority", "task_due_date"} {
		if v, ok := ac.Tokens[key]; ok && v != "" {
			body[key] = v
		}
	}
	return body
}

// calendarEvent blocks the duration right before the task deadline, or starts
// at the next full hour when there is no deadline in context.
func calendarEvent(a *CalendarAction, ac ActionContext) notify.CalendarEvent {
	d := time.Duration(a.Duration) * time.Minute
	var start time.Time
	if ac.DueDate != nil {
		start = ac.DueDate.Add(-d)
	} else {
		start = ac.Now.Truncate(time.Hour).Add(time.Hour)
	}
	return notify.CalendarEvent{
		Summary:     Render(a.Title, ac.Tokens),
		Description: Render(a.Description, ac.Tokens),
		Start:       start,
		End:         start.Add(d),
	}
}
