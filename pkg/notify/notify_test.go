package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captured struct {
	method string
	path   string
	header http.Header
	body   map[string]interface{}
}

func captureServer(t *testing.T, status int, reply string) (*httptest.Server, *captured) {
	t.Helper()
	got := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.method = r.Method
		got.path = r.URL.Path
		got.header = r.Header.Clone()
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &got.body)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func TestSlackNotifier_Post(t *testing.T) {
	srv, got := captureServer(t, http.StatusOK, "ok")

	n := NewSlackNotifier("", time.Second)
	require.NoError(t, n.Post(context.Background(), srv.URL+"/hook", "Task Ship v2 is due"))
	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "/hook", got.path)
	assert.Equal(t, "Task Ship v2 is due", got.body["text"])
}

func TestSlackNotifier_FallsBackToDefaultURL(t *testing.T) {
	srv, got := captureServer(t, http.StatusOK, "ok")

	n := NewSlackNotifier(srv.URL+"/default", time.Second)
	require.NoError(t, n.Post(context.Background(), "", "hello"))
	assert.Equal(t, "/default", got.path)
}

func TestSlackNotifier_NotConfigured(t *testing.T) {
	n := NewSlackNotifier("", time.Second)
	err := n.Post(context.Background(), "", "hello")
	assert.True(t, errors.Is(err, ErrNotConfigured))
}

func TestSlackNotifier_ServerError(t *testing.T) {
	srv, _ := captureServer(t, http.StatusInternalServerError, "boom")
	n := NewSlackNotifier("", time.Second)
	assert.Error(t, n.Post(context.Background(), srv.URL, "hello"))
}

func TestWebhookClient_SendPut(t *testing.T) {
	srv, got := captureServer(t, http.StatusAccepted, "")

	c := NewWebhookClient("", time.Second, nil)
	code, err := c.Send(context.Background(), WebhookRequest{
		URL:     srv.URL + "/in",
		Method:  "PUT",
		Headers: map[string]string{"X-Token": "abc"},
		Body:    map[string]interface{}{"message": "hi"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, http.MethodPut, got.method)
	assert.Equal(t, "abc", got.header.Get("X-Token"))
	assert.Equal(t, "hi", got.body["message"])
}

func TestWebhookClient_StatusError(t *testing.T) {
	srv, _ := captureServer(t, http.StatusBadGateway, "upstream down")

	c := NewWebhookClient("", time.Second, nil)
	code, err := c.Send(context.Background(), WebhookRequest{URL: srv.URL})
	require.Error(t, err)
	assert.Equal(t, http.StatusBadGateway, code)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "webhook", se.Service)
	assert.Contains(t, se.Error(), "upstream down")
}

func TestWebhookClient_UnsupportedMethod(t *testing.T) {
	c := NewWebhookClient("", time.Second, nil)
	_, err := c.Send(context.Background(), WebhookRequest{URL: "http://example.invalid", Method: "DELETE"})
	assert.Error(t, err)
}

func TestWebhookClient_PostDiscord(t *testing.T) {
	srv, got := captureServer(t, http.StatusNoContent, "")

	c := NewWebhookClient(srv.URL+"/discord", time.Second, nil)
	require.NoError(t, c.PostDiscord(context.Background(), "", "deploy done"))
	assert.Equal(t, "/discord", got.path)
	assert.Equal(t, "deploy done", got.body["content"])

	empty := NewWebhookClient("", time.Second, nil)
	assert.ErrorIs(t, empty.PostDiscord(context.Background(), "", "x"), ErrNotConfigured)
}

func TestCalendarClient_CreateEvent(t *testing.T) {
	// reply carries no JSON content type (sniffed as text/plain)
	srv, got := captureServer(t, http.StatusOK, `{"id":"evt_1","htmlLink":"https://cal/evt_1"}`)

	c := NewCalendarClient(CalendarConfig{
		BaseURL:     srv.URL,
		CalendarID:  "team@example.com",
		AccessToken: "token-123",
		TimeZone:    "UTC",
	}, nil)
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	created, err := c.CreateEvent(context.Background(), CalendarEvent{
		Summary: "Deadline: Ship v2",
		Start:   start,
		End:     start.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, "evt_1", created.ID)
	assert.Equal(t, "/calendars/team@example.com/events", got.path)
	assert.Equal(t, "Bearer token-123", got.header.Get("Authorization"))
	assert.Equal(t, "Deadline: Ship v2", got.body["summary"])
	startBody, _ := got.body["start"].(map[string]interface{})
	assert.Equal(t, "2026-03-02T09:00:00Z", startBody["dateTime"])
}

func TestCalendarClient_NotConfigured(t *testing.T) {
	c := NewCalendarClient(CalendarConfig{BaseURL: "http://localhost"}, nil)
	_, err := c.CreateEvent(context.Background(), CalendarEvent{})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestMailer_BuildMessage(t *testing.T) {
	m := NewMailer(MailerConfig{Host: "localhost", Port: 2525, From: "bot@planboard.test"}, nil)

	msg, err := m.buildMessage("owner@example.com", "Due soon", "body")
	require.NoError(t, err)
	assert.Equal(t, []string{"Due soon"}, msg.GetGenHeader("Subject"))

	_, err = m.buildMessage("", "s", "b")
	assert.Error(t, err)
	_, err = m.buildMessage("not an address", "s", "b")
	assert.Error(t, err)

	unconfigured := NewMailer(MailerConfig{}, nil)
	assert.ErrorIs(t, unconfigured.Send(context.Background(), "a@b.c", "s", "b"), ErrNotConfigured)
}
