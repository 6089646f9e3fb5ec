package alerting

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectWebhookType(t *testing.T) {
	assert.Equal(t, "slack", DetectWebhookType("https://hooks.slack.com/services/x"))
	assert.Equal(t, "discord", DetectWebhookType("https://discord.com/api/webhooks/x"))
	assert.Equal(t, "generic", DetectWebhookType("https://example.org/hook"))
}

func TestSend_Generic(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	a := NewAlerter(AlertConfig{WebhookURL: srv.URL}, nil)
	err := a.Send(context.Background(), Alert{
		JobName:  "audit_bank_balances",
		Summary:  "1 account drifted",
		Total:    3,
		Failed:   1,
		Duration: 1500 * time.Millisecond,
		Details:  []Failure{{Subject: "BRI", Error: "drift 250"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "audit_bank_balances", body["job_name"])
	assert.Equal(t, float64(1), body["failed_count"])
	assert.Equal(t, float64(1500), body["duration_ms"])
}

func TestSend_ThresholdAndDisabled(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	ctx := context.Background()
	require.NoError(t, NewAlerter(AlertConfig{}, nil).Send(ctx, Alert{Failed: 5}))

	a := NewAlerter(AlertConfig{WebhookURL: srv.URL, MinFailuresBeforeAlert: 2}, nil)
	require.NoError(t, a.Send(ctx, Alert{JobName: "x", Failed: 1}))
	assert.Equal(t, int32(0), calls.Load())

	require.NoError(t, a.Send(ctx, Alert{JobName: "x", Failed: 2}))
	assert.Equal(t, int32(1), calls.Load())
}

func TestSend_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	a := NewAlerter(AlertConfig{WebhookURL: srv.URL, WebhookType: "slack"}, nil)
	err := a.Send(context.Background(), Alert{JobName: "recalculate", Failed: 1})
	assert.ErrorContains(t, err, "502")
}

func TestPayloads(t *testing.T) {
	alert := Alert{JobName: "recalculate", Total: 1, Failed: 1, Details: []Failure{{Subject: "batch", Error: "boom"}}}

	raw, err := buildSlackPayload(alert)
	require.NoError(t, err)
	assert.Contains(t, string(raw), ":x: recalculate")
	assert.Contains(t, string(raw), "*batch*: boom")

	raw, err = buildDiscordPayload(alert)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "16711680")
	assert.Contains(t, string(raw), "**batch**: boom")
}
