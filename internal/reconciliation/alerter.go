package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/mbd888/keymarket/internal/circuitbreaker"
)

// WebhookAlerter posts a run summary to an operator webhook.
type WebhookAlerter struct {
	url     string
	client  *resty.Client
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

type alertPayload struct {
	Text      string       `json:"text"`
	Source    string       `json:"source"`
	StartedAt time.Time    `json:"startedAt"`
	New       int          `json:"new"`
	Counts    map[Kind]int `json:"counts"`
	Anomalies []*Anomaly   `json:"anomalies"`
}

// NewWebhookAlerter creates an alerter posting JSON to url.
func NewWebhookAlerter(url string, logger *slog.Logger) *WebhookAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	client := resty.New().
		SetTimeout(10*time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500*time.Millisecond).
		SetHeader("Content-Type", "application/json")
	return &WebhookAlerter{
		url:     url,
		client:  client,
		breaker: circuitbreaker.New(3, 5*time.Minute),
		logger:  logger,
	}
}

// Alert posts the report. Non-2xx responses are errors. After repeated
// delivery failures alerts are dropped with circuitbreaker.ErrOpen until the
// webhook recovers.
func (w *WebhookAlerter) Alert(ctx context.Context, r *Report) error {
	payload := alertPayload{
		Text:      fmt.Sprintf("reconciliation found %d new anomalies (%d open)", r.New, len(r.Anomalies)),
		Source:    "keymarket",
		StartedAt: r.StartedAt,
		New:       r.New,
		Counts:    r.Counts,
		Anomalies: r.Anomalies,
	}
	var status int
	err := w.breaker.Do("alert_webhook", func() error {
		resp, err := w.client.R().SetContext(ctx).SetBody(payload).Post(w.url)
		if err != nil {
			return fmt.Errorf("post alert: %w", err)
		}
		status = resp.StatusCode()
		if resp.IsError() {
			return fmt.Errorf("alert webhook returned %d", status)
		}
		return nil
	}, nil)
	if err != nil {
		return err
	}
	w.logger.Info("reconciliation alert sent", "new", r.New, "status", status)
	return nil
}
