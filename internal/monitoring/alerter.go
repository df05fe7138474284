package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/candidate-pipeline/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertJobFailureRate      AlertType = "job_failure_rate"
	AlertAdmissionSaturation AlertType = "admission_saturation"
	AlertStuckIngest         AlertType = "stuck_ingest"
	AlertCostOverrun         AlertType = "cost_overrun"
)

// minFinishedForRate avoids alerting on a failure rate computed over a
// handful of jobs.
const minFinishedForRate = 5

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	finished := snap.JobsCompleted + snap.JobsFailed
	if a.cfg.FailureRateThreshold > 0 && finished >= minFinishedForRate && snap.JobsFailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertJobFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Bulk job failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.JobsFailRate*100, a.cfg.FailureRateThreshold*100,
				snap.JobsFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.JobsFailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.JobsFailed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	if a.cfg.SaturationThreshold > 0 {
		if sat := max(snap.JobSaturation, snap.TokenSaturation); sat >= a.cfg.SaturationThreshold {
			alerts = append(alerts, Alert{
				Type:     AlertAdmissionSaturation,
				Severity: "medium",
				Message: fmt.Sprintf(
					"Admission capacity at %.0f%% (%d active jobs, %d active tokens); new submissions may be rejected",
					sat*100, snap.ActiveJobs, snap.ActiveTokens,
				),
				Details: map[string]any{
					"job_saturation":   snap.JobSaturation,
					"token_saturation": snap.TokenSaturation,
					"threshold":        a.cfg.SaturationThreshold,
				},
				Timestamp: now,
			})
		}
	}

	if len(snap.StuckIngest) > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertStuckIngest,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d job(s) stuck in INGEST_RUNNING for over %dm: %s",
				len(snap.StuckIngest), a.cfg.StuckIngestMins, strings.Join(snap.StuckIngest, ", "),
			),
			Details: map[string]any{
				"job_ids": snap.StuckIngest,
			},
			Timestamp: now,
		})
	}

	if a.cfg.CostThresholdUSD > 0 && snap.EstimatedCostUSD > a.cfg.CostThresholdUSD {
		alerts = append(alerts, Alert{
			Type:     AlertCostOverrun,
			Severity: "high",
			Message: fmt.Sprintf(
				"Estimated batch cost $%.2f exceeds threshold $%.2f in last %dh",
				snap.EstimatedCostUSD, a.cfg.CostThresholdUSD, snap.LookbackHours,
			),
			Details: map[string]any{
				"cost_usd":      snap.EstimatedCostUSD,
				"threshold_usd": a.cfg.CostThresholdUSD,
				"jobs_total":    snap.JobsTotal,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
