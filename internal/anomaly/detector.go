// Package anomaly inspects delivery history for operational problems. It only
// reads; acting on a report is up to the caller.
package anomaly

import (
	"context"
	"fmt"
	"time"

	"github.com/znz-systems/mailslot/internal/store"
)

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

type Kind string

const (
	KindHighFailureRate Kind = "high_failure_rate"
	KindSilence         Kind = "no_recent_deliveries"
	KindVolumeSpike     Kind = "volume_spike"
)

type Alert struct {
	Type     Kind               `json:"type"`
	Severity Severity           `json:"severity"`
	Message  string             `json:"message"`
	Metrics  map[string]float64 `json:"metrics"`
}

type Report struct {
	CheckedAt    time.Time `json:"checkedAt"`
	Total24h     int64     `json:"total24h"`
	Failed24h    int64     `json:"failed24h"`
	LastHour     int64     `json:"lastHour"`
	FailureRate  float64   `json:"failureRate"`
	HourlyAvg24h float64   `json:"hourlyAverage24h"`
	Alerts       []Alert   `json:"alerts"`
}

func (r Report) Healthy() bool {
	return len(r.Alerts) == 0
}

// Thresholds configures when each alert fires. Zero fields take the defaults.
type Thresholds struct {
	MinSample           int64
	FailureRateWarning  float64
	FailureRateCritical float64
	MinHourlyAverage    float64
	SpikeMultiplier     float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		MinSample:           10,
		FailureRateWarning:  0.05,
		FailureRateCritical: 0.20,
		MinHourlyAverage:    5,
		SpikeMultiplier:     3,
	}
}

func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	if t.MinSample <= 0 {
		t.MinSample = d.MinSample
	}
	if t.FailureRateWarning <= 0 {
		t.FailureRateWarning = d.FailureRateWarning
	}
	if t.FailureRateCritical <= 0 {
		t.FailureRateCritical = d.FailureRateCritical
	}
	if t.MinHourlyAverage <= 0 {
		t.MinHourlyAverage = d.MinHourlyAverage
	}
	if t.SpikeMultiplier <= 0 {
		t.SpikeMultiplier = d.SpikeMultiplier
	}
	return t
}

type Detector struct {
	deliveries store.DeliveryLogStore
	thresholds Thresholds
}

func NewDetector(deliveries store.DeliveryLogStore, thresholds Thresholds) *Detector {
	return &Detector{deliveries: deliveries, thresholds: thresholds.withDefaults()}
}

func (d *Detector) Check(ctx context.Context, now time.Time) (Report, error) {
	now = now.UTC()
	report := Report{CheckedAt: now, Alerts: []Alert{}}

	day, err := d.deliveries.CountDeliveriesBetween(ctx, now.Add(-24*time.Hour), now)
	if err != nil {
		return report, fmt.Errorf("count last 24h: %w", err)
	}
	hour, err := d.deliveries.CountDeliveriesBetween(ctx, now.Add(-time.Hour), now)
	if err != nil {
		return report, fmt.Errorf("count last hour: %w", err)
	}

	report.Total24h = day.Total
	report.Failed24h = day.Failed
	report.LastHour = hour.Total
	report.HourlyAvg24h = float64(day.Total) / 24
	if day.Total > 0 {
		report.FailureRate = float64(day.Failed) / float64(day.Total)
	}

	t := d.thresholds
	if day.Total > t.MinSample && report.FailureRate > t.FailureRateWarning {
		severity := SeverityWarning
		if report.FailureRate > t.FailureRateCritical {
			severity = SeverityCritical
		}
		report.Alerts = append(report.Alerts, Alert{
			Type:     KindHighFailureRate,
			Severity: severity,
			Message: fmt.Sprintf("%.1f%% of %d deliveries failed in the last 24h",
				report.FailureRate*100, day.Total),
			Metrics: map[string]float64{
				"total":       float64(day.Total),
				"failed":      float64(day.Failed),
				"failureRate": report.FailureRate,
			},
		})
	}

	if day.Total == 0 {
		seen, err := d.deliveries.HasAnyDeliveries(ctx)
		if err != nil {
			return report, fmt.Errorf("check delivery history: %w", err)
		}
		if seen {
			report.Alerts = append(report.Alerts, Alert{
				Type:     KindSilence,
				Severity: SeverityWarning,
				Message:  "no deliveries received in the last 24h",
				Metrics:  map[string]float64{"total": 0},
			})
		}
	}

	if report.HourlyAvg24h > t.MinHourlyAverage && float64(hour.Total) > t.SpikeMultiplier*report.HourlyAvg24h {
		report.Alerts = append(report.Alerts, Alert{
			Type:     KindVolumeSpike,
			Severity: SeverityWarning,
			Message: fmt.Sprintf("%d deliveries in the last hour against a 24h average of %.1f/h",
				hour.Total, report.HourlyAvg24h),
			Metrics: map[string]float64{
				"lastHour":      float64(hour.Total),
				"hourlyAverage": report.HourlyAvg24h,
			},
		})
	}

	return report, nil
}
