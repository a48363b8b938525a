package anomaly

import (
	"context"
	"time"

	"github.com/znz-systems/mailslot/internal/metrics"
	"go.uber.org/zap"
)

// Monitor runs the detector on a fixed interval and reports what it finds
// through logs and metrics.
type Monitor struct {
	detector *Detector
	interval time.Duration
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewMonitor(detector *Detector, interval time.Duration, logger *zap.Logger, m *metrics.Metrics) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{detector: detector, interval: interval, logger: logger, metrics: m, now: time.Now}
}

func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

func (m *Monitor) RunOnce(ctx context.Context) (Report, error) {
	report, err := m.detector.Check(ctx, m.now())
	if err != nil {
		m.logger.Error("anomaly check failed", zap.Error(err))
		return report, err
	}

	active := make(map[string]string, len(report.Alerts))
	for _, alert := range report.Alerts {
		active[string(alert.Type)] = string(alert.Severity)
		fields := []zap.Field{
			zap.String("type", string(alert.Type)),
			zap.String("severity", string(alert.Severity)),
			zap.Any("metrics", alert.Metrics),
		}
		if alert.Severity == SeverityCritical {
			m.logger.Error(alert.Message, fields...)
		} else {
			m.logger.Warn(alert.Message, fields...)
		}
	}
	m.metrics.SetAnomalies(active)

	if report.Healthy() {
		m.logger.Debug("anomaly check clean",
			zap.Int64("total_24h", report.Total24h),
			zap.Int64("last_hour", report.LastHour),
		)
	}
	return report, nil
}
