package detector

import (
	"context"
	"fmt"
	"time"

	"iot-telemetry/internal/bus"
	"iot-telemetry/internal/metrics"
	"iot-telemetry/internal/models"

	"go.uber.org/zap"
)

// Detector 流式异常检测
type Detector struct {
	history     *historyArena
	alertStream string
	publisher   bus.Publisher
	metrics     *metrics.Metrics
	logger      *zap.Logger
	now         func() time.Time
}

// NewDetector 创建检测器，告警发布到 alertStream
func NewDetector(alertStream string, publisher bus.Publisher, m *metrics.Metrics, logger *zap.Logger) *Detector {
	return &Detector{
		history:     newHistoryArena(HistoryCapacity),
		alertStream: alertStream,
		publisher:   publisher,
		metrics:     m,
		logger:      logger,
		now:         time.Now,
	}
}

// Analyze 将读数并入设备窗口后运行全部评估器
// 各评估器相互独立，可同时命中；单条告警发布失败不影响其余告警
func (d *Detector) Analyze(ctx context.Context, reading models.Reading) ([]models.Alert, error) {
	if reading.DeviceID == "" {
		return nil, fmt.Errorf("reading without device id")
	}

	snapshot := d.history.Append(reading)
	d.metrics.TrackedDevices.Set(float64(d.TrackedDevices()))
	now := d.now()

	evaluated := []struct {
		name   string
		alerts []models.Alert
	}{
		{"statistical", evaluateStatistical(snapshot, reading, now)},
		{"trend", evaluateTrend(snapshot, reading, now)},
		{"pattern", evaluatePattern(reading, now)},
	}

	var (
		alerts   []models.Alert
		firstErr error
	)
	for _, ev := range evaluated {
		for _, alert := range ev.alerts {
			d.metrics.AlertsEmitted.WithLabelValues(ev.name, string(alert.Severity)).Inc()
			if err := d.publish(ctx, alert); err != nil && firstErr == nil {
				firstErr = err
			}
			alerts = append(alerts, alert)
		}
	}
	return alerts, firstErr
}

// HandleRawAnomaly 阈值预检事件转为 HIGH 告警
func (d *Detector) HandleRawAnomaly(ctx context.Context, anomaly models.RawAnomaly) (models.Alert, error) {
	source := models.Reading{DeviceID: anomaly.DeviceID, FactoryID: anomaly.FactoryID}
	alert := models.NewAlert(source, models.AlertPerformanceDegradation, models.SeverityHigh,
		"Anomaly detected: "+anomaly.Details, anomaly.Data, d.now())

	d.metrics.AlertsEmitted.WithLabelValues("threshold", string(alert.Severity)).Inc()
	return alert, d.publish(ctx, alert)
}

// TrackedDevices 已建立窗口的设备数
func (d *Detector) TrackedDevices() int {
	return d.history.Devices()
}

func (d *Detector) publish(ctx context.Context, alert models.Alert) error {
	if err := d.publisher.Publish(ctx, d.alertStream, alert.DeviceID, alert); err != nil {
		d.logger.Error("Failed to publish alert",
			zap.String("device_id", alert.DeviceID),
			zap.String("alert_id", alert.AlertID),
			zap.Error(err),
		)
		return fmt.Errorf("failed to publish alert %s: %w", alert.AlertID, err)
	}

	d.logger.Info("Alert emitted",
		zap.String("device_id", alert.DeviceID),
		zap.String("alert_id", alert.AlertID),
		zap.String("severity", string(alert.Severity)),
		zap.String("message", alert.Message),
	)
	return nil
}
