package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"iot-telemetry/internal/bus"
	"iot-telemetry/internal/config"
	"iot-telemetry/internal/metrics"
	"iot-telemetry/internal/models"
	"iot-telemetry/internal/repository"

	"go.uber.org/zap"
)

// PointWriter 时序点写入
type PointWriter interface {
	WritePoint(ctx context.Context, p repository.Point) error
}

// Processor 读数入库与阈值预检
type Processor struct {
	streams   config.StreamsConfig
	store     PointWriter
	publisher bus.Publisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// NewProcessor 创建入库处理器
func NewProcessor(streams config.StreamsConfig, store PointWriter, publisher bus.Publisher, m *metrics.Metrics, logger *zap.Logger) *Processor {
	return &Processor{
		streams:   streams,
		store:     store,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

// Process 处理一条原始读数
// 1. 写时序库（失败只记录）
// 2. 转发到 processed-readings
// 3. 阈值预检，命中则发布 raw-anomalies，不论第 2 步成败
func (p *Processor) Process(ctx context.Context, reading models.Reading) error {
	details, violated := CheckThresholds(reading)

	if err := p.store.WritePoint(ctx, p.toPoint(reading, violated)); err != nil {
		p.metrics.StoreWriteFailures.Inc()
		p.logger.Error("Failed to write reading to time-series store",
			zap.String("device_id", reading.DeviceID),
			zap.Error(err),
		)
	}

	var errs []error
	if err := p.publisher.Publish(ctx, p.streams.ProcessedReadings, reading.DeviceID, reading); err != nil {
		errs = append(errs, fmt.Errorf("failed to publish processed reading: %w", err))
	}

	if violated {
		anomaly := models.RawAnomaly{
			DeviceID:    reading.DeviceID,
			Timestamp:   p.now(),
			AnomalyType: models.AnomalyThresholdExceeded,
			Details:     details,
			Data:        reading.Data,
			FactoryID:   reading.FactoryOrUnknown(),
		}
		if err := p.publisher.Publish(ctx, p.streams.RawAnomalies, reading.DeviceID, anomaly); err != nil {
			errs = append(errs, fmt.Errorf("failed to publish raw anomaly: %w", err))
		} else {
			p.logger.Info("Threshold anomaly detected",
				zap.String("device_id", reading.DeviceID),
				zap.String("details", details),
			)
		}
	}

	// 两个通道相互独立，任一失败不影响另一个
	return errors.Join(errs...)
}

// toPoint 读数转时序点
func (p *Processor) toPoint(r models.Reading, anomalous bool) repository.Point {
	fields := make(map[string]interface{}, len(r.Data)+4)
	for k, v := range r.Data {
		switch v.(type) {
		case string, bool:
			fields[k] = v
		default:
			if f, ok := models.ToFloat(v); ok {
				fields[k] = f
			}
		}
	}
	if r.BatteryLevel != nil {
		fields["battery_level"] = *r.BatteryLevel
	}
	if r.SignalStrength != nil {
		fields["signal_strength"] = *r.SignalStrength
	}
	if r.MessageType != "" {
		fields["message_type"] = r.MessageType
	}
	fields[repository.FieldAnomalyDetected] = anomalous

	return repository.Point{
		Measurement: repository.MeasurementDeviceData,
		DeviceID:    r.DeviceID,
		FactoryID:   r.FactoryOrUnknown(),
		Location:    r.LocationOrUnknown(),
		Fields:      fields,
		Time:        p.now(),
	}
}
