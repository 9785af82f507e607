package report

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"iot-telemetry/internal/metrics"
	"iot-telemetry/internal/repository"

	"go.uber.org/zap"
)

var (
	// ErrQuery 时序库查询失败
	ErrQuery = errors.New("report query failed")
	// ErrNoData 时间范围内没有数据
	ErrNoData = errors.New("no data in report period")
)

// DefaultHours 未指定或非法时的报表时长
const DefaultHours = 24

// MaxHours 查询窗口上限（一年）
const MaxHours = 8760

// PerformanceFields 性能报表统计的字段
var PerformanceFields = []string{"temperature", "pressure", "vibration", "battery_level"}

// Querier 时序库查询
type Querier interface {
	QueryDeviceHourlyMeans(ctx context.Context, deviceID string, start, stop time.Time) ([]repository.Row, error)
	QueryFactoryHourlyMeans(ctx context.Context, factoryID string, start, stop time.Time) ([]repository.Row, error)
	QueryAnomalyCounts(ctx context.Context, start, stop time.Time) ([]repository.Row, error)
	QueryPerformance(ctx context.Context, deviceID string, fields []string, start, stop time.Time) ([]repository.Row, error)
}

// Record 扁平化后的一条记录
type Record map[string]interface{}

// DeviceReport 单设备小时均值报表
type DeviceReport struct {
	DeviceID     string    `json:"deviceId"`
	ReportPeriod string    `json:"reportPeriod"`
	GeneratedAt  time.Time `json:"generatedAt"`
	Data         []Record  `json:"data"`
}

// FactoryReport 工厂小时均值报表
type FactoryReport struct {
	FactoryID    string    `json:"factoryId"`
	ReportPeriod string    `json:"reportPeriod"`
	GeneratedAt  time.Time `json:"generatedAt"`
	Data         []Record  `json:"data"`
}

// AnomalyReport 异常次数报表
type AnomalyReport struct {
	ReportType   string    `json:"reportType"`
	ReportPeriod string    `json:"reportPeriod"`
	GeneratedAt  time.Time `json:"generatedAt"`
	Anomalies    []Record  `json:"anomalies"`
}

// PerformanceReport 单设备性能报表
type PerformanceReport struct {
	DeviceID     string    `json:"deviceId"`
	ReportType   string    `json:"reportType"`
	ReportPeriod string    `json:"reportPeriod"`
	GeneratedAt  time.Time `json:"generatedAt"`
	Metrics      []Record  `json:"metrics"`
}

// ErrorReport 生成失败时返回给调用方的报表
type ErrorReport struct {
	Error       bool      `json:"error"`
	Identifier  string    `json:"identifier"`
	Message     string    `json:"message"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// Engine 报表查询引擎
type Engine struct {
	store   Querier
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewEngine 创建报表引擎
func NewEngine(store Querier, m *metrics.Metrics, logger *zap.Logger) *Engine {
	return &Engine{store: store, metrics: m, logger: logger, now: time.Now}
}

// DeviceReport 设备报表
func (e *Engine) DeviceReport(ctx context.Context, deviceID string, hours int) (DeviceReport, error) {
	hours, start, stop := e.window(hours)
	rows, err := e.store.QueryDeviceHourlyMeans(ctx, deviceID, start, stop)
	if err = e.check("device", deviceID, rows, err, true); err != nil {
		return DeviceReport{}, err
	}
	return DeviceReport{
		DeviceID:     deviceID,
		ReportPeriod: period(hours),
		GeneratedAt:  stop,
		Data:         Flatten(rows),
	}, nil
}

// FactoryReport 工厂报表
func (e *Engine) FactoryReport(ctx context.Context, factoryID string, hours int) (FactoryReport, error) {
	hours, start, stop := e.window(hours)
	rows, err := e.store.QueryFactoryHourlyMeans(ctx, factoryID, start, stop)
	if err = e.check("factory", factoryID, rows, err, true); err != nil {
		return FactoryReport{}, err
	}
	return FactoryReport{
		FactoryID:    factoryID,
		ReportPeriod: period(hours),
		GeneratedAt:  stop,
		Data:         Flatten(rows),
	}, nil
}

// AnomalyReport 异常报表，没有异常时返回空列表
func (e *Engine) AnomalyReport(ctx context.Context, hours int) (AnomalyReport, error) {
	hours, start, stop := e.window(hours)
	rows, err := e.store.QueryAnomalyCounts(ctx, start, stop)
	if err = e.check("anomaly", "anomaly", rows, err, false); err != nil {
		return AnomalyReport{}, err
	}
	return AnomalyReport{
		ReportType:   "anomaly",
		ReportPeriod: period(hours),
		GeneratedAt:  stop,
		Anomalies:    Flatten(rows),
	}, nil
}

// PerformanceReport 性能报表
func (e *Engine) PerformanceReport(ctx context.Context, deviceID string, hours int) (PerformanceReport, error) {
	hours, start, stop := e.window(hours)
	rows, err := e.store.QueryPerformance(ctx, deviceID, PerformanceFields, start, stop)
	if err = e.check("performance", deviceID, rows, err, true); err != nil {
		return PerformanceReport{}, err
	}
	return PerformanceReport{
		DeviceID:     deviceID,
		ReportType:   "performance",
		ReportPeriod: period(hours),
		GeneratedAt:  stop,
		Metrics:      Flatten(rows),
	}, nil
}

// NewErrorReport 由错误生成错误报表
func (e *Engine) NewErrorReport(identifier string, err error) ErrorReport {
	return ErrorReport{
		Error:       true,
		Identifier:  identifier,
		Message:     err.Error(),
		GeneratedAt: e.now(),
	}
}

// window 计算查询区间 [now-hours, now]
func (e *Engine) window(hours int) (int, time.Time, time.Time) {
	switch {
	case hours <= 0:
		hours = DefaultHours
	case hours > MaxHours:
		hours = MaxHours
	}
	stop := e.now()
	return hours, stop.Add(-time.Duration(hours) * time.Hour), stop
}

func (e *Engine) check(kind, identifier string, rows []repository.Row, err error, requireData bool) error {
	switch {
	case err != nil:
		err = fmt.Errorf("%w: %s report for %s: %v", ErrQuery, kind, identifier, err)
	case requireData && len(rows) == 0:
		err = fmt.Errorf("%w: %s report for %s", ErrNoData, kind, identifier)
	}

	e.metrics.ReportQueries.WithLabelValues(kind, metrics.Status(err)).Inc()
	if err != nil {
		e.logger.Warn("Report generation failed",
			zap.String("report", kind),
			zap.String("identifier", identifier),
			zap.Error(err),
		)
	}
	return err
}

func period(hours int) string {
	return fmt.Sprintf("%d hours", hours)
}

// Flatten 查询结果转为记录
// _time/_measurement/_field/_value 映射为 time/measurement/field/value，其余列去掉 _ 前缀
func Flatten(rows []repository.Row) []Record {
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		rec := Record{
			"time":        row["_time"],
			"measurement": row["_measurement"],
			"field":       row["_field"],
			"value":       row["_value"],
		}
		for k, v := range row {
			switch k {
			case "_time", "_measurement", "_field", "_value":
				continue
			}
			rec[strings.TrimPrefix(k, "_")] = v
		}
		out = append(out, rec)
	}
	return out
}
