package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"iot-telemetry/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// ErrStoreWrite 时序点写入失败
var ErrStoreWrite = errors.New("time-series store write failed")

// MeasurementDeviceData 设备读数测量名
const MeasurementDeviceData = "device_data"

// FieldAnomalyDetected 阈值预检结果字段
const FieldAnomalyDetected = "anomaly_detected"

const pointsTable = "telemetry_points"

// Schema 窄表结构，每个字段一行
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS telemetry_points (
		time        TIMESTAMPTZ NOT NULL,
		measurement TEXT        NOT NULL,
		device_id   TEXT        NOT NULL,
		factory_id  TEXT        NOT NULL,
		location    TEXT        NOT NULL,
		field       TEXT        NOT NULL,
		value_num   DOUBLE PRECISION,
		value_str   TEXT,
		value_bool  BOOLEAN
	)`,
	`CREATE INDEX IF NOT EXISTS idx_telemetry_points_device_time
		ON telemetry_points (device_id, time DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_telemetry_points_measurement_time
		ON telemetry_points (measurement, time DESC)`,
}

// Point 时序点
type Point struct {
	Measurement string
	DeviceID    string
	FactoryID   string
	Location    string
	Fields      map[string]interface{}
	Time        time.Time
}

// Row 查询结果行，键为原始列名
type Row map[string]interface{}

// TimeSeriesRepository 时序数据仓库
type TimeSeriesRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewTimeSeriesRepository 创建时序数据仓库
func NewTimeSeriesRepository(db *sql.DB, logger *zap.Logger) *TimeSeriesRepository {
	return &TimeSeriesRepository{
		db:     db,
		logger: logger,
	}
}

// WritePoint 写入一个时序点，所有字段在一条 INSERT 中落库
// 数值/字符串/布尔以外的字段被忽略
func (r *TimeSeriesRepository) WritePoint(ctx context.Context, p Point) error {
	names := make([]string, 0, len(p.Fields))
	for name := range p.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		placeholders []string
		args         []interface{}
	)
	for _, name := range names {
		num, str, flag, ok := splitValue(p.Fields[name])
		if !ok {
			continue
		}
		n := len(args)
		placeholders = append(placeholders, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			n+1, n+2, n+3, n+4, n+5, n+6, n+7, n+8, n+9))
		args = append(args, p.Time, p.Measurement, p.DeviceID, p.FactoryID, p.Location, name, num, str, flag)
	}
	if len(placeholders) == 0 {
		return nil
	}

	query := `INSERT INTO ` + pointsTable + ` (time, measurement, device_id, factory_id, location, field, value_num, value_str, value_bool) VALUES ` +
		strings.Join(placeholders, ", ")

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%w: device %s: %v", ErrStoreWrite, p.DeviceID, err)
	}
	return nil
}

// QueryDeviceHourlyMeans 单设备各数值字段每小时均值
func (r *TimeSeriesRepository) QueryDeviceHourlyMeans(ctx context.Context, deviceID string, start, stop time.Time) ([]Row, error) {
	query := `
		SELECT date_trunc('hour', time) AS _time,
		       measurement AS _measurement,
		       field AS _field,
		       avg(value_num) AS _value,
		       device_id, factory_id, location,
		       $2::timestamptz AS _start,
		       $3::timestamptz AS _stop
		FROM ` + pointsTable + `
		WHERE measurement = 'device_data'
		  AND device_id = $1
		  AND time >= $2 AND time <= $3
		  AND value_num IS NOT NULL
		GROUP BY 1, 2, 3, 5, 6, 7
		ORDER BY _field, _time
	`
	return r.query(ctx, query, deviceID, start, stop)
}

// QueryFactoryHourlyMeans 工厂内各设备各数值字段每小时均值
func (r *TimeSeriesRepository) QueryFactoryHourlyMeans(ctx context.Context, factoryID string, start, stop time.Time) ([]Row, error) {
	query := `
		SELECT date_trunc('hour', time) AS _time,
		       measurement AS _measurement,
		       field AS _field,
		       avg(value_num) AS _value,
		       device_id, factory_id,
		       $2::timestamptz AS _start,
		       $3::timestamptz AS _stop
		FROM ` + pointsTable + `
		WHERE measurement = 'device_data'
		  AND factory_id = $1
		  AND time >= $2 AND time <= $3
		  AND value_num IS NOT NULL
		GROUP BY 1, 2, 3, 5, 6
		ORDER BY device_id, _field, _time
	`
	return r.query(ctx, query, factoryID, start, stop)
}

// QueryAnomalyCounts 按设备、工厂统计 anomaly_detected=true 的次数
func (r *TimeSeriesRepository) QueryAnomalyCounts(ctx context.Context, start, stop time.Time) ([]Row, error) {
	query := `
		SELECT measurement AS _measurement,
		       field AS _field,
		       count(*) AS _value,
		       device_id, factory_id,
		       $1::timestamptz AS _start,
		       $2::timestamptz AS _stop
		FROM ` + pointsTable + `
		WHERE measurement = 'device_data'
		  AND field = 'anomaly_detected'
		  AND value_bool = true
		  AND time >= $1 AND time <= $2
		GROUP BY 1, 2, 4, 5
		ORDER BY device_id
	`
	return r.query(ctx, query, start, stop)
}

// QueryPerformance 单设备指定字段每小时均值/最大/最小
func (r *TimeSeriesRepository) QueryPerformance(ctx context.Context, deviceID string, fields []string, start, stop time.Time) ([]Row, error) {
	query := `
		SELECT date_trunc('hour', time) AS _time,
		       measurement AS _measurement,
		       field AS _field,
		       avg(value_num) AS mean,
		       max(value_num) AS max,
		       min(value_num) AS min,
		       device_id
		FROM ` + pointsTable + `
		WHERE measurement = 'device_data'
		  AND device_id = $1
		  AND time >= $2 AND time <= $3
		  AND field = ANY($4)
		  AND value_num IS NOT NULL
		GROUP BY 1, 2, 3, 7
		ORDER BY _field, _time
	`
	return r.query(ctx, query, deviceID, start, stop, pq.Array(fields))
}

func (r *TimeSeriesRepository) query(ctx context.Context, query string, args ...interface{}) ([]Row, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query time-series store: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	var out []Row
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		row := make(Row, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}
	return out, nil
}

// splitValue 按类型拆分到 value_num / value_str / value_bool
func splitValue(v interface{}) (num sql.NullFloat64, str sql.NullString, flag sql.NullBool, ok bool) {
	switch val := v.(type) {
	case string:
		return num, sql.NullString{String: val, Valid: true}, flag, true
	case bool:
		return num, str, sql.NullBool{Bool: val, Valid: true}, true
	default:
		if f, isNum := models.ToFloat(v); isNum {
			return sql.NullFloat64{Float64: f, Valid: true}, str, flag, true
		}
		return num, str, flag, false
	}
}
