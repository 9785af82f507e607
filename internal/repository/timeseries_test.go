package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupRepo(t *testing.T) (*TimeSeriesRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewTimeSeriesRepository(db, zap.NewNop()), mock
}

func TestWritePoint_TypedFields(t *testing.T) {
	repo, mock := setupRepo(t)
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO telemetry_points").
		WithArgs(
			ts, "device_data", "d1", "f1", "line-1", "running", nil, nil, true,
			ts, "device_data", "d1", "f1", "line-1", "status", nil, "ok", nil,
			ts, "device_data", "d1", "f1", "line-1", "temperature", 85.0, nil, nil,
		).
		WillReturnResult(sqlmock.NewResult(0, 3))

	err := repo.WritePoint(context.Background(), Point{
		Measurement: MeasurementDeviceData,
		DeviceID:    "d1",
		FactoryID:   "f1",
		Location:    "line-1",
		Time:        ts,
		Fields: map[string]interface{}{
			"temperature": 85.0,
			"status":      "ok",
			"running":     true,
			"nested":      map[string]interface{}{"x": 1},
		},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWritePoint_NoSupportedFields(t *testing.T) {
	repo, mock := setupRepo(t)

	err := repo.WritePoint(context.Background(), Point{
		Measurement: MeasurementDeviceData,
		DeviceID:    "d1",
		Fields:      map[string]interface{}{"list": []interface{}{1, 2}},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWritePoint_Failure(t *testing.T) {
	repo, mock := setupRepo(t)

	mock.ExpectExec("INSERT INTO telemetry_points").WillReturnError(errors.New("connection refused"))

	err := repo.WritePoint(context.Background(), Point{
		Measurement: MeasurementDeviceData,
		DeviceID:    "d1",
		Fields:      map[string]interface{}{"temperature": 20.0},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStoreWrite))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestQueryDeviceHourlyMeans(t *testing.T) {
	repo, mock := setupRepo(t)
	stop := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	start := stop.Add(-24 * time.Hour)
	hour := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"_time", "_measurement", "_field", "_value", "device_id", "factory_id", "location", "_start", "_stop"}).
		AddRow(hour, "device_data", "temperature", 42.5, "d1", "f1", "line-1", start, stop).
		AddRow(hour, "device_data", "pressure", []byte("3.1"), "d1", "f1", "line-1", start, stop)

	mock.ExpectQuery("date_trunc").WithArgs("d1", start, stop).WillReturnRows(rows)

	out, err := repo.QueryDeviceHourlyMeans(context.Background(), "d1", start, stop)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "temperature", out[0]["_field"])
	assert.Equal(t, 42.5, out[0]["_value"])
	assert.Equal(t, hour, out[0]["_time"])
	// []byte 统一转为 string
	assert.Equal(t, "3.1", out[1]["_value"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryAnomalyCounts(t *testing.T) {
	repo, mock := setupRepo(t)
	stop := time.Now()
	start := stop.Add(-time.Hour)

	rows := sqlmock.NewRows([]string{"_measurement", "_field", "_value", "device_id", "factory_id", "_start", "_stop"}).
		AddRow("device_data", "anomaly_detected", int64(4), "d1", "f1", start, stop)
	mock.ExpectQuery("anomaly_detected").WithArgs(start, stop).WillReturnRows(rows)

	out, err := repo.QueryAnomalyCounts(context.Background(), start, stop)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, int64(4), out[0]["_value"])
	assert.Equal(t, "f1", out[0]["factory_id"])
}

func TestQueryPerformance(t *testing.T) {
	repo, mock := setupRepo(t)
	stop := time.Now()
	start := stop.Add(-time.Hour)

	rows := sqlmock.NewRows([]string{"_time", "_measurement", "_field", "mean", "max", "min", "device_id"}).
		AddRow(start, "device_data", "temperature", 50.0, 60.0, 40.0, "d1")
	mock.ExpectQuery("ANY").WithArgs("d1", start, stop, sqlmock.AnyArg()).WillReturnRows(rows)

	out, err := repo.QueryPerformance(context.Background(), "d1", []string{"temperature", "pressure"}, start, stop)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 60.0, out[0]["max"])
}

func TestQuery_Error(t *testing.T) {
	repo, mock := setupRepo(t)
	mock.ExpectQuery("SELECT").WillReturnError(errors.New("timeout"))

	_, err := repo.QueryFactoryHourlyMeans(context.Background(), "f1", time.Now().Add(-time.Hour), time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
}
