package report

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"iot-telemetry/internal/metrics"
	"iot-telemetry/internal/repository"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

var fixedNow = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

type fakeQuerier struct {
	rows   []repository.Row
	err    error
	start  time.Time
	stop   time.Time
	fields []string
}

func (f *fakeQuerier) record(start, stop time.Time) ([]repository.Row, error) {
	f.start, f.stop = start, stop
	return f.rows, f.err
}

func (f *fakeQuerier) QueryDeviceHourlyMeans(_ context.Context, _ string, start, stop time.Time) ([]repository.Row, error) {
	return f.record(start, stop)
}

func (f *fakeQuerier) QueryFactoryHourlyMeans(_ context.Context, _ string, start, stop time.Time) ([]repository.Row, error) {
	return f.record(start, stop)
}

func (f *fakeQuerier) QueryAnomalyCounts(_ context.Context, start, stop time.Time) ([]repository.Row, error) {
	return f.record(start, stop)
}

func (f *fakeQuerier) QueryPerformance(_ context.Context, _ string, fields []string, start, stop time.Time) ([]repository.Row, error) {
	f.fields = fields
	return f.record(start, stop)
}

func setupEngine(q Querier) (*Engine, *metrics.Metrics) {
	m := metrics.New("test")
	e := NewEngine(q, m, zap.NewNop())
	e.now = func() time.Time { return fixedNow }
	return e, m
}

func TestFlatten(t *testing.T) {
	hour := fixedNow.Add(-time.Hour)
	rows := []repository.Row{{
		"_time":        hour,
		"_measurement": "device_data",
		"_field":       "temperature",
		"_value":       21.5,
		"_start":       fixedNow.Add(-24 * time.Hour),
		"device_id":    "d1",
	}}

	out := Flatten(rows)
	require.Len(t, out, 1)
	assert.Equal(t, Record{
		"time":        hour,
		"measurement": "device_data",
		"field":       "temperature",
		"value":       21.5,
		"start":       fixedNow.Add(-24 * time.Hour),
		"device_id":   "d1",
	}, out[0])
}

func TestDeviceReport(t *testing.T) {
	q := &fakeQuerier{rows: []repository.Row{{"_field": "temperature", "_value": 20.0, "device_id": "d1"}}}
	e, m := setupEngine(q)

	rep, err := e.DeviceReport(context.Background(), "d1", 6)
	require.NoError(t, err)

	assert.Equal(t, "d1", rep.DeviceID)
	assert.Equal(t, "6 hours", rep.ReportPeriod)
	assert.Equal(t, fixedNow, rep.GeneratedAt)
	assert.Equal(t, fixedNow.Add(-6*time.Hour), q.start)
	assert.Equal(t, fixedNow, q.stop)
	require.Len(t, rep.Data, 1)
	assert.Equal(t, "temperature", rep.Data[0]["field"])
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReportQueries.WithLabelValues("device", "ok")))
}

func TestDefaultHours(t *testing.T) {
	for _, hours := range []int{0, -5} {
		q := &fakeQuerier{rows: []repository.Row{{"_field": "x"}}}
		e, _ := setupEngine(q)

		rep, err := e.FactoryReport(context.Background(), "f1", hours)
		require.NoError(t, err)
		assert.Equal(t, "24 hours", rep.ReportPeriod)
		assert.Equal(t, fixedNow.Add(-24*time.Hour), q.start)
	}
}

func TestHoursCapped(t *testing.T) {
	for _, hours := range []int{MaxHours + 1, 2_000_000_000} {
		q := &fakeQuerier{rows: []repository.Row{{"_field": "x"}}}
		e, _ := setupEngine(q)

		rep, err := e.DeviceReport(context.Background(), "d1", hours)
		require.NoError(t, err)
		assert.Equal(t, "8760 hours", rep.ReportPeriod)
		assert.Equal(t, fixedNow.Add(-MaxHours*time.Hour), q.start)
		assert.True(t, q.start.Before(q.stop))
	}
}

func TestNoDataIsError(t *testing.T) {
	e, _ := setupEngine(&fakeQuerier{})
	ctx := context.Background()

	_, err := e.DeviceReport(ctx, "ghost", 24)
	assert.ErrorIs(t, err, ErrNoData)

	_, err = e.PerformanceReport(ctx, "ghost", 24)
	assert.ErrorIs(t, err, ErrNoData)

	_, err = e.FactoryReport(ctx, "ghost", 24)
	assert.ErrorIs(t, err, ErrNoData)

	rep, err := e.AnomalyReport(ctx, 24)
	require.NoError(t, err)
	assert.Equal(t, "anomaly", rep.ReportType)
	assert.NotNil(t, rep.Anomalies)
	assert.Empty(t, rep.Anomalies)
}

func TestQueryFailure(t *testing.T) {
	e, m := setupEngine(&fakeQuerier{err: errors.New("connection refused")})

	_, err := e.AnomalyReport(context.Background(), 24)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQuery)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReportQueries.WithLabelValues("anomaly", "error")))

	er := e.NewErrorReport("anomaly", err)
	assert.True(t, er.Error)
	assert.Equal(t, "anomaly", er.Identifier)
	assert.Equal(t, err.Error(), er.Message)
	assert.Equal(t, fixedNow, er.GeneratedAt)
}

func TestPerformanceReport(t *testing.T) {
	q := &fakeQuerier{rows: []repository.Row{{"_field": "pressure", "mean": 3.0, "max": 4.0, "min": 2.0, "device_id": "d1"}}}
	e, _ := setupEngine(q)

	rep, err := e.PerformanceReport(context.Background(), "d1", 12)
	require.NoError(t, err)

	assert.Equal(t, "performance", rep.ReportType)
	assert.Equal(t, PerformanceFields, q.fields)
	assert.Equal(t, 4.0, rep.Metrics[0]["max"])
	assert.Nil(t, rep.Metrics[0]["value"])
}

func TestDeviceReport_AgainstStore(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	hour := fixedNow.Add(-time.Hour)
	mock.ExpectQuery(`SELECT date_trunc\('hour', time\) AS _time`).
		WithArgs("d1", fixedNow.Add(-24*time.Hour), fixedNow).
		WillReturnRows(sqlmock.NewRows([]string{"_time", "_measurement", "_field", "_value", "device_id", "factory_id", "location", "_start", "_stop"}).
			AddRow(hour, "device_data", "temperature", 22.5, "d1", "f1", "hall", fixedNow.Add(-24*time.Hour), fixedNow))

	e, _ := setupEngine(repository.NewTimeSeriesRepository(db, zap.NewNop()))
	rep, err := e.DeviceReport(context.Background(), "d1", 0)
	require.NoError(t, err)

	require.Len(t, rep.Data, 1)
	rec := rep.Data[0]
	assert.Equal(t, 22.5, rec["value"])
	assert.Equal(t, "f1", rec["factory_id"])
	assert.Equal(t, fixedNow, rec["stop"])
	assert.NotContains(t, rec, "_stop")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExportXLSX(t *testing.T) {
	records := []Record{
		{"time": fixedNow, "measurement": "device_data", "field": "temperature", "value": 21.5, "device_id": "d1"},
		{"time": fixedNow, "measurement": "device_data", "field": "pressure", "value": 3.2, "location": "hall"},
	}

	data, err := ExportXLSX("Device Report", "Device d1 (24 hours)", records)
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows("Device Report")
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, []string{"Device d1 (24 hours)"}, rows[0])
	assert.Equal(t, []string{"time", "measurement", "field", "value", "device_id", "location"}, rows[1])
	assert.Equal(t, "2026-03-02T12:00:00Z", rows[2][0])
	assert.Equal(t, "temperature", rows[2][2])
	assert.Equal(t, "d1", rows[2][4])
	assert.Equal(t, "hall", rows[3][5])
}
