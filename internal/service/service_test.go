package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	rediscommon "iot-telemetry/common/redis"
	"iot-telemetry/internal/config"
	"iot-telemetry/internal/models"
	"iot-telemetry/internal/notify"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

func testConfig(t *testing.T, service, redisAddr string) *config.Config {
	t.Helper()
	cfg, err := config.Load(service)
	require.NoError(t, err)
	cfg.Redis.Addr = redisAddr
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Consumer.Block = 20 * time.Millisecond
	cfg.Consumer.Workers = 2
	return cfg
}

func TestNewSMSSender(t *testing.T) {
	cfg := &config.Config{}

	s, err := newSMSSender(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, notify.MockSMSSender{}, s)

	cfg.Notification.SMS.Provider = "http"
	_, err = newSMSSender(cfg, zap.NewNop())
	assert.Error(t, err)

	cfg.Notification.SMS.BaseURL = "http://sms.local"
	s, err = newSMSSender(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &notify.HTTPSMSSender{}, s)

	cfg.Notification.SMS.Provider = "carrier-pigeon"
	_, err = newSMSSender(cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestNewEmailSender(t *testing.T) {
	cfg := &config.Config{}
	assert.IsType(t, notify.LogEmailSender{}, newEmailSender(cfg, zap.NewNop()))

	cfg.Notification.Email.Host = "smtp.local"
	assert.IsType(t, &notify.SMTPEmailSender{}, newEmailSender(cfg, zap.NewNop()))
}

func TestRunGroup_FirstErrorReported(t *testing.T) {
	g := newRunGroup()
	g.Go(func() error { return nil })
	g.Go(func() error { return errors.New("listen tcp: address in use") })
	g.Go(func() error { return errors.New("second") })
	g.Wait()

	select {
	case err := <-g.Err():
		assert.Error(t, err)
	default:
		t.Fatal("expected an error")
	}
}

func TestNotifierService_AlertToStatusEvent(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, config.ServiceNotifier, mr.Addr())

	svc, err := NewNotifierService(cfg, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, svc.Start(ctx))

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	alert := models.Alert{
		AlertID:   "a-1",
		DeviceID:  "d1",
		AlertType: models.AlertPerformanceDegradation,
		Severity:  models.SeverityMedium,
		Message:   "Trend anomaly detected in speed",
	}
	_, err = rediscommon.PublishJSONToStream(ctx, client, cfg.Streams.Alerts, alert.DeviceID, alert, 0)
	require.NoError(t, err)

	var statuses []models.NotificationStatus
	require.Eventually(t, func() bool {
		entries, err := client.XRange(context.Background(), cfg.Streams.NotificationState, "-", "+").Result()
		if err != nil || len(entries) < 2 {
			return false
		}
		statuses = statuses[:0]
		for _, e := range entries {
			var st models.NotificationStatus
			if json.Unmarshal([]byte(e.Values[rediscommon.FieldData].(string)), &st) == nil {
				statuses = append(statuses, st)
			}
		}
		return len(statuses) == 2
	}, 3*time.Second, 20*time.Millisecond)

	assert.Equal(t, models.ChannelDashboard, statuses[0].Channel)
	assert.Equal(t, models.ChannelEmail, statuses[1].Channel)
	for _, st := range statuses {
		assert.Equal(t, models.StatusSent, st.Status)
	}

	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	assert.NoError(t, svc.Stop(stopCtx))
}
