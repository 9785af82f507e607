package service

import (
	"context"
	"fmt"
	"time"

	rediscommon "iot-telemetry/common/redis"
	"iot-telemetry/internal/bus"
	"iot-telemetry/internal/config"
	"iot-telemetry/internal/consumer"
	httpapi "iot-telemetry/internal/http"
	"iot-telemetry/internal/hub"
	"iot-telemetry/internal/metrics"
	"iot-telemetry/internal/models"
	"iot-telemetry/internal/notify"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// PushCommandResponse 设备命令应答推送类型
const PushCommandResponse = "command_response"

// NotifierService 告警分发与通知中心服务
type NotifierService struct {
	config   *config.Config
	logger   *zap.Logger
	redis    *redis.Client
	consumer *consumer.StreamConsumer
	server   *Server
	group    *runGroup
}

// NewNotifierService 创建通知服务
func NewNotifierService(cfg *config.Config, logger *zap.Logger) (*NotifierService, error) {
	m := metrics.New(cfg.Service)

	// 初始化Redis
	redisClient := rediscommon.NewRedisClient(&cfg.Redis)
	if err := rediscommon.Ping(context.Background(), redisClient); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	sms, err := newSMSSender(cfg, logger)
	if err != nil {
		rediscommon.Close(redisClient)
		return nil, err
	}

	liveHub := hub.NewHub(m, logger)
	publisher := bus.NewStreamPublisher(redisClient, cfg.Streams.MaxLen)
	dispatcher := notify.NewDispatcher(
		liveHub,
		newEmailSender(cfg, logger),
		sms,
		notify.StaticRecipients(cfg.Notification.Recipients),
		publisher,
		cfg.Streams.NotificationState,
		m,
		logger,
	)

	c := consumer.NewStreamConsumer(redisClient, consumerOptions(cfg), logger)
	c.SetObserver(m.ObserveStream)
	c.Handle(cfg.Streams.Alerts, consumer.JSONHandler(func(ctx context.Context, _ string, a models.Alert) error {
		_, err := dispatcher.HandleAlert(ctx, a)
		return err
	}))
	c.Handle(cfg.Streams.StatusChanges, consumer.JSONHandler(func(ctx context.Context, _ string, ev models.DeviceStatusChange) error {
		return dispatcher.HandleStatusChange(ctx, ev)
	}))
	c.Handle(cfg.Streams.CommandResponses, consumer.JSONHandler(func(_ context.Context, _ string, r models.CommandResponse) error {
		liveHub.Broadcast(PushCommandResponse, r)
		return nil
	}))

	router := httpapi.NewRouter(cfg.Service, m, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return rediscommon.Ping(ctx, redisClient)
	}, logger)
	httpapi.RegisterNotificationRoutes(router, httpapi.NewNotificationHandler(dispatcher, liveHub.ServeWS, logger))

	return &NotifierService{
		config:   cfg,
		logger:   logger,
		redis:    redisClient,
		consumer: c,
		server:   NewServer(cfg.HTTP.Addr, router, logger),
		group:    newRunGroup(),
	}, nil
}

// newEmailSender 未配置 SMTP 主机时只记录日志
func newEmailSender(cfg *config.Config, logger *zap.Logger) notify.EmailSender {
	email := cfg.Notification.Email
	if email.Host == "" {
		logger.Info("SMTP host not configured, email notifications are logged only")
		return notify.LogEmailSender{Logger: logger}
	}
	return notify.NewSMTPEmailSender(notify.SMTPConfig{
		Host:     email.Host,
		Port:     email.Port,
		Username: email.Username,
		Password: email.Password,
		From:     email.From,
	}, logger)
}

func newSMSSender(cfg *config.Config, logger *zap.Logger) (notify.SMSSender, error) {
	sms := cfg.Notification.SMS
	switch sms.Provider {
	case "", "mock":
		return notify.MockSMSSender{Logger: logger}, nil
	case "http":
		if sms.BaseURL == "" {
			return nil, fmt.Errorf("sms provider http requires SMS_GATEWAY_URL")
		}
		return notify.NewHTTPSMSSender(sms.BaseURL, sms.APIKey, sms.Sender, sms.Timeout, logger), nil
	default:
		return nil, fmt.Errorf("unknown sms provider %q", sms.Provider)
	}
}

// Start 启动服务
func (s *NotifierService) Start(ctx context.Context) error {
	s.logger.Info("Starting notifier service components")

	s.group.Go(func() error { return s.consumer.Start(ctx) })
	s.group.Go(s.server.Start)

	s.logger.Info("Notifier service started successfully")
	return nil
}

// Err 后台任务失败时收到错误
func (s *NotifierService) Err() <-chan error {
	return s.group.Err()
}

// Stop 停止服务，调用前应先取消 Start 的 ctx
func (s *NotifierService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping notifier service")

	if err := s.server.Stop(ctx); err != nil {
		s.logger.Error("Error stopping HTTP server", zap.Error(err))
	}
	s.group.Wait()

	if s.redis != nil {
		rediscommon.Close(s.redis)
	}

	s.logger.Info("Notifier service stopped")
	return nil
}
