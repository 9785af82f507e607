package service

import (
	"context"
	"fmt"

	mqttcommon "iot-telemetry/common/mqtt"
	rediscommon "iot-telemetry/common/redis"
	"iot-telemetry/internal/bridge"
	"iot-telemetry/internal/bus"
	"iot-telemetry/internal/config"
	httpapi "iot-telemetry/internal/http"
	"iot-telemetry/internal/metrics"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// BridgeService 协议桥服务
type BridgeService struct {
	config     *config.Config
	logger     *zap.Logger
	redis      *redis.Client
	mqttClient *mqttcommon.Client
	bridge     *bridge.Bridge
	server     *Server
	group      *runGroup
}

// NewBridgeService 创建协议桥服务
func NewBridgeService(cfg *config.Config, logger *zap.Logger) (*BridgeService, error) {
	m := metrics.New(cfg.Service)

	// 初始化Redis
	redisClient := rediscommon.NewRedisClient(&cfg.Redis)
	if err := rediscommon.Ping(context.Background(), redisClient); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	// 初始化MQTT
	mqttClient, err := mqttcommon.NewClient(&cfg.MQTT, logger)
	if err != nil {
		rediscommon.Close(redisClient)
		return nil, fmt.Errorf("failed to connect to MQTT: %w", err)
	}
	mqttClient.SetStateListener(func(s mqttcommon.ConnState) {
		m.MQTTState.Set(float64(s))
	})
	m.MQTTState.Set(float64(mqttClient.State()))

	publisher := bus.NewStreamPublisher(redisClient, cfg.Streams.MaxLen)
	b := bridge.New(cfg, mqttClient, publisher, m, logger)

	router := httpapi.NewRouter(cfg.Service, m, func() error {
		if !b.Ready() {
			return fmt.Errorf("mqtt %s", mqttClient.State())
		}
		return nil
	}, logger)
	httpapi.RegisterCommandRoutes(router, httpapi.NewCommandHandler(b, logger))
	httpapi.RegisterBridgeStatsRoute(router, b)

	return &BridgeService{
		config:     cfg,
		logger:     logger,
		redis:      redisClient,
		mqttClient: mqttClient,
		bridge:     b,
		server:     NewServer(cfg.HTTP.Addr, router, logger),
		group:      newRunGroup(),
	}, nil
}

// Start 启动服务
func (s *BridgeService) Start(ctx context.Context) error {
	s.logger.Info("Starting bridge service components")

	if err := s.bridge.Start(ctx); err != nil {
		return fmt.Errorf("failed to start protocol bridge: %w", err)
	}
	s.group.Go(s.server.Start)

	s.logger.Info("Bridge service started successfully")
	return nil
}

// Err 后台任务失败时收到错误
func (s *BridgeService) Err() <-chan error {
	return s.group.Err()
}

// Stop 停止服务
func (s *BridgeService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping bridge service")

	if err := s.server.Stop(ctx); err != nil {
		s.logger.Error("Error stopping HTTP server", zap.Error(err))
	}
	if err := s.bridge.Stop(ctx); err != nil {
		s.logger.Error("Error stopping protocol bridge", zap.Error(err))
	}
	s.group.Wait()

	// 断开MQTT
	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}
	// 关闭Redis
	if s.redis != nil {
		rediscommon.Close(s.redis)
	}

	s.logger.Info("Bridge service stopped")
	return nil
}
