package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"iot-telemetry/common/database"
	rediscommon "iot-telemetry/common/redis"
	"iot-telemetry/internal/bus"
	"iot-telemetry/internal/config"
	"iot-telemetry/internal/consumer"
	httpapi "iot-telemetry/internal/http"
	"iot-telemetry/internal/metrics"
	"iot-telemetry/internal/models"
	"iot-telemetry/internal/processor"
	"iot-telemetry/internal/repository"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// ProcessorService 入库与阈值预检服务
type ProcessorService struct {
	config   *config.Config
	logger   *zap.Logger
	db       *sql.DB
	redis    *redis.Client
	consumer *consumer.StreamConsumer
	server   *Server
	group    *runGroup
}

// NewProcessorService 创建入库服务
func NewProcessorService(cfg *config.Config, logger *zap.Logger) (*ProcessorService, error) {
	m := metrics.New(cfg.Service)

	// 初始化数据库
	db, err := database.NewPostgresDB(context.Background(), &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// 初始化Redis
	redisClient := rediscommon.NewRedisClient(&cfg.Redis)
	if err := rediscommon.Ping(context.Background(), redisClient); err != nil {
		database.Close(db)
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	if err := database.EnsureSchema(context.Background(), db, repository.Schema...); err != nil {
		database.Close(db)
		rediscommon.Close(redisClient)
		return nil, fmt.Errorf("failed to prepare time-series schema: %w", err)
	}

	store := repository.NewTimeSeriesRepository(db, logger)
	publisher := bus.NewStreamPublisher(redisClient, cfg.Streams.MaxLen)
	proc := processor.NewProcessor(cfg.Streams, store, publisher, m, logger)

	c := consumer.NewStreamConsumer(redisClient, consumerOptions(cfg), logger)
	c.SetObserver(m.ObserveStream)
	c.Handle(cfg.Streams.RawReadings, consumer.JSONHandler(func(ctx context.Context, _ string, r models.Reading) error {
		return proc.Process(ctx, r)
	}))

	router := httpapi.NewRouter(cfg.Service, m, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
		return rediscommon.Ping(ctx, redisClient)
	}, logger)

	return &ProcessorService{
		config:   cfg,
		logger:   logger,
		db:       db,
		redis:    redisClient,
		consumer: c,
		server:   NewServer(cfg.HTTP.Addr, router, logger),
		group:    newRunGroup(),
	}, nil
}

// Start 启动服务
func (s *ProcessorService) Start(ctx context.Context) error {
	s.logger.Info("Starting processor service components")

	s.group.Go(func() error { return s.consumer.Start(ctx) })
	s.group.Go(s.server.Start)

	s.logger.Info("Processor service started successfully")
	return nil
}

// Err 后台任务失败时收到错误
func (s *ProcessorService) Err() <-chan error {
	return s.group.Err()
}

// Stop 停止服务，调用前应先取消 Start 的 ctx
func (s *ProcessorService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping processor service")

	if err := s.server.Stop(ctx); err != nil {
		s.logger.Error("Error stopping HTTP server", zap.Error(err))
	}
	s.group.Wait()

	if s.redis != nil {
		rediscommon.Close(s.redis)
	}
	if s.db != nil {
		database.Close(s.db)
	}

	s.logger.Info("Processor service stopped")
	return nil
}
