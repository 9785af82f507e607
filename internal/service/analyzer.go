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
	"iot-telemetry/internal/detector"
	httpapi "iot-telemetry/internal/http"
	"iot-telemetry/internal/metrics"
	"iot-telemetry/internal/models"
	"iot-telemetry/internal/report"
	"iot-telemetry/internal/repository"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// AnalyzerService 异常检测与报表服务
type AnalyzerService struct {
	config   *config.Config
	logger   *zap.Logger
	db       *sql.DB
	redis    *redis.Client
	consumer *consumer.StreamConsumer
	server   *Server
	group    *runGroup
}

// NewAnalyzerService 创建分析服务
func NewAnalyzerService(cfg *config.Config, logger *zap.Logger) (*AnalyzerService, error) {
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

	publisher := bus.NewStreamPublisher(redisClient, cfg.Streams.MaxLen)
	det := detector.NewDetector(cfg.Streams.Alerts, publisher, m, logger)

	c := consumer.NewStreamConsumer(redisClient, consumerOptions(cfg), logger)
	c.SetObserver(m.ObserveStream)
	c.Handle(cfg.Streams.ProcessedReadings, consumer.JSONHandler(func(ctx context.Context, _ string, r models.Reading) error {
		_, err := det.Analyze(ctx, r)
		return err
	}))
	c.Handle(cfg.Streams.RawAnomalies, consumer.JSONHandler(func(ctx context.Context, _ string, a models.RawAnomaly) error {
		_, err := det.HandleRawAnomaly(ctx, a)
		return err
	}))

	engine := report.NewEngine(repository.NewTimeSeriesRepository(db, logger), m, logger)
	router := httpapi.NewRouter(cfg.Service, m, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
		return rediscommon.Ping(ctx, redisClient)
	}, logger)
	httpapi.RegisterReportRoutes(router, httpapi.NewReportHandler(engine, logger))

	return &AnalyzerService{
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
func (s *AnalyzerService) Start(ctx context.Context) error {
	s.logger.Info("Starting analyzer service components")

	s.group.Go(func() error { return s.consumer.Start(ctx) })
	s.group.Go(s.server.Start)

	s.logger.Info("Analyzer service started successfully")
	return nil
}

// Err 后台任务失败时收到错误
func (s *AnalyzerService) Err() <-chan error {
	return s.group.Err()
}

// Stop 停止服务，调用前应先取消 Start 的 ctx
func (s *AnalyzerService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping analyzer service")

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

	s.logger.Info("Analyzer service stopped")
	return nil
}
