package service

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"iot-telemetry/internal/config"
	"iot-telemetry/internal/consumer"

	"go.uber.org/zap"
)

// Server HTTP 服务
type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
}

// NewServer 创建 HTTP 服务
func NewServer(addr string, handler http.Handler, logger *zap.Logger) *Server {
	s := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return &Server{httpServer: s, logger: logger}
}

// Start 阻塞直到服务关闭；正常关闭返回 nil
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop 优雅关闭
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// runGroup 后台任务集合，首个错误通过 Err 通知
type runGroup struct {
	wg    sync.WaitGroup
	errCh chan error
}

func newRunGroup() *runGroup {
	return &runGroup{errCh: make(chan error, 1)}
}

func (g *runGroup) Go(fn func() error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := fn(); err != nil {
			select {
			case g.errCh <- err:
			default:
			}
		}
	}()
}

func (g *runGroup) Err() <-chan error {
	return g.errCh
}

func (g *runGroup) Wait() {
	g.wg.Wait()
}

func consumerOptions(cfg *config.Config) consumer.Options {
	return consumer.Options{
		Group:     cfg.Consumer.Group,
		Name:      cfg.Consumer.Name,
		BatchSize: cfg.Consumer.BatchSize,
		Block:     cfg.Consumer.Block,
		Workers:   cfg.Consumer.Workers,
	}
}
