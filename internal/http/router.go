package httpapi

import (
	"net/http"

	"iot-telemetry/internal/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// HealthCheck 返回 nil 表示服务可用
type HealthCheck func() error

// NewRouter 创建带公共中间件与 /health、/metrics 的路由
func NewRouter(service string, m *metrics.Metrics, health HealthCheck, logger *zap.Logger) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))
	r.Use(WithIdentity)

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		if health != nil {
			if err := health(); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]any{
					"status":  "DOWN",
					"service": service,
					"error":   err.Error(),
				})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "UP", "service": service})
	})
	r.Method(http.MethodGet, "/metrics", m.Handler())

	return r
}
