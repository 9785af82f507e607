package httpapi

import (
	"context"
	"errors"
	"net/http"

	"iot-telemetry/internal/models"
	"iot-telemetry/internal/notify"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// NotificationCenter 通知中心
type NotificationCenter interface {
	SendCustom(ctx context.Context, n models.Notification) (models.Notification, error)
	Stats() notify.Stats
}

// NotificationHandler 通知 API 与实时连接入口
type NotificationHandler struct {
	center NotificationCenter
	ws     http.HandlerFunc
	logger *zap.Logger
}

// NewNotificationHandler 创建通知 Handler，ws 为实时连接升级入口
func NewNotificationHandler(center NotificationCenter, ws http.HandlerFunc, logger *zap.Logger) *NotificationHandler {
	return &NotificationHandler{center: center, ws: ws, logger: logger}
}

// RegisterNotificationRoutes 注册通知路由
func RegisterNotificationRoutes(r chi.Router, h *NotificationHandler) {
	r.Post("/notifications", h.SendNotification)
	r.Get("/notifications/stats", h.GetStats)
	if h.ws != nil {
		r.Get("/ws", h.ws)
	}
}

// SendNotification POST /notifications
// 部分通道失败仍返回 success，投递结果见 notification-status 事件
func (h *NotificationHandler) SendNotification(w http.ResponseWriter, r *http.Request) {
	var n models.Notification
	if err := readBodyJSON(r, maxBodyBytes, &n); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "message": "invalid body: " + err.Error()})
		return
	}
	if n.Title == "" && n.Message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "message": "title or message is required"})
		return
	}

	sent, err := h.center.SendCustom(r.Context(), n)
	if err != nil && !errors.Is(err, notify.ErrDispatch) {
		h.logger.Error("SendCustom failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "error", "message": err.Error()})
		return
	}
	if err != nil {
		h.logger.Warn("Custom notification partially delivered",
			zap.String("notification_id", sent.NotificationID),
			zap.Error(err),
		)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "success",
		"notificationId": sent.NotificationID,
	})
}

// GetStats GET /notifications/stats
func (h *NotificationHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.center.Stats())
}
