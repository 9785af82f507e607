package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	mqttcommon "iot-telemetry/common/mqtt"
	"iot-telemetry/internal/bridge"
	"iot-telemetry/internal/models"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CommandDispatcher 控制命令下发
type CommandDispatcher interface {
	Dispatch(ctx context.Context, cmd models.ControlCommand) error
}

// BridgeStatsSource 协议桥计数来源
type BridgeStatsSource interface {
	Stats() bridge.Stats
}

// CommandHandler 控制命令 API
type CommandHandler struct {
	dispatcher CommandDispatcher
	logger     *zap.Logger
	now        func() time.Time
}

// NewCommandHandler 创建命令 Handler
func NewCommandHandler(dispatcher CommandDispatcher, logger *zap.Logger) *CommandHandler {
	return &CommandHandler{dispatcher: dispatcher, logger: logger, now: time.Now}
}

// RegisterCommandRoutes 注册命令路由；/devices/all/control 优先于 {id}
func RegisterCommandRoutes(r chi.Router, h *CommandHandler) {
	r.Post("/devices/all/control", h.BroadcastCommand)
	r.Post("/devices/{id}/control", h.SendCommand)
}

// RegisterBridgeStatsRoute GET /bridge/stats
func RegisterBridgeStatsRoute(r chi.Router, src BridgeStatsSource) {
	r.Get("/bridge/stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, src.Stats())
	})
}

// SendCommand POST /devices/{id}/control
func (h *CommandHandler) SendCommand(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")
	cmd, ok := h.decode(w, r)
	if !ok {
		return
	}
	cmd.DeviceIDs = []string{deviceID}
	cmd.BroadcastToAll = false

	h.dispatch(w, r, cmd, fmt.Sprintf("Command sent to device %s", deviceID))
}

// BroadcastCommand POST /devices/all/control
func (h *CommandHandler) BroadcastCommand(w http.ResponseWriter, r *http.Request) {
	cmd, ok := h.decode(w, r)
	if !ok {
		return
	}
	cmd.DeviceIDs = nil
	cmd.BroadcastToAll = true

	h.dispatch(w, r, cmd, "Command broadcast to all devices")
}

// decode 解析命令并补全 ID、时间戳与调用方
func (h *CommandHandler) decode(w http.ResponseWriter, r *http.Request) (models.ControlCommand, bool) {
	var cmd models.ControlCommand
	if err := readBodyJSON(r, maxBodyBytes, &cmd); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "message": "invalid body: " + err.Error()})
		return cmd, false
	}
	if cmd.CommandID == "" {
		cmd.CommandID = uuid.NewString()
	}
	if cmd.Timestamp.IsZero() {
		cmd.Timestamp = h.now()
	}
	if cmd.UserID == "" {
		if id, ok := IdentityFrom(r.Context()); ok {
			cmd.UserID = id.UserID
		}
	}
	return cmd, true
}

func (h *CommandHandler) dispatch(w http.ResponseWriter, r *http.Request, cmd models.ControlCommand, okMessage string) {
	err := h.dispatcher.Dispatch(r.Context(), cmd)
	if err == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "success",
			"message":   okMessage,
			"commandId": cmd.CommandID,
		})
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrInvalidCommand):
		status = http.StatusBadRequest
	case errors.Is(err, mqttcommon.ErrTransportUnavailable):
		status = http.StatusServiceUnavailable
	}
	h.logger.Warn("Command dispatch failed",
		zap.String("command_id", cmd.CommandID),
		zap.Int("status", status),
		zap.Error(err),
	)
	writeJSON(w, status, map[string]any{
		"status":    "error",
		"message":   err.Error(),
		"commandId": cmd.CommandID,
	})
}
