package httpapi

import (
	"context"
	"fmt"
	"net/http"

	"iot-telemetry/internal/report"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// ReportEngine 报表查询
type ReportEngine interface {
	DeviceReport(ctx context.Context, deviceID string, hours int) (report.DeviceReport, error)
	FactoryReport(ctx context.Context, factoryID string, hours int) (report.FactoryReport, error)
	AnomalyReport(ctx context.Context, hours int) (report.AnomalyReport, error)
	PerformanceReport(ctx context.Context, deviceID string, hours int) (report.PerformanceReport, error)
	NewErrorReport(identifier string, err error) report.ErrorReport
}

// ReportHandler 报表 API
// 始终返回 200：成功为报表，失败为错误报表
type ReportHandler struct {
	engine ReportEngine
	logger *zap.Logger
}

// NewReportHandler 创建报表 Handler
func NewReportHandler(engine ReportEngine, logger *zap.Logger) *ReportHandler {
	return &ReportHandler{engine: engine, logger: logger}
}

// RegisterReportRoutes 注册报表路由
func RegisterReportRoutes(r chi.Router, h *ReportHandler) {
	r.Get("/devices/{id}/report", h.GetDeviceReport)
	r.Get("/devices/{id}/performance", h.GetPerformanceReport)
	r.Get("/factories/{id}/report", h.GetFactoryReport)
	r.Get("/anomalies/report", h.GetAnomalyReport)
}

// GetDeviceReport GET /devices/{id}/report?hours=N
func (h *ReportHandler) GetDeviceReport(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")
	rep, err := h.engine.DeviceReport(r.Context(), deviceID, hoursParam(r))
	if err != nil {
		writeJSON(w, http.StatusOK, h.engine.NewErrorReport(deviceID, err))
		return
	}
	if wantsXLSX(r) {
		h.writeXLSX(w, "Device Report", fmt.Sprintf("device-%s-report.xlsx", deviceID),
			fmt.Sprintf("Device %s (%s)", deviceID, rep.ReportPeriod), rep.Data)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// GetFactoryReport GET /factories/{id}/report?hours=N
func (h *ReportHandler) GetFactoryReport(w http.ResponseWriter, r *http.Request) {
	factoryID := chi.URLParam(r, "id")
	rep, err := h.engine.FactoryReport(r.Context(), factoryID, hoursParam(r))
	if err != nil {
		writeJSON(w, http.StatusOK, h.engine.NewErrorReport(factoryID, err))
		return
	}
	if wantsXLSX(r) {
		h.writeXLSX(w, "Factory Report", fmt.Sprintf("factory-%s-report.xlsx", factoryID),
			fmt.Sprintf("Factory %s (%s)", factoryID, rep.ReportPeriod), rep.Data)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// GetAnomalyReport GET /anomalies/report?hours=N
func (h *ReportHandler) GetAnomalyReport(w http.ResponseWriter, r *http.Request) {
	rep, err := h.engine.AnomalyReport(r.Context(), hoursParam(r))
	if err != nil {
		writeJSON(w, http.StatusOK, h.engine.NewErrorReport("anomaly", err))
		return
	}
	if wantsXLSX(r) {
		h.writeXLSX(w, "Anomaly Report", "anomaly-report.xlsx",
			fmt.Sprintf("Anomalies (%s)", rep.ReportPeriod), rep.Anomalies)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// GetPerformanceReport GET /devices/{id}/performance?hours=N
func (h *ReportHandler) GetPerformanceReport(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")
	rep, err := h.engine.PerformanceReport(r.Context(), deviceID, hoursParam(r))
	if err != nil {
		writeJSON(w, http.StatusOK, h.engine.NewErrorReport(deviceID, err))
		return
	}
	if wantsXLSX(r) {
		h.writeXLSX(w, "Performance Report", fmt.Sprintf("device-%s-performance.xlsx", deviceID),
			fmt.Sprintf("Device %s performance (%s)", deviceID, rep.ReportPeriod), rep.Metrics)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *ReportHandler) writeXLSX(w http.ResponseWriter, sheet, filename, title string, records []report.Record) {
	data, err := report.ExportXLSX(sheet, title, records)
	if err != nil {
		h.logger.Error("ExportXLSX failed", zap.String("sheet", sheet), zap.Error(err))
		writeJSON(w, http.StatusOK, h.engine.NewErrorReport(filename, err))
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", "attachment; filename="+filename)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func hoursParam(r *http.Request) int {
	return parseInt(r.URL.Query().Get("hours"), report.DefaultHours)
}

func wantsXLSX(r *http.Request) bool {
	return r.URL.Query().Get("format") == "xlsx"
}
