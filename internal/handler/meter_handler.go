// internal/handler/meter_handler.go
package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"meter-bridge/internal/model"
	"meter-bridge/internal/recording"
	"meter-bridge/internal/service"
	"meter-bridge/internal/utils"
)

// MeterHandler handles instrument-related HTTP requests
type MeterHandler struct {
	meterService *service.MeterService
	logger       *utils.ServiceLogger
}

// NewMeterHandler creates a new meter handler
func NewMeterHandler(meterService *service.MeterService, logger *zap.Logger) *MeterHandler {
	return &MeterHandler{
		meterService: meterService,
		logger:       utils.NewServiceLogger(logger, "meter-handler"),
	}
}

// RegisterRoutes registers meter-related routes
func (h *MeterHandler) RegisterRoutes(router *gin.RouterGroup) {
	meter := router.Group("/meter")
	{
		meter.GET("/ports", h.ListPorts)
		meter.POST("/connect", h.Connect)
		meter.POST("/disconnect", h.Disconnect)
		meter.GET("/state", h.GetState)
		meter.GET("/measurements", h.GetMeasurements)
		meter.GET("/ranges/:mode", h.GetRanges)
		meter.PUT("/mode", h.SetMode)
		meter.PUT("/range", h.SetRange)
		meter.PUT("/rate", h.SetRate)
		meter.PUT("/beeper", h.SetBeeper)
		meter.PUT("/thresholds", h.SetThresholds)
	}

	rec := router.Group("/recording")
	{
		rec.POST("/start", h.StartRecording)
		rec.POST("/stop", h.StopRecording)
		rec.GET("/status", h.GetRecordingStatus)
		rec.GET("/sessions", h.ListSessions)
		rec.GET("/sessions/:id/records", h.GetSessionRecords)
	}
}

// ListPorts lists candidate serial ports
func (h *MeterHandler) ListPorts(c *gin.Context) {
	ports, err := h.meterService.ListPorts()
	if err != nil {
		h.logger.Error("Failed to list serial ports", zap.Error(err))
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to list serial ports", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Serial ports retrieved", gin.H{"ports": ports})
}

// ConnectRequest is the connect request body
type ConnectRequest struct {
	Port string `json:"port"`
}

// Connect starts an instrument session
func (h *MeterHandler) Connect(c *gin.Context) {
	var req ConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.meterService.Connect(c.Request.Context(), req.Port); err != nil {
		h.logger.Error("Failed to connect", zap.Error(err))
		utils.ErrorResponse(c, http.StatusConflict, "Failed to connect", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Connection started", h.meterService.Snapshot())
}

// Disconnect ends the instrument session
func (h *MeterHandler) Disconnect(c *gin.Context) {
	if err := h.meterService.Disconnect(c.Request.Context()); err != nil {
		h.logger.Error("Failed to disconnect", zap.Error(err))
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to disconnect", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Disconnected", h.meterService.Snapshot())
}

// GetState returns the instrument state snapshot
func (h *MeterHandler) GetState(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "State retrieved", h.meterService.Snapshot())
}

// GetMeasurements returns the most recent readings
func (h *MeterHandler) GetMeasurements(c *gin.Context) {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	measurements := h.meterService.LatestMeasurements(limit)
	utils.SuccessResponse(c, http.StatusOK, "Measurements retrieved", gin.H{
		"measurements": measurements,
		"count":        len(measurements),
	})
}

// GetRanges returns the selectable ranges of a mode
func (h *MeterHandler) GetRanges(c *gin.Context) {
	mode := model.Mode(c.Param("mode"))

	ranges, err := h.meterService.Ranges(mode)
	if err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Unknown mode", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Ranges retrieved", gin.H{
		"mode":   mode,
		"ranges": ranges,
	})
}

// SetModeRequest is the mode change request body
type SetModeRequest struct {
	Mode model.Mode `json:"mode" binding:"required"`
}

// SetMode switches the measurement function
func (h *MeterHandler) SetMode(c *gin.Context) {
	var req SetModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.meterService.SetMode(req.Mode); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Failed to set mode", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Mode change queued", h.meterService.Snapshot())
}

// SetRangeRequest is the range change request body
type SetRangeRequest struct {
	Range string `json:"range" binding:"required"`
}

// SetRange selects a range of the current function
func (h *MeterHandler) SetRange(c *gin.Context) {
	var req SetRangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.meterService.SetRange(req.Range); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Failed to set range", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Range change queued", h.meterService.Snapshot())
}

// SetRateRequest is the sampling rate request body
type SetRateRequest struct {
	Rate string `json:"rate" binding:"required"`
}

// SetRate selects the sampling rate
func (h *MeterHandler) SetRate(c *gin.Context) {
	var req SetRateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.meterService.SetRate(req.Rate); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Failed to set rate", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Rate change queued", h.meterService.Snapshot())
}

// SetBeeperRequest is the beeper request body
type SetBeeperRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// SetBeeper enables or disables the beeper
func (h *MeterHandler) SetBeeper(c *gin.Context) {
	var req SetBeeperRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.meterService.SetBeeper(*req.Enabled); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Failed to set beeper", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Beeper change queued", h.meterService.Snapshot())
}

// SetThresholdsRequest is the thresholds request body
type SetThresholdsRequest struct {
	ContOhms   int     `json:"cont_ohms"`
	DiodeVolts float64 `json:"diode_volts"`
}

// SetThresholds sets the continuity and diode thresholds
func (h *MeterHandler) SetThresholds(c *gin.Context) {
	var req SetThresholdsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.meterService.SetThresholds(req.ContOhms, req.DiodeVolts); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Failed to set thresholds", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Threshold change queued", h.meterService.Snapshot())
}

// StartRecordingRequest is the recording start request body
type StartRecordingRequest struct {
	Mode       recording.SessionMode `json:"mode"`
	IntervalMs int64                 `json:"interval_ms"`
}

// StartRecording begins a recording session
func (h *MeterHandler) StartRecording(c *gin.Context) {
	req := StartRecordingRequest{Mode: recording.ModeManual}
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	session, err := h.meterService.StartRecording(req.Mode, time.Duration(req.IntervalMs)*time.Millisecond)
	if err != nil {
		utils.ErrorResponse(c, http.StatusConflict, "Failed to start recording", err)
		return
	}

	utils.SuccessResponse(c, http.StatusCreated, "Recording started", session)
}

// StopRecording ends the active recording session
func (h *MeterHandler) StopRecording(c *gin.Context) {
	session, err := h.meterService.StopRecording()
	if err != nil {
		utils.ErrorResponse(c, http.StatusConflict, "Failed to stop recording", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Recording stopped", session)
}

// GetRecordingStatus returns the recorder state
func (h *MeterHandler) GetRecordingStatus(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Recording status retrieved", h.meterService.RecordingStatus())
}

// ListSessions lists stored recording sessions
func (h *MeterHandler) ListSessions(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	sessions, err := h.meterService.ListSessions(c.Request.Context(), limit)
	if err != nil {
		utils.ErrorResponse(c, http.StatusServiceUnavailable, "Failed to list sessions", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Sessions retrieved", gin.H{"sessions": sessions})
}

// GetSessionRecords returns a page of a stored session's records
func (h *MeterHandler) GetSessionRecords(c *gin.Context) {
	limit, offset := 1000, 0
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if o := c.Query("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	records, err := h.meterService.SessionRecords(c.Request.Context(), c.Param("id"), limit, offset)
	if err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Failed to get session records", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Session records retrieved", gin.H{
		"records": records,
		"count":   len(records),
	})
}
