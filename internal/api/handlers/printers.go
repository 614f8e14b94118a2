package handlers

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openfab/printhost/internal/core"
	"github.com/openfab/printhost/internal/db"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// connectTimeout bounds a connect attempt independently of the client; the
// boot settle and handshake must finish even if the caller gives up.
const connectTimeout = 30 * time.Second

type ConnectRequest struct {
	Port     string `json:"port" binding:"required"`
	BaudRate int    `json:"baud_rate"`
}

type PortRequest struct {
	Port string `json:"port" binding:"required"`
}

type CommandRequest struct {
	Port      string `json:"port" binding:"required"`
	Gcode     string `json:"gcode" binding:"required"`
	TimeoutMS int    `json:"timeout_ms"`
	Immediate bool   `json:"immediate"`
	Wait      *bool  `json:"wait"`
}

type CommandResponse struct {
	Gcode      string `json:"gcode"`
	State      string `json:"state"`
	Response   string `json:"response,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

type PrinterResponse struct {
	Port     string             `json:"port"`
	BaudRate int                `json:"baud_rate"`
	State    string             `json:"state"`
	Verified bool               `json:"verified"`
	Firmware *core.FirmwareInfo `json:"firmware,omitempty"`
	Job      *core.JobSnapshot  `json:"job,omitempty"`
}

type PrinterHandler struct {
	registry *core.Registry
}

func NewPrinterHandler(registry *core.Registry) *PrinterHandler {
	return &PrinterHandler{registry: registry}
}

// respondError maps engine failures onto HTTP statuses.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, core.ErrValidation):
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: err.Error(),
		})
	case errors.Is(err, core.ErrTimeout):
		c.JSON(http.StatusGatewayTimeout, ErrorResponse{
			Error:   "timeout",
			Message: err.Error(),
		})
	case errors.Is(err, core.ErrDisconnected):
		c.JSON(http.StatusConflict, ErrorResponse{
			Error:   "disconnected",
			Message: err.Error(),
		})
	case errors.Is(err, core.ErrComm):
		c.JSON(http.StatusBadGateway, ErrorResponse{
			Error:   "communication_error",
			Message: err.Error(),
		})
	case errors.Is(err, sql.ErrNoRows):
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: "Not found",
		})
	default:
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: err.Error(),
		})
	}
}

func printerToResponse(p *core.Printer) PrinterResponse {
	return PrinterResponse{
		Port:     p.Port(),
		BaudRate: p.BaudRate(),
		State:    p.State().String(),
		Verified: p.Verified(),
		Firmware: p.Firmware(),
		Job:      p.JobSnapshot(),
	}
}

// ListPorts returns the known device set. It probes the bus unless the
// client passes refresh=0 to settle for the cached snapshot.
func (h *PrinterHandler) ListPorts(c *gin.Context) {
	refresh := c.DefaultQuery("refresh", "1")
	ports, err := h.registry.ListKnown(refresh != "0" && refresh != "false")
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ports)
}

func (h *PrinterHandler) ListPrinters(c *gin.Context) {
	printers := h.registry.List()
	responses := make([]PrinterResponse, 0, len(printers))
	for _, p := range printers {
		responses = append(responses, printerToResponse(p))
	}
	c.JSON(http.StatusOK, responses)
}

func (h *PrinterHandler) ListKnownPrinters(c *gin.Context) {
	printers, err := db.Printers.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to retrieve known printers",
		})
		return
	}
	c.JSON(http.StatusOK, printers)
}

func (h *PrinterHandler) GetPrinter(c *gin.Context) {
	port := c.Query("port")
	if port == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: "port query parameter is required",
		})
		return
	}
	p, ok := h.registry.Get(port)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: "No session for port",
		})
		return
	}
	c.JSON(http.StatusOK, printerToResponse(p))
}

func (h *PrinterHandler) ConnectPrinter(c *gin.Context) {
	var req ConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: err.Error(),
		})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	p, err := h.registry.GetOrConnect(ctx, req.Port, req.BaudRate)
	if err != nil {
		respondError(c, err)
		return
	}

	h.recordKnownPrinter(req.Port)
	c.JSON(http.StatusOK, printerToResponse(p))
}

// recordKnownPrinter persists the USB identity of a connected port, best
// effort.
func (h *PrinterHandler) recordKnownPrinter(port string) {
	ports, err := h.registry.ListKnown(true)
	if err != nil {
		return
	}
	for _, info := range ports {
		if info.Path != port {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		db.Printers.Upsert(ctx, &db.Printer{
			Port:         info.Path,
			VendorID:     info.VendorID,
			ProductID:    info.ProductID,
			SerialNumber: info.SerialNumber,
			Model:        info.Model,
		})
		return
	}
}

func (h *PrinterHandler) DisconnectPrinter(c *gin.Context) {
	var req PortRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: err.Error(),
		})
		return
	}

	if err := h.registry.Disconnect(req.Port); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *PrinterHandler) SendCommand(c *gin.Context) {
	var req CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: err.Error(),
		})
		return
	}

	p, ok := h.registry.Get(req.Port)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: "No session for port",
		})
		return
	}

	opts := core.SendOptions{
		Timeout:   time.Duration(req.TimeoutMS) * time.Millisecond,
		Immediate: req.Immediate,
	}
	started := time.Now()
	cmd, err := p.SendCommand(req.Gcode, opts)
	if err != nil {
		respondError(c, err)
		return
	}

	wait := req.Wait == nil || *req.Wait
	if !wait {
		go h.logCommand(p.Port(), cmd, started)
		c.JSON(http.StatusAccepted, CommandResponse{
			Gcode: cmd.Gcode(),
			State: cmd.State().String(),
		})
		return
	}

	response, err := cmd.Wait(c.Request.Context())
	duration := time.Since(started)
	h.insertCommandLog(p.Port(), cmd, response, duration)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, CommandResponse{
		Gcode:      cmd.Gcode(),
		State:      cmd.State().String(),
		Response:   response,
		DurationMS: duration.Milliseconds(),
	})
}

func (h *PrinterHandler) logCommand(port string, cmd *core.Command, started time.Time) {
	response, _ := cmd.Wait(context.Background())
	h.insertCommandLog(port, cmd, response, time.Since(started))
}

func (h *PrinterHandler) insertCommandLog(port string, cmd *core.Command, response string, duration time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	db.CommandLogs.Insert(ctx, &db.CommandLogEntry{
		PrinterPort: port,
		Gcode:       cmd.Gcode(),
		Response:    response,
		Status:      cmd.State().String(),
		DurationMS:  duration.Milliseconds(),
	})
}

func (h *PrinterHandler) ListCommandLog(c *gin.Context) {
	filter := db.CommandLogFilter{
		PrinterPort: c.Query("port"),
		Limit:       intQuery(c, "limit", 100),
		Offset:      intQuery(c, "offset", 0),
	}
	entries, err := db.CommandLogs.List(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to retrieve command log",
		})
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (h *PrinterHandler) GetFirmware(c *gin.Context) {
	port := c.Query("port")
	if port == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: "port query parameter is required",
		})
		return
	}
	p, ok := h.registry.Get(port)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: "No session for port",
		})
		return
	}

	info, err := p.FirmwareInfo(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}
