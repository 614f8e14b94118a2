package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openfab/printhost/internal/archive"
	"github.com/openfab/printhost/internal/core"
)

type HealthResponse struct {
	Status   string `json:"status"`
	Uptime   string `json:"uptime"`
	Sessions int    `json:"sessions"`
}

type InfoResponse struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type SystemHandler struct {
	registry  *core.Registry
	archiver  *archive.Archiver
	version   string
	startedAt time.Time
}

func NewSystemHandler(registry *core.Registry, archiver *archive.Archiver, version string) *SystemHandler {
	return &SystemHandler{
		registry:  registry,
		archiver:  archiver,
		version:   version,
		startedAt: time.Now(),
	}
}

func (h *SystemHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:   "ok",
		Uptime:   time.Since(h.startedAt).Round(time.Second).String(),
		Sessions: len(h.registry.List()),
	})
}

func (h *SystemHandler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, InfoResponse{
		Name:    "printhost",
		Version: h.version,
	})
}

func (h *SystemHandler) RunArchive(c *gin.Context) {
	if h.archiver == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:   "unavailable",
			Message: "Archiver is not configured",
		})
		return
	}
	if err := h.archiver.RunArchive(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "archive_error",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *SystemHandler) ListArchives(c *gin.Context) {
	if h.archiver == nil {
		c.JSON(http.StatusOK, []archive.ArchiveFile{})
		return
	}
	files, err := h.archiver.ListArchives()
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "archive_error",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, files)
}
