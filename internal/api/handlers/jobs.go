package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/openfab/printhost/internal/core"
	"github.com/openfab/printhost/internal/db"
	"github.com/openfab/printhost/internal/gcode"
)

type UploadJobResponse struct {
	JobID         string      `json:"job_id"`
	Name          string      `json:"name"`
	TotalCommands int         `json:"total_commands"`
	Stats         gcode.Stats `json:"stats"`
}

type ActiveJobResponse struct {
	Port  string            `json:"port"`
	State string            `json:"state"`
	Job   *core.JobSnapshot `json:"job"`
}

type JobHandler struct {
	registry *core.Registry
}

func NewJobHandler(registry *core.Registry) *JobHandler {
	return &JobHandler{registry: registry}
}

func intQuery(c *gin.Context, key string, fallback int) int {
	v := c.Query(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func (h *JobHandler) printerFor(c *gin.Context, port string) (*core.Printer, bool) {
	if port == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: "port is required",
		})
		return nil, false
	}
	p, ok := h.registry.Get(port)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: "No session for port",
		})
		return nil, false
	}
	return p, true
}

// UploadJob accepts a multipart G-code file and stages it as the pending job
// for a connected printer. With append_end_sequence=true the standard
// shutdown commands are added after the file's own lines.
func (h *JobHandler) UploadJob(c *gin.Context) {
	port := c.PostForm("port")
	p, ok := h.printerFor(c, port)
	if !ok {
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: "file field is required",
		})
		return
	}

	f, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: "failed to open uploaded file",
		})
		return
	}
	defer f.Close()

	var extra []string
	if c.PostForm("append_end_sequence") == "true" {
		extra = gcode.EndSequence()
	}

	job, stats, err := gcode.Build(fileHeader.Filename, f, extra...)
	if err != nil {
		respondError(c, err)
		return
	}

	if err := p.SetJob(job); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, UploadJobResponse{
		JobID:         job.ID(),
		Name:          job.Name(),
		TotalCommands: job.Len(),
		Stats:         stats,
	})
}

func (h *JobHandler) StartJob(c *gin.Context) {
	var req PortRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: err.Error(),
		})
		return
	}
	p, ok := h.printerFor(c, req.Port)
	if !ok {
		return
	}

	snap := p.JobSnapshot()
	if snap == nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: "no job staged for printer",
		})
		return
	}

	// The history row must exist before the engine can report progress or
	// completion for it.
	record := &db.Job{
		JobID:         snap.ID,
		PrinterPort:   p.Port(),
		Name:          snap.Name,
		TotalCommands: snap.Total,
	}
	if err := db.Jobs.Create(c.Request.Context(), record); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to record job",
		})
		return
	}

	if err := p.StartPrint(); err != nil {
		db.Jobs.Finish(c.Request.Context(), snap.ID, 0, db.JobStatusFailed, err.Error())
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, ActiveJobResponse{
		Port:  p.Port(),
		State: p.State().String(),
		Job:   p.JobSnapshot(),
	})
}

func (h *JobHandler) PauseJob(c *gin.Context) {
	h.lifecycle(c, func(p *core.Printer) error { return p.PausePrint() })
}

func (h *JobHandler) ResumeJob(c *gin.Context) {
	h.lifecycle(c, func(p *core.Printer) error { return p.ContinuePrint() })
}

func (h *JobHandler) StopJob(c *gin.Context) {
	h.lifecycle(c, func(p *core.Printer) error { return p.StopPrint() })
}

func (h *JobHandler) lifecycle(c *gin.Context, op func(*core.Printer) error) {
	var req PortRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: err.Error(),
		})
		return
	}
	p, ok := h.printerFor(c, req.Port)
	if !ok {
		return
	}

	if err := op(p); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ActiveJobResponse{
		Port:  p.Port(),
		State: p.State().String(),
		Job:   p.JobSnapshot(),
	})
}

func (h *JobHandler) GetActiveJob(c *gin.Context) {
	p, ok := h.printerFor(c, c.Query("port"))
	if !ok {
		return
	}
	c.JSON(http.StatusOK, ActiveJobResponse{
		Port:  p.Port(),
		State: p.State().String(),
		Job:   p.JobSnapshot(),
	})
}

func (h *JobHandler) ListJobs(c *gin.Context) {
	filter := db.JobFilter{
		PrinterPort: c.Query("port"),
		Status:      c.Query("status"),
		Limit:       intQuery(c, "limit", 100),
		Offset:      intQuery(c, "offset", 0),
	}
	jobs, err := db.Jobs.List(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to retrieve jobs",
		})
		return
	}
	c.JSON(http.StatusOK, jobs)
}

func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Query("job_id")
	if jobID == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: "job_id query parameter is required",
		})
		return
	}
	job, err := db.Jobs.GetByJobID(c.Request.Context(), jobID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}
