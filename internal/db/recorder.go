package db

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/openfab/printhost/internal/core"
)

// progressWriteInterval throttles job progress writes; a long print sends
// far more lines than the history table needs.
const progressWriteInterval = 5 * time.Second

// Recorder persists engine events: printer identity on handshake, job
// progress, and job completion. It implements core.EventSink.
type Recorder struct {
	log *slog.Logger

	mu        sync.Mutex
	lastWrite map[string]time.Time
}

func NewRecorder(logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		log:       logger,
		lastWrite: make(map[string]time.Time),
	}
}

func (r *Recorder) PrinterStateChanged(port string, oldState, newState core.State) {
	if newState != core.StateReady {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := Printers.Touch(ctx, port); err != nil {
		r.log.Warn("failed to record printer activity", "port", port, "error", err)
	}
}

func (r *Recorder) PrinterFirmware(port string, info *core.FirmwareInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := Printers.Upsert(ctx, &Printer{
		Port:         port,
		FirmwareName: info.FirmwareName,
		MachineType:  info.MachineType,
		FirmwareUUID: info.UUID,
	})
	if err != nil {
		r.log.Warn("failed to record printer firmware", "port", port, "error", err)
	}
}

func (r *Recorder) PrinterTemperature(port string, report *core.TempReport) {
	// Temperature streams are ephemeral; they go to subscribers, not disk.
}

func (r *Recorder) JobProgress(port string, snap core.JobSnapshot) {
	r.mu.Lock()
	last := r.lastWrite[snap.ID]
	now := time.Now()
	if now.Sub(last) < progressWriteInterval && snap.Sent < snap.Total {
		r.mu.Unlock()
		return
	}
	r.lastWrite[snap.ID] = now
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := Jobs.UpdateProgress(ctx, snap.ID, snap.Sent); err != nil {
		r.log.Warn("failed to record job progress", "job", snap.ID, "error", err)
	}
}

func (r *Recorder) JobFinished(port string, snap core.JobSnapshot, success bool, errorMsg string) {
	r.mu.Lock()
	delete(r.lastWrite, snap.ID)
	r.mu.Unlock()

	status := JobStatusComplete
	if !success {
		status = JobStatusFailed
		if errorMsg == "stopped" {
			status = JobStatusCancelled
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := Jobs.Finish(ctx, snap.ID, snap.Sent, status, errorMsg); err != nil {
		r.log.Warn("failed to record job completion", "job", snap.ID, "error", err)
	}
}
