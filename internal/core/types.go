package core

import (
	"io"
	"time"
)

// Transport is the byte pipe to one printer. Close must unblock a pending
// Read.
type Transport interface {
	io.Reader
	io.Writer
	Close() error
}

// PortOpener opens the transport behind a device path. The serial
// implementation lives in internal/serialport; tests substitute an in-memory
// pipe.
type PortOpener interface {
	Open(path string, baudRate int) (Transport, error)
}

// PortEnumerator lists attached serial devices.
type PortEnumerator interface {
	List() ([]PortInfo, error)
}

// PortInfo describes one serial device, optionally enriched with the live
// session attached to it.
type PortInfo struct {
	Path         string    `json:"path"`
	IsUSB        bool      `json:"is_usb"`
	VendorID     string    `json:"vendor_id,omitempty"`
	ProductID    string    `json:"product_id,omitempty"`
	SerialNumber string    `json:"serial_number,omitempty"`
	Product      string    `json:"product,omitempty"`
	Vendor       string    `json:"vendor,omitempty"`
	Model        string    `json:"model,omitempty"`
	Connected    bool      `json:"connected"`
	State        string    `json:"state,omitempty"`
	Verified     bool      `json:"verified"`
	LastSeen     time.Time `json:"last_seen"`
}

// JobSnapshot is a point-in-time view of a printer's active job.
type JobSnapshot struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Total    int     `json:"total"`
	Sent     int     `json:"sent"`
	Progress float64 `json:"progress"`
}

// EventSink receives engine notifications. Calls are delivered in order,
// outside the engine's locks; implementations should hand work off quickly.
type EventSink interface {
	PrinterStateChanged(port string, oldState, newState State)
	PrinterFirmware(port string, info *FirmwareInfo)
	PrinterTemperature(port string, report *TempReport)
	JobProgress(port string, job JobSnapshot)
	JobFinished(port string, job JobSnapshot, success bool, errorMsg string)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) PrinterStateChanged(string, State, State)       {}
func (NopSink) PrinterFirmware(string, *FirmwareInfo)          {}
func (NopSink) PrinterTemperature(string, *TempReport)         {}
func (NopSink) JobProgress(string, JobSnapshot)                {}
func (NopSink) JobFinished(string, JobSnapshot, bool, string)  {}

type multiSink []EventSink

// CombineSinks fans events out to every sink in order.
func CombineSinks(sinks ...EventSink) EventSink {
	return multiSink(sinks)
}

func (m multiSink) PrinterStateChanged(port string, oldState, newState State) {
	for _, s := range m {
		s.PrinterStateChanged(port, oldState, newState)
	}
}

func (m multiSink) PrinterFirmware(port string, info *FirmwareInfo) {
	for _, s := range m {
		s.PrinterFirmware(port, info)
	}
}

func (m multiSink) PrinterTemperature(port string, report *TempReport) {
	for _, s := range m {
		s.PrinterTemperature(port, report)
	}
}

func (m multiSink) JobProgress(port string, job JobSnapshot) {
	for _, s := range m {
		s.JobProgress(port, job)
	}
}

func (m multiSink) JobFinished(port string, job JobSnapshot, success bool, errorMsg string) {
	for _, s := range m {
		s.JobFinished(port, job, success, errorMsg)
	}
}
