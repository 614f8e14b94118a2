package db

import (
	"time"
)

type Printer struct {
	ID           int64     `json:"id"`
	Port         string    `json:"port"`
	VendorID     string    `json:"vendor_id"`
	ProductID    string    `json:"product_id"`
	SerialNumber string    `json:"serial_number"`
	Model        string    `json:"model"`
	FirmwareName string    `json:"firmware_name"`
	MachineType  string    `json:"machine_type"`
	FirmwareUUID string    `json:"firmware_uuid"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
}

type Job struct {
	ID            int64      `json:"id"`
	JobID         string     `json:"job_id"`
	PrinterPort   string     `json:"printer_port"`
	Name          string     `json:"name"`
	TotalCommands int        `json:"total_commands"`
	SentCommands  int        `json:"sent_commands"`
	Status        string     `json:"status"`
	Error         string     `json:"error"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at"`
}

type CommandLogEntry struct {
	ID          int64     `json:"id"`
	PrinterPort string    `json:"printer_port"`
	Gcode       string    `json:"gcode"`
	Response    string    `json:"response"`
	Status      string    `json:"status"`
	DurationMS  int64     `json:"duration_ms"`
	CreatedAt   time.Time `json:"created_at"`
}

type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

type JobFilter struct {
	PrinterPort string
	Status      string
	FromDate    *time.Time
	ToDate      *time.Time
	Limit       int
	Offset      int
}

type CommandLogFilter struct {
	PrinterPort string
	Limit       int
	Offset      int
}

const (
	JobStatusPrinting  = "printing"
	JobStatusComplete  = "complete"
	JobStatusCancelled = "cancelled"
	JobStatusFailed    = "failed"
)
