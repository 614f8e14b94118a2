package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

type PrinterOperations struct{}

func (o *PrinterOperations) Upsert(ctx context.Context, p *Printer) error {
	_, err := GetDB().ExecContext(ctx, UpsertPrinter,
		p.Port, p.VendorID, p.ProductID, p.SerialNumber,
		p.Model, p.FirmwareName, p.MachineType, p.FirmwareUUID)
	if err != nil {
		return fmt.Errorf("failed to upsert printer: %w", err)
	}
	return nil
}

func (o *PrinterOperations) GetByPort(ctx context.Context, port string) (*Printer, error) {
	p := &Printer{}
	err := GetDB().QueryRowContext(ctx, GetPrinterByPort, port).Scan(
		&p.ID, &p.Port, &p.VendorID, &p.ProductID, &p.SerialNumber,
		&p.Model, &p.FirmwareName, &p.MachineType, &p.FirmwareUUID,
		&p.FirstSeen, &p.LastSeen)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to get printer: %w", err)
	}
	return p, nil
}

func (o *PrinterOperations) List(ctx context.Context) ([]*Printer, error) {
	rows, err := GetDB().QueryContext(ctx, ListPrinters)
	if err != nil {
		return nil, fmt.Errorf("failed to list printers: %w", err)
	}
	defer rows.Close()

	var printers []*Printer
	for rows.Next() {
		p := &Printer{}
		if err := rows.Scan(
			&p.ID, &p.Port, &p.VendorID, &p.ProductID, &p.SerialNumber,
			&p.Model, &p.FirmwareName, &p.MachineType, &p.FirmwareUUID,
			&p.FirstSeen, &p.LastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan printer: %w", err)
		}
		printers = append(printers, p)
	}
	return printers, rows.Err()
}

func (o *PrinterOperations) Touch(ctx context.Context, port string) error {
	_, err := GetDB().ExecContext(ctx, TouchPrinter, port)
	if err != nil {
		return fmt.Errorf("failed to touch printer: %w", err)
	}
	return nil
}

func (o *PrinterOperations) Delete(ctx context.Context, port string) error {
	_, err := GetDB().ExecContext(ctx, DeletePrinter, port)
	if err != nil {
		return fmt.Errorf("failed to delete printer: %w", err)
	}
	return nil
}

type JobOperations struct{}

func (o *JobOperations) Create(ctx context.Context, j *Job) error {
	result, err := GetDB().ExecContext(ctx, InsertJob,
		j.JobID, j.PrinterPort, j.Name, j.TotalCommands)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get job id: %w", err)
	}
	j.ID = id
	return nil
}

func (o *JobOperations) GetByJobID(ctx context.Context, jobID string) (*Job, error) {
	j := &Job{}
	err := GetDB().QueryRowContext(ctx, GetJobByID, jobID).Scan(
		&j.ID, &j.JobID, &j.PrinterPort, &j.Name,
		&j.TotalCommands, &j.SentCommands, &j.Status, &j.Error,
		&j.StartedAt, &j.FinishedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return j, nil
}

func (o *JobOperations) UpdateProgress(ctx context.Context, jobID string, sent int) error {
	_, err := GetDB().ExecContext(ctx, UpdateJobProgress, sent, jobID)
	if err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}
	return nil
}

func (o *JobOperations) Finish(ctx context.Context, jobID string, sent int, status, errMsg string) error {
	_, err := GetDB().ExecContext(ctx, FinishJob, sent, status, errMsg, jobID)
	if err != nil {
		return fmt.Errorf("failed to finish job: %w", err)
	}
	return nil
}

func (o *JobOperations) List(ctx context.Context, filter JobFilter) ([]*Job, error) {
	query, args := buildJobQuery(filter)
	rows, err := GetDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j := &Job{}
		if err := rows.Scan(
			&j.ID, &j.JobID, &j.PrinterPort, &j.Name,
			&j.TotalCommands, &j.SentCommands, &j.Status, &j.Error,
			&j.StartedAt, &j.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (o *JobOperations) ListBefore(ctx context.Context, cutoff time.Time) ([]*Job, error) {
	rows, err := GetDB().QueryContext(ctx, SelectJobsBefore, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs before cutoff: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j := &Job{}
		if err := rows.Scan(
			&j.ID, &j.JobID, &j.PrinterPort, &j.Name,
			&j.TotalCommands, &j.SentCommands, &j.Status, &j.Error,
			&j.StartedAt, &j.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (o *JobOperations) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := GetDB().ExecContext(ctx, DeleteJobsBefore, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete jobs before cutoff: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted jobs: %w", err)
	}
	return n, nil
}

func buildJobQuery(filter JobFilter) (string, []interface{}) {
	var sb strings.Builder
	sb.WriteString(`
		SELECT id, job_id, printer_port, name, total_commands, sent_commands, status, error, started_at, finished_at
		FROM jobs
	`)

	var conds []string
	var args []interface{}
	if filter.PrinterPort != "" {
		conds = append(conds, "printer_port = ?")
		args = append(args, filter.PrinterPort)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.FromDate != nil {
		conds = append(conds, "started_at >= ?")
		args = append(args, *filter.FromDate)
	}
	if filter.ToDate != nil {
		conds = append(conds, "started_at <= ?")
		args = append(args, *filter.ToDate)
	}
	if len(conds) > 0 {
		sb.WriteString(" WHERE " + strings.Join(conds, " AND "))
	}
	sb.WriteString(" ORDER BY started_at DESC")

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	sb.WriteString(" LIMIT ?")
	args = append(args, limit)
	if filter.Offset > 0 {
		sb.WriteString(" OFFSET ?")
		args = append(args, filter.Offset)
	}
	return sb.String(), args
}

type CommandLogOperations struct{}

func (o *CommandLogOperations) Insert(ctx context.Context, e *CommandLogEntry) error {
	result, err := GetDB().ExecContext(ctx, InsertCommandLog,
		e.PrinterPort, e.Gcode, e.Response, e.Status, e.DurationMS)
	if err != nil {
		return fmt.Errorf("failed to insert command log entry: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get command log id: %w", err)
	}
	e.ID = id
	return nil
}

func (o *CommandLogOperations) List(ctx context.Context, filter CommandLogFilter) ([]*CommandLogEntry, error) {
	var sb strings.Builder
	sb.WriteString(`
		SELECT id, printer_port, gcode, response, status, duration_ms, created_at
		FROM command_log
	`)
	var args []interface{}
	if filter.PrinterPort != "" {
		sb.WriteString(" WHERE printer_port = ?")
		args = append(args, filter.PrinterPort)
	}
	sb.WriteString(" ORDER BY created_at DESC LIMIT ?")
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	if filter.Offset > 0 {
		sb.WriteString(" OFFSET ?")
		args = append(args, filter.Offset)
	}

	rows, err := GetDB().QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list command log: %w", err)
	}
	defer rows.Close()

	var entries []*CommandLogEntry
	for rows.Next() {
		e := &CommandLogEntry{}
		if err := rows.Scan(
			&e.ID, &e.PrinterPort, &e.Gcode, &e.Response,
			&e.Status, &e.DurationMS, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan command log entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (o *CommandLogOperations) ListBefore(ctx context.Context, cutoff time.Time) ([]*CommandLogEntry, error) {
	rows, err := GetDB().QueryContext(ctx, SelectCommandLogBefore, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list command log before cutoff: %w", err)
	}
	defer rows.Close()

	var entries []*CommandLogEntry
	for rows.Next() {
		e := &CommandLogEntry{}
		if err := rows.Scan(
			&e.ID, &e.PrinterPort, &e.Gcode, &e.Response,
			&e.Status, &e.DurationMS, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan command log entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (o *CommandLogOperations) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := GetDB().ExecContext(ctx, DeleteCommandLogBefore, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete command log before cutoff: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted command log entries: %w", err)
	}
	return n, nil
}

type SettingsOperations struct{}

func (o *SettingsOperations) Get(ctx context.Context, key string) (*Setting, error) {
	s := &Setting{}
	err := GetDB().QueryRowContext(ctx, GetSetting, key).Scan(&s.Key, &s.Value, &s.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to get setting: %w", err)
	}
	return s, nil
}

func (o *SettingsOperations) Set(ctx context.Context, key, value string) error {
	_, err := GetDB().ExecContext(ctx, UpsertSetting, key, value)
	if err != nil {
		return fmt.Errorf("failed to set setting: %w", err)
	}
	return nil
}

func (o *SettingsOperations) Delete(ctx context.Context, key string) error {
	_, err := GetDB().ExecContext(ctx, DeleteSetting, key)
	if err != nil {
		return fmt.Errorf("failed to delete setting: %w", err)
	}
	return nil
}

var (
	Printers    = &PrinterOperations{}
	Jobs        = &JobOperations{}
	CommandLogs = &CommandLogOperations{}
	Settings    = &SettingsOperations{}
)
