package db

const (
	UpsertPrinter = `
		INSERT INTO printers (port, vendor_id, product_id, serial_number, model, firmware_name, machine_type, firmware_uuid)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(port) DO UPDATE SET
			vendor_id = CASE WHEN excluded.vendor_id != '' THEN excluded.vendor_id ELSE printers.vendor_id END,
			product_id = CASE WHEN excluded.product_id != '' THEN excluded.product_id ELSE printers.product_id END,
			serial_number = CASE WHEN excluded.serial_number != '' THEN excluded.serial_number ELSE printers.serial_number END,
			model = CASE WHEN excluded.model != '' THEN excluded.model ELSE printers.model END,
			firmware_name = CASE WHEN excluded.firmware_name != '' THEN excluded.firmware_name ELSE printers.firmware_name END,
			machine_type = CASE WHEN excluded.machine_type != '' THEN excluded.machine_type ELSE printers.machine_type END,
			firmware_uuid = CASE WHEN excluded.firmware_uuid != '' THEN excluded.firmware_uuid ELSE printers.firmware_uuid END,
			last_seen = CURRENT_TIMESTAMP
	`

	GetPrinterByPort = `
		SELECT id, port, vendor_id, product_id, serial_number, model, firmware_name, machine_type, firmware_uuid, first_seen, last_seen
		FROM printers WHERE port = ?
	`

	ListPrinters = `
		SELECT id, port, vendor_id, product_id, serial_number, model, firmware_name, machine_type, firmware_uuid, first_seen, last_seen
		FROM printers ORDER BY port ASC
	`

	TouchPrinter = `
		UPDATE printers SET last_seen = CURRENT_TIMESTAMP WHERE port = ?
	`

	DeletePrinter = `DELETE FROM printers WHERE port = ?`
)

const (
	InsertJob = `
		INSERT INTO jobs (job_id, printer_port, name, total_commands)
		VALUES (?, ?, ?, ?)
	`

	GetJobByID = `
		SELECT id, job_id, printer_port, name, total_commands, sent_commands, status, error, started_at, finished_at
		FROM jobs WHERE job_id = ?
	`

	UpdateJobProgress = `
		UPDATE jobs SET sent_commands = ? WHERE job_id = ?
	`

	FinishJob = `
		UPDATE jobs SET sent_commands = ?, status = ?, error = ?, finished_at = CURRENT_TIMESTAMP
		WHERE job_id = ?
	`

	DeleteJobsBefore = `DELETE FROM jobs WHERE started_at < ? AND status != 'printing'`

	SelectJobsBefore = `
		SELECT id, job_id, printer_port, name, total_commands, sent_commands, status, error, started_at, finished_at
		FROM jobs WHERE started_at < ? AND status != 'printing' ORDER BY started_at ASC
	`
)

const (
	InsertCommandLog = `
		INSERT INTO command_log (printer_port, gcode, response, status, duration_ms)
		VALUES (?, ?, ?, ?, ?)
	`

	DeleteCommandLogBefore = `DELETE FROM command_log WHERE created_at < ?`

	SelectCommandLogBefore = `
		SELECT id, printer_port, gcode, response, status, duration_ms, created_at
		FROM command_log WHERE created_at < ? ORDER BY created_at ASC
	`
)

const (
	GetSetting = `SELECT key, value, updated_at FROM settings WHERE key = ?`

	UpsertSetting = `
		INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`

	DeleteSetting = `DELETE FROM settings WHERE key = ?`
)
