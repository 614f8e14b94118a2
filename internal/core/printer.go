package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/openfab/printhost/internal/metrics"
)

// DefaultBaudRate is the Marlin-family standard.
const DefaultBaudRate = 115200

const (
	firmwareProbe   = "M115"
	firmwarePattern = `FIRMWARE_NAME:`
)

// FirmwareError carries a non-fatal firmware error line verbatim.
type FirmwareError struct {
	Line string
}

func (e *FirmwareError) Error() string { return "firmware error: " + e.Line }

// SendOptions tunes a single manual command.
type SendOptions struct {
	// Timeout bounds the wait for the acknowledgement. Zero applies the
	// printer's default; negative disables the deadline.
	Timeout time.Duration
	// Immediate queues the command ahead of pending work.
	Immediate bool
	// AutoState lets a command sent from Ready move the printer to Printing
	// until its queued work drains.
	AutoState bool
}

// PrinterOptions carries the per-connection protocol tunables.
type PrinterOptions struct {
	Port               string
	BaudRate           int
	BootDelay          time.Duration
	HandshakeTimeout   time.Duration
	DefaultTimeout     time.Duration
	TempReportInterval time.Duration
	Logger             *slog.Logger
	Sink               EventSink
	Metrics            *metrics.Metrics
}

// Printer drives the request/response protocol for one serial connection.
// One mutex serializes the reader goroutine and every public operation; at
// most one command is unacknowledged at any time.
type Printer struct {
	opener PortOpener
	opts   PrinterOptions
	log    *slog.Logger
	sink   EventSink
	met    *metrics.Metrics

	mu          sync.Mutex
	state       State
	transport   Transport
	framer      LineFramer
	input       []string
	queue       *CommandQueue
	extractors  *ExtractorSet
	job         *Job
	inFlight    *Command
	firmware    *FirmwareInfo
	verified    bool
	listeners   []func(oldState, newState State)
	pending     []func()
	readerDone  chan struct{}
	closing     bool
	droppedSeen int

	// notifyMu serializes callback delivery so listeners observe
	// transitions in order.
	notifyMu sync.Mutex
}

// NewPrinter builds an unconnected printer for the device at opts.Port.
func NewPrinter(opener PortOpener, opts PrinterOptions) *Printer {
	if opts.BaudRate <= 0 {
		opts.BaudRate = DefaultBaudRate
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Printer{
		opener:     opener,
		opts:       opts,
		log:        logger.With("printer", opts.Port),
		sink:       opts.Sink,
		met:        opts.Metrics,
		state:      StateNotConnected,
		queue:      NewCommandQueue(),
		extractors: NewExtractorSet(),
	}
}

// Port returns the device path this printer is bound to.
func (p *Printer) Port() string { return p.opts.Port }

// BaudRate returns the configured line speed.
func (p *Printer) BaudRate() int { return p.opts.BaudRate }

// State returns the current connection state.
func (p *Printer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Verified reports whether the firmware handshake matched.
func (p *Printer) Verified() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.verified
}

// Firmware returns the cached M115 report, or nil before a successful
// handshake.
func (p *Printer) Firmware() *FirmwareInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.firmware
}

// JobSnapshot returns a view of the active job, or nil when none is set.
func (p *Printer) JobSnapshot() *JobSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.job == nil {
		return nil
	}
	snap := p.jobSnapshotLocked()
	return &snap
}

// OnStateChange registers fn for every state transition. Callbacks run
// outside the printer lock, in transition order.
func (p *Printer) OnStateChange(fn func(oldState, newState State)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// Connect opens the transport, waits the boot-settle delay while the firmware
// restarts, then runs the M115 handshake. A handshake timeout leaves the
// connection usable but unverified.
func (p *Printer) Connect(ctx context.Context) error {
	p.mu.Lock()
	switch p.state {
	case StateNotConnected, StateError:
	default:
		p.mu.Unlock()
		return &ValidationError{Reason: fmt.Sprintf("cannot connect while %s", p.state)}
	}
	p.setStateLocked(StateConnecting)
	p.mu.Unlock()
	p.flushNotifications()

	t, err := p.opener.Open(p.opts.Port, p.opts.BaudRate)
	if err != nil {
		p.mu.Lock()
		p.setStateLocked(StateNotConnected)
		p.mu.Unlock()
		p.flushNotifications()
		return &CommError{Op: "open " + p.opts.Port, Err: err}
	}

	p.mu.Lock()
	p.transport = t
	p.framer.Reset()
	p.input = nil
	p.inFlight = nil
	p.firmware = nil
	p.verified = false
	p.closing = false
	done := make(chan struct{})
	p.readerDone = done
	go p.readLoop(t, done)
	p.mu.Unlock()

	// Opening the port toggles DTR and resets most boards; boot chatter is
	// discarded by the reader while we are still Connecting.
	if p.opts.BootDelay > 0 {
		select {
		case <-time.After(p.opts.BootDelay):
		case <-ctx.Done():
			p.Disconnect()
			return ctx.Err()
		}
	}

	p.mu.Lock()
	if p.state != StateConnecting {
		p.mu.Unlock()
		return &DisconnectError{Port: p.opts.Port}
	}
	p.setStateLocked(StateReady)
	p.mu.Unlock()
	p.flushNotifications()

	p.runHandshake(ctx)
	return nil
}

// Disconnect tears the connection down: the reader stops, every pending
// command and watcher resolves with a DisconnectError, and the state returns
// to NotConnected. Safe to call repeatedly.
func (p *Printer) Disconnect() error {
	p.mu.Lock()
	if p.state == StateNotConnected {
		p.mu.Unlock()
		return nil
	}
	p.closing = true
	t := p.transport
	done := p.readerDone
	p.mu.Unlock()

	if t != nil {
		t.Close()
	}
	if done != nil {
		<-done
	}

	p.mu.Lock()
	p.teardownLocked(StateNotConnected, &DisconnectError{Port: p.opts.Port})
	p.closing = false
	p.mu.Unlock()
	p.flushNotifications()
	return nil
}

// SetJob replaces the pending job. Rejected while a print is active.
func (p *Printer) SetJob(job *Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StatePrinting || p.state == StatePaused {
		return &ValidationError{Reason: fmt.Sprintf("cannot replace job while %s", p.state)}
	}
	p.job = job
	if job != nil {
		p.log.Debug("job set", "job", job.Name(), "commands", job.Len())
	}
	return nil
}

// StartPrint begins streaming the pending job.
func (p *Printer) StartPrint() error {
	p.mu.Lock()
	if p.state != StateReady {
		p.mu.Unlock()
		return &ValidationError{Reason: fmt.Sprintf("cannot start print while %s", p.state)}
	}
	if p.job == nil {
		p.mu.Unlock()
		return &ValidationError{Reason: "no job set"}
	}
	p.log.Info("print started", "job", p.job.Name(), "commands", p.job.Len())
	p.setStateLocked(StatePrinting)
	p.pumpLocked()
	p.maybeIdleLocked()
	p.mu.Unlock()
	p.flushNotifications()
	return nil
}

// PausePrint suspends dispatch. Incoming batches, acknowledgements included,
// are discarded until the print resumes.
func (p *Printer) PausePrint() error {
	p.mu.Lock()
	if p.state != StatePrinting {
		p.mu.Unlock()
		return &ValidationError{Reason: fmt.Sprintf("cannot pause while %s", p.state)}
	}
	p.setStateLocked(StatePaused)
	p.mu.Unlock()
	p.flushNotifications()
	return nil
}

// ContinuePrint resumes a paused print and sends exactly one command to
// re-synchronize the acknowledgement cycle.
func (p *Printer) ContinuePrint() error {
	p.mu.Lock()
	if p.state != StatePaused {
		p.mu.Unlock()
		return &ValidationError{Reason: fmt.Sprintf("cannot resume while %s", p.state)}
	}
	p.setStateLocked(StatePrinting)
	// Whatever was in flight had its acknowledgement discarded while
	// paused; settle it with the output gathered so far.
	if cmd := p.inFlight; cmd != nil {
		p.inFlight = nil
		cmd.resolve(strings.Join(p.input, "\n"))
	}
	p.input = nil
	p.pumpLocked()
	p.maybeIdleLocked()
	p.mu.Unlock()
	p.flushNotifications()
	return nil
}

// StopPrint aborts the active or paused print. Queued commands are rejected;
// anything already in flight resolves normally when its acknowledgement
// arrives. Heater shutdown is the caller's decision.
func (p *Printer) StopPrint() error {
	p.mu.Lock()
	if p.state != StatePrinting && p.state != StatePaused {
		p.mu.Unlock()
		return &ValidationError{Reason: fmt.Sprintf("cannot stop while %s", p.state)}
	}
	p.queue.FailAll(ErrPrintStopped)
	if p.job != nil {
		snap := p.jobSnapshotLocked()
		p.job = nil
		p.met.JobFinished(p.opts.Port, "cancelled")
		p.log.Info("print stopped", "job", snap.Name, "sent", snap.Sent)
		if s := p.sink; s != nil {
			port := p.opts.Port
			p.pending = append(p.pending, func() { s.JobFinished(port, snap, false, "stopped") })
		}
	}
	p.setStateLocked(StateReady)
	p.mu.Unlock()
	p.flushNotifications()
	return nil
}

// SendCommand validates and queues one G-code line, returning its handle.
// Allowed in Ready and Printing; AutoState lets a Ready printer move to
// Printing while the queued work drains.
func (p *Printer) SendCommand(gcode string, opts SendOptions) (*Command, error) {
	gcode = strings.TrimSpace(gcode)
	if gcode == "" {
		return nil, &ValidationError{Reason: "empty command"}
	}
	if strings.ContainsAny(gcode, "\r\n") {
		return nil, &ValidationError{Reason: "command must be a single line"}
	}

	p.mu.Lock()
	switch p.state {
	case StateReady:
		if opts.AutoState {
			p.setStateLocked(StatePrinting)
		}
	case StatePrinting:
	default:
		state := p.state
		p.mu.Unlock()
		return nil, &ValidationError{Reason: fmt.Sprintf("cannot send command while %s", state)}
	}

	cmd := newCommand(gcode, opts.Immediate)
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = p.opts.DefaultTimeout
	}
	if timeout > 0 {
		cmd.armTimeout(timeout)
		go p.watchTimeout(cmd)
	}
	p.queue.Enqueue(cmd)
	p.log.Debug("command queued", "gcode", gcode, "immediate", opts.Immediate)
	p.pumpLocked()
	p.mu.Unlock()
	p.flushNotifications()
	return cmd, nil
}

// OnOutputMatch registers a watcher for pattern against accumulated output.
// timeout <= 0 means no deadline; onlyOnAck defers matching to batches that
// carried the acknowledgement token.
func (p *Printer) OnOutputMatch(pattern string, timeout time.Duration, onlyOnAck bool) (*Extractor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case StateNotConnected, StateError:
		return nil, &ValidationError{Reason: fmt.Sprintf("cannot watch output while %s", p.state)}
	}
	ex, err := p.extractors.Register(pattern, timeout, onlyOnAck)
	if err != nil {
		return nil, err
	}
	if timeout > 0 {
		go p.watchExtractorTimeout(ex)
	}
	p.log.Debug("output watcher registered", "pattern", pattern, "only_on_ack", onlyOnAck)
	return ex, nil
}

// FirmwareInfo returns the cached M115 report, querying the printer when no
// handshake result is available yet.
func (p *Printer) FirmwareInfo(ctx context.Context) (*FirmwareInfo, error) {
	p.mu.Lock()
	if p.firmware != nil {
		fw := p.firmware
		p.mu.Unlock()
		return fw, nil
	}
	state := p.state
	p.mu.Unlock()
	if state != StateReady && state != StatePrinting {
		return nil, &ValidationError{Reason: fmt.Sprintf("cannot query firmware while %s", state)}
	}

	cmd, err := p.SendCommand(firmwareProbe, SendOptions{Timeout: p.opts.HandshakeTimeout, Immediate: true})
	if err != nil {
		return nil, err
	}
	resp, err := cmd.Wait(ctx)
	if err != nil {
		return nil, err
	}
	info := ParseFirmwareInfo(resp)
	p.mu.Lock()
	p.firmware = info
	if info.FirmwareName != "" {
		p.verified = true
	}
	if s := p.sink; s != nil {
		port := p.opts.Port
		p.pending = append(p.pending, func() { s.PrinterFirmware(port, info) })
	}
	p.mu.Unlock()
	p.flushNotifications()
	return info, nil
}

// runHandshake probes the firmware with M115 and waits, ack-gated, for the
// FIRMWARE_NAME report. Failure leaves the connection usable but unverified.
func (p *Printer) runHandshake(ctx context.Context) {
	ex, err := p.OnOutputMatch(firmwarePattern, p.opts.HandshakeTimeout, true)
	if err != nil {
		p.log.Warn("handshake skipped", "error", err)
		return
	}
	cmd, err := p.SendCommand(firmwareProbe, SendOptions{Timeout: p.opts.HandshakeTimeout, Immediate: true})
	if err != nil {
		p.log.Warn("handshake skipped", "error", err)
		return
	}
	if _, err := ex.Wait(ctx); err != nil {
		p.log.Warn("handshake unverified", "error", err)
		return
	}
	resp, err := cmd.Wait(ctx)
	if err != nil {
		p.log.Warn("handshake unverified", "error", err)
		return
	}

	info := ParseFirmwareInfo(resp)
	p.mu.Lock()
	p.firmware = info
	p.verified = true
	if s := p.sink; s != nil {
		port := p.opts.Port
		p.pending = append(p.pending, func() { s.PrinterFirmware(port, info) })
	}
	p.mu.Unlock()
	p.flushNotifications()
	p.log.Info("printer verified", "firmware", info.FirmwareName, "machine", info.MachineType)

	if s := int(p.opts.TempReportInterval / time.Second); s > 0 {
		if _, err := p.SendCommand(fmt.Sprintf("M155 S%d", s), SendOptions{Immediate: true}); err != nil {
			p.log.Debug("temperature auto-report not enabled", "error", err)
		}
	}
}

func (p *Printer) watchTimeout(cmd *Command) {
	<-cmd.Done()
	if cmd.State() == CommandTimedOut {
		p.met.Timeout(p.opts.Port)
		p.log.Warn("command timed out", "gcode", cmd.Gcode())
	}
}

func (p *Printer) watchExtractorTimeout(ex *Extractor) {
	<-ex.Done()
	if ex.State() == ExtractorTimedOut {
		p.met.Timeout(p.opts.Port)
		p.log.Warn("output watcher timed out", "pattern", ex.Pattern())
	}
}

// readLoop pulls bytes from the transport until it fails or closes.
func (p *Printer) readLoop(t Transport, done chan struct{}) {
	defer close(done)
	buf := make([]byte, 512)
	for {
		n, err := t.Read(buf)
		if n > 0 {
			p.handleChunk(buf[:n])
		}
		if err != nil {
			p.handleReadError(t, err)
			return
		}
	}
}

func (p *Printer) handleReadError(t Transport, err error) {
	p.mu.Lock()
	if p.transport != t || p.closing {
		p.mu.Unlock()
		return
	}
	p.log.Error("read failed", "error", err)
	p.teardownLocked(StateError, &CommError{Op: "read", Err: err})
	p.mu.Unlock()
	p.flushNotifications()
}

// handleChunk runs the dispatch pass for one read: frame, filter by state,
// evaluate watchers, and on the first acknowledgement resolve the in-flight
// command and write at most one successor.
func (p *Printer) handleChunk(chunk []byte) {
	p.met.BytesRead(p.opts.Port, len(chunk))

	p.mu.Lock()
	switch p.state {
	case StatePaused:
		// Full discard: acknowledgements seen while paused must not
		// advance the queue. Resume re-synchronizes.
		if lines := p.framer.Feed(chunk); len(lines) > 0 {
			p.log.Debug("suppressed output while paused", "lines", len(lines))
		}
		p.mu.Unlock()
		return
	case StateConnecting:
		if lines := p.framer.Feed(chunk); len(lines) > 0 {
			p.log.Debug("boot chatter", "lines", len(lines))
		}
		p.mu.Unlock()
		return
	case StateNotConnected, StateError:
		p.framer.Feed(chunk)
		p.mu.Unlock()
		return
	}

	lines := p.framer.Feed(chunk)
	if d := p.framer.Dropped(); d > p.droppedSeen {
		p.droppedSeen = d
		p.log.Warn("buffer anomaly", "reason", "oversized line discarded")
	}
	if len(lines) == 0 {
		p.mu.Unlock()
		return
	}

	ackSeen := false
	var fatal error
	for _, line := range lines {
		if line == "" {
			continue
		}
		p.input = append(p.input, line)
		switch {
		case isAckLine(line):
			ackSeen = true
			p.met.AckReceived(p.opts.Port)
		case isKillLine(line):
			fatal = &CommError{Op: "printer halted", Err: errors.New(line)}
		case isErrorLine(line):
			p.log.Warn("firmware error", "line", line)
			if p.inFlight != nil {
				p.inFlight.fail(CommandPrinterError, &FirmwareError{Line: line})
			}
		case isBusyLine(line):
			p.log.Debug("printer busy", "line", line)
		}
		if rep, ok := ParseTempReport(line); ok {
			p.emitTemperatureLocked(rep)
		}
	}

	if fatal != nil {
		p.log.Error("printer halted", "error", fatal)
		p.teardownLocked(StateError, fatal)
		p.mu.Unlock()
		p.flushNotifications()
		return
	}

	text := strings.Join(p.input, "\n")
	for _, ex := range p.extractors.Evaluate(text, ackSeen) {
		p.log.Debug("output matched", "pattern", ex.Pattern())
	}

	if ackSeen {
		if cmd := p.inFlight; cmd != nil {
			p.inFlight = nil
			if cmd.resolve(text) {
				p.log.Debug("response received", "gcode", cmd.Gcode())
			} else {
				p.log.Debug("late acknowledgement", "gcode", cmd.Gcode(), "state", cmd.State().String())
			}
		}
		p.input = nil
		p.pumpLocked()
		p.maybeIdleLocked()
	}

	// Nothing waits on unsolicited output (M155 reports and the like);
	// keep the window from growing while idle.
	if p.inFlight == nil && p.extractors.Len() == 0 {
		p.input = nil
	}
	p.mu.Unlock()
	p.flushNotifications()
}

// pumpLocked writes the next command when nothing is in flight: queued
// entries first, then the job's next line.
func (p *Printer) pumpLocked() {
	if p.inFlight != nil || p.transport == nil {
		return
	}
	cmd := p.queue.DequeueNext()
	fromJob := false
	if cmd == nil && p.state == StatePrinting && p.job != nil {
		if line, ok := p.job.NextCommand(); ok {
			cmd = newCommand(line, false)
			fromJob = true
		}
	}
	if cmd == nil {
		return
	}
	p.writeLocked(cmd)
	if fromJob && p.inFlight == cmd && p.sink != nil {
		snap := p.jobSnapshotLocked()
		s := p.sink
		port := p.opts.Port
		p.pending = append(p.pending, func() { s.JobProgress(port, snap) })
	}
}

func (p *Printer) writeLocked(cmd *Command) {
	if _, err := p.transport.Write([]byte(cmd.Gcode() + "\n")); err != nil {
		p.log.Error("write failed", "gcode", cmd.Gcode(), "error", err)
		cmd.fail(CommandPrinterError, &CommError{Op: "write", Err: err})
		p.teardownLocked(StateError, &CommError{Op: "write", Err: err})
		return
	}
	p.inFlight = cmd
	p.met.CommandSent(p.opts.Port)
	p.log.Debug("command sent", "gcode", cmd.Gcode())
}

// maybeIdleLocked returns a Printing printer to Ready once everything
// drained, completing the job if one was active.
func (p *Printer) maybeIdleLocked() {
	if p.state != StatePrinting || p.inFlight != nil || p.queue.Len() > 0 {
		return
	}
	if p.job != nil {
		if !p.job.Finished() {
			return
		}
		snap := p.jobSnapshotLocked()
		p.job = nil
		if tail := p.framer.Tail(); tail != "" {
			p.log.Warn("buffer anomaly", "reason", "unconsumed tail at job end", "tail", tail)
			p.framer.Reset()
		}
		p.input = nil
		p.met.JobFinished(p.opts.Port, "complete")
		p.log.Info("job complete", "job", snap.Name, "commands", snap.Total)
		if s := p.sink; s != nil {
			port := p.opts.Port
			p.pending = append(p.pending, func() { s.JobFinished(port, snap, true, "") })
		}
	}
	p.setStateLocked(StateReady)
}

// teardownLocked closes the transport, rejects all pending work with cause,
// and moves to next. Idempotent.
func (p *Printer) teardownLocked(next State, cause error) {
	if p.transport != nil {
		p.transport.Close()
		p.transport = nil
	}
	if p.inFlight != nil {
		p.inFlight.fail(CommandPrinterError, cause)
		p.inFlight = nil
	}
	p.queue.FailAll(cause)
	p.extractors.FailAll(cause)
	if p.job != nil {
		snap := p.jobSnapshotLocked()
		p.job = nil
		if p.state == StatePrinting || p.state == StatePaused {
			p.met.JobFinished(p.opts.Port, "failed")
			if s := p.sink; s != nil {
				port := p.opts.Port
				msg := cause.Error()
				p.pending = append(p.pending, func() { s.JobFinished(port, snap, false, msg) })
			}
		}
	}
	p.framer.Reset()
	p.input = nil
	p.setStateLocked(next)
}

func (p *Printer) setStateLocked(next State) {
	if p.state == next {
		return
	}
	old := p.state
	p.state = next
	p.log.Info("state change", "from", old.String(), "to", next.String())
	listeners := append(([]func(State, State))(nil), p.listeners...)
	s := p.sink
	port := p.opts.Port
	p.pending = append(p.pending, func() {
		for _, fn := range listeners {
			fn(old, next)
		}
		if s != nil {
			s.PrinterStateChanged(port, old, next)
		}
	})
}

func (p *Printer) emitTemperatureLocked(rep *TempReport) {
	hotend := 0.0
	if r, ok := rep.Hotends[0]; ok {
		hotend = r.Actual
	}
	var bed float64
	hasBed := rep.Bed != nil
	if hasBed {
		bed = rep.Bed.Actual
	}
	p.met.Temperature(p.opts.Port, hotend, bed, hasBed)
	if s := p.sink; s != nil {
		port := p.opts.Port
		p.pending = append(p.pending, func() { s.PrinterTemperature(port, rep) })
	}
}

func (p *Printer) jobSnapshotLocked() JobSnapshot {
	return JobSnapshot{
		ID:       p.job.ID(),
		Name:     p.job.Name(),
		Total:    p.job.Len(),
		Sent:     p.job.Sent(),
		Progress: p.job.Progress(),
	}
}

// flushNotifications drains queued callbacks outside the state lock. A
// single drainer at a time preserves delivery order; re-entrant calls from
// listeners return immediately and the active drainer picks their work up.
func (p *Printer) flushNotifications() {
	if !p.notifyMu.TryLock() {
		return
	}
	defer p.notifyMu.Unlock()
	for {
		p.mu.Lock()
		if len(p.pending) == 0 {
			p.mu.Unlock()
			return
		}
		batch := p.pending
		p.pending = nil
		p.mu.Unlock()
		for _, fn := range batch {
			fn()
		}
	}
}

func isAckLine(line string) bool {
	return line == "ok" || strings.HasPrefix(line, "ok ")
}

func isBusyLine(line string) bool {
	return strings.HasPrefix(strings.TrimPrefix(line, "echo:"), "busy:")
}

func isErrorLine(line string) bool {
	return strings.HasPrefix(line, "Error:") || strings.HasPrefix(line, "error:")
}

func isKillLine(line string) bool {
	if !isErrorLine(line) {
		return false
	}
	return strings.Contains(line, "Printer halted") || strings.Contains(line, "KILL")
}
