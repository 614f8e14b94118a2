package core

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/openfab/printhost/internal/metrics"
)

// RegistryOptions carries the defaults applied to every connection the
// registry opens.
type RegistryOptions struct {
	DefaultBaudRate    int
	BootDelay          time.Duration
	HandshakeTimeout   time.Duration
	CommandTimeout     time.Duration
	TempReportInterval time.Duration
	Logger             *slog.Logger
	Sink               EventSink
	Metrics            *metrics.Metrics
}

// connectCall lets concurrent GetOrConnect calls for one port share a single
// connection attempt.
type connectCall struct {
	done    chan struct{}
	printer *Printer
	err     error
}

// Registry owns every printer session, keyed by device path. It guarantees a
// port never has more than one live connection.
type Registry struct {
	opener PortOpener
	enum   PortEnumerator
	opts   RegistryOptions
	log    *slog.Logger

	mu         sync.RWMutex
	printers   map[string]*Printer
	connecting map[string]*connectCall
	known      map[string]PortInfo

	watchOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewRegistry builds an empty registry using opener for connections and enum
// for discovery.
func NewRegistry(opener PortOpener, enum PortEnumerator, opts RegistryOptions) *Registry {
	if opts.DefaultBaudRate <= 0 {
		opts.DefaultBaudRate = DefaultBaudRate
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		opener:     opener,
		enum:       enum,
		opts:       opts,
		log:        logger,
		printers:   make(map[string]*Printer),
		connecting: make(map[string]*connectCall),
		known:      make(map[string]PortInfo),
		stopCh:     make(chan struct{}),
	}
}

// Get returns the session for port, if one exists.
func (r *Registry) Get(port string) (*Printer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.printers[port]
	return p, ok
}

// List returns every known session sorted by port.
func (r *Registry) List() []*Printer {
	r.mu.RLock()
	out := make([]*Printer, 0, len(r.printers))
	for _, p := range r.printers {
		out = append(out, p)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Port() < out[j].Port() })
	return out
}

// GetOrConnect returns the live session for port, connecting first when none
// exists. Concurrent calls for the same port share one connection attempt, so
// a port is never opened twice. A live session at a different baud rate is
// rejected; disconnect it first.
func (r *Registry) GetOrConnect(ctx context.Context, port string, baudRate int) (*Printer, error) {
	if port == "" {
		return nil, &ValidationError{Reason: "port is required"}
	}
	if baudRate <= 0 {
		baudRate = r.opts.DefaultBaudRate
	}

	r.mu.Lock()
	if p, ok := r.printers[port]; ok {
		switch p.State() {
		case StateNotConnected, StateError:
			// Stale session; fall through and reconnect.
		default:
			r.mu.Unlock()
			if p.BaudRate() != baudRate {
				return nil, &ValidationError{
					Reason: fmt.Sprintf("%s is connected at %d baud; disconnect before changing to %d", port, p.BaudRate(), baudRate),
				}
			}
			return p, nil
		}
	}
	if call, ok := r.connecting[port]; ok {
		r.mu.Unlock()
		select {
		case <-call.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if call.err != nil {
			return nil, call.err
		}
		if call.printer.BaudRate() != baudRate {
			return nil, &ValidationError{
				Reason: fmt.Sprintf("%s is connected at %d baud; disconnect before changing to %d", port, call.printer.BaudRate(), baudRate),
			}
		}
		return call.printer, nil
	}
	call := &connectCall{done: make(chan struct{})}
	r.connecting[port] = call
	r.mu.Unlock()

	p := NewPrinter(r.opener, PrinterOptions{
		Port:               port,
		BaudRate:           baudRate,
		BootDelay:          r.opts.BootDelay,
		HandshakeTimeout:   r.opts.HandshakeTimeout,
		DefaultTimeout:     r.opts.CommandTimeout,
		TempReportInterval: r.opts.TempReportInterval,
		Logger:             r.opts.Logger,
		Sink:               r.opts.Sink,
		Metrics:            r.opts.Metrics,
	})
	err := p.Connect(ctx)

	r.mu.Lock()
	delete(r.connecting, port)
	if err == nil {
		r.printers[port] = p
		r.opts.Metrics.PrinterConnected()
	}
	r.mu.Unlock()

	call.printer, call.err = p, err
	close(call.done)
	if err != nil {
		r.log.Warn("connect failed", "port", port, "error", err)
		return nil, err
	}
	r.log.Info("printer connected", "port", port, "baud", baudRate, "verified", p.Verified())
	return p, nil
}

// Disconnect closes the session for port and forgets it. Unknown ports are a
// no-op.
func (r *Registry) Disconnect(port string) error {
	r.mu.Lock()
	p, ok := r.printers[port]
	if ok {
		delete(r.printers, port)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	err := p.Disconnect()
	r.opts.Metrics.PrinterDisconnected()
	r.log.Info("printer disconnected", "port", port)
	return err
}

// ListKnown returns every device the registry knows about: the cached result
// of past enumerations merged with live sessions. With refresh the enumerator
// is probed first and newly visible devices join the known set, keyed by path
// so repeated refreshes never duplicate an entry. Devices that vanished stay
// listed with their last-seen timestamp. Without refresh the cached set is
// served as is and no probe happens.
func (r *Registry) ListKnown(refresh bool) ([]PortInfo, error) {
	if refresh {
		ports, err := r.enum.List()
		if err != nil {
			return nil, &CommError{Op: "enumerate ports", Err: err}
		}
		r.mu.Lock()
		r.mergeKnownLocked(ports)
		r.mu.Unlock()
	}

	r.mu.RLock()
	out := make([]PortInfo, 0, len(r.known)+len(r.printers))
	for _, info := range r.known {
		out = append(out, r.overlaySessionLocked(info))
	}
	// Sessions on paths the enumerator never reported belong in the list
	// too, for as long as they are held.
	for port := range r.printers {
		if _, ok := r.known[port]; ok {
			continue
		}
		out = append(out, r.overlaySessionLocked(PortInfo{Path: port}))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// mergeKnownLocked folds an enumeration result into the known set, replacing
// stale entries for paths that reappeared.
func (r *Registry) mergeKnownLocked(ports []PortInfo) {
	now := time.Now().UTC()
	for _, pi := range ports {
		pi.LastSeen = now
		r.known[pi.Path] = pi
	}
}

func (r *Registry) overlaySessionLocked(info PortInfo) PortInfo {
	p, ok := r.printers[info.Path]
	if !ok {
		info.State = StateNotConnected.String()
		info.Connected = false
		info.Verified = false
		return info
	}
	state := p.State()
	info.State = state.String()
	info.Connected = state != StateNotConnected && state != StateError
	info.Verified = p.Verified()
	return info
}

// StartPortWatcher begins a background sweep that disconnects sessions whose
// device vanished. Subsequent calls are no-ops.
func (r *Registry) StartPortWatcher(interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	r.watchOnce.Do(func() {
		r.wg.Add(1)
		go r.watchPorts(interval)
	})
}

func (r *Registry) watchPorts(interval time.Duration) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweepVanished()
		}
	}
}

func (r *Registry) sweepVanished() {
	ports, err := r.enum.List()
	if err != nil {
		r.log.Warn("port enumeration failed", "error", err)
		return
	}
	present := make(map[string]bool, len(ports))
	for _, pi := range ports {
		present[pi.Path] = true
	}

	r.mu.Lock()
	r.mergeKnownLocked(ports)
	var gone []*Printer
	for port, p := range r.printers {
		if !present[port] {
			delete(r.printers, port)
			gone = append(gone, p)
		}
	}
	r.mu.Unlock()

	for _, p := range gone {
		r.log.Warn("port vanished", "port", p.Port())
		p.Disconnect()
		r.opts.Metrics.PrinterDisconnected()
	}
}

// Shutdown stops the watcher and disconnects every session in parallel.
func (r *Registry) Shutdown() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()

	r.mu.Lock()
	printers := make([]*Printer, 0, len(r.printers))
	for _, p := range r.printers {
		printers = append(printers, p)
	}
	r.printers = make(map[string]*Printer)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range printers {
		wg.Add(1)
		go func(p *Printer) {
			defer wg.Done()
			p.Disconnect()
			r.opts.Metrics.PrinterDisconnected()
		}(p)
	}
	wg.Wait()
	r.log.Info("registry shut down", "sessions", len(printers))
}
