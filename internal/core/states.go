package core

// State is the printer connection lifecycle.
type State int

const (
	StateNotConnected State = iota
	StateConnecting
	StateReady
	StatePrinting
	StatePaused
	StateError
)

func (s State) String() string {
	switch s {
	case StateNotConnected:
		return "not_connected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StatePrinting:
		return "printing"
	case StatePaused:
		return "paused"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// CommandState tracks a command from dispatch to its single resolution.
type CommandState int

const (
	CommandSent CommandState = iota
	CommandReceivedResponse
	CommandTimedOut
	CommandPrinterError
)

func (s CommandState) String() string {
	switch s {
	case CommandSent:
		return "sent"
	case CommandReceivedResponse:
		return "received_response"
	case CommandTimedOut:
		return "timed_out"
	case CommandPrinterError:
		return "printer_error"
	default:
		return "unknown"
	}
}

// Terminal reports whether the command can no longer change state.
func (s CommandState) Terminal() bool { return s != CommandSent }

// ExtractorState tracks an output watcher to its single resolution.
type ExtractorState int

const (
	ExtractorWaiting ExtractorState = iota
	ExtractorMatched
	ExtractorTimedOut
	ExtractorPrinterError
)

func (s ExtractorState) String() string {
	switch s {
	case ExtractorWaiting:
		return "waiting"
	case ExtractorMatched:
		return "matched"
	case ExtractorTimedOut:
		return "timed_out"
	case ExtractorPrinterError:
		return "printer_error"
	default:
		return "unknown"
	}
}

// Terminal reports whether the watcher can no longer change state.
func (s ExtractorState) Terminal() bool { return s != ExtractorWaiting }
