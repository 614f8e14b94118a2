package core

import (
	"context"
	"sync"
	"time"
)

// Command is one G-code line travelling through the request/response cycle.
// It resolves exactly once: with the printer's response text on
// acknowledgement, or with an error on timeout, firmware error, stop, or
// disconnect. Late timers and duplicate resolutions are no-ops.
type Command struct {
	gcode     string
	immediate bool
	createdAt time.Time

	mu       sync.Mutex
	state    CommandState
	response string
	err      error
	timer    *time.Timer
	done     chan struct{}
}

func newCommand(gcode string, immediate bool) *Command {
	return &Command{
		gcode:     gcode,
		immediate: immediate,
		createdAt: time.Now(),
		state:     CommandSent,
		done:      make(chan struct{}),
	}
}

// Gcode returns the command text without its line terminator.
func (c *Command) Gcode() string { return c.gcode }

// Immediate reports whether the command was queued ahead of pending work.
func (c *Command) Immediate() bool { return c.immediate }

// State returns the current lifecycle state.
func (c *Command) State() CommandState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the command reaches a terminal state.
func (c *Command) Done() <-chan struct{} { return c.done }

// Wait blocks until the command resolves or ctx ends. On success it returns
// the response text accumulated up to and including the acknowledgement.
func (c *Command) Wait(ctx context.Context) (string, error) {
	select {
	case <-c.done:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.response, c.err
}

// armTimeout starts the expiry timer. A timer that fires after the command
// resolved loses the race and does nothing.
func (c *Command) armTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != CommandSent {
		return
	}
	c.timer = time.AfterFunc(d, func() {
		c.fail(CommandTimedOut, &TimeoutError{Command: c.gcode, Elapsed: time.Since(c.createdAt)})
	})
}

// resolve completes the command with the printer's response text. It returns
// false if the command already reached a terminal state.
func (c *Command) resolve(response string) bool {
	c.mu.Lock()
	if c.state != CommandSent {
		c.mu.Unlock()
		return false
	}
	c.state = CommandReceivedResponse
	c.response = response
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()
	close(c.done)
	return true
}

// fail resolves the command with an error. It returns false if the command
// already reached a terminal state.
func (c *Command) fail(state CommandState, err error) bool {
	c.mu.Lock()
	if c.state != CommandSent {
		c.mu.Unlock()
		return false
	}
	c.state = state
	c.err = err
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()
	close(c.done)
	return true
}
