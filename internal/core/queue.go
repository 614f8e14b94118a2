package core

import "sync"

// CommandQueue holds commands awaiting dispatch. Immediate commands jump to
// the front. The queue never writes anything itself; the printer's dispatch
// loop pulls from it one command at a time.
type CommandQueue struct {
	mu    sync.Mutex
	items []*Command
}

func NewCommandQueue() *CommandQueue {
	return &CommandQueue{}
}

// Enqueue appends cmd, or prepends it when the command is immediate.
func (q *CommandQueue) Enqueue(cmd *Command) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if cmd.Immediate() {
		q.items = append([]*Command{cmd}, q.items...)
		return
	}
	q.items = append(q.items, cmd)
}

// DequeueNext returns the first command still awaiting dispatch. Entries that
// reached a terminal state while queued (a command can time out before it is
// ever written) are discarded without being sent. Returns nil when empty.
func (q *CommandQueue) DequeueNext() *Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) > 0 {
		cmd := q.items[0]
		q.items = q.items[1:]
		if cmd.State() == CommandSent {
			return cmd
		}
	}
	return nil
}

// Len returns the number of queued entries, including ones that may already
// have resolved.
func (q *CommandQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// FailAll resolves every queued command with err and empties the queue.
func (q *CommandQueue) FailAll(err error) {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	for _, cmd := range items {
		cmd.fail(CommandPrinterError, err)
	}
}
