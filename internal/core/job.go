package core

import (
	"sync"

	"github.com/google/uuid"
)

// Job is an immutable sequence of G-code commands with a dispatch cursor.
// The cursor only moves forward; an exhausted job stays exhausted.
type Job struct {
	id       string
	name     string
	commands []string

	mu     sync.Mutex
	cursor int
}

// NewJob copies commands into a job with a fresh identity.
func NewJob(name string, commands []string) *Job {
	return &Job{
		id:       uuid.NewString(),
		name:     name,
		commands: append([]string(nil), commands...),
	}
}

func (j *Job) ID() string { return j.id }

func (j *Job) Name() string { return j.name }

// Len returns the total number of commands.
func (j *Job) Len() int { return len(j.commands) }

// NextCommand returns the next unsent command and advances the cursor.
// ok is false once the job is exhausted.
func (j *Job) NextCommand() (cmd string, ok bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cursor >= len(j.commands) {
		return "", false
	}
	cmd = j.commands[j.cursor]
	j.cursor++
	return cmd, true
}

// Sent returns how many commands have been handed out.
func (j *Job) Sent() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cursor
}

// Finished reports whether every command has been handed out.
func (j *Job) Finished() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cursor >= len(j.commands)
}

// Progress is the dispatched fraction in [0, 1]. An empty job is complete.
func (j *Job) Progress() float64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.commands) == 0 {
		return 1
	}
	return float64(j.cursor) / float64(len(j.commands))
}
