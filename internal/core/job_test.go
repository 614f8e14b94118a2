package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobCursor(t *testing.T) {
	job := NewJob("cube", []string{"G28", "G1 X10", "G1 X20"})
	assert.NotEmpty(t, job.ID())
	assert.Equal(t, "cube", job.Name())
	assert.Equal(t, 3, job.Len())
	assert.Equal(t, 0, job.Sent())
	assert.False(t, job.Finished())

	want := []string{"G28", "G1 X10", "G1 X20"}
	for i, w := range want {
		cmd, ok := job.NextCommand()
		require.True(t, ok, "command %d", i)
		assert.Equal(t, w, cmd)
		assert.Equal(t, i+1, job.Sent())
	}
	assert.True(t, job.Finished())
	assert.Equal(t, 1.0, job.Progress())

	// Exhausted stays exhausted.
	for i := 0; i < 3; i++ {
		_, ok := job.NextCommand()
		assert.False(t, ok)
	}
	assert.Equal(t, 3, job.Sent())
}

func TestJobProgress(t *testing.T) {
	job := NewJob("cube", []string{"G28", "G1 X10", "G1 X20", "G1 X30"})
	assert.Equal(t, 0.0, job.Progress())
	job.NextCommand()
	assert.Equal(t, 0.25, job.Progress())
	job.NextCommand()
	assert.Equal(t, 0.5, job.Progress())
}

func TestJobEmptyIsComplete(t *testing.T) {
	job := NewJob("empty", nil)
	assert.Equal(t, 0, job.Len())
	assert.True(t, job.Finished())
	assert.Equal(t, 1.0, job.Progress())
	_, ok := job.NextCommand()
	assert.False(t, ok)
}

func TestJobCopiesCommands(t *testing.T) {
	src := []string{"G28", "G1 X10"}
	job := NewJob("cube", src)
	src[0] = "M112"

	cmd, ok := job.NextCommand()
	require.True(t, ok)
	assert.Equal(t, "G28", cmd)
}

func TestJobIdentity(t *testing.T) {
	a := NewJob("cube", []string{"G28"})
	b := NewJob("cube", []string{"G28"})
	assert.NotEqual(t, a.ID(), b.ID())
}
