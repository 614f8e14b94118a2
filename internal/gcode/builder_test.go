package gcode

import (
	"errors"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfab/printhost/internal/core"
)

const sampleFile = `; generated by slicer
M140 S60
M104 S210 ; set hotend
G28
G1 X10 Y10 F3000

G1 X20
; done
`

func TestBuild(t *testing.T) {
	job, stats, err := Build("cube.gcode", strings.NewReader(sampleFile))
	require.NoError(t, err)
	require.NotNil(t, job)

	assert.Equal(t, "cube.gcode", job.Name())
	assert.Equal(t, 8, stats.TotalLines)
	assert.Equal(t, 5, stats.CommandLines)
	assert.Equal(t, 2, stats.CommentLines)
	assert.Equal(t, 2, stats.Moves)

	want := []string{"M140 S60", "M104 S210", "G28", "G1 X10 Y10 F3000", "G1 X20"}
	require.Equal(t, len(want), job.Len())
	for i, w := range want {
		cmd, ok := job.NextCommand()
		require.True(t, ok, "command %d", i)
		assert.Equal(t, w, cmd)
	}
}

func TestBuildAppendsExtraCommands(t *testing.T) {
	job, _, err := Build("cube.gcode", strings.NewReader("G28\nG1 X10\n"), EndSequence()...)
	require.NoError(t, err)
	require.Equal(t, 6, job.Len())

	var got []string
	for {
		cmd, ok := job.NextCommand()
		if !ok {
			break
		}
		got = append(got, cmd)
	}
	assert.Equal(t, []string{"G28", "G1 X10", "M104 S0", "M140 S0", "M107", "M84"}, got)
}

func TestBuildRejectsEmptyFile(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "empty", input: ""},
		{name: "only comments", input: "; a\n; b\n"},
		{name: "only blanks", input: "\n\n  \n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Build("empty.gcode", strings.NewReader(tt.input), EndSequence()...)
			require.Error(t, err)
			assert.ErrorIs(t, err, core.ErrValidation)
		})
	}
}

func TestBuildKeepsUnparsableLines(t *testing.T) {
	// Vendor dialects the parser rejects must still reach the printer.
	job, stats, err := Build("weird.gcode", strings.NewReader("M862.3 P \"MK3S\"\nG1 X5\n"))
	require.NoError(t, err)
	assert.Equal(t, 2, job.Len())
	assert.Equal(t, 2, stats.CommandLines)
	assert.Equal(t, 1, stats.Moves)
}

func TestBuildReadError(t *testing.T) {
	boom := errors.New("disk gone")
	_, _, err := Build("bad.gcode", iotest.ErrReader(boom))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestEndSequence(t *testing.T) {
	assert.Equal(t, []string{"M104 S0", "M140 S0", "M107", "M84"}, EndSequence())
}
