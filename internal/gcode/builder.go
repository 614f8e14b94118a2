// Package gcode turns uploaded G-code files into printable jobs.
package gcode

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	parser "github.com/256dpi/gcode"

	"github.com/openfab/printhost/internal/core"
)

// maxLineBytes bounds a single G-code line; slicers stay far below this.
const maxLineBytes = 1 << 20

// Stats summarizes what a job file contained.
type Stats struct {
	TotalLines   int `json:"total_lines"`
	CommandLines int `json:"command_lines"`
	CommentLines int `json:"comment_lines"`
	Moves        int `json:"moves"`
}

// Build reads a G-code stream and produces a job of sendable lines: comments
// and blanks are stripped, everything else is kept verbatim. Parsing is
// best-effort for statistics only, so vendor dialects that the parser rejects
// still print. Any extra commands are appended after the file's own lines.
func Build(name string, r io.Reader, extra ...string) (*core.Job, Stats, error) {
	var (
		stats    Stats
		commands []string
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		stats.TotalLines++
		line := scanner.Text()
		if i := strings.Index(line, ";"); i >= 0 {
			if strings.TrimSpace(line[:i]) == "" {
				stats.CommentLines++
			}
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		stats.CommandLines++
		if parsed, err := parser.ParseLine(line); err == nil {
			for _, code := range parsed.Codes {
				if code.Letter == "G" && (code.Value == 0 || code.Value == 1) {
					stats.Moves++
					break
				}
			}
		}
		commands = append(commands, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, stats, fmt.Errorf("failed to read job file: %w", err)
	}
	if len(commands) == 0 {
		return nil, stats, &core.ValidationError{Reason: "no printable commands in file"}
	}
	commands = append(commands, extra...)
	return core.NewJob(name, commands), stats, nil
}

// EndSequence returns the shutdown commands appended after a print: heaters
// and fan off, steppers released.
func EndSequence() []string {
	return []string{
		"M104 S0",
		"M140 S0",
		"M107",
		"M84",
	}
}
