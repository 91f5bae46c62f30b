package sshserver

import (
	"fmt"
	"io"
	"strings"
)

// screen paints frames on an alternate screen, rewriting only the rows
// that changed since the previous frame.
type screen struct {
	out  io.Writer
	prev []string
}

func newScreen(out io.Writer) *screen {
	return &screen{out: out}
}

func (s *screen) EnterAltScreen() {
	s.prev = nil
	_, _ = io.WriteString(s.out, "\x1b[?1049h\x1b[H\x1b[2J")
}

func (s *screen) ExitAltScreen() {
	_, _ = io.WriteString(s.out, "\x1b[0m\x1b[?1049l\x1b[?25h")
}

// Invalidate forces the next Render to repaint every row.
func (s *screen) Invalidate() {
	s.prev = nil
}

// Render draws lines (row 1 first) and parks the cursor at row, col.
func (s *screen) Render(lines []string, row, col int) error {
	var b strings.Builder
	b.WriteString("\x1b[?25l")
	if len(s.prev) != len(lines) {
		b.WriteString("\x1b[H\x1b[2J")
		s.prev = nil
	}
	for i, line := range lines {
		if i < len(s.prev) && s.prev[i] == line {
			continue
		}
		fmt.Fprintf(&b, "\x1b[%d;1H\x1b[2K%s\x1b[0m", i+1, line)
	}
	fmt.Fprintf(&b, "\x1b[%d;%dH\x1b[?25h", max(row, 1), max(col, 1))
	s.prev = append(s.prev[:0], lines...)
	_, err := io.WriteString(s.out, b.String())
	return err
}
