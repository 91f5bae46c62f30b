package sshserver

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	gliderssh "github.com/gliderlabs/ssh"

	"pkt.systems/pslog"
	"pkt.systems/shellwarden/schema"
)

// keyDetach (Ctrl-]) closes the viewer without touching the shell.
const keyDetach = 0x1d

type viewer struct {
	in      io.Reader
	session Session
	screen  *screen
	width   int
	height  int
	text    string
	log     pslog.Logger
}

func newViewer(rw io.ReadWriter, session Session) *viewer {
	return &viewer{in: rw, session: session, screen: newScreen(rw)}
}

func (v *viewer) SetSize(width, height int) {
	if width <= 0 {
		width = 80
	}
	if height <= 0 {
		height = 24
	}
	v.width = width
	v.height = height
}

// Run redraws on every snapshot and resize and forwards keystrokes to the
// shell until the client detaches or disconnects.
func (v *viewer) Run(ctx context.Context, winCh <-chan gliderssh.Window) error {
	v.log = pslog.Ctx(ctx)
	v.screen.EnterAltScreen()
	defer v.screen.ExitAltScreen()

	snapshots, unsubscribe := v.session.ObserveOutput()
	defer unsubscribe()

	done := make(chan struct{})
	defer close(done)
	input := make(chan []byte, 16)
	go readInput(v.in, input, done)

	statusTicker := time.NewTicker(time.Second)
	defer statusTicker.Stop()

	v.render()
	for {
		select {
		case <-ctx.Done():
			return nil
		case data, ok := <-input:
			if !ok {
				return nil
			}
			if i := strings.IndexByte(string(data), keyDetach); i >= 0 {
				v.forward(data[:i])
				v.log.Debug("ssh viewer detached")
				return nil
			}
			v.forward(data)
		case win, ok := <-winCh:
			if !ok {
				winCh = nil
				continue
			}
			v.SetSize(win.Width, win.Height)
			v.log.Debug("ssh viewer resize", "width", v.width, "height", v.height)
			v.screen.Invalidate()
			v.render()
		case snapshot, ok := <-snapshots:
			if !ok {
				return nil
			}
			v.text = snapshot.Text
			v.render()
		case <-statusTicker.C:
			v.render()
		}
	}
}

func (v *viewer) forward(data []byte) {
	if len(data) == 0 {
		return
	}
	if err := v.session.SendInput(data); err != nil {
		v.log.Debug("ssh viewer input dropped", "err", err)
	}
}

func (v *viewer) render() {
	lines := renderView(v.text, v.session.Status(), v.width, v.height)
	row := max(len(lines)-1, 1)
	col := utf8.RuneCountInString(lines[row-1]) + 1
	_ = v.screen.Render(lines, row, min(col, v.width))
}

func readInput(r io.Reader, out chan<- []byte, done <-chan struct{}) {
	defer close(out)
	buf := make([]byte, 1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case out <- data:
			case <-done:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// statusStyle renders the status bar in reverse video.
const statusStyle = "\x1b[7m"

// renderView lays out the tail of text above a one-line status bar. Output
// lines are cleaned and cut to width; only the last height-1 lines are kept.
func renderView(text string, status schema.ShellStatus, width, height int) []string {
	if width <= 0 {
		width = 80
	}
	if height <= 1 {
		height = 2
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	body := height - 1
	if len(lines) > body {
		lines = lines[len(lines)-body:]
	}
	out := make([]string, 0, height)
	for _, line := range lines {
		out = append(out, cleanLine(line, width))
	}
	for len(out) < body {
		out = append(out, "")
	}
	bar := cleanLine(statusLine(status), width)
	bar += strings.Repeat(" ", width-utf8.RuneCountInString(bar))
	out = append(out, statusStyle+bar)
	return out
}

// statusLine puts state and pid first so narrow terminals still show them.
func statusLine(status schema.ShellStatus) string {
	parts := []string{" " + string(status.State)}
	if status.PID > 0 {
		parts = append(parts, fmt.Sprintf("pid %d", status.PID))
	}
	if status.Restarts > 0 {
		parts = append(parts, fmt.Sprintf("restarts %d", status.Restarts))
	}
	parts = append(parts, "^] detach", "shellwarden")
	return strings.Join(parts, " | ")
}
