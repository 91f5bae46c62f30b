package sshserver

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const tabWidth = 8

// cleanLine drops terminal escape sequences and control characters from one
// line of shell output and cuts the result to at most width columns. Tabs
// expand to the next tab stop.
func cleanLine(line string, width int) string {
	var b strings.Builder
	col := 0
	for i := 0; i < len(line) && col < width; {
		if line[i] == 0x1b {
			i = escapeEnd(line, i)
			continue
		}
		r, size := utf8.DecodeRuneInString(line[i:])
		i += size
		switch {
		case r == '\t':
			n := min(tabWidth-col%tabWidth, width-col)
			b.WriteString(strings.Repeat(" ", n))
			col += n
		case r == utf8.RuneError && size == 1, unicode.IsControl(r):
		default:
			b.WriteRune(r)
			col++
		}
	}
	return b.String()
}

// escapeEnd returns the index just past the escape sequence whose ESC byte
// sits at i. Unterminated sequences run to the end of s.
func escapeEnd(s string, i int) int {
	i++
	if i >= len(s) {
		return i
	}
	switch s[i] {
	case '[':
		for i++; i < len(s); i++ {
			if s[i] >= 0x40 && s[i] <= 0x7e {
				return i + 1
			}
		}
		return i
	case ']', 'P', '_', '^':
		for i++; i < len(s); i++ {
			if s[i] == 0x07 {
				return i + 1
			}
			if s[i] == 0x1b && i+1 < len(s) && s[i+1] == '\\' {
				return i + 2
			}
		}
		return i
	case '(', ')', '*', '+':
		return min(i+2, len(s))
	default:
		return i + 1
	}
}
