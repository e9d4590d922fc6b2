// Package cmdbuf accumulates modem reply bytes into lines and tokenizes them.
//
// A Buffer is fed one byte at a time by whoever drains the UART. Once a line
// is complete further bytes go to a small busy ring until the owner consumes
// the line with Reset, which replays the ring into the next line.
package cmdbuf

import (
	"strings"

	"sensornode-go/x/ring"
)

const (
	MaxLine  = 250
	busySize = 250
)

// Line is a completed (or accumulating) line plus an argument cursor. It is a
// value type so a consumer can own a copy while the Buffer keeps filling.
type Line struct {
	buf     [MaxLine + 1]byte
	length  int
	args    int
	nextarg int
}

// NewLine builds a Line from text, keeping only printable bytes.
func NewLine(s string) Line {
	var l Line
	for i := 0; i < len(s) && l.length < MaxLine; i++ {
		if printable(s[i]) {
			l.buf[l.length] = s[i]
			l.length++
		}
	}
	return l
}

func (l *Line) Len() int { return l.length }

// String returns the whole line.
func (l *Line) String() string { return string(l.buf[:l.length]) }

// Is reports whether the current argument matches test, advancing the pending
// cursor past it on success. test is lower case and matched case-insensitively.
// "xxx*" matches any argument starting with xxx. "*" captures the argument up
// to the next separator and NUL-terminates it in place so Next returns it.
// A space inside test makes spaces part of the argument.
func (l *Line) Is(test string) bool {
	testLen := len(test)
	if testLen == 0 {
		return false
	}
	embedded := strings.IndexByte(test, ' ') >= 0

	testForWord, tokenMode := true, false
	if test[testLen-1] == '*' {
		testLen--
		if testLen != 0 {
			testForWord = false
		} else {
			tokenMode = true
		}
	}

	l.nextarg = l.args

	if !tokenMode {
		if testLen > l.length-l.args {
			return false
		}
		for i := 0; i < testLen; i++ {
			c := l.buf[l.args+i]
			if c >= 'A' && c <= 'Z' {
				c += 'a' - 'A'
			}
			if test[i] != c {
				return false
			}
		}
		l.nextarg += testLen
		if testLen == l.length-l.args {
			return true
		}
	}

	if tokenMode {
		for l.nextarg < l.length && !separator(l.buf[l.nextarg], embedded) {
			l.nextarg++
		}
	}

	if testForWord && l.nextarg < l.length {
		if !separator(l.buf[l.nextarg], embedded) {
			return false
		}
		i := l.nextarg
		for ; i < l.length; i++ {
			if !separator(l.buf[i], embedded) {
				break
			}
			if tokenMode {
				l.buf[i] = 0
			}
		}
		l.nextarg = i
	}
	return true
}

// Next returns the current argument (up to a NUL or the end) and moves the
// cursor to where the last successful Is left it.
func (l *Line) Next() string {
	s := l.Rest()
	l.args = l.nextarg
	return s
}

// Rest returns the text from the cursor to the next NUL or the end.
func (l *Line) Rest() string {
	end := l.args
	for end < l.length && l.buf[end] != 0 {
		end++
	}
	return string(l.buf[l.args:end])
}

func separator(b byte, embeddedSpaces bool) bool {
	if !embeddedSpaces && b == ' ' {
		return true
	}
	if b == ',' || b == ';' {
		return true
	}
	return b < 0x20 || b >= 0x7f
}

func printable(b byte) bool { return b >= 0x20 && b < 0x7f }

// Buffer is one transport's receive line plus its busy ring.
type Buffer struct {
	Line
	complete bool
	busy     *ring.Ring[byte]
	dropped  uint32
}

func New() *Buffer {
	b := &Buffer{busy: ring.New[byte](busySize)}
	b.Reset()
	return b
}

// Append adds one received byte and reports whether it completed a line.
// Blank lines are ignored. Bytes outside printable ASCII are dropped, and a
// line that reaches MaxLine starts over.
func (b *Buffer) Append(c byte) bool {
	if b.complete {
		if !b.busy.Push(c) {
			b.busy.Reset()
			b.dropped++
		}
		return false
	}
	if c == '\n' {
		if b.length != 0 {
			b.complete = true
			return true
		}
		return false
	}
	if printable(c) {
		b.buf[b.length] = c
		b.length++
		if b.length >= MaxLine {
			b.length = 0
		}
		b.buf[b.length] = 0
	}
	return false
}

// Complete reports whether a line is waiting to be consumed.
func (b *Buffer) Complete() bool { return b.complete }

// Take returns a copy of the completed line with a fresh cursor.
func (b *Buffer) Take() Line {
	l := b.Line
	l.args, l.nextarg = 0, 0
	return l
}

// Reset clears the line and replays buffered bytes until the ring is empty
// or another line completes. It reports whether one did.
func (b *Buffer) Reset() bool {
	b.length, b.args, b.nextarg = 0, 0, 0
	b.buf[0] = 0
	b.complete = false
	for {
		c, ok := b.busy.Pop()
		if !ok {
			return false
		}
		if b.Append(c) {
			return true
		}
	}
}

// Clear drops the line and everything in the busy ring.
func (b *Buffer) Clear() {
	b.busy.Reset()
	b.Reset()
}

// Dropped counts busy-ring overflows.
func (b *Buffer) Dropped() uint32 { return b.dropped }
