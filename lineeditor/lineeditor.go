// Package lineeditor provides the small line-oriented terminal editor a
// client needs to accept user input on one goroutine while another
// goroutine prints incoming chat traffic to the same terminal: a prompt
// is redrawn after each asynchronous print so output never clobbers a
// line the user is still typing.
package lineeditor

import (
	"bufio"
	"fmt"
	"io"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// ErrInterrupted is returned by ReadLineInterruptible when the wake fd
// fires before a full line was read, meaning a shutdown was requested
// while input was still pending — the in-progress line is discarded.
var ErrInterrupted = errors.New("lineeditor: read interrupted")

// Editor serializes reads and writes against a terminal so prompt
// redraws and asynchronous Printf calls never interleave mid-line.
type Editor struct {
	mu     sync.Mutex
	out    io.Writer
	in     *bufio.Reader
	prompt string

	fd       int
	oldState *term.State
	raw      bool
}

// New wraps in/out for line editing. The terminal mode is left as it is
// until the caller passes the terminal's fd to MakeRaw; callers that
// don't need raw mode can ignore that and just use ReadLine/Printf on a
// plain pipe for testing.
func New(in io.Reader, out io.Writer) *Editor {
	return &Editor{
		out: out,
		in:  bufio.NewReader(in),
		fd:  -1,
	}
}

// MakeRaw puts the terminal backing fd into raw (noncanonical) mode, so
// ReadLineInterruptible sees every keystroke instead of waiting for a
// line discipline to hand over a full line. Restore undoes it. Safe to call on a
// non-terminal fd: term.MakeRaw will simply return an error, which is
// reported but otherwise nonfatal since ReadLine still works line-
// buffered in that case.
func (e *Editor) MakeRaw(fd int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, err := term.MakeRaw(fd)
	if err != nil {
		return err
	}
	e.fd = fd
	e.oldState = state
	e.raw = true
	return nil
}

// Restore returns a terminal put into raw mode by MakeRaw to its
// original state. No-op if MakeRaw was never called or already failed.
func (e *Editor) Restore() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.raw || e.oldState == nil {
		return nil
	}
	e.raw = false
	return term.Restore(e.fd, e.oldState)
}

// SetPrompt changes the string redrawn at the start of each input line.
func (e *Editor) SetPrompt(prompt string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prompt = prompt
}

// Printf writes a formatted, asynchronous line (e.g. an incoming chat
// message) and redraws the prompt beneath it, serialized against
// concurrent ReadLine prompt draws.
func (e *Editor) Printf(format string, args ...any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fmt.Fprintf(e.out, format, args...)
	fmt.Fprint(e.out, e.prompt)
}

// ReadLine draws the prompt and reads one newline-terminated line from
// the input, returning it with the trailing newline stripped. io.EOF is
// returned verbatim when the input is closed, signaling the caller to
// depart gracefully rather than treating it as a transport error.
func (e *Editor) ReadLine() (string, error) {
	e.mu.Lock()
	fmt.Fprint(e.out, e.prompt)
	e.mu.Unlock()

	line, err := e.in.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return trimNewline(line), err
}

// ReadLineInterruptible is the raw-mode counterpart to ReadLine: it
// reads one byte at a time directly from stdinFD via poll, so a
// shutdown request signaled on wakeFD (the client's self-pipe) can
// interrupt a blocked read immediately instead of waiting for the next
// keystroke. Backspace (0x7f/0x08) erases the previous byte; Ctrl-D
// (0x04) on an empty line reports io.EOF, mirroring canonical-mode end
// of input.
func (e *Editor) ReadLineInterruptible(stdinFD, wakeFD int) (string, error) {
	e.mu.Lock()
	fmt.Fprint(e.out, e.prompt)
	e.mu.Unlock()

	var line []byte
	buf := make([]byte, 1)
	fds := []unix.PollFd{
		{Fd: int32(wakeFD), Events: unix.POLLIN},
		{Fd: int32(stdinFD), Events: unix.POLLIN},
	}
	for {
		_, err := unix.Poll(fds, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return "", errors.Wrap(err, "poll stdin")
		}
		if fds[0].Revents&unix.POLLIN != 0 {
			return "", ErrInterrupted
		}
		if fds[1].Revents&unix.POLLIN == 0 {
			continue
		}

		n, err := unix.Read(stdinFD, buf)
		if err != nil {
			return "", errors.Wrap(err, "read stdin")
		}
		if n == 0 {
			return string(line), io.EOF
		}

		b := buf[0]
		switch {
		case b == '\r' || b == '\n':
			fmt.Fprint(e.out, "\r\n")
			return string(line), nil
		case b == 0x7f || b == 0x08:
			if len(line) > 0 {
				line = line[:len(line)-1]
				fmt.Fprint(e.out, "\b \b")
			}
		case b == 0x04:
			if len(line) == 0 {
				return "", io.EOF
			}
		default:
			line = append(line, b)
			e.out.Write(buf)
		}
	}
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
