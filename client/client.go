// Package client implements the blather client: it joins a server over
// the server's well-known join FIFO, then runs two cooperating
// goroutines — one reading user input and writing to the server, one
// reading the server's broadcast FIFO and printing to the terminal —
// standing in for the original's two pthreads.
package client

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/tevino/abool"
	"golang.org/x/sys/unix"

	"github.com/pankaj/blather/lineeditor"
	"github.com/pankaj/blather/logstore"
	"github.com/pankaj/blather/protocol"
)

// Config controls how a Client connects.
type Config struct {
	ServerName string
	UserName   string
	Dir        string
	Advanced   bool
	Perms      os.FileMode
}

// DefaultConfig returns sane defaults for the given server/user pair.
func DefaultConfig(serverName, userName string) Config {
	return Config{ServerName: serverName, UserName: userName, Perms: 0o600}
}

func (c Config) serverJoinPath() string { return filepath.Join(c.Dir, c.ServerName+".fifo") }
func (c Config) logPath() string        { return filepath.Join(c.Dir, c.ServerName+".log") }

// Client holds one connected session's FIFOs and terminal editor.
type Client struct {
	cfg Config
	log *logrus.Entry

	toServerFD int
	toClientFD int
	toServerFn string
	toClientFn string

	editor      *lineeditor.Editor
	shutdownReq *abool.AtomicBool
	departReq   *abool.AtomicBool
	wakeR       int
	wakeW       int

	stdinFD int

	doneCh chan struct{}
}

// New constructs a Client; call Join to perform the handshake.
func New(cfg Config, editor *lineeditor.Editor, log *logrus.Entry) *Client {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{
		cfg:         cfg,
		log:         log.WithFields(logrus.Fields{"server": cfg.ServerName, "user": cfg.UserName}),
		editor:      editor,
		shutdownReq: abool.New(),
		departReq:   abool.New(),
		stdinFD:     -1,
		doneCh:      make(chan struct{}),
	}
}

// SetStdinFD switches the user worker to poll-based reads directly off
// fd, so a shutdown request can interrupt a blocked read immediately
// via the self-pipe instead of waiting on the next keystroke. Intended
// for a real terminal fd put into raw mode by the caller; without this,
// ReadLine's plain buffered read is used and a pending shutdown only
// takes effect once the user finishes (or ends) the current line.
func (c *Client) SetStdinFD(fd int) { c.stdinFD = fd }

// Join creates this client's two private FIFOs, opens them, and sends a
// join record to the server's well-known join FIFO.
func (c *Client) Join() error {
	pid := strconv.Itoa(os.Getpid())
	c.toServerFn = filepath.Join(c.cfg.Dir, pid+".server.fifo")
	c.toClientFn = filepath.Join(c.cfg.Dir, pid+".client.fifo")

	_ = os.Remove(c.toServerFn)
	_ = os.Remove(c.toClientFn)
	if err := unix.Mkfifo(c.toServerFn, uint32(c.cfg.Perms)); err != nil {
		return errors.Wrapf(err, "mkfifo %s", c.toServerFn)
	}
	if err := unix.Mkfifo(c.toClientFn, uint32(c.cfg.Perms)); err != nil {
		return errors.Wrapf(err, "mkfifo %s", c.toClientFn)
	}

	toServerFD, err := unix.Open(c.toServerFn, unix.O_RDWR, uint32(c.cfg.Perms))
	if err != nil {
		return errors.Wrap(err, "open to-server fifo")
	}
	c.toServerFD = toServerFD

	toClientFD, err := unix.Open(c.toClientFn, unix.O_RDWR, uint32(c.cfg.Perms))
	if err != nil {
		unix.Close(c.toServerFD)
		return errors.Wrap(err, "open to-client fifo")
	}
	c.toClientFD = toClientFD

	var wakeFDs [2]int
	if err := unix.Pipe2(wakeFDs[:], 0); err != nil {
		c.teardownFDs()
		return errors.Wrap(err, "create shutdown wake pipe")
	}
	c.wakeR, c.wakeW = wakeFDs[0], wakeFDs[1]

	joinFD, err := unix.Open(c.cfg.serverJoinPath(), unix.O_WRONLY, uint32(c.cfg.Perms))
	if err != nil {
		c.teardownFDs()
		return errors.Wrap(err, "open server join fifo")
	}
	defer unix.Close(joinFD)

	jr, err := protocol.NewJoinRecord(c.cfg.UserName, c.toServerFn, c.toClientFn)
	if err != nil {
		c.teardownFDs()
		return err
	}
	if err := protocol.WriteJoin(fdWriter{joinFD}, jr); err != nil {
		c.teardownFDs()
		return errors.Wrap(err, "write join record")
	}
	return nil
}

func (c *Client) teardownFDs() {
	if c.toServerFD > 0 {
		unix.Close(c.toServerFD)
	}
	if c.toClientFD > 0 {
		unix.Close(c.toClientFD)
	}
	if c.wakeR > 0 {
		unix.Close(c.wakeR)
	}
	if c.wakeW > 0 {
		unix.Close(c.wakeW)
	}
}

// RequestShutdown asks both workers to wind down at the next
// opportunity, without sending DEPARTED: used internally once the
// client already knows the server is going away (a received SHUTDOWN,
// or Run's own post-userWorker cleanup), where announcing a departure
// would be pointless.
func (c *Client) RequestShutdown() {
	if c.shutdownReq.SetToIf(false, true) {
		_, _ = unix.Write(c.wakeW, []byte{0})
	}
}

// RequestDeparture asks both workers to wind down and marks the exit as
// a graceful departure, so userWorker sends a DEPARTED record before
// returning from whichever suspension point it is woken from. Safe to
// call from a signal-handling goroutine: this is the SIGTERM/SIGINT
// path spec.md §4.2 Startup describes ("enqueue a graceful departure:
// send DEPARTED then exit"), mirroring the original's grace_leave.
func (c *Client) RequestDeparture() {
	c.departReq.Set()
	c.RequestShutdown()
}

// Done returns a channel closed once both workers have returned.
func (c *Client) Done() <-chan struct{} { return c.doneCh }

// Run starts the input worker and the server-reader worker and blocks
// until both exit, then removes this client's private FIFOs.
func (c *Client) Run() {
	defer close(c.doneCh)
	defer c.cleanupFiles()

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		c.serverWorker()
	}()

	c.userWorker()
	c.RequestShutdown()
	<-readerDone
}

func (c *Client) cleanupFiles() {
	_ = os.Remove(c.toServerFn)
	_ = os.Remove(c.toClientFn)
}

// userWorker reads lines from the terminal and either dispatches a
// local command (%who, %last N) or forwards a MESG to the server. End
// of input (EOF, e.g. Ctrl-D) departs gracefully, mirroring the
// original's "End of Input, Departing" path.
func (c *Client) userWorker() {
	for {
		if c.shutdownReq.IsSet() {
			if c.departReq.IsSet() {
				c.sendDeparted()
			}
			return
		}
		line, err := c.readLine()
		if errors.Is(err, lineeditor.ErrInterrupted) {
			if c.departReq.IsSet() {
				c.sendDeparted()
			}
			return
		}
		if err != nil {
			c.sendDeparted()
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		switch {
		case c.cfg.Advanced && line == "%who":
			c.showWho()
		case c.cfg.Advanced && strings.HasPrefix(line, "%last"):
			c.showLast(line)
		case line == "%leave":
			c.sendDeparted()
			return
		default:
			c.sendMesg(line)
		}
	}
}

// readLine dispatches to the poll-based interruptible reader when a raw
// stdin fd is configured, else falls back to the plain buffered reader
// (the path used in tests and whenever stdin isn't a terminal).
func (c *Client) readLine() (string, error) {
	if c.stdinFD >= 0 {
		return c.editor.ReadLineInterruptible(c.stdinFD, c.wakeR)
	}
	return c.editor.ReadLine()
}

func (c *Client) sendMesg(body string) {
	m, err := protocol.NewMessageRecord(protocol.KindMesg, c.cfg.UserName, body)
	if err != nil {
		c.editor.Printf("message too long, dropped\n")
		return
	}
	if err := protocol.WriteMessage(fdWriter{c.toServerFD}, m); err != nil {
		c.log.WithError(err).Warn("write to server failed")
	}
}

func (c *Client) sendDeparted() {
	m, err := protocol.NewMessageRecord(protocol.KindDeparted, c.cfg.UserName, "")
	if err != nil {
		return
	}
	_ = protocol.WriteMessage(fdWriter{c.toServerFD}, m)
}

func (c *Client) showWho() {
	who, err := logstore.ReadWho(c.cfg.logPath())
	if err != nil {
		c.editor.Printf("could not read who: %v\n", err)
		return
	}
	names := who.NamesStr()
	c.editor.Printf("====================\n%d CLIENTS\n", len(names))
	for i, n := range names {
		c.editor.Printf("%d: %s\n", i, n)
	}
	c.editor.Printf("====================\n")
}

func (c *Client) showLast(line string) {
	n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "%last")))
	if err != nil || n <= 0 {
		c.editor.Printf("usage: %%last N\n")
		return
	}
	records, err := logstore.ReadLast(c.cfg.logPath(), n)
	if err != nil {
		c.editor.Printf("could not read log: %v\n", err)
		return
	}
	c.editor.Printf("====================\nLAST %d MESSAGES\n", len(records))
	for _, m := range records {
		c.editor.Printf("[%s] : %s\n", m.NameStr(), m.BodyStr())
	}
	c.editor.Printf("====================\n")
}

// serverWorker polls the to-client FIFO and the shutdown wake pipe, and
// prints each broadcast message as it arrives. A PING is answered
// in-line (the user never sees it); a SHUTDOWN prints a notice and
// requests its own exit, which wakes a user worker blocked in
// ReadLineInterruptible through the wake pipe (a plain ReadLine is not
// interrupted and returns only once its current line ends).
func (c *Client) serverWorker() {
	for {
		fds := []unix.PollFd{
			{Fd: int32(c.wakeR), Events: unix.POLLIN},
			{Fd: int32(c.toClientFD), Events: unix.POLLIN},
		}
		num, err := unix.Poll(fds, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			c.log.WithError(err).Warn("poll failed")
			return
		}
		if num == 0 {
			continue
		}
		if fds[0].Revents&unix.POLLIN != 0 {
			return
		}
		if fds[1].Revents&unix.POLLIN == 0 {
			continue
		}

		m, err := protocol.ReadMessage(fdReader{c.toClientFD})
		if err != nil {
			c.log.WithError(err).Warn("read from server failed")
			return
		}

		switch m.Kind {
		case protocol.KindMesg:
			c.editor.Printf("[%s] : %s\n", m.NameStr(), m.BodyStr())
		case protocol.KindJoined:
			c.editor.Printf("-- %s JOINED --\n", m.NameStr())
		case protocol.KindDeparted:
			c.editor.Printf("-- %s DEPARTED --\n", m.NameStr())
		case protocol.KindDisconnected:
			c.editor.Printf("-- %s DISCONNECTED --\n", m.NameStr())
		case protocol.KindShutdown:
			c.editor.Printf("!!! server is shutting down !!!\n")
			c.RequestShutdown()
			return
		case protocol.KindPing:
			pong, err := protocol.NewMessageRecord(protocol.KindPing, c.cfg.UserName, "")
			if err == nil {
				_ = protocol.WriteMessage(fdWriter{c.toServerFD}, pong)
			}
		}
	}
}

type fdReader struct{ fd int }

func (r fdReader) Read(p []byte) (int, error) {
	n, err := unix.Read(r.fd, p)
	if err != nil {
		return n, errors.Wrapf(err, "read fd %d", r.fd)
	}
	if n == 0 {
		return 0, errShortRead
	}
	return n, nil
}

type fdWriter struct{ fd int }

func (w fdWriter) Write(p []byte) (int, error) {
	n, err := unix.Write(w.fd, p)
	if err != nil {
		return n, errors.Wrapf(err, "write fd %d", w.fd)
	}
	return n, nil
}

var errShortRead = errors.New("fifo closed: short read")

// waitUpTo blocks until done fires or the timeout elapses, used by
// this package's tests that need a bounded wait on Done.
func waitUpTo(done <-chan struct{}, timeout time.Duration) bool {
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
