// Package server implements the blather server core: a single-threaded,
// poll-driven event loop that accepts client joins over a well-known join
// FIFO, relays messages between clients over per-client FIFOs, and tears
// everything down on SIGINT/SIGTERM or an explicit Shutdown call.
package server

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/tevino/abool"
	"golang.org/x/sys/unix"

	"github.com/pankaj/blather/protocol"
)

// Config controls how a Server is started.
type Config struct {
	// ServerName derives the join FIFO name ("<ServerName>.fifo") and,
	// when Advanced is set, the log and lock file names.
	ServerName string
	// Dir is the directory FIFOs and log files are created in. Empty
	// means the current working directory.
	Dir string
	// Advanced enables the append-only log, the "who" record, and the
	// ping/disconnect liveness sweep. Mirrors BL_ADVANCED.
	Advanced bool
	// PingInterval is the time between liveness PINGs when Advanced.
	PingInterval time.Duration
	// DisconnectAfter is how long a client may stay silent before being
	// declared disconnected when Advanced.
	DisconnectAfter time.Duration
	// Perms is the file mode used for created FIFOs and files.
	Perms os.FileMode
}

// DefaultConfig returns sane defaults for the given server name.
func DefaultConfig(serverName string) Config {
	return Config{
		ServerName:      serverName,
		PingInterval:    30 * time.Second,
		DisconnectAfter: 90 * time.Second,
		Perms:           0o600,
	}
}

func (c Config) path(suffix string) string {
	return filepath.Join(c.Dir, c.ServerName+suffix)
}

// Server holds all server-side state: the client table, the join FIFO,
// and (when advanced) the log and its lock.
type Server struct {
	cfg Config
	log *logrus.Entry

	joinFifoPath string
	joinFD       int

	mu      sync.Mutex
	clients []*clientRecord

	shutdownReq *abool.AtomicBool
	wakeR       int
	wakeW       int

	logFile   *os.File
	logLock   *flock.Flock
	lockPath  string
	whoWriter sync.WaitGroup

	tick       int64
	lastPingAt time.Time

	doneCh chan struct{}
}

// clientRecord is the server-side view of one connected client.
type clientRecord struct {
	name          string
	toClientFD    int
	toServerFD    int
	toClientFname string
	toServerFname string
	lastContact   time.Time
	dataReady     *abool.AtomicBool
	pending       *queue.Queue
}

// New constructs a Server without touching the filesystem; call Start to
// create the join FIFO (and advanced artifacts) and begin accepting.
func New(cfg Config, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{
		cfg:         cfg,
		log:         log.WithField("server", cfg.ServerName),
		joinFD:      -1,
		shutdownReq: abool.New(),
		doneCh:      make(chan struct{}),
	}
}

// Start creates the join FIFO (removing any stale file of that name),
// opens it read+write (so the descriptor never sees EOF for lack of a
// writer), and — when Config.Advanced is set — creates the log file, its
// lock, and writes the initial empty who record.
func (s *Server) Start() error {
	s.log.Info("BEGIN: server_start")

	s.joinFifoPath = s.cfg.path(".fifo")
	_ = os.Remove(s.joinFifoPath)
	if err := unix.Mkfifo(s.joinFifoPath, uint32(s.cfg.Perms)); err != nil {
		return errors.Wrapf(err, "mkfifo %s", s.joinFifoPath)
	}

	fd, err := unix.Open(s.joinFifoPath, unix.O_RDWR, uint32(s.cfg.Perms))
	if err != nil {
		return errors.Wrapf(err, "open join fifo %s", s.joinFifoPath)
	}
	s.joinFD = fd

	var wakeFDs [2]int
	if err := unix.Pipe2(wakeFDs[:], unix.O_NONBLOCK); err != nil {
		unix.Close(s.joinFD)
		return errors.Wrap(err, "create shutdown wake pipe")
	}
	s.wakeR, s.wakeW = wakeFDs[0], wakeFDs[1]

	if s.cfg.Advanced {
		if err := s.startAdvanced(); err != nil {
			s.teardownFDs()
			return err
		}
	}

	s.log.WithField("join_fifo", s.joinFifoPath).Info("END: server_start")
	return nil
}

func (s *Server) startAdvanced() error {
	logPath := s.cfg.path(".log")
	f, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, s.cfg.Perms)
	if err != nil {
		return errors.Wrapf(err, "create log %s", logPath)
	}
	who, err := protocol.NewWho(nil)
	if err != nil {
		f.Close()
		return err
	}
	data, err := protocol.EncodeWho(who)
	if err != nil {
		f.Close()
		return err
	}
	if _, err := f.WriteAt(data, 0); err != nil {
		f.Close()
		return errors.Wrap(err, "write initial who record")
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return err
	}
	s.logFile = f

	s.lockPath = s.cfg.path(".sem.lock")
	s.logLock = flock.New(s.lockPath)
	return nil
}

// teardownFDs closes descriptors opened by Start, best-effort, used on a
// failed startup.
func (s *Server) teardownFDs() {
	if s.joinFD >= 0 {
		unix.Close(s.joinFD)
	}
	if s.wakeR > 0 {
		unix.Close(s.wakeR)
	}
	if s.wakeW > 0 {
		unix.Close(s.wakeW)
	}
	if s.logFile != nil {
		s.logFile.Close()
	}
}

// RequestShutdown asks the event loop to shut down at the start of its
// next iteration; safe to call from a signal-handling goroutine.
func (s *Server) RequestShutdown() {
	if s.shutdownReq.SetToIf(false, true) {
		// Best effort: wake a blocked poll() immediately rather than
		// waiting for the next naturally-occurring event.
		_, _ = unix.Write(s.wakeW, []byte{0})
	}
}

// Done returns a channel closed once Run has fully returned.
func (s *Server) Done() <-chan struct{} { return s.doneCh }

// Run executes the event loop until shutdown. Each iteration performs, in
// order: poll, join handling, per-client handling, and (advanced) the
// liveness sweep.
func (s *Server) Run() error {
	defer close(s.doneCh)
	for {
		if s.shutdownReq.IsSet() {
			return s.Shutdown()
		}

		joinReady, readyIdx, err := s.checkSources()
		if err != nil {
			if errors.Is(err, errPollInterrupted) {
				continue
			}
			return err
		}

		if s.shutdownReq.IsSet() {
			return s.Shutdown()
		}

		if joinReady {
			s.handleJoin()
		}

		for _, idx := range readyIdx {
			s.handleClientAt(idx)
		}

		s.flushPending()

		if s.cfg.Advanced {
			s.tickLiveness()
		}
	}
}

var errPollInterrupted = fmt.Errorf("poll interrupted by signal")

// checkSources polls the join FIFO, the shutdown wake pipe, and every
// live client's incoming FIFO. The timeout is infinite unless Advanced
// is set, in which case it is bounded by PingInterval: the ping sweep
// must run on a wall-clock cadence even when no client ever sends
// anything, so the loop cannot simply block forever waiting for I/O.
// It returns whether the join FIFO is ready and the indices (into
// s.clients, taken under lock) of clients with data ready.
func (s *Server) checkSources() (joinReady bool, readyIdx []int, err error) {
	timeoutMs := -1
	if s.cfg.Advanced && s.cfg.PingInterval > 0 {
		timeoutMs = int(s.cfg.PingInterval / time.Millisecond)
		if timeoutMs <= 0 {
			timeoutMs = 1
		}
	}

	s.mu.Lock()
	n := len(s.clients)
	fds := make([]unix.PollFd, n+2)
	fds[0] = unix.PollFd{Fd: int32(s.wakeR), Events: unix.POLLIN}
	fds[1] = unix.PollFd{Fd: int32(s.joinFD), Events: unix.POLLIN}
	for i, c := range s.clients {
		fds[i+2] = unix.PollFd{Fd: int32(c.toServerFD), Events: unix.POLLIN}
	}
	s.mu.Unlock()

	num, err := unix.Poll(fds, timeoutMs)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return false, nil, errPollInterrupted
		}
		return false, nil, errors.Wrap(err, "poll")
	}
	if num == 0 {
		return false, nil, nil
	}

	if fds[0].Revents&unix.POLLIN != 0 {
		var buf [64]byte
		for {
			if _, err := unix.Read(s.wakeR, buf[:]); err != nil {
				break
			}
		}
	}

	joinReady = fds[1].Revents&unix.POLLIN != 0

	s.mu.Lock()
	for i, c := range s.clients {
		if fds[i+2].Revents&unix.POLLIN != 0 {
			c.dataReady.Set()
			readyIdx = append(readyIdx, i)
		}
	}
	s.mu.Unlock()
	return joinReady, readyIdx, nil
}

// handleClientAt re-resolves idx against the live client table before
// handling it: a prior handleClientAt call in the same tick may have
// removed a client at a lower index, shifting this one down.
func (s *Server) handleClientAt(idx int) {
	s.mu.Lock()
	if idx >= len(s.clients) {
		s.mu.Unlock()
		return
	}
	c := s.clients[idx]
	ready := c.dataReady.IsSet()
	s.mu.Unlock()
	if ready {
		s.handleClient(idx)
	}
}

// Shutdown closes and unlinks the join FIFO so no further joins race in,
// broadcasts SHUTDOWN, removes every client, and (advanced) closes the
// log and removes its lock file.
func (s *Server) Shutdown() error {
	s.log.Info("BEGIN: server_shutdown")
	if s.joinFD >= 0 {
		unix.Close(s.joinFD)
		s.joinFD = -1
	}
	_ = os.Remove(s.joinFifoPath)

	shutdownMsg, _ := protocol.NewMessageRecord(protocol.KindShutdown, "", "")
	s.broadcast(shutdownMsg)

	for {
		s.mu.Lock()
		if len(s.clients) == 0 {
			s.mu.Unlock()
			break
		}
		s.mu.Unlock()
		s.removeClientAt(0)
	}

	if s.cfg.Advanced {
		s.whoWriter.Wait()
		if s.logFile != nil {
			s.logFile.Close()
			s.logFile = nil
		}
		if s.lockPath != "" {
			_ = os.Remove(s.lockPath)
		}
	}
	if s.wakeR > 0 {
		unix.Close(s.wakeR)
	}
	if s.wakeW > 0 {
		unix.Close(s.wakeW)
	}
	s.log.Info("END: server_shutdown")
	return nil
}
