package server

import (
	"time"

	"github.com/eapache/queue"
	"github.com/pkg/errors"
	"github.com/tevino/abool"
	"golang.org/x/sys/unix"

	"github.com/pankaj/blather/protocol"
)

// handleJoin reads exactly one join record from the join FIFO, opens the
// two FIFOs it names, and appends a client record. If the table is full
// the join is silently refused: no entry is added and no JOINED is
// broadcast, matching spec's "table full" behavior.
func (s *Server) handleJoin() {
	s.log.Debug("BEGIN: handle_join")
	jr, err := protocol.ReadJoin(fdReader{s.joinFD})
	if err != nil {
		s.log.WithError(err).Warn("read join record failed")
		return
	}
	name := jr.NameStr()
	s.log.WithField("client", name).Info("join request")

	s.mu.Lock()
	full := len(s.clients) >= protocol.MaxClients
	s.mu.Unlock()
	if full {
		s.log.WithField("client", name).Warn("client table full, refusing join")
		return
	}

	toClientFD, err := unix.Open(jr.ToClientFnameStr(), unix.O_RDWR|unix.O_NONBLOCK, uint32(s.cfg.Perms))
	if err != nil {
		s.log.WithError(err).Warn("open to-client fifo failed")
		return
	}
	toServerFD, err := unix.Open(jr.ToServerFnameStr(), unix.O_RDWR, uint32(s.cfg.Perms))
	if err != nil {
		s.log.WithError(err).Warn("open to-server fifo failed")
		unix.Close(toClientFD)
		return
	}

	c := &clientRecord{
		name:          name,
		toClientFD:    toClientFD,
		toServerFD:    toServerFD,
		toClientFname: jr.ToClientFnameStr(),
		toServerFname: jr.ToServerFnameStr(),
		lastContact:   time.Now(),
		dataReady:     abool.New(),
		pending:       queue.New(),
	}

	s.mu.Lock()
	s.clients = append(s.clients, c)
	s.mu.Unlock()

	joinMsg, err := protocol.NewMessageRecord(protocol.KindJoined, name, "")
	if err == nil {
		s.broadcast(joinMsg)
	}
	s.writeWhoAsync()
	s.log.WithField("client", name).Debug("END: handle_join")
}

// handleClient reads exactly one message record from the client at idx
// and dispatches it. MESG is broadcast unchanged (including back to the
// sender: the client's input worker never echoes locally). DEPARTED
// removes the client and broadcasts its departure. PING only refreshes
// last contact. Anything else is ignored: clients never originate it.
func (s *Server) handleClient(idx int) {
	s.mu.Lock()
	if idx >= len(s.clients) {
		s.mu.Unlock()
		return
	}
	c := s.clients[idx]
	s.mu.Unlock()

	m, err := protocol.ReadMessage(fdReader{c.toServerFD})
	c.dataReady.UnSet()
	if err != nil {
		s.log.WithError(err).WithField("client", c.name).Warn("read from client failed, treating as dead")
		s.removeClientAt(idx)
		depMsg, derr := protocol.NewMessageRecord(protocol.KindDisconnected, c.name, "")
		if derr == nil {
			s.broadcast(depMsg)
		}
		s.writeWhoAsync()
		return
	}
	c.lastContact = time.Now()

	switch m.Kind {
	case protocol.KindDeparted:
		s.log.WithField("client", c.name).Info("client departed")
		s.removeClientAt(idx)
		s.broadcast(m)
		s.writeWhoAsync()
	case protocol.KindMesg:
		s.log.WithFields(logFields(c.name, m.BodyStr())).Debug("client message")
		s.broadcast(m)
	case protocol.KindPing:
		// contact-time refresh above is the sole effect
	case protocol.KindDisconnected, protocol.KindShutdown:
		// clients never originate these; ignore
	default:
		// unspecified kind from a client: ignore
	}
}

func logFields(name, body string) map[string]any {
	return map[string]any{"client": name, "body": body}
}

// broadcast writes the message record verbatim to every live client's
// to_client_fd, routed through the non-blocking outbox so one slow reader
// never stalls the fan-out to the rest. Non-PING kinds are appended to
// the log when advanced mode is on.
func (s *Server) broadcast(m protocol.MessageRecord) {
	data, err := protocol.Encode(m)
	if err != nil {
		s.log.WithError(err).Warn("encode broadcast message failed")
		return
	}

	s.mu.Lock()
	targets := make([]*clientRecord, len(s.clients))
	copy(targets, s.clients)
	s.mu.Unlock()

	for _, c := range targets {
		if err := s.sendToClient(c, data); err != nil {
			s.log.WithError(err).WithField("client", c.name).Warn("broadcast write failed")
		}
	}

	if m.Kind != protocol.KindPing {
		s.logMessage(m)
	}
}

// removeClientAt closes and unlinks the client's FIFOs and left-shifts
// the remaining clients down by one, preserving their order.
func (s *Server) removeClientAt(idx int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx >= len(s.clients) {
		return
	}
	c := s.clients[idx]

	if err := unix.Close(c.toClientFD); err != nil {
		s.log.WithError(err).WithField("client", c.name).Warn("close to-client fd failed")
	}
	if err := unix.Close(c.toServerFD); err != nil {
		s.log.WithError(err).WithField("client", c.name).Warn("close to-server fd failed")
	}
	_ = unix.Unlink(c.toClientFname)
	_ = unix.Unlink(c.toServerFname)

	s.clients = append(s.clients[:idx], s.clients[idx+1:]...)
}

// fdReader adapts a raw unix fd to io.Reader so the protocol package's
// framed helpers can be used directly against a FIFO.
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

var errShortRead = errors.New("fifo closed: short read")
