package server

import (
	"golang.org/x/sys/unix"
)

// maxPendingPerClient bounds how many encoded records a slow client may
// have buffered before the oldest is dropped, mirroring a bounded
// non-blocking outbox rather than letting one slow reader stall the loop.
const maxPendingPerClient = 256

// sendToClient delivers data (one already-encoded record) to c. If c
// already has a backlog, or the non-blocking write would block, data is
// queued for a later flush instead of stalling the broadcast fan-out.
func (s *Server) sendToClient(c *clientRecord, data []byte) error {
	if c.pending.Length() > 0 {
		s.enqueue(c, data)
		return nil
	}
	n, err := unix.Write(c.toClientFD, data)
	if err == nil && n == len(data) {
		return nil
	}
	if err != nil && err != unix.EAGAIN && err != unix.EWOULDBLOCK {
		return err
	}
	s.enqueue(c, data)
	return nil
}

func (s *Server) enqueue(c *clientRecord, data []byte) {
	if c.pending.Length() >= maxPendingPerClient {
		s.log.WithField("client", c.name).Warn("dropping oldest buffered message for slow client")
		c.pending.Remove()
	}
	c.pending.Add(data)
}

// flushPending attempts to drain every client's backlog opportunistically,
// called once per event-loop tick so a reader that catches up eventually
// receives the messages it missed, in order.
func (s *Server) flushPending() {
	s.mu.Lock()
	targets := make([]*clientRecord, len(s.clients))
	copy(targets, s.clients)
	s.mu.Unlock()

	for _, c := range targets {
		for c.pending.Length() > 0 {
			data := c.pending.Peek().([]byte)
			n, err := unix.Write(c.toClientFD, data)
			if err != nil {
				if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
					break
				}
				s.log.WithError(err).WithField("client", c.name).Warn("flush to client failed")
				break
			}
			if n != len(data) {
				break
			}
			c.pending.Remove()
		}
	}
}
