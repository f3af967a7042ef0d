package server

import (
	"time"

	"github.com/pankaj/blather/protocol"
)

// logMessage appends mesg to the end of the log file, under the log's
// mutual-exclusion lock. PING is never logged (callers already filter
// that out in broadcast). No-op unless Advanced is set.
func (s *Server) logMessage(m protocol.MessageRecord) {
	if !s.cfg.Advanced || s.logFile == nil {
		return
	}
	data, err := protocol.Encode(m)
	if err != nil {
		s.log.WithError(err).Warn("encode log message failed")
		return
	}
	if err := s.logLock.Lock(); err != nil {
		s.log.WithError(err).Warn("lock log for append failed")
		return
	}
	defer s.logLock.Unlock()

	if _, err := s.logFile.Write(data); err != nil {
		s.log.WithError(err).Warn("append to log failed")
	}
}

// writeWhoAsync rewrites the who record at offset 0 of the log in a
// helper goroutine, so a slow lock acquisition never stalls the event
// loop. It takes the same file lock logMessage takes for appends, and
// the append region is untouched since WriteAt does not move the file's
// append offset.
func (s *Server) writeWhoAsync() {
	if !s.cfg.Advanced || s.logFile == nil {
		return
	}
	s.mu.Lock()
	names := make([]string, len(s.clients))
	for i, c := range s.clients {
		names[i] = c.name
	}
	s.mu.Unlock()

	s.whoWriter.Add(1)
	go func() {
		defer s.whoWriter.Done()
		who, err := protocol.NewWho(names)
		if err != nil {
			s.log.WithError(err).Warn("build who record failed")
			return
		}
		data, err := protocol.EncodeWho(who)
		if err != nil {
			s.log.WithError(err).Warn("encode who record failed")
			return
		}
		if err := s.logLock.Lock(); err != nil {
			s.log.WithError(err).Warn("lock log for who-write failed")
			return
		}
		defer s.logLock.Unlock()
		if _, err := s.logFile.WriteAt(data, 0); err != nil {
			s.log.WithError(err).Warn("write who record failed")
		}
	}()
}

// tickLiveness runs once per event-loop iteration. Once a full ping
// interval has elapsed since the last PING, it broadcasts a new one and
// sweeps clients that have been silent for longer than DisconnectAfter.
// Scheduling is wall-clock based: each iteration spends a variable time
// in poll() (anywhere up to PingInterval), so a synthetic iteration
// counter would not track real elapsed time.
func (s *Server) tickLiveness() {
	s.tick++
	now := time.Now()
	if s.lastPingAt.IsZero() {
		s.lastPingAt = now
	}
	if now.Sub(s.lastPingAt) < s.cfg.PingInterval {
		return
	}
	s.lastPingAt = now

	ping, err := protocol.NewMessageRecord(protocol.KindPing, "", "")
	if err == nil {
		s.broadcast(ping)
	}
	s.removeDisconnected()
}

// removeDisconnected removes every client whose last contact is older
// than DisconnectAfter, broadcasting DISCONNECTED for each. Clients are
// processed lowest index first; since removal shifts the table, the
// index is not advanced past a removed client.
func (s *Server) removeDisconnected() {
	now := time.Now()
	i := 0
	for {
		s.mu.Lock()
		if i >= len(s.clients) {
			s.mu.Unlock()
			return
		}
		c := s.clients[i]
		stale := now.Sub(c.lastContact) > s.cfg.DisconnectAfter
		name := c.name
		s.mu.Unlock()

		if !stale {
			i++
			continue
		}
		s.log.WithField("client", name).Info("client disconnected (ping timeout)")
		s.removeClientAt(i)
		msg, err := protocol.NewMessageRecord(protocol.KindDisconnected, name, "")
		if err == nil {
			s.broadcast(msg)
		}
		s.writeWhoAsync()
		// do not advance i: the next client has shifted into slot i
	}
}
