package blather_test

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/pankaj/blather/client"
	"github.com/pankaj/blather/lineeditor"
	"github.com/pankaj/blather/server"
)

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return logrus.NewEntry(l)
}

type harnessClient struct {
	cl  *client.Client
	out *bytes.Buffer
	in  *io.PipeWriter
}

func (h *harnessClient) typeLine(s string) { go h.in.Write([]byte(s + "\n")) }

func startHarnessServer(t *testing.T, advanced bool) server.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := server.DefaultConfig("itest")
	cfg.Dir = dir
	cfg.Advanced = advanced
	cfg.PingInterval = 20 * time.Millisecond
	cfg.DisconnectAfter = 50 * time.Millisecond

	srv := server.New(cfg, quietLogger())
	require.NoError(t, srv.Start())
	go func() { _ = srv.Run() }()
	t.Cleanup(func() {
		srv.RequestShutdown()
		<-srv.Done()
	})
	return cfg
}

func joinHarnessClient(t *testing.T, serverName, dir, name string, advanced bool) *harnessClient {
	t.Helper()
	r, w := io.Pipe()
	t.Cleanup(func() { r.Close() })

	var out bytes.Buffer
	ed := lineeditor.New(r, &out)

	ccfg := client.DefaultConfig(serverName, name)
	ccfg.Dir = dir
	ccfg.Advanced = advanced

	cl := client.New(ccfg, ed, quietLogger())
	require.NoError(t, cl.Join())

	go cl.Run()
	t.Cleanup(func() {
		cl.RequestShutdown()
		w.Close()
		select {
		case <-cl.Done():
		case <-time.After(2 * time.Second):
			t.Log("client did not finish in time")
		}
	})

	return &harnessClient{cl: cl, out: &out, in: w}
}

func TestTwoClientsChatEndToEnd(t *testing.T) {
	cfg := startHarnessServer(t, false)

	alice := joinHarnessClient(t, cfg.ServerName, cfg.Dir, "alice", false)
	require.Eventually(t, func() bool {
		return strings.Contains(alice.out.String(), "alice JOINED")
	}, 2*time.Second, 10*time.Millisecond)

	bob := joinHarnessClient(t, cfg.ServerName, cfg.Dir, "bob", false)
	require.Eventually(t, func() bool {
		return strings.Contains(alice.out.String(), "bob JOINED")
	}, 2*time.Second, 10*time.Millisecond)

	alice.typeLine("hello bob")
	require.Eventually(t, func() bool {
		return strings.Contains(bob.out.String(), "[alice] : hello bob")
	}, 2*time.Second, 10*time.Millisecond)

	bob.typeLine("hi alice")
	require.Eventually(t, func() bool {
		return strings.Contains(alice.out.String(), "[bob] : hi alice")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClientDepartureNotifiesOthers(t *testing.T) {
	cfg := startHarnessServer(t, false)
	alice := joinHarnessClient(t, cfg.ServerName, cfg.Dir, "alice", false)
	bob := joinHarnessClient(t, cfg.ServerName, cfg.Dir, "bob", false)
	require.Eventually(t, func() bool {
		return strings.Contains(alice.out.String(), "bob JOINED")
	}, 2*time.Second, 10*time.Millisecond)

	bob.typeLine("%leave")
	require.Eventually(t, func() bool {
		return strings.Contains(alice.out.String(), "bob DEPARTED")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLastNAfterFourMessages(t *testing.T) {
	cfg := startHarnessServer(t, true)
	alice := joinHarnessClient(t, cfg.ServerName, cfg.Dir, "alice", true)
	require.Eventually(t, func() bool {
		return strings.Contains(alice.out.String(), "alice JOINED")
	}, 2*time.Second, 10*time.Millisecond)

	for _, body := range []string{"one", "two", "three", "four"} {
		alice.typeLine(body)
		require.Eventually(t, func() bool {
			return strings.Contains(alice.out.String(), "[alice] : "+body)
		}, 2*time.Second, 10*time.Millisecond)
	}

	alice.typeLine("%last 3")
	require.Eventually(t, func() bool {
		s := alice.out.String()
		return strings.Contains(s, "LAST 3 MESSAGES") && strings.Contains(s, "two") && strings.Contains(s, "three") && strings.Contains(s, "four")
	}, 2*time.Second, 10*time.Millisecond)
}
