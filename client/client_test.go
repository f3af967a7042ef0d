package client

import (
	"bytes"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/pankaj/blather/lineeditor"
	"github.com/pankaj/blather/protocol"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return logrus.NewEntry(l)
}

// fakeServer stands in for a running server: it owns the well-known
// join FIFO and can read/write directly against a client's private
// FIFOs once it has seen the join record.
type fakeServer struct {
	dir      string
	joinPath string
	joinFD   int
}

func startFakeServer(t *testing.T, serverName string) *fakeServer {
	t.Helper()
	dir := t.TempDir()
	joinPath := filepath.Join(dir, serverName+".fifo")
	require.NoError(t, unix.Mkfifo(joinPath, 0o600))
	joinFD, err := unix.Open(joinPath, unix.O_RDWR, 0o600)
	require.NoError(t, err)
	fs := &fakeServer{dir: dir, joinPath: joinPath, joinFD: joinFD}
	t.Cleanup(func() { unix.Close(fs.joinFD) })
	return fs
}

func (fs *fakeServer) readJoin(t *testing.T) protocol.JoinRecord {
	t.Helper()
	jr, err := protocol.ReadJoin(fdReader{fs.joinFD})
	require.NoError(t, err)
	return jr
}

func TestClientJoinSendsJoinRecord(t *testing.T) {
	fs := startFakeServer(t, "srv")
	cfg := DefaultConfig("srv", "alice")
	cfg.Dir = fs.dir

	var out bytes.Buffer
	ed := lineeditor.New(bytes.NewReader(nil), &out)
	cl := New(cfg, ed, testLogger())
	require.NoError(t, cl.Join())

	jr := fs.readJoin(t)
	require.Equal(t, "alice", jr.NameStr())
}

func TestClientMesgRoundTrip(t *testing.T) {
	fs := startFakeServer(t, "srv")
	cfg := DefaultConfig("srv", "alice")
	cfg.Dir = fs.dir

	var out bytes.Buffer
	in, inWriter := makePipeReader(t)
	ed := lineeditor.New(in, &out)
	cl := New(cfg, ed, testLogger())
	require.NoError(t, cl.Join())
	jr := fs.readJoin(t)

	toServerFD, err := unix.Open(jr.ToServerFnameStr(), unix.O_RDWR, 0o600)
	require.NoError(t, err)
	defer unix.Close(toServerFD)
	toClientFD, err := unix.Open(jr.ToClientFnameStr(), unix.O_RDWR, 0o600)
	require.NoError(t, err)
	defer unix.Close(toClientFD)

	go cl.Run()

	inWriter.WriteString("hello there\n")

	m, err := protocol.ReadMessage(fdReader{toServerFD})
	require.NoError(t, err)
	require.Equal(t, protocol.KindMesg, m.Kind)
	require.Equal(t, "hello there", m.BodyStr())

	joined, err := protocol.NewMessageRecord(protocol.KindJoined, "bob", "")
	require.NoError(t, err)
	require.NoError(t, protocol.WriteMessage(fdWriter{toClientFD}, joined))
	require.Eventually(t, func() bool {
		return bytesContains(out.Bytes(), "bob JOINED")
	}, 2*time.Second, 10*time.Millisecond)

	cl.RequestShutdown()
	inWriter.Close()
	require.True(t, waitUpTo(cl.Done(), 2*time.Second))
}

func bytesContains(b []byte, s string) bool {
	return bytes.Contains(b, []byte(s))
}

// makePipeReader returns an io.Reader/io.WriteCloser pair so a test can
// feed ReadLine input asynchronously, like a real terminal would.
func makePipeReader(t *testing.T) (*pipeReader, *pipeWriter) {
	t.Helper()
	r, w := io.Pipe()
	t.Cleanup(func() { r.Close() })
	return &pipeReader{r}, &pipeWriter{w}
}

type pipeReader struct{ *io.PipeReader }
type pipeWriter struct{ *io.PipeWriter }

func (w *pipeWriter) WriteString(s string) { go w.Write([]byte(s)) }
func (w *pipeWriter) Close()               { w.PipeWriter.Close() }
