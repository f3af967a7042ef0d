package logstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pankaj/blather/protocol"
)

func writeTestLog(t *testing.T, names []string, bodies []string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.log")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	who, err := protocol.NewWho(names)
	require.NoError(t, err)
	whoData, err := protocol.EncodeWho(who)
	require.NoError(t, err)
	_, err = f.WriteAt(whoData, 0)
	require.NoError(t, err)

	_, err = f.Seek(int64(protocol.WhoSize), 0)
	require.NoError(t, err)
	for i, body := range bodies {
		m, err := protocol.NewMessageRecord(protocol.KindMesg, names[i%len(names)], body)
		require.NoError(t, err)
		data, err := protocol.Encode(m)
		require.NoError(t, err)
		_, err = f.Write(data)
		require.NoError(t, err)
	}
	return path
}

func TestReadWho(t *testing.T) {
	path := writeTestLog(t, []string{"alice", "bob"}, nil)
	who, err := ReadWho(path)
	require.NoError(t, err)
	require.Equal(t, []string{"alice", "bob"}, who.NamesStr())
}

func TestReadLastExactCount(t *testing.T) {
	path := writeTestLog(t, []string{"alice"}, []string{"one", "two", "three", "four"})
	records, err := ReadLast(path, 3)
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, "two", records[0].BodyStr())
	require.Equal(t, "three", records[1].BodyStr())
	require.Equal(t, "four", records[2].BodyStr())
}

func TestReadLastClampsWhenFewerAvailable(t *testing.T) {
	path := writeTestLog(t, []string{"alice"}, []string{"only-one"})
	records, err := ReadLast(path, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "only-one", records[0].BodyStr())
}

func TestReadLastWithNoMessages(t *testing.T) {
	path := writeTestLog(t, []string{"alice"}, nil)
	records, err := ReadLast(path, 5)
	require.NoError(t, err)
	require.Empty(t, records)
}
