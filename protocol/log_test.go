package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWhoRoundTrip(t *testing.T) {
	w, err := NewWho([]string{"alice", "bob"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), w.NClients)

	data, err := EncodeWho(w)
	require.NoError(t, err)
	require.Len(t, data, WhoSize)

	got, err := DecodeWho(data)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, got.NamesStr())
}

func TestWhoTruncatesToMaxClients(t *testing.T) {
	names := make([]string, MaxClients+5)
	for i := range names {
		names[i] = "x"
	}
	w, err := NewWho(names)
	require.NoError(t, err)
	assert.Equal(t, int32(MaxClients), w.NClients)
}

func TestDecodeWhoWrongSize(t *testing.T) {
	_, err := DecodeWho([]byte{1, 2, 3})
	require.Error(t, err)
}
