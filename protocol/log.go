package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Who is the fixed-size snapshot of currently-connected client names,
// rewritten in place at offset 0 of the log whenever membership changes.
type Who struct {
	NClients int32
	Names    [MaxClients][MaxName]byte
}

// WhoSize is the wire size of the who region at the start of the log.
var WhoSize = binary.Size(Who{})

// NewWho builds a Who record from the given ordered client names.
// Truncates silently to MaxClients, matching the server table's own bound.
func NewWho(names []string) (Who, error) {
	var w Who
	n := len(names)
	if n > MaxClients {
		n = MaxClients
	}
	w.NClients = int32(n)
	for i := 0; i < n; i++ {
		if err := putFixed(w.Names[i][:], names[i]); err != nil {
			return w, fmt.Errorf("who record name %q: %w", names[i], err)
		}
	}
	return w, nil
}

// NamesStr returns the live portion of Names as plain strings.
func (w Who) NamesStr() []string {
	out := make([]string, 0, w.NClients)
	for i := int32(0); i < w.NClients && int(i) < len(w.Names); i++ {
		out = append(out, getFixed(w.Names[i][:]))
	}
	return out
}

// EncodeWho serializes w to its fixed-size wire form.
func EncodeWho(w Who) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, w); err != nil {
		return nil, fmt.Errorf("encode who: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeWho parses exactly WhoSize bytes into a Who record.
func DecodeWho(data []byte) (Who, error) {
	var w Who
	if len(data) != WhoSize {
		return w, fmt.Errorf("who record: want %d bytes, got %d", WhoSize, len(data))
	}
	err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &w)
	return w, err
}
