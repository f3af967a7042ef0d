// Package logstore reads the append-only log a Server writes in advanced
// mode: a fixed-size who record at offset 0 followed by an appended
// sequence of message records. It is used by clients implementing the
// local %who and %last commands and never by the server itself.
package logstore

import (
	"os"

	"github.com/pkg/errors"

	"github.com/pankaj/blather/protocol"
)

// ReadWho reads the current who record from the start of the log.
func ReadWho(logPath string) (protocol.Who, error) {
	f, err := os.Open(logPath)
	if err != nil {
		return protocol.Who{}, errors.Wrapf(err, "open log %s", logPath)
	}
	defer f.Close()

	buf := make([]byte, protocol.WhoSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return protocol.Who{}, errors.Wrap(err, "read who record")
	}
	return protocol.DecodeWho(buf)
}

// ReadLast reads up to the last n message records appended to the log.
// When fewer than n records have been appended, it clamps to the start
// of the append region (immediately after the who record) and returns
// however many records actually exist there, rather than seeking before
// the start of the log and reading garbage.
func ReadLast(logPath string, n int) ([]protocol.MessageRecord, error) {
	if n <= 0 {
		return nil, nil
	}

	f, err := os.Open(logPath)
	if err != nil {
		return nil, errors.Wrapf(err, "open log %s", logPath)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "stat log")
	}

	appendRegionSize := info.Size() - int64(protocol.WhoSize)
	if appendRegionSize < 0 {
		appendRegionSize = 0
	}
	available := int(appendRegionSize / int64(protocol.MessageRecordSize))
	if n > available {
		n = available
	}
	if n == 0 {
		return nil, nil
	}

	offset := info.Size() - int64(n)*int64(protocol.MessageRecordSize)
	records := make([]protocol.MessageRecord, 0, n)
	buf := make([]byte, protocol.MessageRecordSize)
	for i := 0; i < n; i++ {
		if _, err := f.ReadAt(buf, offset); err != nil {
			return nil, errors.Wrap(err, "read message record")
		}
		m, err := protocol.DecodeMessage(buf)
		if err != nil {
			return nil, err
		}
		records = append(records, m)
		offset += int64(protocol.MessageRecordSize)
	}
	return records, nil
}
