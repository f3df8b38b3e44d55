package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// DefaultMaxFrameBytes is the read-side frame length ceiling used when a
// connection does not configure one explicitly.
const DefaultMaxFrameBytes = 100 << 20 // 100 MiB

// WriteFrame prepends a 4-byte big-endian length prefix to payload. The
// returned slice is what a caller writes to the socket; a single Write call
// on the result is what keeps the frame atomic from other writers'
// perspective (the connection layer still has to serialize those writes
// with a mutex, since one Write call is not atomic with respect to a
// second writer calling Write concurrently).
func WriteFrame(payload []byte) []byte {
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	return buf
}

// ReadFrame reads one length-prefixed frame from r. maxBytes, if positive,
// caps the accepted length; a negative or implausibly large length fails
// the read rather than allocating or blocking indefinitely.
func ReadFrame(r io.Reader, maxBytes int32) ([]byte, error) {
	var size int32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return nil, fmt.Errorf("error reading frame length: %w", err)
	}
	if size < 0 {
		return nil, fmt.Errorf("invalid frame length %d", size)
	}
	if maxBytes > 0 && size > maxBytes {
		return nil, fmt.Errorf("frame length %d exceeds ceiling %d", size, maxBytes)
	}
	b := make([]byte, size)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("error reading frame body (%d bytes): %w", size, err)
	}
	return b, nil
}
