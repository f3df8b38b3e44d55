package wire

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestWriteFrameReadFrameRoundTrip(t *testing.T) {
	payload := []byte("hello broker")
	buf := bytes.NewReader(WriteFrame(payload))
	b, err := ReadFrame(buf, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(b, payload) {
		t.Fatalf("got %q, want %q", b, payload)
	}
}

func TestReadFrameRejectsNegativeLength(t *testing.T) {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, int32(-1))
	if _, err := ReadFrame(buf, 0); err == nil {
		t.Fatal("expected error for negative frame length, got nil")
	}
}

func TestReadFrameRejectsLengthAboveCeiling(t *testing.T) {
	frame := WriteFrame(make([]byte, 100))
	if _, err := ReadFrame(bytes.NewReader(frame), 10); err == nil {
		t.Fatal("expected error for frame length exceeding maxBytes, got nil")
	}
}

func TestReadFrameZeroCeilingMeansUnbounded(t *testing.T) {
	frame := WriteFrame(make([]byte, 1<<16))
	b, err := ReadFrame(bytes.NewReader(frame), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(b) != 1<<16 {
		t.Fatalf("got %d bytes, want %d", len(b), 1<<16)
	}
}
