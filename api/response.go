package api

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"reflect"

	"github.com/mkocikowski/kafkacore/wire"
)

// Read reads one framed response off r. maxBytes, if positive, is the
// ceiling the framing codec enforces on the declared frame length (see
// wire.ReadFrame); a broker that claims a response larger than this fails
// the connection rather than exhausting memory.
func Read(r io.Reader, maxBytes int32) (*Response, error) {
	b, err := wire.ReadFrame(r, maxBytes)
	if err != nil {
		return nil, err
	}
	return &Response{body: b}, nil
}

type Response struct {
	body []byte
}

// CorrelationId extracts the correlation id from the first four bytes of
// the response body, without unmarshaling the rest. This is the only part
// of a response the connection layer looks at; the remaining bytes are
// opaque until Unmarshal is called with the caller's expected type.
func (r *Response) CorrelationId() (int32, error) {
	if len(r.body) < 4 {
		return 0, fmt.Errorf("response body too short for correlation id: %d bytes", len(r.body))
	}
	var c int32
	binary.Read(bytes.NewReader(r.body), binary.BigEndian, &c)
	return c, nil
}

func (r *Response) Unmarshal(v interface{}) error {
	// [4:] skips bytes used for correlation id
	return wire.Read(bytes.NewReader(r.body[4:]), reflect.ValueOf(v))
}

func (r *Response) Bytes() []byte {
	// [4:] skips bytes used for correlation id
	return r.body[4:]
}
