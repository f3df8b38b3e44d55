package api

import (
	"bytes"
	"reflect"

	"github.com/mkocikowski/kafkacore/wire"
)

// https://kafka.apache.org/protocol
// https://kafka.apache.org/documentation/#messageformat
// https://cwiki.apache.org/confluence/display/KAFKA/A+Guide+To+The+Kafka+Protocol#AGuideToTheKafkaProtocol-Messagesets

// Request is the tagged-variant envelope every ApiKey's request builder
// produces. The connection layer only sets CorrelationId and ClientId on
// it and reads ApiKey and ExpectsResponse off of it; Body's concrete type
// is opaque to everything below the api package.
type Request struct {
	ApiKey        int16
	ApiVersion    int16
	CorrelationId int32
	ClientId      string
	Body          interface{}
	// NoResponse is set only for fire-and-forget calls (Produce with
	// Acks == 0). The connection does not register a pending slot for
	// these and resolves the send as soon as the frame is flushed.
	// Defaulting to "expects a response" means every existing ApiKey
	// constructor needs no change; only Produce's builder sets this.
	NoResponse bool `wire:"omit"`
}

// ExpectsResponse reports whether the connection should register a
// pending-response slot for this request.
func (r *Request) ExpectsResponse() bool { return !r.NoResponse }

// Bytes marshals the request header and body and returns the
// length-prefixed frame ready to write to a connection.
func (r *Request) Bytes() []byte {
	tmp := new(bytes.Buffer)
	wire.Write(tmp, reflect.ValueOf(r))
	return wire.WriteFrame(tmp.Bytes())
}
