/*
Package kafkacore is a client library for producing to and consuming from
Kafka 2.3+. It implements the core of the wire protocol client: a duplex,
correlation-multiplexed connection per broker, a topology cache that routes
topics and consumer groups to broker leaders, a batching producer, and a
polling consumer. It is not modeled on the Java client.

Project Scope

The library focuses on non transactional production and consumption. The
consumer-group join/sync/heartbeat choreography and SASL authentication are
not implemented. TLS is available only as a dial option (client.Config.TLS),
with the handshake left to crypto/tls. Request and response bodies are
encoded by the "api" and "wire" packages.

Get Started

Construct a router.Router from one or more seed broker URIs, then build a
producer.Producer or consumer.Consumer on top of it. Read the documentation
for the "router", "producer", and "consumer" packages.

Design Decisions

1. Focus on record batches. Kafka protocol Produce and Fetch API calls
operate on sets of record batches. Record batch is the unit at which
messages are produced and fetched. It also is the unit at which data is
partitioned and compressed. In kafkacore producers and consumers operate on
batches of records. Building and parsing of record batches is separate from
producing and fetching. Record batch compression and decompression
implementations live in the "compression" package.

2. Multiplexed per-broker connections. Kafka's wire protocol is
asynchronous: a single connection can have many requests outstanding at
once, matched to their responses by a correlation id the broker echoes
back. kafkacore maintains one connection per broker (not per
topic-partition) and multiplexes all callers over it; see the "client"
package's Connection type.

3. Wide use of reflection. Individual API calls (requests and responses)
are defined as structs and marshaled using reflection, in the "wire"
package. This is not a performance problem, because API calls are
comparatively rare. Marshaling and unmarshaling of individual records
within record batches (which has real performance impact) is done inline,
without reflection.

4. Limited use of data hiding. The library is not intended to be child
proof. Most internal structures are exposed to make debugging and metrics
collection easier.
*/
package kafkacore

import (
	"github.com/mkocikowski/kafkacore/batch"
	"github.com/mkocikowski/kafkacore/record"
)

func NewRecord(key, value []byte) *Record {
	return record.New(key, value)
}

type Record = record.Record

type Batch = batch.Batch
