package consumer

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mkocikowski/kafkacore/api"
	"github.com/mkocikowski/kafkacore/api/Fetch"
	"github.com/mkocikowski/kafkacore/api/ListOffsets"
	"github.com/mkocikowski/kafkacore/api/Metadata"
	"github.com/mkocikowski/kafkacore/batch"
	kerrors "github.com/mkocikowski/kafkacore/errors"
	"github.com/mkocikowski/kafkacore/record"
	"github.com/mkocikowski/kafkacore/router"
	"github.com/mkocikowski/kafkacore/wire"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reqHeader struct {
	ApiKey        int16
	ApiVersion    int16
	CorrelationId int32
	ClientId      string
}

type fakeBroker struct {
	ln net.Listener

	mu      sync.Mutex
	respond func(reqHeader) interface{}
}

func newFakeBroker(t *testing.T) *fakeBroker {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	fb := &fakeBroker{ln: ln}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go fb.serve(conn)
		}
	}()
	return fb
}

func (fb *fakeBroker) setResponder(f func(reqHeader) interface{}) {
	fb.mu.Lock()
	fb.respond = f
	fb.mu.Unlock()
}

func (fb *fakeBroker) serve(conn net.Conn) {
	defer conn.Close()
	for {
		b, err := wire.ReadFrame(conn, 10<<20)
		if err != nil {
			return
		}
		var hdr reqHeader
		if err := wire.Read(bytes.NewReader(b), reflect.ValueOf(&hdr)); err != nil {
			return
		}
		fb.mu.Lock()
		respond := fb.respond
		fb.mu.Unlock()
		if respond == nil {
			continue
		}
		body := respond(hdr)
		if body == nil {
			continue
		}
		out := new(bytes.Buffer)
		binary.Write(out, binary.BigEndian, hdr.CorrelationId)
		wire.Write(out, reflect.ValueOf(body))
		if _, err := conn.Write(wire.WriteFrame(out.Bytes())); err != nil {
			return
		}
	}
}

func (fb *fakeBroker) addr() string { return fb.ln.Addr().String() }
func (fb *fakeBroker) close()       { fb.ln.Close() }

func (fb *fakeBroker) nodeId(t *testing.T, id int32) Metadata.Broker {
	t.Helper()
	host, portStr, err := net.SplitHostPort(fb.addr())
	require.NoError(t, err)
	port, err := net.LookupPort("tcp", portStr)
	require.NoError(t, err)
	return Metadata.Broker{NodeId: id, Host: host, Port: int32(port)}
}

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func metadataResponse(broker Metadata.Broker, leader int32) *Metadata.Response {
	return &Metadata.Response{
		Brokers: []Metadata.Broker{broker},
		TopicMetadata: []Metadata.TopicMetadata{{
			Topic:             "orders",
			PartitionMetadata: []Metadata.PartitionMetadata{{Partition: 0, Leader: leader}},
		}},
	}
}

func buildRecordSet(t *testing.T, baseOffset int64, values ...string) []byte {
	t.Helper()
	now := time.Now()
	b := batch.NewBuilder(now)
	for _, v := range values {
		b.Add(record.New(nil, []byte(v)))
	}
	built, err := b.Build(now)
	require.NoError(t, err)
	built.BaseOffset = baseOffset
	return built.Marshal()
}

func newTestRouter(t *testing.T, fb *fakeBroker) *router.Router {
	t.Helper()
	r, err := router.New(context.Background(), []string{fb.addr()}, router.Config{}, testLogger())
	require.NoError(t, err)
	require.NoError(t, r.RefreshTopics(context.Background(), []string{"orders"}))
	return r
}

// TestUnitConsumerDeliversRecordsInOrderAndAdvancesOffset exercises the
// core polling loop: a single fetch response returns three records
// starting at base offset 10; all three arrive on Messages() in order and
// the consumer's tracked offset lands at 13.
func TestUnitConsumerDeliversRecordsInOrderAndAdvancesOffset(t *testing.T) {
	fb := newFakeBroker(t)
	defer fb.close()
	broker := fb.nodeId(t, 1)

	recordSet := buildRecordSet(t, 10, "a", "b", "c")
	var fetches int32
	fb.setResponder(func(hdr reqHeader) interface{} {
		switch hdr.ApiKey {
		case api.Metadata:
			return metadataResponse(broker, 1)
		case api.Fetch:
			atomic.AddInt32(&fetches, 1)
			return &Fetch.Response{
				TopicResponses: []Fetch.TopicResponse{{
					Topic: "orders",
					PartitionResponses: []Fetch.PartitionResponse{{
						Partition:     0,
						ErrorCode:     kerrors.ERR_NONE,
						HighWatermark: 13,
						RecordSet:     recordSet,
					}},
				}},
			}
		}
		return nil
	})

	r := newTestRouter(t, fb)
	c := New(r, "orders", 0, 10, Config{}, testLogger())
	defer c.Close()

	var got []*Message
	for i := 0; i < 3; i++ {
		select {
		case m := <-c.Messages():
			got = append(got, m)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for message")
		}
	}
	require.Len(t, got, 3)
	assert.Equal(t, []byte("a"), got[0].Value)
	assert.EqualValues(t, 10, got[0].Offset)
	assert.Equal(t, []byte("b"), got[1].Value)
	assert.EqualValues(t, 11, got[1].Offset)
	assert.Equal(t, []byte("c"), got[2].Value)
	assert.EqualValues(t, 12, got[2].Offset)

	// give the loop a moment to apply the offset advance after delivery
	require.Eventually(t, func() bool { return c.Offset() == 13 }, time.Second, 10*time.Millisecond)
}

// TestUnitConsumerGrowsBufferOnUnderrun exercises the buffer-underrun
// handling: an empty record set with a high watermark past the current
// offset means the requested buffer was too small, so the consumer grows
// it and retries rather than looping forever on an empty response.
func TestUnitConsumerGrowsBufferOnUnderrun(t *testing.T) {
	fb := newFakeBroker(t)
	defer fb.close()
	broker := fb.nodeId(t, 1)

	recordSet := buildRecordSet(t, 0, "big")
	var maxBytesSeen int32
	var calls int32
	fb.setResponder(func(hdr reqHeader) interface{} {
		switch hdr.ApiKey {
		case api.Metadata:
			return metadataResponse(broker, 1)
		case api.Fetch:
			n := atomic.AddInt32(&calls, 1)
			if n == 1 {
				return &Fetch.Response{
					TopicResponses: []Fetch.TopicResponse{{
						Topic: "orders",
						PartitionResponses: []Fetch.PartitionResponse{{
							Partition:     0,
							ErrorCode:     kerrors.ERR_NONE,
							HighWatermark: 1,
							RecordSet:     nil,
						}},
					}},
				}
			}
			atomic.StoreInt32(&maxBytesSeen, 1) // second call happened at all
			return &Fetch.Response{
				TopicResponses: []Fetch.TopicResponse{{
					Topic: "orders",
					PartitionResponses: []Fetch.PartitionResponse{{
						Partition:     0,
						ErrorCode:     kerrors.ERR_NONE,
						HighWatermark: 1,
						RecordSet:     recordSet,
					}},
				}},
			}
		}
		return nil
	})

	r := newTestRouter(t, fb)
	c := New(r, "orders", 0, 0, Config{InitialMaxBytes: 16, MaxBytesGrowthFactor: 2}, testLogger())
	defer c.Close()

	select {
	case m := <-c.Messages():
		assert.Equal(t, []byte("big"), m.Value)
		// one underrun: 16 bytes grown by a factor of 2
		assert.EqualValues(t, 32, c.maxBytes)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message after underrun retry")
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&maxBytesSeen))
}

// TestUnitConsumerFixesOffsetOutOfRange exercises the OffsetOutOfRange
// handling: the fetch reports the offset is out of range, the consumer
// issues ListOffsets for earliest/latest, clamps, and resumes fetching
// without ever delivering a record at the bad offset.
func TestUnitConsumerFixesOffsetOutOfRange(t *testing.T) {
	fb := newFakeBroker(t)
	defer fb.close()
	broker := fb.nodeId(t, 1)

	recordSet := buildRecordSet(t, 5, "first")
	var fetchCalls int32
	fb.setResponder(func(hdr reqHeader) interface{} {
		switch hdr.ApiKey {
		case api.Metadata:
			return metadataResponse(broker, 1)
		case api.ListOffsets:
			// timestamp not inspected by the fake; always answer offset=5
			return &ListOffsets.Response{
				Responses: []ListOffsets.TopicResponse{{
					Topic:      "orders",
					Partitions: []ListOffsets.PartitionResponse{{Partition: 0, Offset: 5}},
				}},
			}
		case api.Fetch:
			n := atomic.AddInt32(&fetchCalls, 1)
			if n == 1 {
				return &Fetch.Response{
					TopicResponses: []Fetch.TopicResponse{{
						Topic: "orders",
						PartitionResponses: []Fetch.PartitionResponse{{
							Partition: 0,
							ErrorCode: kerrors.ERR_OFFSET_OUT_OF_RANGE,
						}},
					}},
				}
			}
			return &Fetch.Response{
				TopicResponses: []Fetch.TopicResponse{{
					Topic: "orders",
					PartitionResponses: []Fetch.PartitionResponse{{
						Partition:     0,
						ErrorCode:     kerrors.ERR_NONE,
						HighWatermark: 6,
						RecordSet:     recordSet,
					}},
				}},
			}
		}
		return nil
	})

	r := newTestRouter(t, fb)
	c := New(r, "orders", 0, 0, Config{}, testLogger())
	defer c.Close()

	select {
	case m := <-c.Messages():
		assert.Equal(t, []byte("first"), m.Value)
		assert.EqualValues(t, 5, m.Offset)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message after offset fix")
	}
}
