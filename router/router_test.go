package router

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
	"github.com/mkocikowski/kafkacore/api/Metadata"
	kerrors "github.com/mkocikowski/kafkacore/errors"
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

// fakeBroker decodes just enough of a request to dispatch it to a
// test-supplied responder and frames whatever the responder returns. It
// stands in for a real broker in every router test below.
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

func TestUnitRouterConstructionFailsWhenNoSeedResolves(t *testing.T) {
	_, err := New(context.Background(), []string{"this is not a host:port"}, Config{}, testLogger())
	assert.Error(t, err)
}

func TestUnitRouterConstructionSucceedsWithOneLiveSeed(t *testing.T) {
	fb := newFakeBroker(t)
	defer fb.close()

	r, err := New(context.Background(), []string{fb.addr()}, Config{}, testLogger())
	require.NoError(t, err)
	assert.Len(t, r.connections(), 1)
}

func TestUnitGetTopicBrokerCacheMissReturnsCachedMetadataError(t *testing.T) {
	fb := newFakeBroker(t)
	defer fb.close()

	r, err := New(context.Background(), []string{fb.addr()}, Config{}, testLogger())
	require.NoError(t, err)

	_, err = r.GetTopicBroker("orders", 0)
	require.Error(t, err)
	assert.IsType(t, &kerrors.CachedMetadataError{}, err)
}

func TestUnitRefreshPopulatesTopicCacheAndRoutesToLeader(t *testing.T) {
	fb := newFakeBroker(t)
	defer fb.close()
	broker := fb.nodeId(t, 1)

	fb.setResponder(func(hdr reqHeader) interface{} {
		if hdr.ApiKey != api.Metadata {
			return nil
		}
		return &Metadata.Response{
			Brokers: []Metadata.Broker{broker},
			TopicMetadata: []Metadata.TopicMetadata{{
				Topic: "orders",
				PartitionMetadata: []Metadata.PartitionMetadata{
					{Partition: 0, Leader: 1},
					{Partition: 1, Leader: 1},
				},
			}},
		}
	})

	r, err := New(context.Background(), []string{fb.addr()}, Config{}, testLogger())
	require.NoError(t, err)

	require.NoError(t, r.RefreshTopics(context.Background(), []string{"orders"}))

	route, err := r.GetTopicBroker("orders", 0)
	require.NoError(t, err)
	assert.NotNil(t, route.Connection)
	assert.Equal(t, "orders", route.Topic)

	route, err = r.GetTopicBrokerAsync(context.Background(), "orders", 1)
	require.NoError(t, err)
	assert.NotNil(t, route.Connection)
}

func TestUnitElectingLeaderIsNotCachedUntilResolved(t *testing.T) {
	fb := newFakeBroker(t)
	defer fb.close()
	broker := fb.nodeId(t, 1)

	var electing atomic.Bool
	electing.Store(true)
	fb.setResponder(func(hdr reqHeader) interface{} {
		if hdr.ApiKey != api.Metadata {
			return nil
		}
		leader := int32(-1)
		if !electing.Load() {
			leader = 1
		}
		return &Metadata.Response{
			Brokers: []Metadata.Broker{broker},
			TopicMetadata: []Metadata.TopicMetadata{{
				Topic:             "orders",
				PartitionMetadata: []Metadata.PartitionMetadata{{Partition: 0, Leader: leader}},
			}},
		}
	})

	r, err := New(context.Background(), []string{fb.addr()}, Config{}, testLogger())
	require.NoError(t, err)

	err = r.RefreshTopics(context.Background(), []string{"orders"})
	assert.Error(t, err) // electing — refresh reports it, doesn't cache a route

	_, err = r.GetTopicBroker("orders", 0)
	assert.IsType(t, &kerrors.CachedMetadataError{}, err)

	electing.Store(false)
	require.NoError(t, r.RefreshTopics(context.Background(), []string{"orders"}))

	route, err := r.GetTopicBroker("orders", 0)
	require.NoError(t, err)
	assert.NotNil(t, route.Connection)
}

func TestUnitConcurrentRefreshForSameTopicCoalesces(t *testing.T) {
	fb := newFakeBroker(t)
	defer fb.close()
	broker := fb.nodeId(t, 1)

	var calls int32
	release := make(chan struct{})
	fb.setResponder(func(hdr reqHeader) interface{} {
		if hdr.ApiKey != api.Metadata {
			return nil
		}
		atomic.AddInt32(&calls, 1)
		<-release
		return &Metadata.Response{
			Brokers: []Metadata.Broker{broker},
			TopicMetadata: []Metadata.TopicMetadata{{
				Topic:             "orders",
				PartitionMetadata: []Metadata.PartitionMetadata{{Partition: 0, Leader: 1}},
			}},
		}
	})

	r, err := New(context.Background(), []string{fb.addr()}, Config{}, testLogger())
	require.NoError(t, err)

	const n = 5
	done := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() { done <- r.RefreshTopics(context.Background(), []string{"orders"}) }()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	for i := 0; i < n; i++ {
		require.NoError(t, <-done)
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

// TestUnitMetadataRefreshReconnectsOnEndpointChange checks that when a
// later metadata refresh reports a broker at a different address than the
// one it's cached under, the router dials the new address, routes to it,
// and closes the stale connection to the old one rather than leaking it.
func TestUnitMetadataRefreshReconnectsOnEndpointChange(t *testing.T) {
	fbOld := newFakeBroker(t)
	defer fbOld.close()
	fbNew := newFakeBroker(t)
	defer fbNew.close()

	oldBroker := fbOld.nodeId(t, 1)
	newBroker := fbNew.nodeId(t, 1)

	var movedBroker atomic.Bool
	respond := func(hdr reqHeader) interface{} {
		if hdr.ApiKey != api.Metadata {
			return nil
		}
		b := oldBroker
		if movedBroker.Load() {
			b = newBroker
		}
		return &Metadata.Response{
			Brokers: []Metadata.Broker{b},
			TopicMetadata: []Metadata.TopicMetadata{{
				Topic:             "orders",
				PartitionMetadata: []Metadata.PartitionMetadata{{Partition: 0, Leader: 1}},
			}},
		}
	}
	fbOld.setResponder(respond)
	fbNew.setResponder(respond)

	r, err := New(context.Background(), []string{fbOld.addr()}, Config{}, testLogger())
	require.NoError(t, err)

	require.NoError(t, r.RefreshTopics(context.Background(), []string{"orders"}))
	route, err := r.GetTopicBroker("orders", 0)
	require.NoError(t, err)
	oldConn := route.Connection
	assert.Equal(t, fbOld.addr(), oldConn.Endpoint.Addr())
	assert.NoError(t, oldConn.Err())

	movedBroker.Store(true)
	require.NoError(t, r.RefreshTopics(context.Background(), []string{"orders"}))

	route, err = r.GetTopicBroker("orders", 0)
	require.NoError(t, err)
	newConn := route.Connection
	assert.Equal(t, fbNew.addr(), newConn.Endpoint.Addr())
	assert.NotSame(t, oldConn, newConn)

	// The stale connection to the broker's old address is closed, not
	// leaked, once nothing in the pool still points at it.
	assert.Error(t, oldConn.Err())
}

// TestUnitRouterCloseClosesEveryPooledConnection checks that Close tears
// down every distinct connection in the pool, including ones only reachable
// through connByEndpoint (seed connections not yet assigned a broker id).
func TestUnitRouterCloseClosesEveryPooledConnection(t *testing.T) {
	fb := newFakeBroker(t)
	defer fb.close()

	r, err := New(context.Background(), []string{fb.addr()}, Config{}, testLogger())
	require.NoError(t, err)

	conns := r.connections()
	require.Len(t, conns, 1)
	assert.NoError(t, conns[0].Err())

	require.NoError(t, r.Close())
	assert.Error(t, conns[0].Err())

	// Idempotent: a second Close must not panic or error.
	require.NoError(t, r.Close())
}

func TestUnitDefaultSelectorRoundRobinsOnEmptyKey(t *testing.T) {
	s := &DefaultSelector{}
	partitions := []int32{0, 1, 2}
	seen := make(map[int32]int)
	for i := 0; i < 9; i++ {
		seen[s.Select("t", nil, partitions)]++
	}
	assert.Equal(t, 3, seen[0])
	assert.Equal(t, 3, seen[1])
	assert.Equal(t, 3, seen[2])
}

func TestUnitDefaultSelectorIsStableForSameKey(t *testing.T) {
	s := &DefaultSelector{}
	partitions := []int32{0, 1, 2, 3}
	first := s.Select("t", []byte("account-42"), partitions)
	second := s.Select("t", []byte("account-42"), partitions)
	assert.Equal(t, first, second)
}
