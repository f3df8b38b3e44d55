package client

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/mkocikowski/kafkacore/api"
	"github.com/mkocikowski/kafkacore/api/ApiVersions"
	"github.com/mkocikowski/kafkacore/endpoint"
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
// test-supplied responder and frames whatever the responder returns, after
// an optional artificial delay. It stands in for a real broker in every
// test below.
type fakeBroker struct {
	ln net.Listener

	mu      sync.Mutex
	respond func(reqHeader) (interface{}, time.Duration)
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

func (fb *fakeBroker) setResponder(f func(reqHeader) (interface{}, time.Duration)) {
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
		body, delay := respond(hdr)
		if body == nil {
			continue
		}
		go func(corrId int32, body interface{}, delay time.Duration) {
			if delay > 0 {
				time.Sleep(delay)
			}
			out := new(bytes.Buffer)
			binary.Write(out, binary.BigEndian, corrId)
			wire.Write(out, reflect.ValueOf(body))
			fb.mu.Lock()
			defer fb.mu.Unlock()
			conn.Write(wire.WriteFrame(out.Bytes()))
		}(hdr.CorrelationId, body, delay)
	}
}

func (fb *fakeBroker) addr() string { return fb.ln.Addr().String() }
func (fb *fakeBroker) close()       { fb.ln.Close() }

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func TestUnitConnectionSendRoundTrip(t *testing.T) {
	fb := newFakeBroker(t)
	defer fb.close()
	fb.setResponder(func(hdr reqHeader) (interface{}, time.Duration) {
		return &ApiVersions.Response{ErrorCode: 0, ApiKeys: []ApiVersions.ApiKeyVersion{{ApiKey: api.Produce, MaxVersion: 7}}}, 0
	})

	ep, err := endpoint.Resolve(fb.addr())
	require.NoError(t, err)
	conn, err := Dial(context.Background(), ep, Config{}, testLogger())
	require.NoError(t, err)
	defer conn.Close()

	resp := &ApiVersions.Response{}
	err = conn.Send(context.Background(), ApiVersions.NewRequest(), resp)
	require.NoError(t, err)
	require.Len(t, resp.ApiKeys, 1)
	assert.EqualValues(t, 7, resp.ApiKeys[0].MaxVersion)
}

// TestUnitConnectionConcurrentSendMatchesByCorrelationId fires many
// concurrent sends over one connection and has the broker answer them out
// of order (later correlation ids answered first); each caller must still
// get back the response meant for it, proving responses are matched by
// correlation id rather than by send order.
func TestUnitConnectionConcurrentSendMatchesByCorrelationId(t *testing.T) {
	fb := newFakeBroker(t)
	defer fb.close()
	const n = 20
	fb.setResponder(func(hdr reqHeader) (interface{}, time.Duration) {
		// reverse the order responses are written in
		delay := time.Duration(n-int(hdr.CorrelationId)) * time.Millisecond
		return &ApiVersions.Response{ErrorCode: int16(hdr.CorrelationId)}, delay
	})

	ep, err := endpoint.Resolve(fb.addr())
	require.NoError(t, err)
	conn, err := Dial(context.Background(), ep, Config{}, testLogger())
	require.NoError(t, err)
	defer conn.Close()

	var wg sync.WaitGroup
	errs := make([]error, n)
	codes := make([]int16, n)
	ids := make([]int32, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp := &ApiVersions.Response{}
			req := ApiVersions.NewRequest()
			errs[i] = conn.Send(context.Background(), req, resp)
			ids[i] = req.CorrelationId
			codes[i] = resp.ErrorCode
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
	}
	// The broker echoed each request's correlation id back into ErrorCode
	// and answered in reverse order; each caller getting back its own
	// request's id only holds if responses were matched by id.
	seen := make(map[int16]bool, n)
	for i, c := range codes {
		assert.EqualValues(t, ids[i], c)
		seen[c] = true
	}
	assert.Len(t, seen, n)
}

// TestUnitConnectionSendTimeoutAbandonsThenDrainsOnLateResponse checks that
// a Send whose context expires before the broker responds returns
// TimeoutError, and that once the broker's late response does arrive, the
// abandoned slot is discarded and the pending map goes back to empty.
func TestUnitConnectionSendTimeoutAbandonsThenDrainsOnLateResponse(t *testing.T) {
	fb := newFakeBroker(t)
	defer fb.close()
	fb.setResponder(func(hdr reqHeader) (interface{}, time.Duration) {
		return &ApiVersions.Response{}, 150 * time.Millisecond
	})

	ep, err := endpoint.Resolve(fb.addr())
	require.NoError(t, err)
	conn, err := Dial(context.Background(), ep, Config{}, testLogger())
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	resp := &ApiVersions.Response{}
	err = conn.Send(ctx, ApiVersions.NewRequest(), resp)
	require.Error(t, err)
	assert.IsType(t, &kerrors.TimeoutError{}, err)

	require.Eventually(t, func() bool {
		return conn.PendingCount() == 0
	}, time.Second, 10*time.Millisecond, "pending map never drained after late response")
}

// TestUnitConnectionCloseDrainsPendingAndFailsInFlightSends checks that
// Close immediately fails every in-flight Send with the close error and
// leaves the pending map empty, rather than waiting for (or leaking)
// outstanding slots.
func TestUnitConnectionCloseDrainsPendingAndFailsInFlightSends(t *testing.T) {
	fb := newFakeBroker(t)
	defer fb.close()
	block := make(chan struct{})
	fb.setResponder(func(hdr reqHeader) (interface{}, time.Duration) {
		<-block // never actually answers before the test closes block
		return &ApiVersions.Response{}, 0
	})
	defer close(block)

	ep, err := endpoint.Resolve(fb.addr())
	require.NoError(t, err)
	conn, err := Dial(context.Background(), ep, Config{}, testLogger())
	require.NoError(t, err)

	const inFlight = 5
	results := make(chan error, inFlight)
	for i := 0; i < inFlight; i++ {
		go func() {
			resp := &ApiVersions.Response{}
			results <- conn.Send(context.Background(), ApiVersions.NewRequest(), resp)
		}()
	}

	require.Eventually(t, func() bool {
		return conn.PendingCount() == inFlight
	}, time.Second, 10*time.Millisecond, "sends never registered pending slots")

	require.NoError(t, conn.Close())

	for i := 0; i < inFlight; i++ {
		assert.Error(t, <-results)
	}
	assert.Equal(t, 0, conn.PendingCount())
	assert.Error(t, conn.Err())
}
