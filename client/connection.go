// Package client implements Connection, a duplex, correlation-multiplexed
// channel to a single broker, and the endpoint-resolving factory that
// builds one. Everything above this package — the router, the producer,
// the consumer — talks to a broker exclusively through a *Connection;
// nothing else opens a socket.
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"reflect"
	"sync"
	"time"

	"github.com/mkocikowski/kafkacore/api"
	"github.com/mkocikowski/kafkacore/endpoint"
	kerrors "github.com/mkocikowski/kafkacore/errors"
	"github.com/mkocikowski/kafkacore/wire"
	"github.com/sirupsen/logrus"
)

// Config holds the per-connection knobs. Zero value is usable; withDefaults
// fills in anything left unset.
type Config struct {
	ClientId      string
	DialTimeout   time.Duration
	MaxFrameBytes int32
	TLS           *tls.Config
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = wire.DefaultMaxFrameBytes
	}
	return c
}

type pendingSlot struct {
	resultCh  chan sendResult
	abandoned bool
}

type sendResult struct {
	resp *api.Response
	err  error
}

// Connection is a duplex, concurrent-safe handle over a single TCP socket
// to one broker. Many sends may be in progress at once; responses are
// matched back to their caller by correlation id, not by arrival order.
type Connection struct {
	Endpoint endpoint.Endpoint
	cfg      Config
	log      *logrus.Entry

	raw net.Conn
	wmu sync.Mutex // serializes frame writes

	mu                sync.Mutex
	pending           map[int32]*pendingSlot
	nextCorrelationId int32
	closed            bool
	closeErr          error

	throttledUntil time.Time
	lastActive     time.Time
}

// Dial connects to endpoint and starts the background reader loop. The
// returned Connection is ready for concurrent Send calls.
func Dial(ctx context.Context, ep endpoint.Endpoint, cfg Config, log *logrus.Entry) (*Connection, error) {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	dialer := &net.Dialer{Timeout: cfg.DialTimeout}
	var raw net.Conn
	var err error
	if cfg.TLS != nil {
		raw, err = tls.DialWithDialer(dialer, "tcp", ep.Addr(), cfg.TLS)
	} else {
		raw, err = dialer.DialContext(ctx, "tcp", ep.Addr())
	}
	if err != nil {
		return nil, &kerrors.ConnectionError{Endpoint: ep.Addr(), Err: err}
	}
	c := &Connection{
		Endpoint:   ep,
		cfg:        cfg,
		log:        log.WithField("endpoint", ep.Addr()),
		raw:        raw,
		pending:    make(map[int32]*pendingSlot),
		lastActive: time.Now(),
	}
	go c.readLoop()
	return c, nil
}

// Send allocates a correlation id, writes the framed request, and — unless
// the request is fire-and-forget — suspends until the matching response
// arrives, ctx is done, or the connection fails. On success v is populated
// via the response's Unmarshal.
func (c *Connection) Send(ctx context.Context, req *api.Request, v interface{}) error {
	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return err
	}
	id := c.nextCorrelationId
	c.nextCorrelationId++
	if c.nextCorrelationId < 0 {
		c.nextCorrelationId = 0
	}
	req.CorrelationId = id
	req.ClientId = c.cfg.ClientId

	var slot *pendingSlot
	if req.ExpectsResponse() {
		slot = &pendingSlot{resultCh: make(chan sendResult, 1)}
		c.pending[id] = slot
	}
	c.lastActive = time.Now()
	c.mu.Unlock()

	frame := req.Bytes()
	c.wmu.Lock()
	_, werr := c.raw.Write(frame)
	c.wmu.Unlock()
	if werr != nil {
		connErr := &kerrors.ConnectionError{Endpoint: c.Endpoint.Addr(), Err: werr}
		c.fail(connErr)
		return connErr
	}
	if slot == nil {
		return nil
	}
	select {
	case res := <-slot.resultCh:
		if res.err != nil {
			return res.err
		}
		return res.resp.Unmarshal(v)
	case <-ctx.Done():
		c.abandon(id)
		if ctx.Err() == context.DeadlineExceeded {
			return &kerrors.TimeoutError{Op: fmt.Sprintf("send api_key=%d correlation_id=%d", req.ApiKey, id)}
		}
		return &kerrors.CancelledError{Op: fmt.Sprintf("send api_key=%d correlation_id=%d", req.ApiKey, id)}
	}
}

// abandon marks a pending slot as abandoned: no caller is waiting on it
// any more, but the correlation id stays reserved so a late response isn't
// mistaken for belonging to a future request.
func (c *Connection) abandon(id int32) {
	c.mu.Lock()
	if slot, ok := c.pending[id]; ok {
		slot.abandoned = true
	}
	c.mu.Unlock()
}

func (c *Connection) readLoop() {
	for {
		resp, err := api.Read(c.raw, c.cfg.MaxFrameBytes)
		if err != nil {
			c.fail(&kerrors.ConnectionError{Endpoint: c.Endpoint.Addr(), Err: err})
			return
		}
		corrId, err := resp.CorrelationId()
		if err != nil {
			c.fail(&kerrors.ConnectionError{Endpoint: c.Endpoint.Addr(), Err: err})
			return
		}
		c.mu.Lock()
		slot, ok := c.pending[corrId]
		if ok {
			delete(c.pending, corrId)
		}
		abandoned := ok && slot.abandoned
		c.lastActive = time.Now()
		c.mu.Unlock()

		if !ok {
			c.fail(fmt.Errorf("protocol desync: unknown correlation id %d", corrId))
			return
		}
		if abandoned {
			continue
		}
		slot.resultCh <- sendResult{resp: resp}
	}
}

// Idle reports whether this connection has carried no traffic for at least
// d. Used by the router to reap connections nothing has used in a while.
func (c *Connection) Idle(d time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastActive) >= d
}

// ThrottledUntil returns the time (if any) the broker has asked callers to
// back off until, as last observed on a decoded response. Populated by
// UpdateThrottle, which the producer/coordinator call after Unmarshal
// because ThrottleTimeMs lives inside the decoded body, past where
// Connection itself looks.
func (c *Connection) ThrottledUntil() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.throttledUntil
}

// UpdateThrottle inspects v (a decoded response) for an int32 field named
// ThrottleTimeMs and, if present and positive, records how long the next
// send on this connection should hold off.
func (c *Connection) UpdateThrottle(v interface{}) {
	rv := reflect.Indirect(reflect.ValueOf(v))
	if rv.Kind() != reflect.Struct {
		return
	}
	f := rv.FieldByName("ThrottleTimeMs")
	if !f.IsValid() || f.Kind() != reflect.Int32 {
		return
	}
	ms := f.Int()
	if ms <= 0 {
		return
	}
	until := time.Now().Add(time.Duration(ms) * time.Millisecond)
	c.mu.Lock()
	if until.After(c.throttledUntil) {
		c.throttledUntil = until
	}
	c.mu.Unlock()
}

// fail tears the connection down: every pending slot is completed with err
// (abandoned ones are skipped, there is nobody listening), subsequent
// Sends fail immediately with err, and the socket is closed.
func (c *Connection) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	pending := c.pending
	c.pending = make(map[int32]*pendingSlot)
	c.mu.Unlock()

	c.raw.Close()
	for _, slot := range pending {
		if slot.abandoned {
			continue
		}
		slot.resultCh <- sendResult{err: err}
	}
	c.log.WithError(err).Warn("connection failed")
}

// Close disposes of the connection. Safe to call more than once.
func (c *Connection) Close() error {
	c.fail(fmt.Errorf("connection closed"))
	return nil
}

// Err returns the reason the connection is no longer usable, or nil.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// PendingCount reports the number of pending-response slots, including
// abandoned ones still held for a late response. Used by tests asserting
// the pending map is empty once a connection disposes.
func (c *Connection) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
