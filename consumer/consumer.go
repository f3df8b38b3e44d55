// Package consumer implements a per-partition polling loop: fetch from
// the current offset with an adaptive buffer-size high-watermark, decode
// and deliver records in order to a bounded output queue, and advance the
// offset only past records the broker actually returned cleanly. It owns
// its own goroutine and channel rather than bridging fetches into a
// blocking collection.
package consumer

import (
	"context"
	"fmt"
	"time"

	"github.com/mkocikowski/kafkacore/api/Fetch"
	"github.com/mkocikowski/kafkacore/api/ListOffsets"
	"github.com/mkocikowski/kafkacore/batch"
	"github.com/mkocikowski/kafkacore/compression"
	kerrors "github.com/mkocikowski/kafkacore/errors"
	"github.com/mkocikowski/kafkacore/record"
	"github.com/mkocikowski/kafkacore/router"
	"github.com/sirupsen/logrus"
)

// Message is one decoded record, annotated with where it came from.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Timestamp int64
	Key       []byte
	Value     []byte
}

// Consumer polls a single (topic, partition) and delivers decoded records
// in order on the channel returned by Messages. One Consumer owns one
// polling goroutine; Close stops it.
type Consumer struct {
	router *router.Router
	cfg    Config
	log    *logrus.Entry

	topic     string
	partition int32
	offset    int64
	maxBytes  int32

	out    chan *Message
	stopCh chan struct{}
	doneCh chan struct{}
}

// New starts polling (topic, partition) from startOffset. Pass
// ListOffsets.Newest/ListOffsets.Oldest to seek to the current high
// watermark or log start instead of a literal offset.
func New(r *router.Router, topic string, partition int32, startOffset int64, cfg Config, log *logrus.Entry) *Consumer {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	c := &Consumer{
		router:    r,
		cfg:       cfg,
		log:       log.WithFields(logrus.Fields{"topic": topic, "partition": partition}),
		topic:     topic,
		partition: partition,
		offset:    startOffset,
		maxBytes:  cfg.InitialMaxBytes,
		out:       make(chan *Message, cfg.OutputBufferSize),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	go c.loop()
	return c
}

// Messages returns the channel records are delivered on, in fetch order.
// It is closed once the polling loop exits, which happens when Close is
// called, so callers can range over it.
func (c *Consumer) Messages() <-chan *Message { return c.out }

// Offset reports the next offset the loop will fetch from (i.e. one past
// the last record delivered).
func (c *Consumer) Offset() int64 { return c.offset }

// Close stops the polling loop. In-flight fetches are allowed to
// complete; no new ones are started. Safe to call more than once.
func (c *Consumer) Close() {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
	<-c.doneCh
}

func (c *Consumer) loop() {
	defer close(c.doneCh)
	defer close(c.out)

	var fixOffsetOnFetch bool
	var refreshNeeded bool

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		if refreshNeeded {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.MetadataRefreshTimeout)
			if err := c.router.RefreshTopics(ctx, []string{c.topic}); err != nil {
				cancel()
				c.log.WithError(err).Warn("metadata refresh failed, retrying")
				c.sleepOrStop(c.cfg.ErrorRetryDelay)
				continue
			}
			cancel()
			refreshNeeded = false
		}

		if fixOffsetOnFetch {
			if err := c.fixOffset(); err != nil {
				c.log.WithError(err).Warn("fix-offset failed, retrying")
				c.sleepOrStop(c.cfg.ErrorRetryDelay)
				continue
			}
			fixOffsetOnFetch = false
		}

		route, err := c.route()
		if err != nil {
			c.log.WithError(err).Warn("route lookup failed")
			refreshNeeded = true
			c.sleepOrStop(c.cfg.ErrorRetryDelay)
			continue
		}

		resp, err := c.fetch(route)
		if err != nil {
			switch err.(type) {
			case *kerrors.ConnectionError, *kerrors.CachedMetadataError:
				refreshNeeded = true
			default:
				c.log.WithError(err).Warn("fetch failed, retrying")
			}
			c.sleepOrStop(c.cfg.ErrorRetryDelay)
			continue
		}

		pr := resp.PartitionResponse()
		if pr == nil {
			c.log.Warn("fetch response missing partition, retrying")
			c.sleepOrStop(c.cfg.ErrorRetryDelay)
			continue
		}

		if pr.ErrorCode == kerrors.ERR_OFFSET_OUT_OF_RANGE {
			fixOffsetOnFetch = true
			oorErr := &kerrors.FetchOutOfRangeError{Topic: c.topic, Partition: c.partition, Offset: c.offset}
			c.log.WithError(oorErr).Warn("fetch offset out of range, resyncing")
			continue // never advance past a non-None error
		}
		if pr.ErrorCode != kerrors.ERR_NONE {
			refreshNeeded = true
			c.log.WithField("error_code", pr.ErrorCode).Warn("fetch returned broker error, retrying same offset")
			c.sleepOrStop(c.cfg.ErrorRetryDelay)
			continue
		}

		if len(pr.RecordSet) == 0 {
			if pr.HighWatermark > c.offset {
				// the broker had at least one message too large for
				// the requested buffer.
				underrunErr := &kerrors.BufferUnderrunError{MaxBytes: c.maxBytes}
				c.log.WithError(underrunErr).Warn("fetch buffer underrun, growing max bytes")
				c.growMaxBytes()
			}
			continue
		}

		if err := c.deliver(pr); err != nil {
			c.log.WithError(err).Warn("error decoding fetched batch, skipping")
			continue
		}
	}
}

func (c *Consumer) route() (router.Route, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.MetadataRefreshTimeout)
	defer cancel()
	return c.router.GetTopicBrokerAsync(ctx, c.topic, c.partition)
}

func (c *Consumer) fetch(route router.Route) (*Fetch.Response, error) {
	req := Fetch.NewRequest(&Fetch.Args{
		ClientId:      c.cfg.ClientId,
		Topic:         c.topic,
		Partition:     c.partition,
		Offset:        c.offset,
		MinBytes:      c.cfg.MinBytes,
		MaxBytes:      c.maxBytes,
		MaxWaitTimeMs: c.cfg.MaxWaitTimeMs,
	})
	resp := &Fetch.Response{}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.FetchTimeout)
	defer cancel()
	if err := route.Connection.Send(ctx, req, resp); err != nil {
		return nil, err
	}
	route.Connection.UpdateThrottle(resp)
	return resp, nil
}

// deliver decodes every record batch in pr.RecordSet, pushes each record
// to the output channel in order, and advances the offset past the last
// one delivered. Delivery is the only place the offset moves forward.
func (c *Consumer) deliver(pr *Fetch.PartitionResponse) error {
	for _, raw := range batch.RecordSet(pr.RecordSet).Batches() {
		b, err := batch.Unmarshal(raw)
		if err != nil {
			return fmt.Errorf("error unmarshaling batch: %w", err)
		}
		if b.CompressionType() != compression.None {
			codec, ok := compression.ForType(b.CompressionType())
			if !ok {
				return fmt.Errorf("unsupported compression codec %d", b.CompressionType())
			}
			if err := b.Decompress(codec); err != nil {
				return fmt.Errorf("error decompressing batch: %w", err)
			}
		}
		for i, raw := range b.Records() {
			r, err := record.Unmarshal(raw)
			if err != nil {
				return fmt.Errorf("error unmarshaling record: %w", err)
			}
			msg := &Message{
				Topic:     c.topic,
				Partition: c.partition,
				Offset:    b.BaseOffset + int64(i),
				Timestamp: b.FirstTimestamp + r.TimestampDelta,
				Key:       r.Key,
				Value:     r.Value,
			}
			select {
			case c.out <- msg:
			case <-c.stopCh:
				return nil
			}
		}
		c.offset = b.LastOffset() + 1
	}
	return nil
}

// fixOffset clamps the current offset into [earliest, latest] after an
// OffsetOutOfRange error.
func (c *Consumer) fixOffset() error {
	route, err := c.route()
	if err != nil {
		return err
	}
	earliest, err := c.listOffset(route, ListOffsets.Oldest)
	if err != nil {
		return err
	}
	latest, err := c.listOffset(route, ListOffsets.Newest)
	if err != nil {
		return err
	}
	switch {
	case c.offset < earliest:
		c.offset = earliest
	case c.offset > latest:
		c.offset = latest
	}
	return nil
}

func (c *Consumer) listOffset(route router.Route, timestamp int64) (int64, error) {
	req := ListOffsets.NewRequest(c.topic, c.partition, timestamp)
	resp := &ListOffsets.Response{}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.MetadataRefreshTimeout)
	defer cancel()
	if err := route.Connection.Send(ctx, req, resp); err != nil {
		return 0, err
	}
	offset := resp.Offset(c.topic, c.partition)
	if offset < 0 {
		return 0, fmt.Errorf("list offsets: no response for %s[%d]", c.topic, c.partition)
	}
	return offset, nil
}

func (c *Consumer) growMaxBytes() {
	next := int32(float64(c.maxBytes) * c.cfg.MaxBytesGrowthFactor)
	if next <= c.maxBytes {
		next = c.maxBytes + 1
	}
	if next > c.cfg.MaxBytesCeiling {
		next = c.cfg.MaxBytesCeiling
	}
	c.log.WithField("max_bytes", next).Debug("growing fetch buffer after underrun")
	c.maxBytes = next
}

func (c *Consumer) sleepOrStop(d time.Duration) {
	select {
	case <-time.After(d):
	case <-c.stopCh:
	}
}
