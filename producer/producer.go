// Package producer implements the batching produce pipeline: callers
// enqueue records, a single batcher groups them by codec, ack settings,
// and target broker, and sends one ProduceRequest per group once enough
// records have accumulated or a delay elapses.
package producer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mkocikowski/kafkacore/api/Produce"
	"github.com/mkocikowski/kafkacore/batch"
	"github.com/mkocikowski/kafkacore/client"
	"github.com/mkocikowski/kafkacore/compression"
	kerrors "github.com/mkocikowski/kafkacore/errors"
	"github.com/mkocikowski/kafkacore/record"
	"github.com/mkocikowski/kafkacore/router"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// Result is the outcome of producing a single record.
type Result struct {
	Topic     string
	Partition int32
	Offset    int64
	Timestamp int64
	ErrorCode int16
	Err       error
}

type task struct {
	record    *record.Record
	topic     string
	partition int32 // -1 until resolved: caller left it to the partition selector
	key       []byte
	ctx       context.Context
	done      chan Result

	acks         int16
	ackTimeoutMs int32
	codec        int16
}

// Producer batches records across however many concurrent Send callers
// there are into per-broker ProduceRequests. One Producer owns one
// batcher goroutine; Stop must be called to release it.
type Producer struct {
	router *router.Router
	cfg    Config
	log    *logrus.Entry

	queue chan *task
	sem   *semaphore.Weighted

	mu      sync.Mutex
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func New(r *router.Router, cfg Config, log *logrus.Entry) *Producer {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	p := &Producer{
		router: r,
		cfg:    cfg,
		log:    log,
		queue:  make(chan *task, cfg.QueueSize),
		sem:    semaphore.NewWeighted(cfg.RequestParallelization),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go p.batcher()
	return p
}

// Send enqueues records for (topic, partition) and blocks until every one
// of them has a Result. Pass partition -1 to let the router's partition
// selector choose using key. cfg overrides the producer's ack level, ack
// timeout, and compression codec for this call only; pass nil to use the
// producer's own Config.
func (p *Producer) Send(ctx context.Context, topic string, partition int32, key []byte, records []*record.Record, cfg *SendConfig) ([]Result, error) {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return nil, fmt.Errorf("producer: stopped")
	}

	sc := SendConfig{Acks: p.cfg.Acks, AckTimeoutMs: p.cfg.AckTimeoutMs, Codec: p.cfg.Codec}
	if cfg != nil {
		sc = cfg.resolve(p.cfg)
	}

	tasks := make([]*task, len(records))
	for i, rec := range records {
		tasks[i] = &task{
			record:       rec,
			topic:        topic,
			partition:    partition,
			key:          key,
			ctx:          ctx,
			done:         make(chan Result, 1),
			acks:         sc.Acks,
			ackTimeoutMs: sc.AckTimeoutMs,
			codec:        sc.Codec,
		}
	}
	for _, t := range tasks {
		select {
		case p.queue <- t:
		case <-p.stopCh:
			return nil, fmt.Errorf("producer: stopped")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	results := make([]Result, len(tasks))
	for i, t := range tasks {
		select {
		case results[i] = <-t.done:
		case <-ctx.Done():
			results[i] = Result{Topic: topic, Partition: partition, Err: &kerrors.CancelledError{Op: "produce"}}
		}
	}
	return results, nil
}

// Stop closes the input side and waits for the batcher to drain whatever
// was already enqueued, up to StopTimeout. A second call is a no-op.
func (p *Producer) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()
	close(p.stopCh)

	select {
	case <-p.doneCh:
		return nil
	case <-time.After(p.cfg.StopTimeout):
		return fmt.Errorf("producer: stop timed out waiting for batcher to drain")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Producer) batcher() {
	defer close(p.doneCh)
	var buf []*task
	delay := time.NewTimer(p.cfg.BatchMaxDelay)
	defer delay.Stop()

	for {
		select {
		case t := <-p.queue:
			if t.ctx.Err() != nil {
				t.done <- Result{Topic: t.topic, Partition: t.partition, Err: &kerrors.CancelledError{Op: "produce"}}
				continue
			}
			buf = append(buf, t)
			if len(buf) >= p.cfg.BatchSize {
				p.processBatch(buf)
				buf = nil
				if !delay.Stop() {
					<-delay.C
				}
				delay.Reset(p.cfg.BatchMaxDelay)
			}
		case <-delay.C:
			if len(buf) > 0 {
				p.processBatch(buf)
				buf = nil
			}
			delay.Reset(p.cfg.BatchMaxDelay)
		case <-p.stopCh:
			for {
				select {
				case t := <-p.queue:
					buf = append(buf, t)
				default:
					if len(buf) > 0 {
						p.processBatch(buf)
					}
					return
				}
			}
		}
	}
}

// processBatch resolves each task's target partition, groups by the
// connection that leads it, and sends one ProduceRequest per
// (connection, ack level, ack timeout, codec) group.
func (p *Producer) processBatch(tasks []*task) {
	routes := make(map[*task]router.Route, len(tasks))
	resolved := make([]*task, 0, len(tasks))
	for _, t := range tasks {
		var route router.Route
		var err error
		if t.partition >= 0 {
			route, err = p.router.GetTopicBrokerAsync(t.ctx, t.topic, t.partition)
		} else {
			route, err = p.router.GetTopicBrokerByKeyAsync(t.ctx, t.topic, t.key)
		}
		if err != nil {
			t.done <- Result{Topic: t.topic, Partition: t.partition, Err: err}
			continue
		}
		t.partition = route.Partition
		routes[t] = route
		resolved = append(resolved, t)
	}
	if len(resolved) == 0 {
		return
	}

	groups := make(map[*client.Connection][]*task)
	for _, t := range resolved {
		conn := routes[t].Connection
		groups[conn] = append(groups[conn], t)
	}

	var wg sync.WaitGroup
	for conn, group := range groups {
		wg.Add(1)
		go func(conn *client.Connection, group []*task) {
			defer wg.Done()
			p.sendGroup(conn, group)
		}(conn, group)
	}
	wg.Wait()
}

type tpKey struct {
	topic     string
	partition int32
}

// sendConfigKey groups tasks destined for the same connection further by
// the settings that have to be uniform across one ProduceRequest: every
// batch it carries shares one ack level, one ack timeout, and (since
// compression is applied per record batch) effectively one codec.
type sendConfigKey struct {
	acks         int16
	ackTimeoutMs int32
	codec        int16
}

// sendGroup splits the tasks destined for conn by codec, ack level, and
// ack timeout, then sends one ProduceRequest per resulting group.
func (p *Producer) sendGroup(conn *client.Connection, group []*task) {
	byConfig := make(map[sendConfigKey][]*task)
	var order []sendConfigKey
	for _, t := range group {
		k := sendConfigKey{t.acks, t.ackTimeoutMs, t.codec}
		if _, ok := byConfig[k]; !ok {
			order = append(order, k)
		}
		byConfig[k] = append(byConfig[k], t)
	}
	for _, k := range order {
		p.sendConfigGroup(conn, k, byConfig[k])
	}
}

// sendConfigGroup groups tasks by (topic, partition), builds and
// compresses one record batch per partition, and sends them all in a
// single ProduceRequest with the ack level, ack timeout, and codec named
// by cfg.
func (p *Producer) sendConfigGroup(conn *client.Connection, cfg sendConfigKey, group []*task) {
	byTP := make(map[tpKey][]*task)
	var order []tpKey
	for _, t := range group {
		k := tpKey{t.topic, t.partition}
		if _, ok := byTP[k]; !ok {
			order = append(order, k)
		}
		byTP[k] = append(byTP[k], t)
	}

	codec, ok := compression.ForType(cfg.codec)
	if !ok {
		codec = &compression.Nop{}
	}

	now := time.Now()
	var payloads []Produce.TopicPartitionBatch
	var live []tpKey
	for _, k := range order {
		group := byTP[k]
		b := batch.NewBuilder(now)
		for _, t := range group {
			b.Add(t.record)
		}
		built, err := b.Build(now)
		if err != nil {
			p.completeAll(group, Result{Topic: k.topic, Partition: k.partition, Err: err})
			continue
		}
		if err := built.Compress(codec); err != nil {
			p.completeAll(group, Result{Topic: k.topic, Partition: k.partition, Err: err})
			continue
		}
		payloads = append(payloads, Produce.TopicPartitionBatch{
			Topic:     k.topic,
			Partition: k.partition,
			RecordSet: built.Marshal(),
		})
		live = append(live, k)
	}
	if len(payloads) == 0 {
		return
	}

	if err := p.sem.Acquire(context.Background(), 1); err != nil {
		for _, k := range live {
			p.completeAll(byTP[k], Result{Topic: k.topic, Partition: k.partition, Err: err})
		}
		return
	}
	defer p.sem.Release(1)

	req := Produce.NewRequest(&Produce.Args{
		ClientId:  p.cfg.ClientId,
		Acks:      cfg.acks,
		TimeoutMs: cfg.ackTimeoutMs,
	}, payloads)
	resp := &Produce.Response{}
	sendCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ackTimeoutMs)*time.Millisecond+p.cfg.SendGrace)
	defer cancel()
	err := conn.Send(sendCtx, req, resp)

	if err != nil {
		for _, k := range live {
			p.completeAll(byTP[k], Result{Topic: k.topic, Partition: k.partition, Err: err})
		}
		return
	}

	if cfg.acks == 0 {
		for _, k := range live {
			p.completeAll(byTP[k], Result{Topic: k.topic, Partition: k.partition, Offset: -1})
		}
		return
	}

	conn.UpdateThrottle(resp)
	for _, k := range live {
		group := byTP[k]
		pr := resp.Partition(k.topic, k.partition)
		if pr == nil {
			p.log.Warnf("produce response missing topic/partition %s[%d]", k.topic, k.partition)
			p.completeAll(group, Result{Topic: k.topic, Partition: k.partition})
			continue
		}
		for i, t := range group {
			result := Result{
				Topic:     k.topic,
				Partition: k.partition,
				Offset:    pr.BaseOffset + int64(i),
				Timestamp: pr.LogAppendTime,
				ErrorCode: pr.ErrorCode,
			}
			if pr.ErrorCode != 0 {
				result.Err = &kerrors.RequestError{Endpoint: conn.Endpoint.Addr(), Code: pr.ErrorCode}
			}
			t.done <- result
		}
	}
}

func (p *Producer) completeAll(tasks []*task, base Result) {
	for _, t := range tasks {
		t.done <- base
	}
}
