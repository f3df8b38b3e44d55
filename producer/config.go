package producer

import (
	"time"

	"github.com/mkocikowski/kafkacore/compression"
)

// Config holds the producer's batching and delivery knobs.
type Config struct {
	ClientId string

	// BatchSize is the maximum number of records collected into one
	// record batch before it is sent, regardless of BatchMaxDelay.
	BatchSize int
	// BatchMaxDelay bounds how long the batcher waits for BatchSize
	// records to accumulate before sending a partial batch.
	BatchMaxDelay time.Duration

	// RequestParallelization is the number of in-flight ProduceRequests
	// allowed at once; it backpressures the batcher when exceeded.
	RequestParallelization int64

	// StopTimeout bounds how long Stop waits for the batcher to drain.
	StopTimeout time.Duration

	Acks         int16
	AckTimeoutMs int32
	Codec        int16

	// SendGrace is added to AckTimeoutMs to get the context deadline for
	// a ProduceRequest — room for the round trip on top of the broker's
	// own ack-wait budget.
	SendGrace time.Duration

	// QueueSize bounds the internal task queue. The queue is meant to be
	// effectively unbounded (spec semantics); this just fixes a large,
	// finite capacity so Send backpressures instead of growing memory
	// without limit under sustained overload.
	QueueSize int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 1000
	}
	if c.BatchMaxDelay <= 0 {
		c.BatchMaxDelay = 10 * time.Millisecond
	}
	if c.RequestParallelization <= 0 {
		c.RequestParallelization = 8
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	if c.AckTimeoutMs <= 0 {
		c.AckTimeoutMs = 5000
	}
	if c.SendGrace <= 0 {
		c.SendGrace = 5 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1 << 16
	}
	if _, ok := compression.ForType(c.Codec); !ok {
		c.Codec = compression.None
	}
	return c
}

// SendConfig overrides the producer's default ack level, ack timeout, and
// compression codec for one Send call. Passing nil to Send uses the
// producer's own Config for all three.
type SendConfig struct {
	Acks         int16
	AckTimeoutMs int32
	Codec        int16
}

// resolve fills in any SendConfig left unset (AckTimeoutMs <= 0, an
// unrecognized Codec) from the producer's own defaults, so Acks: 0 on an
// explicit SendConfig is still honored as fire-and-forget.
func (sc SendConfig) resolve(base Config) SendConfig {
	if sc.AckTimeoutMs <= 0 {
		sc.AckTimeoutMs = base.AckTimeoutMs
	}
	if _, ok := compression.ForType(sc.Codec); !ok {
		sc.Codec = base.Codec
	}
	return sc
}
