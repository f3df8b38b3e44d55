package consumer

import "time"

// Config holds the per-partition polling knobs.
type Config struct {
	ClientId string

	// MinBytes/InitialMaxBytes/MaxWaitTimeMs feed the Fetch request
	// directly: wait for MinBytes to accumulate, or MaxWaitTimeMs to
	// elapse, whichever first; never ask for more than the current
	// MaxBytes high-watermark in one response.
	MinBytes       int32
	InitialMaxBytes int32
	MaxWaitTimeMs  int32

	// MaxBytesGrowthFactor multiplies the buffer high-watermark on an
	// underrun: the broker had at least one record too large to fit, so
	// ask for more room next time.
	MaxBytesGrowthFactor float64
	// MaxBytesCeiling bounds how large the high-watermark is allowed to
	// grow, regardless of how many underruns are hit in a row.
	MaxBytesCeiling int32

	// OutputBufferSize bounds the channel Messages() is read from;
	// the polling loop suspends once it is full.
	OutputBufferSize int

	FetchTimeout time.Duration

	// MetadataRefreshTimeout bounds the "fix offset" ListOffsets round
	// trip and the metadata refresh triggered on connection/cache
	// errors.
	MetadataRefreshTimeout time.Duration

	// ErrorRetryDelay is how long the loop sleeps after a transient
	// error before retrying the same offset.
	ErrorRetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.MinBytes <= 0 {
		c.MinBytes = 1
	}
	if c.InitialMaxBytes <= 0 {
		c.InitialMaxBytes = 1 << 20 // 1 MiB
	}
	if c.MaxWaitTimeMs <= 0 {
		c.MaxWaitTimeMs = 500
	}
	if c.MaxBytesGrowthFactor <= 1 {
		c.MaxBytesGrowthFactor = 2
	}
	if c.MaxBytesCeiling <= 0 {
		c.MaxBytesCeiling = 64 << 20 // 64 MiB
	}
	if c.OutputBufferSize <= 0 {
		c.OutputBufferSize = 1000
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 30 * time.Second
	}
	if c.MetadataRefreshTimeout <= 0 {
		c.MetadataRefreshTimeout = 10 * time.Second
	}
	if c.ErrorRetryDelay <= 0 {
		c.ErrorRetryDelay = time.Second
	}
	return c
}
