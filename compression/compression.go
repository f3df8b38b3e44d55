// Package compression implements the batch.Compressor/Decompressor pair
// for every codec the record batch attributes field can name.
package compression

import (
	"bytes"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// https://kafka.apache.org/documentation/#recordbatch
const (
	None = iota
	Gzip
	Snappy
	Lz4
	Zstd

	/*
		TimestampCreate    = 0b0000
		TimestampLogAppend = 0b1000
	*/
)

// Nop implements the batch.Compressor and batch.Decompressor. Use it to
// marshal and unmarshal uncompressed record batches.
type Nop struct{}

func (*Nop) Compress(b []byte) ([]byte, error)   { return b, nil }
func (*Nop) Decompress(b []byte) ([]byte, error) { return b, nil }
func (*Nop) Type() int16                         { return None }

// GzipCodec compresses/decompresses with gzip at the given level (use
// gzip.DefaultCompression if unsure).
type GzipCodec struct {
	Level int
}

func (c *GzipCodec) Type() int16 { return compressionGzip }

func (c *GzipCodec) Compress(b []byte) ([]byte, error) {
	level := c.Level
	if level == 0 {
		level = gzip.DefaultCompression
	}
	buf := new(bytes.Buffer)
	w, err := gzip.NewWriterLevel(buf, level)
	if err != nil {
		return nil, fmt.Errorf("error creating gzip writer: %w", err)
	}
	if _, err := w.Write(b); err != nil {
		return nil, fmt.Errorf("error writing gzip stream: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("error closing gzip stream: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *GzipCodec) Decompress(b []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("error creating gzip reader: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("error reading gzip stream: %w", err)
	}
	return out, nil
}

// SnappyCodec compresses/decompresses with the raw snappy block format
// (snappy.Encode/Decode). It neither produces nor parses the
// xerial-framed snappy stream format.
type SnappyCodec struct{}

func (c *SnappyCodec) Type() int16 { return compressionSnappy }

func (c *SnappyCodec) Compress(b []byte) ([]byte, error) {
	return snappy.Encode(nil, b), nil
}

func (c *SnappyCodec) Decompress(b []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, b)
	if err != nil {
		return nil, fmt.Errorf("error decoding snappy stream: %w", err)
	}
	return out, nil
}

// ZstdCodec compresses/decompresses with zstd. Encoders/decoders are
// expensive to create, so one of each is kept and reused; both are safe
// for concurrent use per klauspost/compress's own documentation.
type ZstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func NewZstdCodec() (*ZstdCodec, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("error creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("error creating zstd decoder: %w", err)
	}
	return &ZstdCodec{enc: enc, dec: dec}, nil
}

func (c *ZstdCodec) Type() int16 { return compressionZstd }

func (c *ZstdCodec) Compress(b []byte) ([]byte, error) {
	return c.enc.EncodeAll(b, nil), nil
}

func (c *ZstdCodec) Decompress(b []byte) ([]byte, error) {
	out, err := c.dec.DecodeAll(b, nil)
	if err != nil {
		return nil, fmt.Errorf("error decoding zstd stream: %w", err)
	}
	return out, nil
}

// compressionGzip etc. mirror the untyped consts above as int16, since
// Compressor.Type returns int16 (the batch attributes field width) while
// None/Gzip/Snappy/Lz4/Zstd are left untyped ints for readability at call
// sites that don't need the wire type.
const (
	compressionGzip   int16 = Gzip
	compressionSnappy int16 = Snappy
	compressionZstd   int16 = Zstd
)

// ForType returns the Compressor/Decompressor for a record batch
// attributes codec id, or nil (with ok false) if it isn't one this client
// supports (lz4 is named by the protocol but has no codec here — no pack
// example repo carries an lz4 dependency, and the original only emits
// none/gzip/snappy in its own producer).
func ForType(codec int16) (interface {
	Compress([]byte) ([]byte, error)
	Decompress([]byte) ([]byte, error)
	Type() int16
}, bool) {
	switch codec {
	case None:
		return &Nop{}, true
	case Gzip:
		return &GzipCodec{}, true
	case Snappy:
		return &SnappyCodec{}, true
	case Zstd:
		z, err := NewZstdCodec()
		if err != nil {
			return nil, false
		}
		return z, true
	default:
		return nil, false
	}
}
