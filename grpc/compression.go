package grpc

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/anor-rs/anor-cluster/cfg"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/encoding"
)

const zstdName = "zstd"

// zstdCompressor implements gRPC's encoding.Compressor interface using zstd.
// The level can change after registration; pooled encoders of an older
// level are dropped.
type zstdCompressor struct {
	level       atomic.Int32
	encoderPool sync.Pool
	decoderPool sync.Pool
}

var compressor = &zstdCompressor{}

func init() {
	level := 1
	if cfg.Config != nil {
		level = cfg.Config.GRPC.CompressionLevel
	}
	compressor.level.Store(int32(level))
	encoding.RegisterCompressor(compressor)
}

// SetCompressionLevel applies the configured level (0 disables compression
// on outgoing calls, 1..4 map to zstd fastest..best).
func SetCompressionLevel(level int) {
	if level < 0 || level > 4 {
		level = 1
	}
	compressor.level.Store(int32(level))
	if level == 0 {
		log.Debug().Msg("gRPC compression disabled (level=0)")
		return
	}
	log.Info().
		Int("config_level", level).
		Str("zstd_level", configLevelToZstd(level).String()).
		Msg("Configured zstd gRPC compressor")
}

func (c *zstdCompressor) Name() string {
	return zstdName
}

// Compress returns a WriteCloser that compresses data written to it
func (c *zstdCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	level := configLevelToZstd(int(c.level.Load()))
	if pe, ok := c.encoderPool.Get().(*pooledEncoder); ok && pe.level == level {
		pe.enc.Reset(w)
		return pe, nil
	}

	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(level))
	if err != nil {
		return nil, err
	}
	return &pooledEncoder{enc: enc, level: level, pool: &c.encoderPool}, nil
}

// Decompress returns a Reader that decompresses data read from it
func (c *zstdCompressor) Decompress(r io.Reader) (io.Reader, error) {
	if dec, ok := c.decoderPool.Get().(*zstd.Decoder); ok {
		if err := dec.Reset(r); err != nil {
			c.decoderPool.Put(dec)
			return nil, err
		}
		return &pooledDecoder{dec: dec, pool: &c.decoderPool}, nil
	}

	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return &pooledDecoder{dec: dec, pool: &c.decoderPool}, nil
}

// pooledEncoder returns the zstd.Encoder to the pool on Close
type pooledEncoder struct {
	enc   *zstd.Encoder
	level zstd.EncoderLevel
	pool  *sync.Pool
}

func (p *pooledEncoder) Write(data []byte) (int, error) {
	return p.enc.Write(data)
}

func (p *pooledEncoder) Close() error {
	err := p.enc.Close()
	p.pool.Put(p)
	return err
}

// pooledDecoder returns the zstd.Decoder to the pool at EOF
type pooledDecoder struct {
	dec  *zstd.Decoder
	pool *sync.Pool
	done bool
}

func (p *pooledDecoder) Read(data []byte) (int, error) {
	if p.done {
		return 0, io.EOF
	}
	n, err := p.dec.Read(data)
	if err == io.EOF {
		p.done = true
		p.pool.Put(p.dec)
	}
	return n, err
}

// configLevelToZstd maps config levels (1-4) to zstd.EncoderLevel
func configLevelToZstd(level int) zstd.EncoderLevel {
	switch level {
	case 2:
		return zstd.SpeedDefault
	case 3:
		return zstd.SpeedBetterCompression
	case 4:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedFastest
	}
}

// CompressionName returns the compressor for outgoing calls, empty when off
func CompressionName() string {
	if compressor.level.Load() > 0 {
		return zstdName
	}
	return ""
}
