package wire

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

const (
	CompressionNone   = "none"
	CompressionSnappy = "snappy"
	CompressionZstd   = "zstd"
	CompressionLZ4    = "lz4"
)

// Compressions lists the supported record compressions.
var Compressions = []string{CompressionNone, CompressionSnappy, CompressionZstd, CompressionLZ4}

// ErrValueTooLarge is returned when a record decompresses to more than the
// allowed size.
var ErrValueTooLarge = errors.New("decoded value too large")

type compressor interface {
	compress(b []byte) ([]byte, error)
	// decompress fails with ErrValueTooLarge before producing more than
	// limit bytes.
	decompress(b []byte, limit int) ([]byte, error)
}

func compressorFor(name string) (compressor, error) {
	switch name {
	case "", CompressionNone:
		return noopCompressor{}, nil
	case CompressionSnappy:
		return snappyCompressor{}, nil
	case CompressionZstd:
		return zstdCompressor{}, nil
	case CompressionLZ4:
		return lz4Compressor{}, nil
	default:
		return nil, fmt.Errorf("unsupported compression %q", name)
	}
}

func tooLarge(n, limit int) error {
	return errors.Wrapf(ErrValueTooLarge, "%d bytes exceeds limit of %d", n, limit)
}

type noopCompressor struct{}

func (noopCompressor) compress(b []byte) ([]byte, error) { return b, nil }

func (noopCompressor) decompress(b []byte, limit int) ([]byte, error) {
	if len(b) > limit {
		return nil, tooLarge(len(b), limit)
	}
	return b, nil
}

type snappyCompressor struct{}

func (snappyCompressor) compress(b []byte) ([]byte, error) { return snappy.Encode(nil, b), nil }

// decompress checks the length declared in the block header before
// snappy allocates the output.
func (snappyCompressor) decompress(b []byte, limit int) ([]byte, error) {
	n, err := snappy.DecodedLen(b)
	if err != nil {
		return nil, errors.Wrap(err, "snappy")
	}
	if n > limit {
		return nil, tooLarge(n, limit)
	}
	out, err := snappy.Decode(nil, b)
	return out, errors.Wrap(err, "snappy")
}

var (
	zstdEncOnce sync.Once
	zstdEnc     *zstd.Encoder
	zstdEncErr  error

	// zstdDecs holds one decoder per size limit. Decoders are safe for
	// concurrent DecodeAll calls and expensive to build.
	zstdDecs sync.Map
)

type zstdCompressor struct{}

func (zstdCompressor) compress(b []byte) ([]byte, error) {
	zstdEncOnce.Do(func() {
		zstdEnc, zstdEncErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	})
	if zstdEncErr != nil {
		return nil, errors.Wrap(zstdEncErr, "zstd")
	}
	return zstdEnc.EncodeAll(b, nil), nil
}

func zstdDecoder(limit int) (*zstd.Decoder, error) {
	if dec, ok := zstdDecs.Load(limit); ok {
		return dec.(*zstd.Decoder), nil
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0), zstd.WithDecoderMaxMemory(uint64(limit)))
	if err != nil {
		return nil, err
	}
	if prev, loaded := zstdDecs.LoadOrStore(limit, dec); loaded {
		dec.Close()
		return prev.(*zstd.Decoder), nil
	}
	return dec, nil
}

func (zstdCompressor) decompress(b []byte, limit int) ([]byte, error) {
	dec, err := zstdDecoder(limit)
	if err != nil {
		return nil, errors.Wrap(err, "zstd")
	}
	out, err := dec.DecodeAll(b, nil)
	switch {
	case errors.Is(err, zstd.ErrDecoderSizeExceeded), errors.Is(err, zstd.ErrWindowSizeExceeded):
		return nil, errors.Wrapf(ErrValueTooLarge, "zstd: limit of %d bytes: %v", limit, err)
	case err != nil:
		return nil, errors.Wrap(err, "zstd")
	case len(out) > limit:
		return nil, tooLarge(len(out), limit)
	}
	return out, nil
}

type lz4Compressor struct{}

func (lz4Compressor) compress(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(b); err != nil {
		return nil, errors.Wrap(err, "lz4")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "lz4")
	}
	return buf.Bytes(), nil
}

func (lz4Compressor) decompress(b []byte, limit int) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(lz4.NewReader(bytes.NewReader(b)), int64(limit)+1))
	if err != nil {
		return nil, errors.Wrap(err, "lz4")
	}
	if len(out) > limit {
		return nil, errors.Wrapf(ErrValueTooLarge, "lz4: more than %d bytes", limit)
	}
	return out, nil
}
