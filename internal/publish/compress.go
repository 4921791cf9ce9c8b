package publish

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
	CompressionLZ4  Compression = "lz4"
)

// zstd.Encoder and zstd.Decoder are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("publish: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("publish: zstd decoder initialization failed: " + err.Error())
	}
}

// Compress returns data compressed with c and the compression actually used.
// Data that does not shrink is stored uncompressed.
func Compress(c Compression, data []byte) ([]byte, Compression, error) {
	switch c {
	case CompressionNone, "":
		return data, CompressionNone, nil
	case CompressionZstd:
		out := zstdEncoder.EncodeAll(data, nil)
		if len(out) >= len(data) {
			return data, CompressionNone, nil
		}
		return out, CompressionZstd, nil
	case CompressionLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, dst, nil)
		if err != nil {
			return nil, "", fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 || n >= len(data) {
			return data, CompressionNone, nil
		}
		return dst[:n], CompressionLZ4, nil
	default:
		return nil, "", fmt.Errorf("unknown compression %q", c)
	}
}

// Decompress reverses Compress. size is the uncompressed length.
func Decompress(c Compression, data []byte, size int) ([]byte, error) {
	var (
		out []byte
		err error
	)
	switch c {
	case CompressionNone, "":
		out = data
	case CompressionZstd:
		out, err = zstdDecoder.DecodeAll(data, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
	case CompressionLZ4:
		out = make([]byte, size)
		n, err := lz4.UncompressBlock(data, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		out = out[:n]
	default:
		return nil, fmt.Errorf("unknown compression %q", c)
	}
	if len(out) != size {
		return nil, fmt.Errorf("%s decompress: got %d bytes, expected %d", c, len(out), size)
	}
	return out, nil
}
