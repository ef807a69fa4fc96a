package unarchive

import (
	"bytes"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4"
)

// Compression selects how an Archiver compresses the archive it writes. Compressed
// archives are recognized by their frame magic when unarchiving.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionZstd
	CompressionGzip
	CompressionLZ4
	CompressionSnappy
)

var (
	magicZstd   = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicGzip   = []byte{0x1f, 0x8b}
	magicLZ4    = []byte{0x04, 0x22, 0x4d, 0x18}
	magicSnappy = []byte("\xff\x06\x00\x00sNaPpY")
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionGzip:
		return "gzip"
	case CompressionLZ4:
		return "lz4"
	case CompressionSnappy:
		return "snappy"
	default:
		return fmt.Sprintf("compression(%d)", int(c))
	}
}

// ParseCompression parses the name of a compression as returned by Compression.String.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	case "gzip":
		return CompressionGzip, nil
	case "lz4":
		return CompressionLZ4, nil
	case "snappy":
		return CompressionSnappy, nil
	default:
		return CompressionNone, fmt.Errorf("unknown compression %q", name)
	}
}

// detectCompression inspects the leading bytes of data.
func detectCompression(data []byte) Compression {
	switch {
	case bytes.HasPrefix(data, magicZstd):
		return CompressionZstd
	case bytes.HasPrefix(data, magicGzip):
		return CompressionGzip
	case bytes.HasPrefix(data, magicLZ4):
		return CompressionLZ4
	case bytes.HasPrefix(data, magicSnappy):
		return CompressionSnappy
	default:
		return CompressionNone
	}
}

// decompress inflates data if it starts with a known compression frame. Archives
// larger than limit bytes, compressed or not, are rejected.
func decompress(data []byte, limit int64) ([]byte, error) {
	var r io.Reader

	switch detectCompression(data) {
	case CompressionZstd:
		decoder, err := zstd.NewReader(bytes.NewReader(data),
			zstd.WithDecoderConcurrency(1),
			zstd.WithDecoderMaxMemory(uint64(limit)),
		)
		if err != nil {
			return nil, malformedf("zstd: %w", err)
		}
		defer decoder.Close()
		r = decoder

	case CompressionGzip:
		reader, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, malformedf("gzip: %w", err)
		}
		defer reader.Close()
		r = reader

	case CompressionLZ4:
		r = lz4.NewReader(bytes.NewReader(data))

	case CompressionSnappy:
		r = snappy.NewReader(bytes.NewReader(data))

	default:
		if int64(len(data)) > limit {
			return nil, malformedf("archive exceeds %d bytes", limit)
		}

		return data, nil
	}

	// read one byte past the limit to tell a full archive from an oversized one
	inflated, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, malformedf("decompress: %w", err)
	}

	if int64(len(inflated)) > limit {
		return nil, malformedf("decompressed archive exceeds %d bytes", limit)
	}

	return inflated, nil
}

func compress(data []byte, compression Compression) ([]byte, error) {
	var b bytes.Buffer
	var w io.WriteCloser

	switch compression {
	case CompressionNone:
		return data, nil
	case CompressionZstd:
		// a single frame with its content size lets readers bound the window
		encoder, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		defer encoder.Close()
		return encoder.EncodeAll(data, nil), nil
	case CompressionGzip:
		w = gzip.NewWriter(&b)
	case CompressionLZ4:
		w = lz4.NewWriter(&b)
	case CompressionSnappy:
		w = snappy.NewBufferedWriter(&b)
	default:
		return nil, fmt.Errorf("unsupported compression %s", compression)
	}

	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}
