package snapshot

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies how a stored blob was compressed. The tag is
// written as the first byte of every blob, so these values are part
// of the storage format and must not change.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZstd Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

// ParseCompression parses a compression name. The empty string means none.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown snapshot compression: %q", name)
	}
}

// maxBlobSize bounds the decoded size of a stored blob. lz4 cannot
// expand a block more than 255 times, which bounds it further.
const (
	maxBlobSize  = 1 << 30
	maxLZ4Expand = 255
)

var ErrCorruptBlob = errors.New("snapshot: corrupt blob")

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxBlobSize))
)

// encodeBlob compresses data and prefixes the compression tag. Blobs
// that do not shrink are stored uncompressed.
func encodeBlob(data []byte, c Compression) ([]byte, error) {
	var body []byte
	switch c {
	case CompressionNone:
	case CompressionLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		var compressor lz4.Compressor
		n, err := compressor.CompressBlock(data, buf)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		// n == 0 means incompressible.
		if n > 0 {
			body = binary.AppendUvarint(nil, uint64(len(data)))
			body = append(body, buf[:n]...)
		}
	case CompressionZstd:
		body = zstdEncoder.EncodeAll(data, nil)
	default:
		return nil, fmt.Errorf("unsupported compression: %s", c)
	}

	if body == nil || len(body) >= len(data) {
		out := make([]byte, 0, len(data)+1)
		out = append(out, byte(CompressionNone))
		return append(out, data...), nil
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, byte(c))
	return append(out, body...), nil
}

// decodeBlob reverses encodeBlob.
func decodeBlob(blob []byte) ([]byte, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	tag, body := Compression(blob[0]), blob[1:]
	switch tag {
	case CompressionNone:
		out := make([]byte, len(body))
		copy(out, body)
		return out, nil
	case CompressionLZ4:
		size, n := binary.Uvarint(body)
		if n <= 0 {
			return nil, fmt.Errorf("%w: lz4 length header", ErrCorruptBlob)
		}
		if size > maxBlobSize || size > uint64(len(body)-n)*maxLZ4Expand {
			return nil, fmt.Errorf("%w: lz4 length %d for %d compressed bytes", ErrCorruptBlob, size, len(body)-n)
		}
		out := make([]byte, size)
		written, err := lz4.UncompressBlock(body[n:], out)
		if err != nil {
			return nil, fmt.Errorf("%w: lz4: %v", ErrCorruptBlob, err)
		}
		if uint64(written) != size {
			return nil, fmt.Errorf("%w: lz4 got %d bytes, want %d", ErrCorruptBlob, written, size)
		}
		return out, nil
	case CompressionZstd:
		out, err := zstdDecoder.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrCorruptBlob, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown compression tag %d", ErrCorruptBlob, tag)
	}
}
