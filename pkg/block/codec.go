package block

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects the codec applied to stored blocks.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionZip
	CompressionSnappy
	CompressionLZ4
	CompressionZstd
)

var compressionNames = map[Compression]string{
	CompressionNone:   "NONE",
	CompressionZip:    "ZIP",
	CompressionSnappy: "SNAPPY",
	CompressionLZ4:    "LZ4",
	CompressionZstd:   "ZSTD",
}

func (c Compression) String() string {
	if name, ok := compressionNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Compression(%d)", uint8(c))
}

// ParseCompression parses a codec name (case-insensitive). BZIP2 is
// recognized but rejected: no encoder is available for it.
func ParseCompression(name string) (Compression, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	if upper == "" {
		return CompressionNone, nil
	}
	for c, n := range compressionNames {
		if n == upper {
			return c, nil
		}
	}
	if upper == "BZIP2" {
		return CompressionNone, fmt.Errorf("compression %s is not supported", upper)
	}
	return CompressionNone, fmt.Errorf("unknown compression %q", name)
}

// errIncompressible is returned when compressing would not shrink the data.
var errIncompressible = errors.New("block: data is incompressible")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("block: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("block: zstd decoder initialization failed: " + err.Error())
	}
}

func compress(c Compression, data []byte) ([]byte, error) {
	var out []byte
	switch c {
	case CompressionNone:
		return data, nil

	case CompressionZip:
		var buf bytes.Buffer
		w, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return nil, fmt.Errorf("flate compress: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("flate compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("flate compress: %w", err)
		}
		out = buf.Bytes()

	case CompressionSnappy:
		out = s2.EncodeSnappy(nil, data)

	case CompressionLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, dst, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 {
			return nil, errIncompressible
		}
		out = dst[:n]

	case CompressionZstd:
		out = zstdEncoder.EncodeAll(data, nil)

	default:
		return nil, fmt.Errorf("unsupported compression %s", c)
	}

	if len(out) >= len(data) {
		return nil, errIncompressible
	}
	return out, nil
}

func decompress(c Compression, payload []byte, size int) ([]byte, error) {
	var out []byte
	var err error

	switch c {
	case CompressionNone:
		out = payload

	case CompressionZip:
		r := flate.NewReader(bytes.NewReader(payload))
		out = make([]byte, size)
		_, err = io.ReadFull(r, out)
		_ = r.Close()

	case CompressionSnappy:
		out, err = s2.Decode(make([]byte, size), payload)

	case CompressionLZ4:
		out = make([]byte, size)
		var n int
		n, err = lz4.UncompressBlock(payload, out)
		out = out[:n]

	case CompressionZstd:
		out, err = zstdDecoder.DecodeAll(payload, make([]byte, 0, size))

	default:
		return nil, fmt.Errorf("%w: unknown compression %d", ErrCorrupt, c)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %s decompress: %v", ErrCorrupt, c, err)
	}
	if len(out) != size {
		return nil, fmt.Errorf("%w: %s decompress: got %d bytes, expected %d", ErrCorrupt, c, len(out), size)
	}
	return out, nil
}

// headerSize is the fixed part of an encoded block:
// codec (1) | checksum type (1) | uncompressed length (4).
const headerSize = 6

// Encode wraps data with a header naming the codec and checksum actually
// used, so readers decode any block whatever the current configuration.
// Data that does not shrink is stored uncompressed.
func Encode(data []byte, c Compression, sum Checksum) ([]byte, error) {
	payload, err := compress(c, data)
	if errors.Is(err, errIncompressible) {
		c, payload, err = CompressionNone, data, nil
	}
	if err != nil {
		return nil, err
	}

	digest := sum.compute(data)

	out := make([]byte, headerSize+len(digest)+len(payload))
	out[0] = byte(c)
	out[1] = byte(sum)
	binary.BigEndian.PutUint32(out[2:6], uint32(len(data)))
	copy(out[headerSize:], digest)
	copy(out[headerSize+len(digest):], payload)
	return out, nil
}

// Decode reverses Encode and verifies the checksum.
func Decode(raw []byte) ([]byte, error) {
	if len(raw) < headerSize {
		return nil, fmt.Errorf("%w: short header (%d bytes)", ErrCorrupt, len(raw))
	}

	c := Compression(raw[0])
	sum := Checksum(raw[1])
	size := int(binary.BigEndian.Uint32(raw[2:6]))

	digestLen, ok := sum.size()
	if !ok {
		return nil, fmt.Errorf("%w: unknown checksum %d", ErrCorrupt, raw[1])
	}
	if len(raw) < headerSize+digestLen {
		return nil, fmt.Errorf("%w: truncated checksum", ErrCorrupt)
	}

	digest := raw[headerSize : headerSize+digestLen]
	data, err := decompress(c, raw[headerSize+digestLen:], size)
	if err != nil {
		return nil, err
	}

	if !bytes.Equal(digest, sum.compute(data)) {
		return nil, fmt.Errorf("%w: %s checksum mismatch", ErrCorrupt, sum)
	}
	return data, nil
}
