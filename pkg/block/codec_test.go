package block

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	compressible := bytes.Repeat([]byte("dhtfs block payload "), 4096)
	random := make([]byte, 8192)
	_, err := rand.Read(random)
	require.NoError(t, err)

	codecs := []Compression{CompressionNone, CompressionZip, CompressionSnappy, CompressionLZ4, CompressionZstd}
	sums := []Checksum{ChecksumNone, ChecksumMD5, ChecksumSHA1, ChecksumXXHash64, ChecksumBlake3}

	for _, c := range codecs {
		for _, sum := range sums {
			t.Run(c.String()+"/"+sum.String(), func(t *testing.T) {
				for _, data := range [][]byte{compressible, random, {}} {
					raw, err := Encode(data, c, sum)
					require.NoError(t, err)

					got, err := Decode(raw)
					require.NoError(t, err)
					assert.True(t, bytes.Equal(data, got))
				}
			})
		}
	}
}

func TestEncode_CompressesWhenUseful(t *testing.T) {
	data := bytes.Repeat([]byte{'a'}, Size)

	raw, err := Encode(data, CompressionZstd, ChecksumNone)
	require.NoError(t, err)
	assert.Less(t, len(raw), len(data)/10)
	assert.Equal(t, byte(CompressionZstd), raw[0])
}

func TestEncode_StoresIncompressibleRaw(t *testing.T) {
	data := make([]byte, 4096)
	_, err := rand.Read(data)
	require.NoError(t, err)

	raw, err := Encode(data, CompressionLZ4, ChecksumNone)
	require.NoError(t, err)
	assert.Equal(t, byte(CompressionNone), raw[0])
}

func TestDecode_DetectsCorruption(t *testing.T) {
	raw, err := Encode([]byte("some block data"), CompressionNone, ChecksumXXHash64)
	require.NoError(t, err)

	raw[len(raw)-1] ^= 0xff
	_, err = Decode(raw)
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = Decode([]byte{1, 2})
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = Decode([]byte{0, 99, 0, 0, 0, 0})
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestParseCompression(t *testing.T) {
	c, err := ParseCompression("lz4")
	require.NoError(t, err)
	assert.Equal(t, CompressionLZ4, c)

	c, err = ParseCompression("")
	require.NoError(t, err)
	assert.Equal(t, CompressionNone, c)

	_, err = ParseCompression("BZIP2")
	assert.ErrorContains(t, err, "not supported")

	_, err = ParseCompression("brotli")
	assert.Error(t, err)
}

func TestParseChecksum(t *testing.T) {
	c, err := ParseChecksum("sha_1")
	require.NoError(t, err)
	assert.Equal(t, ChecksumSHA1, c)

	_, err = ParseChecksum("MURMUR3_128")
	assert.ErrorContains(t, err, "not supported")

	_, err = ParseChecksum("crc")
	assert.Error(t, err)
}
