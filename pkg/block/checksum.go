package block

import (
	"crypto/md5"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/zeebo/blake3"
)

// Checksum selects the digest stored with each block.
type Checksum uint8

const (
	ChecksumNone Checksum = iota
	ChecksumMD5
	ChecksumSHA1
	ChecksumXXHash64
	ChecksumBlake3
)

var checksumNames = map[Checksum]string{
	ChecksumNone:     "NONE",
	ChecksumMD5:      "MD5",
	ChecksumSHA1:     "SHA_1",
	ChecksumXXHash64: "XXHASH64",
	ChecksumBlake3:   "BLAKE3",
}

func (c Checksum) String() string {
	if name, ok := checksumNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Checksum(%d)", uint8(c))
}

// ParseChecksum parses a checksum name (case-insensitive). The MURMUR3
// variants are recognized but rejected.
func ParseChecksum(name string) (Checksum, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	if upper == "" {
		return ChecksumNone, nil
	}
	for c, n := range checksumNames {
		if n == upper {
			return c, nil
		}
	}
	if strings.HasPrefix(upper, "MURMUR3") {
		return ChecksumNone, fmt.Errorf("checksum %s is not supported", upper)
	}
	return ChecksumNone, fmt.Errorf("unknown checksum %q", name)
}

func (c Checksum) size() (int, bool) {
	switch c {
	case ChecksumNone:
		return 0, true
	case ChecksumMD5:
		return md5.Size, true
	case ChecksumSHA1:
		return sha1.Size, true
	case ChecksumXXHash64:
		return 8, true
	case ChecksumBlake3:
		return 32, true
	}
	return 0, false
}

func (c Checksum) compute(data []byte) []byte {
	switch c {
	case ChecksumMD5:
		sum := md5.Sum(data)
		return sum[:]
	case ChecksumSHA1:
		sum := sha1.Sum(data)
		return sum[:]
	case ChecksumXXHash64:
		return binary.BigEndian.AppendUint64(nil, xxhash.Sum64(data))
	case ChecksumBlake3:
		sum := blake3.Sum256(data)
		return sum[:]
	}
	return nil
}
