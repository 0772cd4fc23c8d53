package transfer

import (
	"encoding/base64"
	"encoding/binary"
	"hash/crc32"
)

// Checksum is the base64 of the big-endian CRC-32 (IEEE) of b, the form S3
// expects in x-amz-checksum-crc32.
func Checksum(b []byte) string {
	var sum [4]byte
	binary.BigEndian.PutUint32(sum[:], crc32.ChecksumIEEE(b))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// partRange returns the byte range of part n (1-based).
func partRange(n int, partSize, size int64) (offset, length int64) {
	offset = int64(n-1) * partSize
	length = min(partSize, size-offset)
	return offset, length
}
