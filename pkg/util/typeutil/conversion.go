package typeutil

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// BytesToUint64 converts an 8-byte big-endian slice to a uint64.
func BytesToUint64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, errors.Errorf("invalid data, must 8 bytes, but %d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

// Uint64ToBytes converts a uint64 to an 8-byte big-endian slice.
func Uint64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
