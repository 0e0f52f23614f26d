package session

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
)

// BuildID derives a build unique id from a build version. Sessions are only
// found by subsystems with the same build id.
func BuildID(version string) int32 {
	sum := blake2b.Sum256([]byte(version))
	return int32(binary.BigEndian.Uint32(sum[:4]) & 0x7fffffff)
}
