package wire

import "github.com/cespare/xxhash/v2"

// Checksum computes the integrity digest over an on-wire payload (§6). Any
// mismatch on the receiving side is treated as a corrupt replica answer and
// forces a retry against another cell rather than a protocol-fatal error.
func Checksum(payload []byte) uint64 {
	return xxhash.Sum64(payload)
}

// VerifyChecksum reports whether payload matches the previously computed want.
func VerifyChecksum(payload []byte, want uint64) bool {
	return Checksum(payload) == want
}
