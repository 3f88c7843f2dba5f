package cryptoutil

import (
	"crypto/sha256"
	"encoding/hex"
)

func sha256Of(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}

// DoubleSHA256Hex computes SHA256(SHA256(s)) over the UTF-8 bytes of s and
// returns the hex encoding — the token-hash construction of spec.md §3.1.
func DoubleSHA256Hex(s string) string {
	first := sha256.Sum256([]byte(s))
	second := sha256.Sum256(first[:])
	return hex.EncodeToString(second[:])
}
