package token

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// BindingHash computes the time-sliced reader-binding hash of spec.md §3.1:
// SHA256(hash1 || ":" || timeSlot || ":" || readerPubkey), used for access
// checks that bind a token hash to a specific reader within a time window.
func BindingHash(tokenHashHex string, timeSlot int64, readerPubkeyHex string) (string, error) {
	hash1, err := hex.DecodeString(tokenHashHex)
	if err != nil {
		return "", err
	}
	buf := make([]byte, 0, len(hash1)+1+20+1+len(readerPubkeyHex))
	buf = append(buf, hash1...)
	buf = append(buf, ':')
	buf = append(buf, strconv.FormatInt(timeSlot, 10)...)
	buf = append(buf, ':')
	buf = append(buf, readerPubkeyHex...)
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:]), nil
}
