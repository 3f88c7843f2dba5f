package token

import (
	"testing"

	"tokenforge/cryptoutil"
)

// FuzzTokenJWTRoundTrip checks that a signed token survives ToJWT/Restore
// for arbitrary FUNGIBLE amounts and P2PK lock strings, following the
// seed-corpus-plus-invariant shape of the teacher's internal/testutil fuzz
// tests (FuzzReverse/FuzzSandboxReadWrite).
func FuzzTokenJWTRoundTrip(f *testing.F) {
	f.Add(uint64(1), "")
	f.Add(uint64(1), "ab")
	f.Add(uint64(1<<63), "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcd")

	priv, err := cryptoutil.GeneratePrivateKey()
	if err != nil {
		f.Fatalf("generate key: %v", err)
	}

	f.Fuzz(func(t *testing.T, amount uint64, lock string) {
		if amount == 0 {
			t.Skip("amount 0 is an invalid FUNGIBLE payload by construction")
		}
		payload := Payload{
			Iss:    priv.PubKey().Hex(),
			Iat:    1,
			Amount: &amount,
		}
		if lock != "" {
			payload.P2PKlock = &lock
		}
		tok, err := Build(Fungible, payload)
		if err != nil {
			// Build only rejects malformed shapes, which a well-formed
			// FUNGIBLE payload never triggers.
			t.Fatalf("build: %v", err)
		}
		if err := tok.Sign(priv); err != nil {
			t.Fatalf("sign: %v", err)
		}
		jwt, err := tok.ToJWT()
		if err != nil {
			t.Fatalf("toJWT: %v", err)
		}
		restored, err := Restore(jwt)
		if err != nil {
			t.Fatalf("restore: %v", err)
		}
		if restored.Hash() != tok.Hash() {
			t.Fatalf("hash mismatch after round trip: got %s want %s", restored.Hash(), tok.Hash())
		}
		ok, err := restored.VerifySignature()
		if err != nil || !ok {
			t.Fatalf("restored signature invalid: ok=%v err=%v", ok, err)
		}
	})
}

// FuzzHTLCHashLength checks that HTLCLock.Validate accepts exactly the
// hashlock lengths expectedHashLen declares and rejects every other length,
// for the one HashFunction this module currently supports.
func FuzzHTLCHashLength(f *testing.F) {
	f.Add(sha256HexLen)
	f.Add(0)
	f.Add(sha256HexLen - 1)
	f.Add(sha256HexLen + 1)

	f.Fuzz(func(t *testing.T, length int) {
		if length < 0 || length > 4096 {
			t.Skip("out of range for a hex string length")
		}
		hashlock := make([]byte, length)
		for i := range hashlock {
			hashlock[i] = '0'
		}
		lock := HTLCLock{Hashlock: string(hashlock), TimelockMs: 0, HashFunction: HashSHA256}
		err := lock.Validate()
		if length == sha256HexLen && err != nil {
			t.Fatalf("expected valid length %d to pass, got %v", length, err)
		}
		if length != sha256HexLen && err == nil {
			t.Fatalf("expected invalid length %d to fail", length)
		}
	})
}
