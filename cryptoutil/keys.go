// Package cryptoutil wraps the secp256k1 keypair, Schnorr signature, and
// HD-derivation primitives shared by token, forge, and pocket. It follows
// the teacher's wallet.go convention of keeping crypto in one low-tier
// package that nothing else needs to duck-type around.
package cryptoutil

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// PubKeyHexLen is the length of a hex-encoded 32-byte x-only public key.
const PubKeyHexLen = 64

// PrivateKey is a secp256k1 private key used to sign token hashes and seal
// gift-wrapped envelopes.
type PrivateKey struct {
	key *btcec.PrivateKey
}

// PublicKey is the x-only (BIP-340) public key form used as token issuer,
// P2PK lock, and envelope recipient identity.
type PublicKey struct {
	key *btcec.PublicKey
}

// GeneratePrivateKey creates a fresh random keypair.
func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}
	return &PrivateKey{key: key}, nil
}

// PrivateKeyFromBytes parses a 32-byte raw private key.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	if len(b) != 32 {
		return nil, errors.New("private key must be 32 bytes")
	}
	key, _ := btcec.PrivKeyFromBytes(b)
	return &PrivateKey{key: key}, nil
}

// Bytes returns the raw 32-byte private scalar.
func (p *PrivateKey) Bytes() []byte {
	return p.key.Serialize()
}

// Hex returns the raw 32-byte private scalar as a hex string, used to
// persist single-use receive keys in Pocket state (spec.md §3.3).
func (p *PrivateKey) Hex() string {
	return hex.EncodeToString(p.Bytes())
}

// PrivateKeyFromHex parses a hex-encoded 32-byte private scalar.
func PrivateKeyFromHex(h string) (*PrivateKey, error) {
	b, err := hex.DecodeString(h)
	if err != nil {
		return nil, fmt.Errorf("decode private key hex: %w", err)
	}
	return PrivateKeyFromBytes(b)
}

// PubKey returns the x-only public key corresponding to p.
func (p *PrivateKey) PubKey() *PublicKey {
	pk, _ := schnorr.ParsePubKey(schnorr.SerializePubKey(p.key.PubKey()))
	return &PublicKey{key: pk}
}

// SignHex Schnorr-signs the SHA-256 of the UTF-8 bytes of a hex-encoded
// digest string, per
// the token spec's "sign over the hex string of the hash, not the raw
// bytes" convention (spec.md §3.1, §9 open-question notwithstanding — this
// is preserved for bit-compat with the source protocol).
func (p *PrivateKey) SignHex(hexDigest string) (string, error) {
	msg := sha256Of([]byte(hexDigest))
	sig, err := schnorr.Sign(p.key, msg)
	if err != nil {
		return "", fmt.Errorf("schnorr sign: %w", err)
	}
	return hex.EncodeToString(sig.Serialize()), nil
}

// Hex returns the x-only public key as a 64-character hex string.
func (p *PublicKey) Hex() string {
	return hex.EncodeToString(schnorr.SerializePubKey(p.key))
}

// PublicKeyFromHex parses a 64-character hex x-only public key.
func PublicKeyFromHex(h string) (*PublicKey, error) {
	if len(h) != PubKeyHexLen {
		return nil, fmt.Errorf("public key hex must be %d chars, got %d", PubKeyHexLen, len(h))
	}
	b, err := hex.DecodeString(h)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	key, err := schnorr.ParsePubKey(b)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return &PublicKey{key: key}, nil
}

// VerifyHex verifies a hex-encoded Schnorr signature over the SHA-256 of the
// UTF-8 bytes of hexDigest, mirroring SignHex's message construction.
func (pub *PublicKey) VerifyHex(hexDigest, sigHex string) (bool, error) {
	sigBytes, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("decode signature: %w", err)
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false, fmt.Errorf("parse signature: %w", err)
	}
	msg := sha256Of([]byte(hexDigest))
	return sig.Verify(msg, pub.key), nil
}

// Equal reports whether two public keys are the same point.
func (pub *PublicKey) Equal(other *PublicKey) bool {
	if pub == nil || other == nil {
		return pub == other
	}
	return pub.Hex() == other.Hex()
}

// --- BIP32-style child derivation for single-use receive keys ---
//
// Ed25519-style SLIP-0010 derivation (as in the teacher's wallet.go) only
// supports hardened children; secp256k1 additionally supports normal
// (non-hardened) children, which this derivation uses so a watch-only
// forge could, in principle, derive the same public keys without the
// private seed. The construction otherwise follows wallet.go's
// hmacSHA512(parentChain, data) shape.

// ExtendedKey is a derivable node in the single-use-key hierarchy.
type ExtendedKey struct {
	key   []byte // 32-byte private scalar
	chain []byte // 32-byte chain code
}

// MasterKeyFromSeed derives the master extended key from a BIP-39 seed,
// using the same "ed25519 seed" HMAC key string the teacher's wallet.go
// master-key derivation uses (the value is a derivation-domain separator,
// not an algorithm restriction).
func MasterKeyFromSeed(seed []byte) (*ExtendedKey, error) {
	if len(seed) < 16 {
		return nil, errors.New("seed too short")
	}
	i := hmacSHA512([]byte("ed25519 seed"), seed)
	return &ExtendedKey{key: i[:32], chain: i[32:]}, nil
}

const hardenedOffset uint32 = 0x80000000

// Hardened returns index | hardenedOffset, the conventional hardened-path
// marker (written as index' in derivation path notation).
func Hardened(index uint32) uint32 { return index | hardenedOffset }

// Child derives the child at the given index: hardened when index >=
// hardenedOffset (see Hardened), normal otherwise.
func (e *ExtendedKey) Child(index uint32) (*ExtendedKey, error) {
	hardened := index >= hardenedOffset
	data := make([]byte, 0, 37)
	if hardened {
		data = append(data, 0x00)
		data = append(data, e.key...)
	} else {
		priv, _ := btcec.PrivKeyFromBytes(e.key)
		data = append(data, priv.PubKey().SerializeCompressed()...)
	}
	idx := make([]byte, 4)
	binary.BigEndian.PutUint32(idx, index)
	data = append(data, idx...)

	i := hmacSHA512(e.chain, data)
	childScalar, childChain := i[:32], i[32:]

	parentPriv, _ := btcec.PrivKeyFromBytes(e.key)
	childPriv, _ := btcec.PrivKeyFromBytes(childScalar)
	sum := new(btcec.ModNScalar)
	sum.Set(&parentPriv.Key)
	sum.Add(&childPriv.Key)
	sumBytes := sum.Bytes()

	return &ExtendedKey{key: sumBytes[:], chain: childChain}, nil
}

// DerivePath walks a sequence of (possibly hardened) indices from e.
func (e *ExtendedKey) DerivePath(indices ...uint32) (*ExtendedKey, error) {
	cur := e
	for _, idx := range indices {
		next, err := cur.Child(idx)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

// PrivateKey materializes the node's secp256k1 private key.
func (e *ExtendedKey) PrivateKey() *PrivateKey {
	key, _ := btcec.PrivKeyFromBytes(e.key)
	return &PrivateKey{key: key}
}

func hmacSHA512(key, data []byte) []byte {
	h := hmac.New(sha512.New, key)
	h.Write(data)
	return h.Sum(nil)
}
