// Package token implements the signed token envelope of spec.md §3.1/§4.1:
// an immutable, JWT-shaped value with a canonical hash identity and
// P2PK/timelock/HTLC spending conditions. It is grounded on the teacher's
// core/Tokens/base.go balance/metadata conventions, generalized from an
// account-balance token model to a bearer-envelope one.
package token

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"tokenforge/cryptoutil"
)

// Type distinguishes the two payload shapes a token may carry.
type Type string

const (
	Fungible Type = "FUNGIBLE"
	TAT      Type = "TAT"
)

// Alg is always Schnorr — the only signature scheme this protocol supports.
const Alg = "Schnorr"

// HashFunction names a supported HTLC hash function.
type HashFunction string

const (
	HashSHA256 HashFunction = "SHA256"
)

// HTLCLock is a hash-time-locked contract attached to a token payload.
type HTLCLock struct {
	Hashlock     string       `json:"hashlock"`
	TimelockMs   int64        `json:"timelock_ms"`
	HashFunction HashFunction `json:"hashFunction"`
}

// Header is the JWT-shaped token's header segment.
type Header struct {
	Alg       string `json:"alg"`
	Typ       Type   `json:"typ"`
	TokenHash string `json:"token_hash"`
}

// Payload is the JWT-shaped token's payload segment. Amount and TokenID are
// mutually exclusive per the FUNGIBLE/TAT invariant of spec.md §3.1.
type Payload struct {
	Iss      string    `json:"iss"`
	Iat      int64     `json:"iat"`
	Exp      *int64    `json:"exp,omitempty"`
	Amount   *uint64   `json:"amount,omitempty"`
	TokenID  *uint64   `json:"tokenID,omitempty"`
	P2PKlock *string   `json:"P2PKlock,omitempty"`
	TimeLock *int64    `json:"timeLock,omitempty"`
	HTLC     *HTLCLock `json:"HTLC,omitempty"`
	DataURI  *string   `json:"data_uri,omitempty"`
}

// Token is the in-memory, parsed form of the wire envelope. Its Header and
// Payload are not changed after Build/Restore; Sign sets Signature in place.
type Token struct {
	Header    Header
	Payload   Payload
	Signature string // hex; empty until Sign/restored from a signed JWT
}

// ErrInvalidTokenHash is returned by Restore when the header's token_hash
// does not match the hash recomputed from the payload — I4 in spec.md §8.
var ErrInvalidTokenHash = errors.New("invalid token hash")

// Build populates header and payload and computes the canonical token hash.
// It validates the FUNGIBLE/TAT mutual-exclusion invariant of §3.1.
func Build(typ Type, payload Payload) (*Token, error) {
	if err := validatePayloadShape(typ, payload); err != nil {
		return nil, err
	}
	payloadJSON, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	hash := cryptoutil.DoubleSHA256Hex(b64url(payloadJSON))
	return &Token{
		Header:  Header{Alg: Alg, Typ: typ, TokenHash: hash},
		Payload: payload,
	}, nil
}

func validatePayloadShape(typ Type, p Payload) error {
	switch typ {
	case Fungible:
		if p.Amount == nil || *p.Amount == 0 {
			return errors.New("fungible token requires amount > 0")
		}
		if p.TokenID != nil {
			return errors.New("fungible token must not carry tokenID")
		}
	case TAT:
		if p.TokenID == nil {
			return errors.New("TAT requires tokenID")
		}
		if p.Amount != nil {
			return errors.New("TAT must not carry amount")
		}
	default:
		return fmt.Errorf("unknown token type %q", typ)
	}
	return nil
}

// Hash returns the token's identity hash (hex).
func (t *Token) Hash() string { return t.Header.TokenHash }

// Sign Schnorr-signs the UTF-8 bytes of the hex token hash and stores the
// resulting signature on the token, per spec.md §3.1's invariant that the
// signature covers the hex string, not the raw hash bytes.
func (t *Token) Sign(priv *cryptoutil.PrivateKey) error {
	sig, err := priv.SignHex(t.Header.TokenHash)
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}
	t.Signature = sig
	return nil
}

// VerifySignature checks the token's signature against the issuer public
// key recorded in the payload.
func (t *Token) VerifySignature() (bool, error) {
	if t.Signature == "" {
		return false, errors.New("token has no signature")
	}
	iss, err := cryptoutil.PublicKeyFromHex(t.Payload.Iss)
	if err != nil {
		return false, fmt.Errorf("issuer public key: %w", err)
	}
	return iss.VerifyHex(t.Header.TokenHash, t.Signature)
}

// ToJWT serializes the token into its three-part JWT-shaped string.
func (t *Token) ToJWT() (string, error) {
	if t.Signature == "" {
		return "", errors.New("token is unsigned")
	}
	headerJSON, err := json.Marshal(t.Header)
	if err != nil {
		return "", fmt.Errorf("marshal header: %w", err)
	}
	payloadJSON, err := marshalPayload(t.Payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return strings.Join([]string{
		b64url(headerJSON),
		b64url(payloadJSON),
		t.Signature,
	}, "."), nil
}

// Restore parses a JWT-shaped token string and recomputes its token hash
// from the payload, rejecting any mismatch against the header's claimed
// hash (I4/I5 in spec.md §8).
func Restore(jwt string) (*Token, error) {
	parts := strings.Split(jwt, ".")
	if len(parts) != 3 {
		return nil, errors.New("token must have 3 dot-separated parts")
	}
	headerB64, payloadB64, sig := parts[0], parts[1], parts[2]

	headerJSON, err := b64urlDecode(headerB64)
	if err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	var header Header
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, fmt.Errorf("unmarshal header: %w", err)
	}

	recomputed := cryptoutil.DoubleSHA256Hex(payloadB64)
	if recomputed != header.TokenHash {
		return nil, ErrInvalidTokenHash
	}

	payloadJSON, err := b64urlDecode(payloadB64)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	var payload Payload
	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}

	return &Token{Header: header, Payload: payload, Signature: sig}, nil
}

// IsExpired reports whether the token's exp claim has passed.
func (t *Token) IsExpired(nowUnix int64) bool {
	return t.Payload.Exp != nil && nowUnix >= *t.Payload.Exp
}

// LockStatus reports which spending conditions are present/active at nowMs
// (milliseconds since epoch, matching timeLock's unit in spec.md §3.1).
type LockStatus struct {
	P2PK     bool
	HTLC     bool
	TimeLock bool
}

// LockStatus computes which locks currently gate spending of t.
func (t *Token) LockStatus(nowMs int64) LockStatus {
	return LockStatus{
		P2PK:     t.Payload.P2PKlock != nil,
		HTLC:     t.Payload.HTLC != nil,
		TimeLock: t.Payload.TimeLock != nil && *t.Payload.TimeLock > nowMs,
	}
}

func marshalPayload(p Payload) ([]byte, error) {
	return json.Marshal(p)
}

func b64url(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func b64urlDecode(s string) ([]byte, error) {
	// Tolerate both padded and unpadded base64url, matching toJWT's
	// "padding removed" convention while still accepting third-party
	// tokens that retained it.
	if m := len(s) % 4; m != 0 {
		s += strings.Repeat("=", 4-m)
	}
	return base64.URLEncoding.DecodeString(s)
}
