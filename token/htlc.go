package token

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

const (
	sha256HexLen = sha256.Size * 2

	// minSecretLen rejects obviously-weak preimages at creation time.
	minSecretLen = 16

	maxTimelockPast   = 30 * 24 * time.Hour
	maxTimelockFuture = 365 * 24 * time.Hour
)

// NewHTLCLock validates and builds an HTLC lock for a given secret, hash
// function, and deadline, per spec.md §4.1a.
func NewHTLCLock(fn HashFunction, secret string, timelockMs, nowMs int64) (*HTLCLock, error) {
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("HTLC secret must be at least %d characters", minSecretLen)
	}
	if err := validateTimelock(timelockMs, nowMs); err != nil {
		return nil, err
	}
	hashlock, err := hashSecret(fn, secret)
	if err != nil {
		return nil, err
	}
	return &HTLCLock{Hashlock: hashlock, TimelockMs: timelockMs, HashFunction: fn}, nil
}

func validateTimelock(timelockMs, nowMs int64) error {
	deadline := time.UnixMilli(timelockMs)
	now := time.UnixMilli(nowMs)
	if deadline.Before(now.Add(-maxTimelockPast)) {
		return errors.New("HTLC timelock is too far in the past")
	}
	if deadline.After(now.Add(maxTimelockFuture)) {
		return errors.New("HTLC timelock is too far in the future")
	}
	return nil
}

func hashSecret(fn HashFunction, secret string) (string, error) {
	switch fn {
	case HashSHA256, "":
		sum := sha256.Sum256([]byte(secret))
		return hex.EncodeToString(sum[:]), nil
	default:
		return "", fmt.Errorf("unsupported HTLC hash function %q", fn)
	}
}

func expectedHashLen(fn HashFunction) (int, error) {
	switch fn {
	case HashSHA256, "":
		return sha256HexLen, nil
	default:
		return 0, fmt.Errorf("unsupported HTLC hash function %q", fn)
	}
}

// Validate checks the lock's hashlock length matches its declared hash
// function, independent of any particular secret.
func (h *HTLCLock) Validate() error {
	want, err := expectedHashLen(h.HashFunction)
	if err != nil {
		return err
	}
	if len(h.Hashlock) != want {
		return fmt.Errorf("HTLC hashlock length %d does not match %s (want %d)", len(h.Hashlock), h.HashFunction, want)
	}
	return nil
}

// Redeemable reports whether secret unlocks h before its timelock expires,
// using a constant-time comparison over the computed hash.
func (h *HTLCLock) Redeemable(nowMs int64, secret string) (bool, error) {
	if nowMs >= h.TimelockMs {
		return false, nil
	}
	if secret == "" {
		return false, nil
	}
	got, err := hashSecret(h.HashFunction, secret)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.Hashlock)) == 1, nil
}

// Refundable reports whether h's timelock has passed, allowing the sender
// to reclaim funds without the preimage.
func (h *HTLCLock) Refundable(nowMs int64) bool {
	return nowMs >= h.TimelockMs
}
