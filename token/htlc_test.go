package token

import "testing"

func TestHTLCRedeemThenRefund(t *testing.T) {
	now := int64(1_700_000_000_000)
	deadline := now + 60_000
	lock, err := NewHTLCLock(HashSHA256, "s3cret-preimage-0001", deadline, now)
	if err != nil {
		t.Fatalf("new htlc lock: %v", err)
	}

	redeemable, err := lock.Redeemable(now+10_000, "s3cret-preimage-0001")
	if err != nil || !redeemable {
		t.Fatalf("expected redeemable before deadline: ok=%v err=%v", redeemable, err)
	}

	afterDeadline := deadline + 1
	redeemableLate, err := lock.Redeemable(afterDeadline, "s3cret-preimage-0001")
	if err != nil {
		t.Fatalf("redeemable check: %v", err)
	}
	if redeemableLate {
		t.Fatal("expected redeem window to be closed after the deadline")
	}
	if !lock.Refundable(afterDeadline) {
		t.Fatal("expected refundable after deadline")
	}
}

func TestHTLCWrongSecretRejected(t *testing.T) {
	now := int64(1_700_000_000_000)
	lock, err := NewHTLCLock(HashSHA256, "s3cret-preimage-0001", now+60_000, now)
	if err != nil {
		t.Fatalf("new htlc lock: %v", err)
	}
	ok, err := lock.Redeemable(now, "s3cret-preimage-0002")
	if err != nil {
		t.Fatalf("redeemable: %v", err)
	}
	if ok {
		t.Fatal("expected a one-byte-different secret to be rejected")
	}
}

func TestHTLCRejectsShortSecret(t *testing.T) {
	now := int64(1_700_000_000_000)
	if _, err := NewHTLCLock(HashSHA256, "short", now+1000, now); err == nil {
		t.Fatal("expected error for secret under 16 characters")
	}
}

func TestHTLCRejectsMalformedTimelock(t *testing.T) {
	now := int64(1_700_000_000_000)
	const day = 24 * 60 * 60 * 1000
	if _, err := NewHTLCLock(HashSHA256, "s3cret-preimage-0001", now-31*day, now); err == nil {
		t.Fatal("expected error for timelock more than 30 days in the past")
	}
	if _, err := NewHTLCLock(HashSHA256, "s3cret-preimage-0001", now+366*day, now); err == nil {
		t.Fatal("expected error for timelock more than 1 year in the future")
	}
}
