package forge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"tokenforge/cryptoutil"
	"tokenforge/messaging"
	"tokenforge/state"
	"tokenforge/token"
	"tokenforge/transport"
)

type harness struct {
	t       *testing.T
	ctx     context.Context
	cancel  context.CancelFunc
	relay   *transport.MemoryRelay
	forge   *Forge
	forgeID *cryptoutil.PrivateKey
}

func newHarness(t *testing.T, totalSupply uint64) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	relay := transport.NewMemoryRelay()
	forgeID, err := cryptoutil.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate forge key: %v", err)
	}
	f, err := NewForge(forgeID, relay, state.NewMemStorage(), totalSupply, nil)
	if err != nil {
		t.Fatalf("new forge: %v", err)
	}
	if err := f.Listen(ctx); err != nil {
		t.Fatalf("forge listen: %v", err)
	}
	return &harness{t: t, ctx: ctx, cancel: cancel, relay: relay, forge: f, forgeID: forgeID}
}

func (h *harness) close() { h.cancel() }

// pocketClient is a minimal request-issuing + push-collecting stand-in for
// a Pocket, exercising exactly the messaging.Client surface forge's tests
// need.
type pocketClient struct {
	t      *testing.T
	client *messaging.Client
	pub    *cryptoutil.PublicKey
	pushes chan map[string]json.RawMessage
}

func (h *harness) newPocket() *pocketClient {
	h.t.Helper()
	key, err := cryptoutil.GeneratePrivateKey()
	if err != nil {
		h.t.Fatalf("generate pocket key: %v", err)
	}
	pc := &pocketClient{
		t:      h.t,
		client: messaging.NewClient(key, h.relay, nil, nil),
		pub:    key.PubKey(),
		pushes: make(chan map[string]json.RawMessage, 16),
	}
	err = pc.client.Listen(h.ctx, func(ctx context.Context, decoded *messaging.Decoded) {
		var m map[string]json.RawMessage
		if err := json.Unmarshal(decoded.Plaintext, &m); err != nil {
			return
		}
		select {
		case pc.pushes <- m:
		default:
		}
	})
	if err != nil {
		h.t.Fatalf("pocket listen: %v", err)
	}
	return pc
}

func (pc *pocketClient) call(ctx context.Context, to *cryptoutil.PublicKey, method string, params any) *messaging.Response {
	pc.t.Helper()
	resp, err := pc.client.Call(ctx, to, method, params)
	if err != nil {
		pc.t.Fatalf("call %s: %v", method, err)
	}
	return resp
}

// witness signs jwt's token hash with pc's identity key, satisfying the P2PK
// lock the forge places on tokens minted to pc.
func (pc *pocketClient) witness(jwt string) string {
	pc.t.Helper()
	tok, err := token.Restore(jwt)
	if err != nil {
		pc.t.Fatalf("restore: %v", err)
	}
	sig, err := pc.client.Identity.SignHex(tok.Hash())
	if err != nil {
		pc.t.Fatalf("sign witness: %v", err)
	}
	return sig
}

// waitPush blocks for one decrypted push notification and extracts its
// "result" object.
func (pc *pocketClient) waitPush(t *testing.T) map[string]json.RawMessage {
	t.Helper()
	select {
	case m := <-pc.pushes:
		result, ok := m["result"]
		if !ok {
			t.Fatalf("push had no result field: %v", m)
		}
		var inner map[string]json.RawMessage
		if err := json.Unmarshal(result, &inner); err != nil {
			t.Fatalf("unmarshal push result: %v", err)
		}
		return inner
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for push")
		return nil
	}
}

func decodeString(t *testing.T, raw json.RawMessage) string {
	t.Helper()
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		t.Fatalf("decode string: %v", err)
	}
	return s
}

func TestMintTransferVerify(t *testing.T) {
	h := newHarness(t, 1000)
	defer h.close()

	a := h.newPocket()
	b := h.newPocket()
	c := h.newPocket()
	if err := h.forge.AuthorizeForger(a.pub.Hex()); err != nil {
		t.Fatalf("authorize forger: %v", err)
	}

	amount := uint64(100)
	resp := a.call(h.ctx, h.forgeID.PubKey(), "forge", forgeParams{To: a.pub.Hex(), Amount: &amount})
	if resp.Error != nil {
		t.Fatalf("forge failed: %+v", resp.Error)
	}
	push := a.waitPush(t)
	mintedJWT := decodeString(t, push["token"])

	thirty, twenty := uint64(30), uint64(20)
	txResp := a.call(h.ctx, h.forgeID.PubKey(), "transfer", TransferRequest{
		Ins: []string{mintedJWT},
		Outs: []TransferOutputSpec{
			{To: b.pub.Hex(), Amount: &thirty},
			{To: c.pub.Hex(), Amount: &twenty},
		},
		WitnessData: []string{a.witness(mintedJWT)},
	})
	if txResp.Error != nil {
		t.Fatalf("transfer failed: %+v", txResp.Error)
	}

	bPush := b.waitPush(t)
	bJWT := decodeString(t, bPush["token"])
	cPush := c.waitPush(t)
	cJWT := decodeString(t, cPush["token"])
	changePush := a.waitPush(t)
	changeJWT := decodeString(t, changePush["token"])

	assertAmount(t, bJWT, 30)
	assertAmount(t, cJWT, 20)
	assertAmount(t, changeJWT, 50)

	verifyResp := a.call(h.ctx, h.forgeID.PubKey(), "verify", verifyParams{TokenJWT: mintedJWT})
	var verifyResult struct{ Valid bool }
	if err := json.Unmarshal(verifyResp.Result, &verifyResult); err != nil {
		t.Fatalf("unmarshal verify: %v", err)
	}
	if verifyResult.Valid {
		t.Fatal("spent token must not verify as valid")
	}

	h.forge.mu.Lock()
	supply := h.forge.state.CirculatingSupply
	h.forge.mu.Unlock()
	if supply != 100 {
		t.Fatalf("expected circulatingSupply 100, got %d", supply)
	}
}

func assertAmount(t *testing.T, jwt string, want uint64) {
	t.Helper()
	tok, err := token.Restore(jwt)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if tok.Payload.Amount == nil || *tok.Payload.Amount != want {
		t.Fatalf("expected amount %d, got %+v", want, tok.Payload.Amount)
	}
}

func TestTATIssuanceAndHandOff(t *testing.T) {
	h := newHarness(t, 10)
	defer h.close()

	a := h.newPocket()
	b := h.newPocket()
	if err := h.forge.AuthorizeForger(a.pub.Hex()); err != nil {
		t.Fatalf("authorize forger: %v", err)
	}

	var jwts []string
	for i := 0; i < 3; i++ {
		resp := a.call(h.ctx, h.forgeID.PubKey(), "forge", forgeParams{To: a.pub.Hex()})
		if resp.Error != nil {
			t.Fatalf("forge TAT %d failed: %+v", i, resp.Error)
		}
		push := a.waitPush(t)
		jwt := decodeString(t, push["token"])
		jwts = append(jwts, jwt)

		tok, err := token.Restore(jwt)
		if err != nil {
			t.Fatalf("restore: %v", err)
		}
		if tok.Payload.TokenID == nil || *tok.Payload.TokenID != uint64(i) {
			t.Fatalf("expected tokenID %d, got %+v", i, tok.Payload.TokenID)
		}
	}

	tokenIDOne := uint64(1)
	txResp := a.call(h.ctx, h.forgeID.PubKey(), "transfer", TransferRequest{
		Ins:         []string{jwts[1]},
		Outs:        []TransferOutputSpec{{To: b.pub.Hex(), TokenID: &tokenIDOne}},
		WitnessData: []string{a.witness(jwts[1])},
	})
	if txResp.Error != nil {
		t.Fatalf("transfer failed: %+v", txResp.Error)
	}
	push := b.waitPush(t)
	gotJWT := decodeString(t, push["token"])
	tok, err := token.Restore(gotJWT)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if tok.Payload.TokenID == nil || *tok.Payload.TokenID != 1 {
		t.Fatalf("expected tokenID 1 in B's token, got %+v", tok.Payload.TokenID)
	}

	origTok, _ := token.Restore(jwts[1])
	if !h.forge.isSpent(origTok.Hash()) {
		t.Fatal("original tokenID 1 must be in spentTokens")
	}
}

func TestDoubleSpendRace(t *testing.T) {
	h := newHarness(t, 1000)
	defer h.close()

	a := h.newPocket()
	b := h.newPocket()
	c := h.newPocket()
	if err := h.forge.AuthorizeForger(a.pub.Hex()); err != nil {
		t.Fatalf("authorize forger: %v", err)
	}

	amount := uint64(50)
	resp := a.call(h.ctx, h.forgeID.PubKey(), "forge", forgeParams{To: a.pub.Hex(), Amount: &amount})
	if resp.Error != nil {
		t.Fatalf("forge failed: %+v", resp.Error)
	}
	push := a.waitPush(t)
	mintedJWT := decodeString(t, push["token"])

	type outcome struct {
		resp *messaging.Response
	}
	results := make(chan outcome, 2)
	fifty := uint64(50)
	witness := a.witness(mintedJWT)
	go func() {
		r, _ := a.client.Call(h.ctx, h.forgeID.PubKey(), "transfer", TransferRequest{
			Ins:         []string{mintedJWT},
			Outs:        []TransferOutputSpec{{To: b.pub.Hex(), Amount: &fifty}},
			WitnessData: []string{witness},
		})
		results <- outcome{r}
	}()
	go func() {
		r, _ := a.client.Call(h.ctx, h.forgeID.PubKey(), "transfer", TransferRequest{
			Ins:         []string{mintedJWT},
			Outs:        []TransferOutputSpec{{To: c.pub.Hex(), Amount: &fifty}},
			WitnessData: []string{witness},
		})
		results <- outcome{r}
	}()

	first := <-results
	second := <-results
	successes, conflicts := 0, 0
	for _, o := range []outcome{first, second} {
		if o.resp == nil {
			continue
		}
		if o.resp.Error == nil {
			successes++
		} else if o.resp.Error.Code == 409 {
			conflicts++
		}
	}
	if successes != 1 || conflicts != 1 {
		t.Fatalf("expected exactly one success and one 409, got successes=%d conflicts=%d", successes, conflicts)
	}
}

func TestAuthorizationGate(t *testing.T) {
	h := newHarness(t, 1000)
	defer h.close()

	intruder := h.newPocket()
	amount := uint64(10)
	resp := intruder.call(h.ctx, h.forgeID.PubKey(), "forge", forgeParams{To: intruder.pub.Hex(), Amount: &amount})
	if resp.Error == nil || resp.Error.Code != 403 {
		t.Fatalf("expected 403 Forbidden, got %+v", resp.Error)
	}

	h.forge.mu.Lock()
	supply := h.forge.state.CirculatingSupply
	h.forge.mu.Unlock()
	if supply != 0 {
		t.Fatalf("expected circulatingSupply 0, got %d", supply)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	h := newHarness(t, 1000)
	defer h.close()

	a := h.newPocket()
	b := h.newPocket()

	past := time.Now().Add(-time.Second).Unix()
	amount := uint64(5)
	payload := token.Payload{
		Iss:      h.forgeID.PubKey().Hex(),
		Iat:      time.Now().Unix(),
		Exp:      &past,
		Amount:   &amount,
		P2PKlock: strPtr(a.pub.Hex()),
	}
	tok, err := token.Build(token.Fungible, payload)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := tok.Sign(h.forgeID); err != nil {
		t.Fatalf("sign: %v", err)
	}
	jwt, err := tok.ToJWT()
	if err != nil {
		t.Fatalf("toJWT: %v", err)
	}

	resp := a.call(h.ctx, h.forgeID.PubKey(), "transfer", TransferRequest{
		Ins:  []string{jwt},
		Outs: []TransferOutputSpec{{To: b.pub.Hex(), Amount: &amount}},
	})
	if resp.Error == nil || resp.Error.Code != 400 {
		t.Fatalf("expected 400 expired, got %+v", resp.Error)
	}
	if h.forge.isSpent(tok.Hash()) {
		t.Fatal("expired token must not be marked spent")
	}
}

func TestHTLCRedeemThenExpiry(t *testing.T) {
	h := newHarness(t, 1000)
	defer h.close()

	a := h.newPocket()
	b := h.newPocket()

	secret := "s3cret-preimage-0001"
	sum := sha256.Sum256([]byte(secret))
	hashlock := hex.EncodeToString(sum[:])
	nowMs := time.Now().UnixMilli()
	timelockMs := nowMs + 200 // short window for the test

	amount := uint64(10)
	payload := token.Payload{
		Iss:    h.forgeID.PubKey().Hex(),
		Iat:    time.Now().Unix(),
		Amount: &amount,
		HTLC: &token.HTLCLock{
			Hashlock:     hashlock,
			TimelockMs:   timelockMs,
			HashFunction: token.HashSHA256,
		},
	}
	tok, err := token.Build(token.Fungible, payload)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := tok.Sign(h.forgeID); err != nil {
		t.Fatalf("sign: %v", err)
	}
	jwt, err := tok.ToJWT()
	if err != nil {
		t.Fatalf("toJWT: %v", err)
	}

	resp := a.call(h.ctx, h.forgeID.PubKey(), "transfer", TransferRequest{
		Ins:        []string{jwt},
		Outs:       []TransferOutputSpec{{To: b.pub.Hex(), Amount: &amount}},
		HTLCSecret: secret,
	})
	if resp.Error != nil {
		t.Fatalf("expected HTLC redeem to succeed before expiry, got %+v", resp.Error)
	}
	b.waitPush(t)

	// A second, distinct token carrying the same HTLC shape, redeemed after
	// the window closes — distinct so it isn't rejected as already-spent
	// before the expiry check is reached.
	amount2 := uint64(11)
	payload2 := payload
	payload2.Amount = &amount2
	tok2, _ := token.Build(token.Fungible, payload2)
	_ = tok2.Sign(h.forgeID)
	jwt2, _ := tok2.ToJWT()

	time.Sleep(250 * time.Millisecond)
	resp2 := a.call(h.ctx, h.forgeID.PubKey(), "transfer", TransferRequest{
		Ins:        []string{jwt2},
		Outs:       []TransferOutputSpec{{To: b.pub.Hex(), Amount: &amount2}},
		HTLCSecret: secret,
	})
	if resp2.Error == nil || resp2.Error.Code != 400 {
		t.Fatalf("expected 400 Locked after expiry, got %+v", resp2.Error)
	}
}

func strPtr(s string) *string { return &s }
