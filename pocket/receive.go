package pocket

import (
	"context"
	"fmt"
	"time"
)

// ReceiveAddress derives the next single-use receive key at
// m/7'/23'/11'/16'/0/<index> (index = the current size of the single-use
// keys map), records it in state, and opens a subscription for it — spec.md
// §4.5. The subscription is torn down automatically once a token arrives
// for this key (see receiveToken/markSingleUseConsumed in pocket.go).
func (pk *Pocket) ReceiveAddress(ctx context.Context) (string, error) {
	pk.store.mu.Lock()
	index := uint32(len(pk.store.state.SingleUseKeys))
	master := pk.store.masterKey
	pk.store.mu.Unlock()

	path := append(append([]uint32(nil), receivePathPrefix...), index)
	child, err := master.DerivePath(path...)
	if err != nil {
		return "", fmt.Errorf("derive receive key: %w", err)
	}
	priv := child.PrivateKey()
	pubHex := priv.PubKey().Hex()

	pk.store.mu.Lock()
	pk.store.state.SingleUseKeys[pubHex] = &SingleUseKeyRecord{
		PrivateKeyHex: priv.Hex(),
		CreatedAt:     time.Now().Unix(),
	}
	pk.store.mu.Unlock()

	if err := pk.store.save(); err != nil {
		return "", fmt.Errorf("persist receive key: %w", err)
	}
	if err := pk.subscribeReceiveKey(ctx, pubHex); err != nil {
		return "", err
	}
	return pubHex, nil
}

func (pk *Pocket) subscribeReceiveKey(ctx context.Context, pubHex string) error {
	return pk.SubscribeSelf(ctx, pubHex, pk.handlePush)
}
