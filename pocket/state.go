// Package pocket implements the holder peer of spec.md §2/§3.3/§4.5: an
// index of owned token JWTs keyed by issuer and denomination, coin
// selection for fungible transfers, witness construction, single-use
// receive-key derivation, and spent-notification reconciliation. It is
// grounded on the teacher's core/wallet.go (HD derivation, BIP-39) and
// core/Tokens/base.go (balance bookkeeping), generalized from an
// account-balance wallet to a bearer-token one, and on the coin-selection
// shape of degeri-dcrlnd's lnwallet/chanfunding/coin_select.go.
package pocket

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tyler-smith/go-bip39"

	"tokenforge/containers"
	"tokenforge/cryptoutil"
	"tokenforge/dedup"
	"tokenforge/state"
)

// receivePathPrefix is the fixed derivation path prefix for single-use receive
// keys, per spec.md §4.5: m/7'/23'/11'/16'/0/<index>.
var receivePathPrefix = []uint32{
	cryptoutil.Hardened(7),
	cryptoutil.Hardened(23),
	cryptoutil.Hardened(11),
	cryptoutil.Hardened(16),
	0,
}

// defaultSetID is the single balances bucket used per issuer. spec.md §3.3
// names balances as `map: issuer → map: setId → integer` without defining
// what distinguishes one setId from another within a single issuer's token
// set; this module uses one fixed bucket per issuer (see DESIGN.md).
const defaultSetID = "default"

// SingleUseKeyRecord is one derived receive address and its private half,
// per spec.md §3.3's `singleUseKeys` map.
type SingleUseKeyRecord struct {
	PrivateKeyHex string `json:"privateKey"`
	CreatedAt     int64  `json:"createdAt"`
	Used          bool   `json:"used"`
}

// State is the per-holder persisted state of spec.md §3.3.
type State struct {
	Mnemonic      string                         `json:"hdMasterKey"`
	SingleUseKeys map[string]*SingleUseKeyRecord `json:"singleUseKeys"`
	Tokens        map[string]*containers.StringMap `json:"tokens"`       // issuer -> tokenHash -> jwt
	TokenIndex    map[string]map[string][]string   `json:"tokenIndex"`   // issuer -> denomination(decimal string) -> [tokenHash, ...]
	TATIndex      map[string]map[string]string     `json:"tatIndex"`     // issuer -> tokenID(decimal string) -> tokenHash
	Balances      map[string]map[string]uint64     `json:"balances"`     // issuer -> setId -> sum

	ProcessedEventBloom json.RawMessage `json:"processedEventBloom,omitempty"`
	ProcessedEventIds   []string        `json:"processedEventIds,omitempty"`
}

// NewState initializes fresh pocket state around a BIP-39 mnemonic.
func NewState(mnemonic string) *State {
	return &State{
		Mnemonic:      mnemonic,
		SingleUseKeys: make(map[string]*SingleUseKeyRecord),
		Tokens:        make(map[string]*containers.StringMap),
		TokenIndex:    make(map[string]map[string][]string),
		TATIndex:      make(map[string]map[string]string),
		Balances:      make(map[string]map[string]uint64),
	}
}

// generateMnemonic creates a fresh 24-word BIP-39 mnemonic, the same
// entropy/derivation shape as the teacher's core/wallet.go NewHDWallet.
func generateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", fmt.Errorf("generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("generate mnemonic: %w", err)
	}
	return mnemonic, nil
}

// pocketStore owns the mutex-guarded State plus its persistence plumbing —
// a non-anonymous field on Pocket (not embedded) so its `mu` cannot collide
// with messaging.Client's own embedded PeerCore/mu field at the same depth.
type pocketStore struct {
	mu        sync.Mutex
	state     *State
	storage   state.Storage
	saveQueue *state.SaveQueue
	dedup     *dedup.Filter
	masterKey *cryptoutil.ExtendedKey
}

func newPocketStore(storageKey string, storage state.Storage, mnemonic string) (*pocketStore, *dedup.Filter, error) {
	raw, err := storage.Get(storageKey)
	switch {
	case err == state.ErrNotFound:
		if mnemonic == "" {
			mnemonic, err = generateMnemonic()
			if err != nil {
				return nil, nil, err
			}
		} else if !bip39.IsMnemonicValid(mnemonic) {
			return nil, nil, fmt.Errorf("invalid mnemonic")
		}
		master, err := cryptoutil.MasterKeyFromSeed(bip39.NewSeed(mnemonic, ""))
		if err != nil {
			return nil, nil, fmt.Errorf("derive master key: %w", err)
		}
		st := NewState(mnemonic)
		df := dedup.New()
		return &pocketStore{
			state:     st,
			storage:   storage,
			saveQueue: state.NewSaveQueue(storage, storageKey),
			dedup:     df,
			masterKey: master,
		}, df, nil
	case err != nil:
		return nil, nil, fmt.Errorf("load pocket state: %w", err)
	}

	var loaded State
	if err := json.Unmarshal([]byte(raw), &loaded); err != nil {
		return nil, nil, fmt.Errorf("unmarshal pocket state: %w", err)
	}
	if loaded.SingleUseKeys == nil {
		loaded.SingleUseKeys = make(map[string]*SingleUseKeyRecord)
	}
	if loaded.Tokens == nil {
		loaded.Tokens = make(map[string]*containers.StringMap)
	}
	if loaded.TokenIndex == nil {
		loaded.TokenIndex = make(map[string]map[string][]string)
	}
	if loaded.TATIndex == nil {
		loaded.TATIndex = make(map[string]map[string]string)
	}
	if loaded.Balances == nil {
		loaded.Balances = make(map[string]map[string]uint64)
	}

	master, err := cryptoutil.MasterKeyFromSeed(bip39.NewSeed(loaded.Mnemonic, ""))
	if err != nil {
		return nil, nil, fmt.Errorf("derive master key: %w", err)
	}

	var df *dedup.Filter
	if len(loaded.ProcessedEventBloom) > 0 {
		df, err = dedup.Restore(loaded.ProcessedEventBloom)
		if err != nil {
			return nil, nil, fmt.Errorf("restore dedup bloom: %w", err)
		}
	} else {
		df = dedup.New()
	}
	if len(loaded.ProcessedEventIds) > 0 {
		df.ImportLegacyIDs(loaded.ProcessedEventIds)
		loaded.ProcessedEventIds = nil
	}

	return &pocketStore{
		state:     &loaded,
		storage:   storage,
		saveQueue: state.NewSaveQueue(storage, storageKey),
		dedup:     df,
		masterKey: master,
	}, df, nil
}

func (s *pocketStore) save() error {
	return s.saveQueue.Save(func() (string, error) {
		s.mu.Lock()
		snap, err := s.dedup.Snapshot()
		if err != nil {
			s.mu.Unlock()
			return "", fmt.Errorf("snapshot dedup: %w", err)
		}
		s.state.ProcessedEventBloom = snap
		s.state.ProcessedEventIds = nil
		payload, err := json.Marshal(s.state)
		s.mu.Unlock()
		if err != nil {
			return "", fmt.Errorf("marshal pocket state: %w", err)
		}
		return string(payload), nil
	})
}
